package playback

import (
	"github.com/jmylchreest/trackdeck/internal/recording"
)

// Delivery is one frame handed to a sink.
type Delivery struct {
	Key    recording.TrackKey
	Index  int
	Frame  recording.Frame
	Static bool
}

// FrameSink receives frames as they fall due. Deliver is called from the
// clock goroutine and from Seek; it must not call back into the clock.
type FrameSink interface {
	Deliver(deliveries []Delivery)
}

// SinkFunc adapts a function to FrameSink.
type SinkFunc func(deliveries []Delivery)

func (f SinkFunc) Deliver(deliveries []Delivery) { f(deliveries) }

// Discard drops every delivery.
var Discard FrameSink = SinkFunc(func([]Delivery) {})
