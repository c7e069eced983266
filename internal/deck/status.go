package deck

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/internal/streaming"
)

// PlaybackStatus describes the transport.
type PlaybackStatus struct {
	State     string              `json:"state"`
	Position  float64             `json:"position"`
	Frame     int                 `json:"frame"`
	SubFrame  float64             `json:"sub_frame"`
	FrameRate recording.FrameRate `json:"frame_rate"`
	Reverse   bool                `json:"reverse"`
	Looping   bool                `json:"looping"`
	Session   string              `json:"session,omitempty"`
	SelStart  float64             `json:"selection_start"`
	SelEnd    float64             `json:"selection_end"`
}

// LoadedStatus describes the loaded recording.
type LoadedStatus struct {
	Path string `json:"path"`
	// Expanded is the decompressed copy played from, when Path is an archive.
	Expanded  string                `json:"expanded,omitempty"`
	LoadedAt  time.Time             `json:"loaded_at"`
	Duration  float64               `json:"duration"`
	MaxFrames int                   `json:"max_frames"`
	Tracks    []recording.TrackInfo `json:"tracks"`
	Cache     streaming.Status      `json:"cache"`
}

// Status is a point-in-time view of the deck.
type Status struct {
	Recorder recorder.Status `json:"recorder"`
	Playback PlaybackStatus  `json:"playback"`
	Loaded   *LoadedStatus   `json:"loaded,omitempty"`
}

// PlaybackStatus returns the transport state.
func (d *Deck) PlaybackStatus() PlaybackStatus {
	head, rate := d.clock.Playhead()
	start, end := d.clock.Selection()
	st := PlaybackStatus{
		State:     d.clock.State().String(),
		Position:  d.clock.Position(),
		Frame:     head.Frame,
		SubFrame:  head.SubFrame,
		FrameRate: rate,
		Reverse:   d.clock.Reverse(),
		Looping:   d.clock.Looping(),
		SelStart:  start,
		SelEnd:    end,
	}
	if id := d.clock.Session(); id != uuid.Nil {
		st.Session = id.String()
	}
	return st
}

// Status returns the state of the recorder, transport and loaded recording.
func (d *Deck) Status() Status {
	st := Status{
		Recorder: d.rec.Status(),
		Playback: d.PlaybackStatus(),
	}

	d.mu.Lock()
	cur := d.cur
	d.mu.Unlock()
	if cur != nil {
		ix := cur.cache.Index()
		st.Loaded = &LoadedStatus{
			Path:      cur.path,
			LoadedAt:  cur.loadedAt,
			Duration:  ix.Duration(),
			MaxFrames: ix.MaxFrames(),
			Tracks:    cur.cache.Tracks(),
			Cache:     cur.cache.Status(),
		}
		if cur.local != cur.path {
			st.Loaded.Expanded = cur.local
		}
	}
	return st
}
