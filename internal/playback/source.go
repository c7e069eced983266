package playback

import (
	"context"

	"github.com/jmylchreest/trackdeck/internal/recording"
)

// Source supplies the frames the clock plays. Frames only returns what
// is resident; a streaming source may hold a subset of each track.
type Source interface {
	GlobalFrameRate() recording.FrameRate
	Tracks() []recording.TrackInfo
	Static(key recording.TrackKey) (*recording.Frame, bool)
	// Frames appends resident frames lo..hi of key to dst in ascending
	// index order.
	Frames(key recording.TrackKey, lo, hi int, dst []recording.IndexedFrame) []recording.IndexedFrame
}

// WindowRequester is implemented by sources that load frames on demand.
// The clock asks it to keep a window around the playhead resident.
type WindowRequester interface {
	RequestWindow(initial, current, frames int) error
}

// BufferWaiter is implemented by sources that can block until global
// frames lo..hi are resident. It returns false when they will not be.
type BufferWaiter interface {
	WaitForBufferedFrames(ctx context.Context, lo, hi int) bool
}

// Duration returns the latest track end of src in seconds.
func Duration(src Source) float64 {
	d := 0.0
	for _, t := range src.Tracks() {
		d = max(d, t.Duration)
	}
	return d
}

// MemorySource plays a fully resident recording.
type MemorySource struct {
	rec  *recording.Recording
	keys []recording.TrackKey
}

// NewMemorySource wraps rec.
func NewMemorySource(rec *recording.Recording) *MemorySource {
	return &MemorySource{rec: rec, keys: rec.SortedKeys()}
}

func (s *MemorySource) GlobalFrameRate() recording.FrameRate {
	return s.rec.GlobalFrameRate()
}

func (s *MemorySource) Tracks() []recording.TrackInfo {
	out := make([]recording.TrackInfo, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, s.rec.Tracks[key].Info())
	}
	return out
}

func (s *MemorySource) Static(key recording.TrackKey) (*recording.Frame, bool) {
	t, ok := s.rec.Tracks[key]
	if !ok || t.Static == nil {
		return nil, false
	}
	return t.Static, true
}

func (s *MemorySource) Frames(key recording.TrackKey, lo, hi int, dst []recording.IndexedFrame) []recording.IndexedFrame {
	t, ok := s.rec.Tracks[key]
	if !ok {
		return dst
	}
	for i := max(lo, t.StartIndex); i <= hi; i++ {
		f, ok := t.FrameAt(i)
		if !ok {
			break
		}
		dst = append(dst, recording.IndexedFrame{Index: i, Frame: *f})
	}
	return dst
}
