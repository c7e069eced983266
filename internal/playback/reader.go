package playback

import (
	"github.com/jmylchreest/trackdeck/internal/recording"
)

// staticIndex is the only static frame index a track has.
const staticIndex = 0

// TrackReader turns global frame numbers into the frames of one track
// that have fallen due since the previous call.
type TrackReader struct {
	info   recording.TrackInfo
	global recording.FrameRate

	lastForward int
	lastReverse int
	lastStatic  int

	buf []recording.IndexedFrame
}

// NewTrackReader returns a reader for the track described by info, fed
// global frame numbers at rate global.
func NewTrackReader(info recording.TrackInfo, global recording.FrameRate) *TrackReader {
	r := &TrackReader{info: info, global: global, lastStatic: -1}
	r.Restart(0)
	return r
}

// Key returns the track key.
func (r *TrackReader) Key() recording.TrackKey {
	return r.info.Key
}

// Local converts a global frame number to this track's clamped index.
func (r *TrackReader) Local(globalFrame int) int {
	local := globalFrame
	if r.info.FrameRate.IsValid() && r.global.IsValid() {
		local = r.global.Convert(globalFrame, r.info.FrameRate)
	}
	return min(max(local, 0), r.info.MaxFrames-1)
}

// Restart resets iteration so the next call delivers from globalFrame in
// either direction.
func (r *TrackReader) Restart(globalFrame int) {
	local := r.Local(globalFrame)
	r.lastForward = local - 1
	r.lastReverse = local + 1
}

// Reset forgets every delivery including the static frame.
func (r *TrackReader) Reset() {
	r.lastStatic = -1
	r.Restart(0)
}

// Next appends the frames due at globalFrame to dst. Forward delivers
// every frame after the last one delivered up to the playhead in
// ascending order; reverse delivers down to the playhead in descending
// order. The static frame is prepended only when it has not been
// delivered yet.
func (r *TrackReader) Next(src Source, globalFrame int, reverse bool, dst []Delivery) []Delivery {
	if r.info.MaxFrames <= 0 {
		return dst
	}
	dst = r.static(src, dst)

	local := r.Local(globalFrame)
	if !reverse {
		if local <= r.lastForward {
			return dst
		}
		r.buf = src.Frames(r.info.Key, r.lastForward+1, local, r.buf[:0])
		for _, f := range r.buf {
			dst = append(dst, Delivery{Key: r.info.Key, Index: f.Index, Frame: f.Frame})
		}
		r.lastForward = local
		return dst
	}

	if local >= r.lastReverse {
		return dst
	}
	r.buf = src.Frames(r.info.Key, local, r.lastReverse-1, r.buf[:0])
	for i := len(r.buf) - 1; i >= 0; i-- {
		f := r.buf[i]
		dst = append(dst, Delivery{Key: r.info.Key, Index: f.Index, Frame: f.Frame})
	}
	r.lastReverse = local
	return dst
}

// Sync delivers exactly the frame at globalFrame and leaves both
// directions positioned after it. When that frame is not resident both
// directions are left to deliver it next.
func (r *TrackReader) Sync(src Source, globalFrame int, dst []Delivery) []Delivery {
	if r.info.MaxFrames <= 0 {
		return dst
	}
	dst = r.static(src, dst)

	local := r.Local(globalFrame)
	r.buf = src.Frames(r.info.Key, local, local, r.buf[:0])
	for _, f := range r.buf {
		dst = append(dst, Delivery{Key: r.info.Key, Index: f.Index, Frame: f.Frame})
	}
	if len(r.buf) == 0 {
		r.lastForward = local - 1
		r.lastReverse = local + 1
		return dst
	}
	r.lastForward = local
	r.lastReverse = local
	return dst
}

func (r *TrackReader) static(src Source, dst []Delivery) []Delivery {
	if !r.info.HasStatic || r.lastStatic == staticIndex {
		return dst
	}
	f, ok := src.Static(r.info.Key)
	if !ok {
		return dst
	}
	r.lastStatic = staticIndex
	return append(dst, Delivery{Key: r.info.Key, Index: staticIndex, Frame: *f, Static: true})
}
