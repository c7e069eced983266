// Package recording holds the in-memory model of one recording: tracks of
// timestamped frames keyed by source and name, plus each track's one-time
// static frame.
package recording

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/oklog/ulid/v2"
)

// FormatVersion is the container format version new recordings are written with.
const FormatVersion int32 = 2

var (
	// ErrNonMonotonic is returned when a frame does not advance its track's timestamp.
	ErrNonMonotonic = errors.New("frame timestamp does not increase")
	// ErrUnknownTrack is returned when a frame is appended before its track's static frame.
	ErrUnknownTrack = errors.New("unknown track")
	// ErrStaticAfterFrames is returned when a static frame arrives after animated frames.
	ErrStaticAfterFrames = errors.New("static frame after animated frames")
	// ErrPayloadType is returned when a frame's payload does not match its track.
	ErrPayloadType = errors.New("payload type does not match track")
)

// TrackKey identifies a track within a recording.
type TrackKey struct {
	Source string `json:"source"`
	Name   string `json:"name"`
}

func (k TrackKey) String() string {
	return k.Source + "/" + k.Name
}

// Less orders keys by source, then name.
func (k TrackKey) Less(o TrackKey) bool {
	if k.Source != o.Source {
		return k.Source < o.Source
	}
	return k.Name < o.Name
}

// Frame is a payload stamped with seconds since the recording started.
type Frame struct {
	Timestamp float64
	Payload   payload.Payload
}

// IndexedFrame is a frame together with its absolute index in its track.
type IndexedFrame struct {
	Index int
	Frame Frame
}

// FrameSource yields a track's frames in order. Both in-memory slices and
// disk-spilled frame stores satisfy it.
type FrameSource interface {
	Len() int
	For(fn func(index int, f *Frame) bool) error
}

// FrameSlice adapts a slice of frames to FrameSource.
type FrameSlice []Frame

func (s FrameSlice) Len() int { return len(s) }

func (s FrameSlice) For(fn func(index int, f *Frame) bool) error {
	for i := range s {
		if !fn(i, &s[i]) {
			break
		}
	}
	return nil
}

// Track is one time series of a recording.
type Track struct {
	Key TrackKey
	// PayloadType is the type name of the track's animated frames.
	PayloadType string
	Static      *Frame
	Frames      []Frame
	// StartIndex is the absolute frame index of Frames[0].
	StartIndex int
	// MaxFrames is the absolute frame count of the track.
	MaxFrames int
}

// FrameAt returns the frame with absolute index abs if it is held in Frames.
func (t *Track) FrameAt(abs int) (*Frame, bool) {
	i := abs - t.StartIndex
	if i < 0 || i >= len(t.Frames) {
		return nil, false
	}
	return &t.Frames[i], true
}

// LastTimestamp returns the timestamp of the last held frame, or 0.
func (t *Track) LastTimestamp() float64 {
	if len(t.Frames) == 0 {
		return 0
	}
	return t.Frames[len(t.Frames)-1].Timestamp
}

// LocalFrameRate derives the track's own rate from its frame count and
// last timestamp, on the same terms as GlobalFrameRate.
func (t *Track) LocalFrameRate() FrameRate {
	return DeriveFrameRate(t.MaxFrames, t.LastTimestamp())
}

// Info summarizes the track without its frames.
func (t *Track) Info() TrackInfo {
	return TrackInfo{
		Key:         t.Key,
		PayloadType: t.PayloadType,
		MaxFrames:   t.MaxFrames,
		FrameRate:   t.LocalFrameRate(),
		Duration:    t.LastTimestamp(),
		HasStatic:   t.Static != nil,
	}
}

// TrackInfo describes a track to playback consumers.
type TrackInfo struct {
	Key         TrackKey  `json:"key"`
	PayloadType string    `json:"payload_type"`
	MaxFrames   int       `json:"max_frames"`
	FrameRate   FrameRate `json:"frame_rate"`
	Duration    float64   `json:"duration"`
	HasStatic   bool      `json:"has_static"`
}

// Recording is a set of tracks captured together.
type Recording struct {
	ID        string
	Version   int32
	CreatedAt time.Time
	Tracks    map[TrackKey]*Track
}

// New returns an empty recording with a fresh ULID.
func New() *Recording {
	now := time.Now()
	return &Recording{
		ID:        NewID(now),
		Version:   FormatVersion,
		CreatedAt: now.UTC(),
		Tracks:    make(map[TrackKey]*Track),
	}
}

// NewID returns a ULID string for a recording created at t.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// AddStatic sets the static frame of key's track, creating the track. The
// track's animated frames must be of payloadType.
func (r *Recording) AddStatic(key TrackKey, payloadType string, f Frame) error {
	if t, ok := r.Tracks[key]; ok {
		if t.MaxFrames > 0 {
			return fmt.Errorf("%w: %s", ErrStaticAfterFrames, key)
		}
		t.PayloadType = payloadType
		t.Static = &f
		return nil
	}
	r.Tracks[key] = &Track{Key: key, PayloadType: payloadType, Static: &f}
	return nil
}

// Append adds an animated frame to key's track.
func (r *Recording) Append(key TrackKey, f Frame) error {
	t, ok := r.Tracks[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, key)
	}
	if f.Payload != nil && f.Payload.TypeName() != t.PayloadType {
		return fmt.Errorf("%w: %s is %q, got %q", ErrPayloadType, key, t.PayloadType, f.Payload.TypeName())
	}
	if len(t.Frames) > 0 && f.Timestamp <= t.LastTimestamp() {
		return fmt.Errorf("%w: %s at %v after %v", ErrNonMonotonic, key, f.Timestamp, t.LastTimestamp())
	}
	t.Frames = append(t.Frames, f)
	t.MaxFrames = t.StartIndex + len(t.Frames)
	return nil
}

// SortedKeys returns the track keys in Less order.
func (r *Recording) SortedKeys() []TrackKey {
	keys := make([]TrackKey, 0, len(r.Tracks))
	for k := range r.Tracks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// MaxFrames returns the largest frame count across tracks.
func (r *Recording) MaxFrames() int {
	n := 0
	for _, t := range r.Tracks {
		n = max(n, t.MaxFrames)
	}
	return n
}

// Duration returns the latest frame timestamp across tracks, in seconds.
func (r *Recording) Duration() float64 {
	d := 0.0
	for _, t := range r.Tracks {
		d = math.Max(d, t.LastTimestamp())
	}
	return d
}

// GlobalFrameRate returns the playback rate derived from the longest track
// and the latest timestamp.
func (r *Recording) GlobalFrameRate() FrameRate {
	return DeriveFrameRate(r.MaxFrames(), r.Duration())
}
