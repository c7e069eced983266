// Package recorder captures pushed frames into a recording and saves it
// to the container format in the background once recording stops.
package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/pkg/diskslice"
)

var (
	// ErrAlreadyRecording is returned by Start while a recording is active.
	ErrAlreadyRecording = errors.New("already recording")
	// ErrNotRecording is returned when no recording is active.
	ErrNotRecording = errors.New("not recording")
	// ErrRecordingBusy is returned by Start while the previous recording
	// is still being saved or is still loaded for playback.
	ErrRecordingBusy = errors.New("previous recording not yet released")
)

// FileExtension is appended to saved recordings.
const FileExtension = ".tdk"

// Result describes a saved recording.
type Result struct {
	ID        string              `json:"id"`
	Path      string              `json:"path"`
	CreatedAt time.Time           `json:"created_at"`
	Tracks    int                 `json:"tracks"`
	Frames    int                 `json:"frames"`
	Duration  float64             `json:"duration"`
	FrameRate recording.FrameRate `json:"frame_rate"`
	SizeBytes int64               `json:"size_bytes"`
}

// Cataloger is told about every successfully saved recording.
type Cataloger interface {
	Add(ctx context.Context, res Result) error
}

// Options configures a Recorder.
type Options struct {
	// Dir is where recordings are saved.
	Dir string
	// TempDir holds spilled frames while recording.
	TempDir string
	// SpillThreshold is the in-memory byte estimate per track beyond
	// which frames spill to TempDir.
	SpillThreshold int64
	// Version is the container version written. Default: current.
	Version  int32
	Registry *payload.Registry
	// Sink receives every pushed frame as it arrives.
	Sink      playback.FrameSink
	Cataloger Cataloger
	// Now is the clock frames are stamped with. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Status is a point-in-time view of a Recorder.
type Status struct {
	Recording bool      `json:"recording"`
	Saving    bool      `json:"saving"`
	ID        string    `json:"id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	Tracks    int       `json:"tracks"`
	Frames    int       `json:"frames"`
	LastPath  string    `json:"last_path,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Recorder is safe for concurrent use.
type Recorder struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	active  *session
	saveCh  chan struct{}
	lastRes Result
	lastErr error
	hasLast bool
}

type session struct {
	id      string
	started time.Time
	tracks  map[recording.TrackKey]*liveTrack
	frames  int
}

type liveTrack struct {
	key         recording.TrackKey
	payloadType string
	static      *recording.Frame
	frames      *diskslice.DiskSlice[recording.Frame]
	lastTs      float64
}

// New returns an idle recorder.
func New(opts Options) *Recorder {
	if opts.Registry == nil {
		opts.Registry = payload.NewDefaultRegistry()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sink == nil {
		opts.Sink = playback.Discard
	}
	if opts.Version == 0 {
		opts.Version = container.VersionCurrent
	}
	if opts.Dir == "" {
		opts.Dir = "."
	}
	return &Recorder{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "recorder"),
	}
}

// Start begins a new recording.
func (r *Recorder) Start() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return "", ErrAlreadyRecording
	}
	if r.savingLocked() {
		return "", ErrRecordingBusy
	}

	now := r.opts.Now()
	r.active = &session{
		id:      recording.NewID(now),
		started: now,
		tracks:  make(map[recording.TrackKey]*liveTrack),
	}
	observability.WithRecording(r.logger, r.active.id).Info("recording started")
	return r.active.id, nil
}

// IsRecording reports whether a recording is active.
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Saving reports whether a stopped recording is still being written.
func (r *Recorder) Saving() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.savingLocked()
}

func (r *Recorder) savingLocked() bool {
	if r.saveCh == nil {
		return false
	}
	select {
	case <-r.saveCh:
		return false
	default:
		return true
	}
}

// PushStatic records the one-time static frame of key. role is the
// payload type the track's animated frames will carry.
func (r *Recorder) PushStatic(key recording.TrackKey, role string, p payload.Payload) error {
	if p == nil {
		return container.ErrEmptyPayload
	}

	r.mu.Lock()
	s := r.active
	if s == nil {
		r.mu.Unlock()
		return ErrNotRecording
	}
	f := recording.Frame{Timestamp: r.elapsed(s), Payload: p}

	t, ok := s.tracks[key]
	switch {
	case ok && t.frames.Len() > 0:
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", recording.ErrStaticAfterFrames, key)
	case ok:
		t.payloadType = role
		t.static = &f
	default:
		ds, err := r.newFrameStore(s, key, role)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		s.tracks[key] = &liveTrack{key: key, payloadType: role, static: &f, frames: ds}
	}
	r.mu.Unlock()

	r.opts.Sink.Deliver([]playback.Delivery{{Key: key, Frame: f, Static: true}})
	return nil
}

// PushFrame appends an animated frame to key's track. Timestamps that do
// not advance are nudged forward to keep the track strictly increasing.
func (r *Recorder) PushFrame(key recording.TrackKey, p payload.Payload) error {
	if p == nil {
		return container.ErrEmptyPayload
	}

	r.mu.Lock()
	s := r.active
	if s == nil {
		r.mu.Unlock()
		return ErrNotRecording
	}
	t, ok := s.tracks[key]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", recording.ErrUnknownTrack, key)
	}
	if p.TypeName() != t.payloadType {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is %q, got %q", recording.ErrPayloadType, key, t.payloadType, p.TypeName())
	}

	ts := r.elapsed(s)
	index := t.frames.Len()
	if index > 0 && ts <= t.lastTs {
		ts = math.Nextafter(t.lastTs, math.Inf(1))
	}
	f := recording.Frame{Timestamp: ts, Payload: p}
	if err := t.frames.Append(f); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("storing frame of %s: %w", key, err)
	}
	t.lastTs = ts
	s.frames++
	r.mu.Unlock()

	r.opts.Sink.Deliver([]playback.Delivery{{Key: key, Index: index, Frame: f}})
	return nil
}

func (r *Recorder) elapsed(s *session) float64 {
	return max(r.opts.Now().Sub(s.started).Seconds(), 0)
}

// newFrameStore returns a spillable frame store for one track.
func (r *Recorder) newFrameStore(s *session, key recording.TrackKey, payloadType string) (*diskslice.DiskSlice[recording.Frame], error) {
	registry := r.opts.Registry
	codec := diskslice.Codec[recording.Frame]{
		Marshal: func(f *recording.Frame) ([]byte, error) {
			data, err := f.Payload.MarshalBinary()
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 8, 8+len(data))
			binary.LittleEndian.PutUint64(buf, math.Float64bits(f.Timestamp))
			return append(buf, data...), nil
		},
		Unmarshal: func(data []byte, f *recording.Frame) error {
			if len(data) < 8 {
				return fmt.Errorf("%w: spilled frame of %d bytes", container.ErrCorrupt, len(data))
			}
			p, err := registry.Decode(payloadType, data[8:])
			if err != nil {
				return err
			}
			f.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(data))
			f.Payload = p
			return nil
		},
		Size: func(f *recording.Frame) int {
			return 8 + payload.SizeOf(f.Payload)
		},
	}
	return diskslice.New(diskslice.Options{
		MemoryThreshold: r.opts.SpillThreshold,
		TempDir:         r.opts.TempDir,
		Name:            s.id + "-" + sanitize(key.String()),
	}, codec)
}

func sanitize(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// Stop ends the recording and saves it in the background. It returns the
// path the recording is being written to; Wait reports the outcome.
func (r *Recorder) Stop(ctx context.Context) (string, error) {
	r.mu.Lock()
	s := r.active
	if s == nil {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.active = nil
	done := make(chan struct{})
	r.saveCh = done
	path := filepath.Join(r.opts.Dir, s.id+FileExtension)
	r.mu.Unlock()

	logger := observability.WithRecording(r.logger, s.id)
	logger.Info("recording stopped", slog.Int("tracks", len(s.tracks)), slog.Int("frames", s.frames))

	go func() {
		defer close(done)
		res, err := r.save(context.WithoutCancel(ctx), s, path)
		if err != nil {
			observability.WithError(logger, err).Error("saving recording failed")
		}
		r.mu.Lock()
		r.lastRes, r.lastErr, r.hasLast = res, err, true
		r.mu.Unlock()
	}()
	return path, nil
}

// Wait blocks until the last stopped recording has been saved and returns
// the outcome.
func (r *Recorder) Wait(ctx context.Context) (Result, error) {
	r.mu.Lock()
	done := r.saveCh
	r.mu.Unlock()
	if done == nil {
		return Result{}, ErrNotRecording
	}

	select {
	case <-done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRes, r.lastErr
}

// Status returns a point-in-time view of the recorder.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{Recording: r.active != nil, Saving: r.savingLocked()}
	if s := r.active; s != nil {
		st.ID = s.id
		st.StartedAt = s.started
		st.Tracks = len(s.tracks)
		st.Frames = s.frames
	}
	if r.hasLast {
		st.LastPath = r.lastRes.Path
		if r.lastErr != nil {
			st.LastError = r.lastErr.Error()
		}
	}
	return st
}

func (r *Recorder) save(ctx context.Context, s *session, path string) (Result, error) {
	start := time.Now()
	keys := make([]recording.TrackKey, 0, len(s.tracks))
	for key := range s.tracks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	sources := make([]container.TrackSource, 0, len(keys))
	for _, key := range keys {
		t := s.tracks[key]
		sources = append(sources, container.TrackSource{
			Key:         key,
			PayloadType: t.payloadType,
			Static:      t.static,
			Frames:      t.frames,
		})
	}
	defer func() {
		for _, t := range s.tracks {
			_ = t.frames.Close()
		}
	}()

	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating recordings directory: %w", err)
	}
	size, err := container.WriteFile(path, sources, container.WriteOptions{Version: r.opts.Version})
	if err != nil {
		return Result{}, fmt.Errorf("writing %s: %w", path, err)
	}

	res := Result{
		ID:        s.id,
		Path:      path,
		CreatedAt: s.started.UTC(),
		Tracks:    len(keys),
		SizeBytes: size,
	}
	maxFrames := 0
	for _, t := range s.tracks {
		n := t.frames.Len()
		res.Frames += n
		maxFrames = max(maxFrames, n)
		res.Duration = max(res.Duration, t.lastTs)
	}
	res.FrameRate = recording.DeriveFrameRate(maxFrames, res.Duration)

	observability.WithRecording(r.logger, s.id).Info("recording saved",
		slog.String("path", path),
		slog.Int64("size_bytes", size),
		slog.Duration("duration", time.Since(start)),
	)

	if r.opts.Cataloger != nil {
		if err := r.opts.Cataloger.Add(ctx, res); err != nil {
			observability.WithError(r.logger, err).Warn("cataloging recording failed", slog.String("path", path))
		}
	}
	return res, nil
}
