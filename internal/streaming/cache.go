// Package streaming keeps a bounded window of a recording's frames resident
// while the rest stays on disk.
//
// A Cache owns one open recording file and one background loader. Callers
// move the window with RequestWindow; the loader fills it outward from the
// current frame in both directions, evicting frames that fall outside into
// an EvictionCache so a reversing playhead can re-admit them without a
// disk read. Resident ranges are published after every unit of work and
// can be queried or waited on from any goroutine.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/recording"
)

var (
	// ErrCancelled is returned by RequestWindow after Cancel or Close.
	ErrCancelled = errors.New("streaming cache cancelled")
	// ErrLoadFailed is returned by RequestWindow after a fatal read fault.
	ErrLoadFailed = errors.New("streaming load failed")
)

// State is the lifecycle state of a Cache.
type State int32

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Cache.
type Config struct {
	// BatchSize is how many frames the loader takes in one direction
	// before switching to the other.
	BatchSize int
	// PollInterval is how often WaitForBufferedFrames re-checks.
	PollInterval time.Duration
	// EvictionBudget bounds the eviction cache in bytes. Zero sizes it
	// from available memory; negative disables it.
	EvictionBudget int64
	// Registry decodes payloads. Default: payload.NewDefaultRegistry().
	Registry *payload.Registry
	Logger   *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:    8,
		PollInterval: 2 * time.Millisecond,
	}
}

// Window is one load request in the global frame domain.
type Window struct {
	Initial int `json:"initial"`
	Current int `json:"current"`
	Frames  int `json:"frames"`
}

// Span maps w onto a track of maxFrames frames: lo..hi is the range to
// keep resident and cur the frame loading starts from. A window that runs
// past the last frame is shifted left rather than truncated.
func (w Window) Span(maxFrames int) (lo, hi, cur int) {
	if maxFrames <= 0 {
		return 0, -1, 0
	}
	lo = max(0, min(w.Initial, w.Current)-w.Frames)
	hi = max(w.Initial, w.Current) + w.Frames
	if last := maxFrames - 1; hi > last {
		shift := hi - last
		hi = last
		lo = max(0, lo-shift)
	}
	lo = min(lo, hi)
	cur = min(max(w.Current, lo), hi)
	return lo, hi, cur
}

// local converts w from the global rate to a track's rate.
func (w Window) local(global, rate recording.FrameRate) Window {
	if global == rate || !global.IsValid() || !rate.IsValid() {
		return w
	}
	scaled := float64(w.Frames) * rate.AsFloat() / global.AsFloat()
	frames := int(scaled)
	if float64(frames) < scaled {
		frames++
	}
	return Window{
		Initial: global.Convert(w.Initial, rate),
		Current: global.Convert(w.Current, rate),
		Frames:  frames,
	}
}

// Stats counts loader activity.
type Stats struct {
	DiskReads        int64 `json:"disk_reads"`
	BytesRead        int64 `json:"bytes_read"`
	FramesLoaded     int64 `json:"frames_loaded"`
	FramesReadmitted int64 `json:"frames_readmitted"`
	FramesEvicted    int64 `json:"frames_evicted"`
	FramesSkipped    int64 `json:"frames_skipped"`
	EvictionBytes    int64 `json:"eviction_bytes"`
}

// Status is a point-in-time view of a Cache.
type Status struct {
	State       State                          `json:"-"`
	StateName   string                         `json:"state"`
	Window      *Window                        `json:"window,omitempty"`
	FullyLoaded bool                           `json:"fully_loaded"`
	Ranges      map[recording.TrackKey][]Range `json:"-"`
	Stats       Stats                          `json:"stats"`
	Err         error                          `json:"-"`
}

// trackStore is the resident part of one animated track. frames and
// resident are guarded by Cache.mu.
type trackStore struct {
	index    *container.TrackIndex
	static   *recording.Frame
	rate     recording.FrameRate
	frames   []*recording.Frame
	resident RangeSet
}

func (t *trackStore) maxFrames() int {
	return t.index.MaxFrames
}

type snapshot struct {
	ranges map[recording.TrackKey][]Range
	full   bool
}

// Cache streams one recording file.
type Cache struct {
	cfg    Config
	logger *slog.Logger

	closer io.Closer
	reader *container.Reader
	index  *container.Index
	keys   []recording.TrackKey
	global recording.FrameRate

	// mu guards the frame arrays and resident sets of every track.
	mu     sync.RWMutex
	tracks map[recording.TrackKey]*trackStore

	evicted *EvictionCache

	state   atomic.Int32
	failure atomic.Pointer[error]
	snap    atomic.Pointer[snapshot]

	// reqMu guards the request fields and state transitions between
	// Loading and Ready.
	reqMu     sync.Mutex
	pending   *Window
	active    Window
	hasActive bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	pauseMu        sync.Mutex
	pauseRequested atomic.Bool
	paused         *event
	unpaused       *event

	diskReads        atomic.Int64
	bytesRead        atomic.Int64
	framesLoaded     atomic.Int64
	framesReadmitted atomic.Int64
	framesEvicted    atomic.Int64
	framesSkipped    atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

// Open opens the recording at path and starts its loader. Nothing is
// loaded until the first RequestWindow.
func Open(path string, cfg Config) (*Cache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	c, err := New(f, cfg)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return c, nil
}

// New starts a cache over r. If r is an io.Closer it is closed by Close.
func New(r io.ReaderAt, cfg Config) (*Cache, error) {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Registry == nil {
		cfg.Registry = payload.NewDefaultRegistry()
	}
	if cfg.EvictionBudget == 0 {
		cfg.EvictionBudget = AutoEvictionBudget()
	}
	logger := observability.WithComponent(cfg.Logger, "streaming")

	rd, err := container.NewReader(r, cfg.Registry)
	if err != nil {
		return nil, err
	}
	ix := rd.Index()

	tracks := make(map[recording.TrackKey]*trackStore, len(ix.Keys))
	for _, key := range ix.Keys {
		ti := ix.Animated[key]
		static, err := rd.ReadStatic(key)
		if err != nil {
			return nil, fmt.Errorf("reading static frame of %s: %w", key, err)
		}
		tracks[key] = &trackStore{
			index:  ti,
			static: static,
			rate:   ti.LocalFrameRate(),
			frames: make([]*recording.Frame, ti.MaxFrames),
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:      cfg,
		logger:   logger,
		reader:   rd,
		index:    ix,
		keys:     ix.Keys,
		global:   ix.GlobalFrameRate(),
		tracks:   tracks,
		evicted:  NewEvictionCache(cfg.EvictionBudget),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		paused:   newEvent(),
		unpaused: newEvent(),
	}
	if cl, ok := r.(io.Closer); ok {
		c.closer = cl
	}
	c.publish()

	logger.Debug("opened recording",
		slog.Int("tracks", len(ix.Keys)),
		slog.Int("max_frames", ix.MaxFrames()),
		slog.String("frame_rate", c.global.String()),
		slog.Int64("eviction_budget", cfg.EvictionBudget),
	)

	go c.run()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Cache) State() State {
	return State(c.state.Load())
}

// Err returns the fault that unloaded the cache, if any.
func (c *Cache) Err() error {
	if p := c.failure.Load(); p != nil {
		return *p
	}
	return nil
}

// Index returns the parsed file index.
func (c *Cache) Index() *container.Index {
	return c.index
}

// RequestWindow asks the loader to make the window resident. A request
// identical to the one in progress is a no-op; a different one restarts
// the loader once its current unit of work completes.
func (c *Cache) RequestWindow(initial, current, frames int) error {
	w := Window{Initial: max(initial, 0), Current: max(current, 0), Frames: max(frames, 0)}

	c.reqMu.Lock()
	if err := c.Err(); err != nil {
		c.reqMu.Unlock()
		return fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	if c.ctx.Err() != nil {
		c.reqMu.Unlock()
		return ErrCancelled
	}
	if c.pending != nil && *c.pending == w {
		c.reqMu.Unlock()
		return nil
	}
	if c.pending == nil && c.hasActive && c.active == w {
		c.reqMu.Unlock()
		return nil
	}
	c.pending = &w
	c.state.Store(int32(StateLoading))
	c.reqMu.Unlock()

	c.poke()
	return nil
}

func (c *Cache) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// busy reports whether the loader has work queued or in progress.
func (c *Cache) busy() bool {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.pending != nil || c.State() == StateLoading
}

// IsRangeBuffered reports whether frames r of key, in the track's own
// frame domain, are resident. r is clamped to the track first.
func (c *Cache) IsRangeBuffered(key recording.TrackKey, r Range) bool {
	ts, ok := c.tracks[key]
	if !ok {
		return false
	}
	r = r.Intersect(Range{Lo: 0, Hi: ts.maxFrames() - 1})
	s := c.snap.Load()
	if s.full || r.Empty() {
		return true
	}
	set := RangeSet{ranges: s.ranges[key]}
	return set.ContainsRange(r)
}

// IsFrameRangeBuffered reports whether the global frames lo..hi are
// resident on every track, each converted to its local rate and clamped.
func (c *Cache) IsFrameRangeBuffered(r Range) bool {
	if r.Empty() {
		return true
	}
	if c.snap.Load().full {
		return true
	}
	for _, key := range c.keys {
		ts := c.tracks[key]
		local := Range{Lo: c.global.Convert(r.Lo, ts.rate), Hi: c.global.Convert(r.Hi, ts.rate)}
		if !c.IsRangeBuffered(key, local) {
			return false
		}
	}
	return true
}

// BufferedRanges returns the resident ranges of every track. A fully
// loaded recording reports each track's whole range.
func (c *Cache) BufferedRanges() map[recording.TrackKey][]Range {
	s := c.snap.Load()
	out := make(map[recording.TrackKey][]Range, len(s.ranges))
	for key, ranges := range s.ranges {
		out[key] = append([]Range(nil), ranges...)
	}
	return out
}

// FullyLoaded reports whether every frame of every track is resident.
func (c *Cache) FullyLoaded() bool {
	return c.snap.Load().full
}

// WaitForBufferedFrames polls until the global frames lo..hi are resident
// on every track. It returns false if the cache is cancelled or unloaded,
// if ctx ends, or if the loader goes idle without covering the range.
func (c *Cache) WaitForBufferedFrames(ctx context.Context, lo, hi int) bool {
	r := Range{Lo: lo, Hi: hi}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if c.IsFrameRangeBuffered(r) {
			return true
		}
		switch c.State() {
		case StateUnloaded, StateCancelled:
			return false
		}
		if !c.busy() {
			return c.IsFrameRangeBuffered(r)
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// Pause blocks until the loader reaches a point between frame units and
// stops there. It returns at once if the loader has exited.
func (c *Cache) Pause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	if c.pauseRequested.Load() {
		return
	}
	c.paused.Reset()
	c.pauseRequested.Store(true)
	c.unpaused.Reset()
	c.poke()

	select {
	case <-c.paused.C():
	case <-c.done:
	}
}

// Resume releases a paused loader.
func (c *Cache) Resume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()

	if !c.pauseRequested.Load() {
		return
	}
	c.pauseRequested.Store(false)
	c.unpaused.Set()
}

// IsPaused reports whether a pause is in effect.
func (c *Cache) IsPaused() bool {
	return c.pauseRequested.Load()
}

// Cancel stops the loader without waiting for it. Resident frames stay
// queryable.
func (c *Cache) Cancel() {
	c.cancel()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.Err() == nil {
		c.state.Store(int32(StateCancelled))
	}
}

// Close cancels the loader, waits for it to exit and releases the file.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.Cancel()
		c.unpaused.Set()
		<-c.done
		if c.closer != nil {
			c.closeErr = c.closer.Close()
		}
		c.evicted.Clear()
	})
	return c.closeErr
}

// Stats returns loader counters.
func (c *Cache) Stats() Stats {
	return Stats{
		DiskReads:        c.diskReads.Load(),
		BytesRead:        c.bytesRead.Load(),
		FramesLoaded:     c.framesLoaded.Load(),
		FramesReadmitted: c.framesReadmitted.Load(),
		FramesEvicted:    c.framesEvicted.Load(),
		FramesSkipped:    c.framesSkipped.Load(),
		EvictionBytes:    c.evicted.Bytes(),
	}
}

// Status returns a point-in-time view of the cache.
func (c *Cache) Status() Status {
	st := Status{
		State:       c.State(),
		FullyLoaded: c.FullyLoaded(),
		Ranges:      c.BufferedRanges(),
		Stats:       c.Stats(),
		Err:         c.Err(),
	}
	st.StateName = st.State.String()
	c.reqMu.Lock()
	switch {
	case c.pending != nil:
		w := *c.pending
		st.Window = &w
	case c.hasActive:
		w := c.active
		st.Window = &w
	}
	c.reqMu.Unlock()
	return st
}

// GlobalFrameRate returns the rate derived from the file index.
func (c *Cache) GlobalFrameRate() recording.FrameRate {
	return c.global
}

// Tracks describes every animated track in file order.
func (c *Cache) Tracks() []recording.TrackInfo {
	out := make([]recording.TrackInfo, 0, len(c.keys))
	for _, key := range c.keys {
		ts := c.tracks[key]
		out = append(out, recording.TrackInfo{
			Key:         key,
			PayloadType: ts.index.PayloadType,
			MaxFrames:   ts.maxFrames(),
			FrameRate:   ts.rate,
			Duration:    ts.index.LastTimestamp,
			HasStatic:   ts.static != nil,
		})
	}
	return out
}

// Static returns the static frame of key.
func (c *Cache) Static(key recording.TrackKey) (*recording.Frame, bool) {
	ts, ok := c.tracks[key]
	if !ok || ts.static == nil {
		return nil, false
	}
	return ts.static, true
}

// Frames appends the resident frames lo..hi of key to dst in ascending
// index order.
func (c *Cache) Frames(key recording.TrackKey, lo, hi int, dst []recording.IndexedFrame) []recording.IndexedFrame {
	ts, ok := c.tracks[key]
	if !ok {
		return dst
	}
	lo = max(lo, 0)
	hi = min(hi, ts.maxFrames()-1)

	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := lo; i <= hi; i++ {
		if f := ts.frames[i]; f != nil {
			dst = append(dst, recording.IndexedFrame{Index: i, Frame: *f})
		}
	}
	return dst
}

// publish recomputes the queryable snapshot of resident ranges.
func (c *Cache) publish() {
	s := &snapshot{ranges: make(map[recording.TrackKey][]Range, len(c.tracks)), full: true}
	c.mu.RLock()
	for key, ts := range c.tracks {
		s.ranges[key] = ts.resident.Ranges()
		if !ts.resident.ContainsRange(Range{Lo: 0, Hi: ts.maxFrames() - 1}) {
			s.full = false
		}
	}
	c.mu.RUnlock()
	c.snap.Store(s)
}

func (c *Cache) fail(err error) {
	c.reqMu.Lock()
	c.failure.Store(&err)
	c.state.Store(int32(StateUnloaded))
	c.pending = nil
	c.reqMu.Unlock()
	c.cancel()
	observability.WithError(c.logger, err).Error("loading recording failed")
}

// withTrack returns a logger tagged with key.
func (c *Cache) withTrack(key recording.TrackKey) *slog.Logger {
	return c.logger.With(slog.String("track", key.String()))
}
