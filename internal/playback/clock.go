// Package playback drives a virtual playhead against wall-clock time and
// hands due frames to a sink.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/recording"
)

var (
	// ErrNoSource is returned when the clock has nothing to play.
	ErrNoSource = errors.New("no playback source")
	// ErrClosed is returned by operations on a closed clock.
	ErrClosed = errors.New("playback clock closed")
)

// State is the transport state of a Clock.
type State int32

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options configures a Clock.
type Options struct {
	// IdleInterval is how long the clock sleeps when no frame was due.
	IdleInterval time.Duration
	// FramesToLoad is the half-width of the window requested from a
	// WindowRequester source. Zero disables window requests.
	FramesToLoad int
	// SeekTimeout bounds how long Seek waits for the frame at the new
	// playhead on a BufferWaiter source.
	SeekTimeout time.Duration
	Loop        bool
	// OnFinished runs through Dispatch when playback reaches a selection
	// boundary without looping.
	OnFinished func()
	// Dispatch runs OnFinished. Default: a new goroutine.
	Dispatch func(func())
	// Now is the wall clock. Default: time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		IdleInterval: 2 * time.Millisecond,
		FramesToLoad: 300,
		SeekTimeout:  2 * time.Second,
	}
}

// Clock is the playback transport. It is safe for concurrent use.
type Clock struct {
	opts   Options
	logger *slog.Logger
	sink   FrameSink

	// deliverMu serializes computing and delivering frames so the sink
	// sees deliveries in playhead order.
	deliverMu sync.Mutex

	mu          sync.Mutex
	src         Source
	rate        recording.FrameRate
	duration    float64
	readers     []*TrackReader
	state       State
	reverse     bool
	nextReverse *bool
	loop        bool
	selStart    float64
	selEnd      float64
	pos         float64
	startPos    float64
	startWall   time.Time
	windowSet   bool
	windowAt    int
	session     uuid.UUID
	out         []Delivery

	headMu   sync.RWMutex
	headTime recording.FrameTime
	headRate recording.FrameRate

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewClock returns a stopped clock playing src into sink. src may be nil
// until SetSource is called.
func NewClock(src Source, sink FrameSink, opts Options) *Clock {
	def := DefaultOptions()
	if opts.IdleInterval <= 0 {
		opts.IdleInterval = def.IdleInterval
	}
	if opts.FramesToLoad < 0 {
		opts.FramesToLoad = 0
	}
	if opts.SeekTimeout <= 0 {
		opts.SeekTimeout = def.SeekTimeout
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { go f() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = Discard
	}

	c := &Clock{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "playback"),
		sink:   sink,
		loop:   opts.Loop,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.setSourceLocked(src)
	return c
}

// Start launches the clock goroutine.
func (c *Clock) Start() {
	c.startOnce.Do(func() { go c.run() })
}

// Close stops the clock goroutine and waits for it. No delivery is in
// flight once Close returns.
func (c *Clock) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
	})
}

func (c *Clock) closed() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// SetSource replaces what the clock plays and stops playback. A nil src
// leaves the clock with nothing to play.
func (c *Clock) SetSource(src Source) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setSourceLocked(src)
}

func (c *Clock) setSourceLocked(src Source) {
	c.src = src
	c.readers = nil
	c.state = StateStopped
	c.reverse = false
	c.nextReverse = nil
	c.windowSet = false
	c.duration = 0
	c.rate = recording.FrameRate{Numerator: 1, Denominator: 1}
	if src != nil {
		c.rate = src.GlobalFrameRate()
		c.duration = Duration(src)
		for _, info := range src.Tracks() {
			c.readers = append(c.readers, NewTrackReader(info, c.rate))
		}
	}
	c.selStart, c.selEnd = 0, c.duration
	c.setPos(0)
}

// setPos moves the playhead. Caller holds c.mu.
func (c *Clock) setPos(seconds float64) {
	c.pos = seconds
	c.headMu.Lock()
	c.headTime = c.rate.AsFrameTime(seconds)
	c.headRate = c.rate
	c.headMu.Unlock()
}

// Playhead returns the playhead position and the rate it is counted at.
func (c *Clock) Playhead() (recording.FrameTime, recording.FrameRate) {
	c.headMu.RLock()
	defer c.headMu.RUnlock()
	return c.headTime, c.headRate
}

// Position returns the playhead in seconds.
func (c *Clock) Position() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying {
		return c.current(c.opts.Now())
	}
	return c.pos
}

// State returns the transport state.
func (c *Clock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reverse reports the direction of the current or last playback.
func (c *Clock) Reverse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reverse
}

// Looping reports whether playback wraps at the selection boundaries.
func (c *Clock) Looping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loop
}

// Session identifies the current play run. It changes on every Play.
func (c *Clock) Session() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Selection returns the active range in seconds.
func (c *Clock) Selection() (start, end float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selStart, c.selEnd
}

// SetSelection limits playback to start..end seconds, clamped to the
// recording.
func (c *Clock) SetSelection(start, end float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start = clamp(start, 0, c.duration)
	end = clamp(end, 0, c.duration)
	if end < start {
		start, end = end, start
	}
	c.selStart, c.selEnd = start, end
	if c.state != StatePlaying {
		c.setPos(clamp(c.pos, start, end))
	}
}

// SetLooping sets whether playback wraps at the selection boundaries.
func (c *Clock) SetLooping(loop bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loop = loop
}

// Play starts playback from the playhead. While already playing the
// direction is stored and applies from the next start.
func (c *Clock) Play(reverse bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed() {
		return ErrClosed
	}
	if c.src == nil {
		return ErrNoSource
	}
	if c.state == StatePlaying {
		c.nextReverse = &reverse
		return nil
	}

	c.reverse = reverse
	c.nextReverse = nil
	c.begin(c.opts.Now(), true)
	c.session = uuid.New()
	c.state = StatePlaying
	c.logger.Debug("playback started",
		slog.String("session", c.session.String()),
		slog.Bool("reverse", reverse),
		slog.Float64("position", c.pos),
	)
	c.poke()
	return nil
}

// Pause freezes the playhead.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return
	}
	c.setPos(c.current(c.opts.Now()))
	c.state = StatePaused
}

// Resume continues a paused playback.
func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePaused {
		return
	}
	restart := false
	if c.nextReverse != nil {
		restart = *c.nextReverse != c.reverse
		c.reverse = *c.nextReverse
		c.nextReverse = nil
	}
	c.begin(c.opts.Now(), restart)
	c.state = StatePlaying
	c.poke()
}

// Stop ends playback and rewinds to the selection start, or to its end
// when playing in reverse.
func (c *Clock) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nextReverse != nil {
		c.reverse = *c.nextReverse
		c.nextReverse = nil
	}
	c.state = StateStopped
	if c.reverse {
		c.setPos(c.selEnd)
	} else {
		c.setPos(c.selStart)
	}
	c.restartReaders(c.frame(c.pos))
}

// Seek moves the playhead to seconds, clamped to the selection, and
// delivers the frame there before returning. On a BufferWaiter source it
// first waits up to SeekTimeout for that frame to become resident. It is
// valid in any state.
func (c *Clock) Seek(seconds float64) error {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.src == nil {
		c.mu.Unlock()
		return ErrNoSource
	}
	c.setPos(clamp(seconds, c.selStart, c.selEnd))
	c.startPos = c.pos
	c.startWall = c.opts.Now()
	frame := c.frame(c.pos)
	c.requestWindow(frame)
	waiter, canWait := c.src.(BufferWaiter)
	c.mu.Unlock()

	// SetSource and tick both hold deliverMu, so the source and readers
	// are unchanged across the wait.
	if canWait {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SeekTimeout)
		if !waiter.WaitForBufferedFrames(ctx, frame, frame) {
			c.logger.Debug("seek target not resident", slog.Int("frame", frame))
		}
		cancel()
	}

	c.mu.Lock()
	if c.state == StatePlaying {
		c.startPos = c.pos
		c.startWall = c.opts.Now()
	}
	out := c.out[:0]
	for _, r := range c.readers {
		out = r.Sync(c.src, frame, out)
	}
	c.out = out
	deliveries := append([]Delivery(nil), out...)
	c.mu.Unlock()

	if len(deliveries) > 0 {
		c.sink.Deliver(deliveries)
	}
	return nil
}

// begin anchors the playhead to the wall clock. Caller holds c.mu.
func (c *Clock) begin(now time.Time, restart bool) {
	c.startPos = c.pos
	c.startWall = now
	if restart {
		c.restartReaders(c.frame(c.pos))
	}
}

func (c *Clock) restartReaders(frame int) {
	for _, r := range c.readers {
		r.Restart(frame)
	}
}

// current returns the unclamped playhead time at now. Caller holds c.mu.
func (c *Clock) current(now time.Time) float64 {
	elapsed := now.Sub(c.startWall).Seconds()
	if c.reverse {
		return clamp(c.startPos-elapsed, c.selStart, c.selEnd)
	}
	return clamp(c.startPos+elapsed, c.selStart, c.selEnd)
}

func (c *Clock) frame(seconds float64) int {
	return c.rate.AsFrameTime(seconds).Frame
}

// requestWindow keeps the source's window around frame. It only re-asks
// once the playhead has drifted a quarter window from the last request.
// Caller holds c.mu.
func (c *Clock) requestWindow(frame int) {
	wr, ok := c.src.(WindowRequester)
	if !ok || c.opts.FramesToLoad == 0 {
		return
	}
	if c.windowSet && abs(frame-c.windowAt) <= c.opts.FramesToLoad/4 {
		return
	}
	if err := wr.RequestWindow(frame, frame, c.opts.FramesToLoad); err != nil {
		c.logger.Debug("window request failed", slog.Int("frame", frame), slog.String("error", err.Error()))
		return
	}
	c.windowSet = true
	c.windowAt = frame
}

func (c *Clock) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Clock) run() {
	defer close(c.done)

	idle := time.NewTimer(c.opts.IdleInterval)
	defer idle.Stop()

	for {
		if c.State() != StatePlaying {
			select {
			case <-c.stop:
				return
			case <-c.wake:
			}
			continue
		}

		delivered, finished := c.tick()
		if finished {
			c.finish()
		}
		if delivered > 0 {
			continue
		}

		idle.Reset(c.opts.IdleInterval)
		select {
		case <-c.stop:
			return
		case <-c.wake:
		case <-idle.C:
		}
	}
}

// tick advances the playhead, delivers what fell due and handles the
// selection boundaries.
func (c *Clock) tick() (delivered int, finished bool) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	if c.state != StatePlaying {
		c.mu.Unlock()
		return 0, false
	}

	now := c.opts.Now()
	elapsed := now.Sub(c.startWall).Seconds()
	t := c.startPos + elapsed
	if c.reverse {
		t = c.startPos - elapsed
	}
	boundary := false
	if !c.reverse && t >= c.selEnd {
		t, boundary = c.selEnd, true
	}
	if c.reverse && t <= c.selStart {
		t, boundary = c.selStart, true
	}
	t = max(t, c.selStart)

	c.setPos(t)
	frame := c.frame(t)
	c.requestWindow(frame)

	out := c.out[:0]
	for _, r := range c.readers {
		out = r.Next(c.src, frame, c.reverse, out)
	}
	c.out = out
	deliveries := append([]Delivery(nil), out...)

	if boundary {
		if c.loop && c.selEnd > c.selStart {
			if c.reverse {
				c.setPos(c.selEnd)
			} else {
				c.setPos(c.selStart)
			}
			c.begin(now, true)
		} else {
			c.state = StateStopped
			finished = true
		}
	}
	c.mu.Unlock()

	if len(deliveries) > 0 {
		c.sink.Deliver(deliveries)
	}
	return len(deliveries), finished
}

func (c *Clock) finish() {
	c.logger.Debug("playback finished")
	if c.opts.OnFinished != nil {
		c.opts.Dispatch(c.opts.OnFinished)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
