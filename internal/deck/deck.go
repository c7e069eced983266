// Package deck ties recording, streaming and playback together around a
// single loaded recording.
package deck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/internal/streaming"
)

var (
	// ErrNoRecording is returned when an operation needs a loaded recording.
	ErrNoRecording = errors.New("no recording loaded")
	// ErrRecordingActive is returned by Load while a recording is in progress.
	ErrRecordingActive = errors.New("cannot load while recording")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("deck closed")
)

// Options configures a Deck.
type Options struct {
	Streaming streaming.Config
	Playback  playback.Options
	Recorder  recorder.Options
	// TempDir receives decompressed copies of archived recordings.
	TempDir string
	// WaitTimeout bounds WaitForBufferedFrames. Zero waits until the
	// caller's context ends.
	WaitTimeout time.Duration
	// AutoLoad loads each recording for playback once it has been saved.
	AutoLoad bool
	Logger   *slog.Logger
}

// OptionsFromConfig maps the application configuration onto Options.
func OptionsFromConfig(cfg *config.Config, registry *payload.Registry, logger *slog.Logger) Options {
	playOpts := playback.DefaultOptions()
	playOpts.IdleInterval = cfg.Playback.IdleInterval
	playOpts.Loop = cfg.Playback.Loop
	playOpts.FramesToLoad = cfg.Streaming.FramesToLoad
	if cfg.Streaming.WaitTimeout > 0 {
		playOpts.SeekTimeout = cfg.Streaming.WaitTimeout
	}
	playOpts.Logger = logger

	streamCfg := streaming.DefaultConfig()
	streamCfg.BatchSize = cfg.Streaming.BatchSize
	streamCfg.PollInterval = cfg.Streaming.PollInterval
	streamCfg.EvictionBudget = cfg.Streaming.EvictionBudget.Bytes()
	streamCfg.Registry = registry
	streamCfg.Logger = logger

	return Options{
		Streaming: streamCfg,
		Playback:  playOpts,
		Recorder: recorder.Options{
			Dir:            cfg.Storage.RecordingsPath(),
			TempDir:        cfg.Storage.TempPath(),
			SpillThreshold: cfg.Storage.SpillThreshold.Bytes(),
			Registry:       registry,
			Logger:         logger,
		},
		TempDir:     cfg.Storage.TempPath(),
		WaitTimeout: cfg.Streaming.WaitTimeout,
		AutoLoad:    cfg.Playback.AutoLoad,
		Logger:      logger,
	}
}

// loaded is the recording currently open for playback.
type loaded struct {
	path     string
	local    string
	cache    *streaming.Cache
	cleanup  func() error
	loadedAt time.Time
}

// Deck owns the recorder, the playback clock and at most one loaded
// recording. It is safe for concurrent use.
type Deck struct {
	opts   Options
	logger *slog.Logger
	rec    *recorder.Recorder
	clock  *playback.Clock

	// mu guards cur and closed. Load and Unload hold it across opening
	// and closing the cache.
	mu     sync.Mutex
	cur    *loaded
	closed bool

	wg sync.WaitGroup
}

// New returns a deck delivering frames to sink, both live frames while
// recording and played-back frames. The playback clock starts at once.
func New(opts Options, sink playback.FrameSink) *Deck {
	if sink == nil {
		sink = playback.Discard
	}
	if opts.Streaming.Registry == nil {
		opts.Streaming.Registry = payload.NewDefaultRegistry()
	}
	if opts.Recorder.Registry == nil {
		opts.Recorder.Registry = opts.Streaming.Registry
	}
	opts.Recorder.Sink = sink

	d := &Deck{
		opts:   opts,
		logger: observability.WithComponent(opts.Logger, "deck"),
		rec:    recorder.New(opts.Recorder),
		clock:  playback.NewClock(nil, sink, opts.Playback),
	}
	d.clock.Start()
	return d
}

// Clock returns the playback clock.
func (d *Deck) Clock() *playback.Clock {
	return d.clock
}

// Recorder returns the recorder.
func (d *Deck) Recorder() *recorder.Recorder {
	return d.rec
}

// Load opens the recording at path for playback, replacing any loaded
// one. Compressed recordings are expanded to TempDir first. A save in
// flight is waited for, since it may be the file being loaded.
func (d *Deck) Load(ctx context.Context, path string) error {
	if d.rec.IsRecording() {
		return ErrRecordingActive
	}
	if d.rec.Saving() {
		if _, err := d.rec.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	// StartRecording checks d.cur under d.mu, so this check and that one
	// cannot both pass.
	if d.rec.IsRecording() {
		return ErrRecordingActive
	}
	d.unloadLocked()

	logger := d.logger.With(slog.String("path", path))
	local, cleanup, err := archive.Materialize(path, d.opts.TempDir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	cache, err := streaming.Open(local, d.opts.Streaming)
	if err != nil {
		if cerr := cleanup(); cerr != nil {
			observability.WithError(logger, cerr).Warn("removing expanded recording failed")
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}

	d.cur = &loaded{
		path:     path,
		local:    local,
		cache:    cache,
		cleanup:  cleanup,
		loadedAt: time.Now(),
	}
	d.clock.SetSource(cache)
	if n := d.opts.Playback.FramesToLoad; n > 0 {
		if err := cache.RequestWindow(0, 0, n); err != nil {
			observability.WithError(logger, err).Warn("initial window request failed")
		}
	}

	logger.Info("recording loaded",
		slog.Int("tracks", len(cache.Tracks())),
		slog.String("frame_rate", cache.GlobalFrameRate().String()),
	)
	return nil
}

// Unload stops playback and releases the loaded recording.
func (d *Deck) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return ErrNoRecording
	}
	d.unloadLocked()
	return nil
}

func (d *Deck) unloadLocked() {
	cur := d.cur
	if cur == nil {
		return
	}
	d.cur = nil
	d.clock.SetSource(nil)

	logger := d.logger.With(slog.String("path", cur.path))
	if err := cur.cache.Close(); err != nil {
		observability.WithError(logger, err).Warn("closing recording failed")
	}
	if err := cur.cleanup(); err != nil {
		observability.WithError(logger, err).Warn("removing expanded recording failed")
	}
	logger.Info("recording unloaded")
}

// LoadedPath returns the path of the loaded recording, or "".
func (d *Deck) LoadedPath() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return ""
	}
	return d.cur.path
}

// IsLoaded reports whether path is the loaded recording.
func (d *Deck) IsLoaded(path string) bool {
	loadedPath := d.LoadedPath()
	if loadedPath == "" {
		return false
	}
	a, errA := filepath.Abs(loadedPath)
	b, errB := filepath.Abs(path)
	return errA == nil && errB == nil && a == b
}

// cache returns the loaded cache or ErrNoRecording.
func (d *Deck) cache() (*streaming.Cache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur == nil {
		return nil, ErrNoRecording
	}
	return d.cur.cache, nil
}

// StartRecording begins a new recording. It is rejected with
// recorder.ErrRecordingBusy while a recording is loaded for playback or
// the previous one is still being saved.
func (d *Deck) StartRecording() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	if d.cur != nil {
		return "", recorder.ErrRecordingBusy
	}
	return d.rec.Start()
}

// StopRecording ends the recording and returns the path it is being
// saved to. With AutoLoad the recording is loaded once the save ends.
func (d *Deck) StopRecording(ctx context.Context) (string, error) {
	path, err := d.rec.Stop(ctx)
	if err != nil {
		return "", err
	}
	if d.opts.AutoLoad {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.loadWhenSaved(context.WithoutCancel(ctx))
		}()
	}
	return path, nil
}

func (d *Deck) loadWhenSaved(ctx context.Context) {
	res, err := d.rec.Wait(ctx)
	if err != nil {
		return
	}
	if err := d.Load(ctx, res.Path); err != nil && !errors.Is(err, ErrClosed) {
		observability.WithError(d.logger, err).Warn("loading saved recording failed", slog.String("path", res.Path))
	}
}

// WaitForSave blocks until the last stopped recording is saved.
func (d *Deck) WaitForSave(ctx context.Context) (recorder.Result, error) {
	return d.rec.Wait(ctx)
}

// IsRecording reports whether a recording is in progress.
func (d *Deck) IsRecording() bool {
	return d.rec.IsRecording()
}

// PushStatic forwards a static frame to the recorder.
func (d *Deck) PushStatic(key recording.TrackKey, role string, p payload.Payload) error {
	return d.rec.PushStatic(key, role, p)
}

// PushFrame forwards an animated frame to the recorder.
func (d *Deck) PushFrame(key recording.TrackKey, p payload.Payload) error {
	return d.rec.PushFrame(key, p)
}

// LoadWindow asks the loader to keep frames around current resident. A
// frames value of zero uses the configured window.
func (d *Deck) LoadWindow(initial, current, frames int) error {
	c, err := d.cache()
	if err != nil {
		return err
	}
	if frames <= 0 {
		frames = d.opts.Playback.FramesToLoad
	}
	return c.RequestWindow(initial, current, frames)
}

// IsFrameRangeBuffered reports whether global frames lo..hi are resident
// on every track.
func (d *Deck) IsFrameRangeBuffered(lo, hi int) (bool, error) {
	c, err := d.cache()
	if err != nil {
		return false, err
	}
	return c.IsFrameRangeBuffered(streaming.Range{Lo: lo, Hi: hi}), nil
}

// WaitForBufferedFrames blocks until global frames lo..hi are resident,
// the loader gives up, or WaitTimeout passes.
func (d *Deck) WaitForBufferedFrames(ctx context.Context, lo, hi int) (bool, error) {
	c, err := d.cache()
	if err != nil {
		return false, err
	}
	if d.opts.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.WaitTimeout)
		defer cancel()
	}
	return c.WaitForBufferedFrames(ctx, lo, hi), nil
}

// BufferedFrameRanges returns the resident ranges per track in each
// track's own frame numbering.
func (d *Deck) BufferedFrameRanges() (map[recording.TrackKey][]streaming.Range, error) {
	c, err := d.cache()
	if err != nil {
		return nil, err
	}
	return c.BufferedRanges(), nil
}

// GlobalFrameRate returns the playback rate of the loaded recording.
func (d *Deck) GlobalFrameRate() (recording.FrameRate, error) {
	c, err := d.cache()
	if err != nil {
		return recording.FrameRate{}, err
	}
	return c.GlobalFrameRate(), nil
}

// PauseLoading parks the background loader between frames.
func (d *Deck) PauseLoading() error {
	c, err := d.cache()
	if err != nil {
		return err
	}
	c.Pause()
	return nil
}

// ResumeLoading releases a parked loader.
func (d *Deck) ResumeLoading() error {
	c, err := d.cache()
	if err != nil {
		return err
	}
	c.Resume()
	return nil
}

// Play starts playback forwards or in reverse.
func (d *Deck) Play(reverse bool) error {
	if _, err := d.cache(); err != nil {
		return err
	}
	return d.clock.Play(reverse)
}

// Pause freezes the playhead.
func (d *Deck) Pause() { d.clock.Pause() }

// Resume continues from a pause.
func (d *Deck) Resume() { d.clock.Resume() }

// Stop ends playback and rewinds to the selection start.
func (d *Deck) Stop() { d.clock.Stop() }

// Seek moves the playhead to seconds and delivers the frame there.
func (d *Deck) Seek(seconds float64) error {
	if _, err := d.cache(); err != nil {
		return err
	}
	return d.clock.Seek(seconds)
}

// SetLooping sets whether playback wraps at the selection boundary.
func (d *Deck) SetLooping(loop bool) { d.clock.SetLooping(loop) }

// SetSelection limits playback to start..end seconds.
func (d *Deck) SetSelection(start, end float64) error {
	if _, err := d.cache(); err != nil {
		return err
	}
	d.clock.SetSelection(start, end)
	return nil
}

// Close stops playback, unloads the recording and waits for pending saves.
func (d *Deck) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	var errs []error
	if d.rec.IsRecording() {
		if _, err := d.rec.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if d.rec.Saving() {
		if _, err := d.rec.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	d.wg.Wait()

	d.clock.Close()
	d.mu.Lock()
	d.unloadLocked()
	d.mu.Unlock()
	return errors.Join(errs...)
}
