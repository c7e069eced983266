package deck_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/trackdeck/internal/archive"
	"github.com/jmylchreest/trackdeck/internal/config"
	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/deck"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/playback"
	"github.com/jmylchreest/trackdeck/internal/recorder"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var arm = recording.TrackKey{Source: "rig", Name: "arm"}

type collectSink struct {
	mu  sync.Mutex
	got []playback.Delivery
}

func (s *collectSink) Deliver(d []playback.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, d...)
}

func (s *collectSink) has(key recording.TrackKey, index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.got {
		if d.Key == key && !d.Static && d.Index == index {
			return true
		}
	}
	return false
}

func writeTake(t *testing.T, dir string, frames int) string {
	t.Helper()
	rec := recording.New()
	require.NoError(t, rec.AddStatic(arm, payload.TypeBasic, recording.Frame{
		Payload: &payload.BasicStatic{Names: []string{"bend"}},
	}))
	for i := range frames {
		require.NoError(t, rec.Append(arm, recording.Frame{
			Timestamp: float64(i+1) / 30,
			Payload:   &payload.Basic{Values: []float32{float32(i)}},
		}))
	}
	path := filepath.Join(dir, "take.tdk")
	_, err := container.WriteFile(path, container.SourcesFromRecording(rec), container.WriteOptions{})
	require.NoError(t, err)
	return path
}

func newDeck(t *testing.T, sink playback.FrameSink, autoLoad bool) *deck.Deck {
	t.Helper()
	playOpts := playback.DefaultOptions()
	playOpts.IdleInterval = time.Millisecond
	playOpts.FramesToLoad = 60

	step := time.Second / 30
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := deck.New(deck.Options{
		Playback: playOpts,
		Recorder: recorder.Options{
			Dir:     t.TempDir(),
			TempDir: t.TempDir(),
			Now: func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				now = now.Add(step)
				return now
			},
		},
		TempDir:     t.TempDir(),
		WaitTimeout: 5 * time.Second,
		AutoLoad:    autoLoad,
	}, sink)
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestDeck_LoadAndSeek(t *testing.T) {
	sink := &collectSink{}
	d := newDeck(t, sink, false)
	path := writeTake(t, t.TempDir(), 30)
	ctx := context.Background()

	require.NoError(t, d.Load(ctx, path))
	assert.Equal(t, path, d.LoadedPath())
	assert.True(t, d.IsLoaded(path))

	rate, err := d.GlobalFrameRate()
	require.NoError(t, err)
	assert.Equal(t, recording.FrameRate{Numerator: 30, Denominator: 1}, rate)

	ok, err := d.WaitForBufferedFrames(ctx, 0, 29)
	require.NoError(t, err)
	assert.True(t, ok)

	buffered, err := d.IsFrameRangeBuffered(10, 20)
	require.NoError(t, err)
	assert.True(t, buffered)

	ranges, err := d.BufferedFrameRanges()
	require.NoError(t, err)
	require.Len(t, ranges[arm], 1)
	assert.Equal(t, 0, ranges[arm][0].Lo)
	assert.Equal(t, 29, ranges[arm][0].Hi)

	require.NoError(t, d.Seek(0.5))
	assert.True(t, sink.has(arm, 15))

	st := d.Status()
	require.NotNil(t, st.Loaded)
	assert.Equal(t, path, st.Loaded.Path)
	assert.Equal(t, 30, st.Loaded.MaxFrames)
	assert.Equal(t, "stopped", st.Playback.State)
	assert.Equal(t, 15, st.Playback.Frame)
}

func TestDeck_SeekOutsideLoadedWindow(t *testing.T) {
	sink := &collectSink{}
	d := newDeck(t, sink, false)
	ctx := context.Background()
	require.NoError(t, d.Load(ctx, writeTake(t, t.TempDir(), 3000)))

	ok, err := d.WaitForBufferedFrames(ctx, 0, 59)
	require.NoError(t, err)
	require.True(t, ok)
	buffered, err := d.IsFrameRangeBuffered(2700, 2700)
	require.NoError(t, err)
	require.False(t, buffered)

	require.NoError(t, d.Seek(90))
	assert.True(t, sink.has(arm, 2700))
	assert.Equal(t, 2700, d.PlaybackStatus().Frame)
}

func TestDeck_LoadAndStartRecordingExclusive(t *testing.T) {
	path := writeTake(t, t.TempDir(), 10)
	ctx := context.Background()

	for range 20 {
		d := newDeck(t, nil, false)
		var wg sync.WaitGroup
		var loadErr, recErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			loadErr = d.Load(ctx, path)
		}()
		go func() {
			defer wg.Done()
			_, recErr = d.StartRecording()
		}()
		wg.Wait()

		assert.False(t, loadErr == nil && recErr == nil, "load and record both succeeded")
		assert.False(t, d.IsRecording() && d.LoadedPath() != "")
	}
}

func TestDeck_PlayReachesEnd(t *testing.T) {
	sink := &collectSink{}
	d := newDeck(t, sink, false)
	ctx := context.Background()
	require.NoError(t, d.Load(ctx, writeTake(t, t.TempDir(), 6)))

	ok, err := d.WaitForBufferedFrames(ctx, 0, 5)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Play(false))
	assert.Eventually(t, func() bool { return sink.has(arm, 5) }, 3*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.PlaybackStatus().State == "stopped" }, 3*time.Second, 5*time.Millisecond)
}

func TestDeck_OperationsNeedRecording(t *testing.T) {
	d := newDeck(t, nil, false)
	ctx := context.Background()

	assert.ErrorIs(t, d.Unload(), deck.ErrNoRecording)
	assert.ErrorIs(t, d.Play(false), deck.ErrNoRecording)
	assert.ErrorIs(t, d.Seek(1), deck.ErrNoRecording)
	assert.ErrorIs(t, d.LoadWindow(0, 0, 0), deck.ErrNoRecording)
	assert.ErrorIs(t, d.PauseLoading(), deck.ErrNoRecording)
	_, err := d.WaitForBufferedFrames(ctx, 0, 1)
	assert.ErrorIs(t, err, deck.ErrNoRecording)
	_, err = d.GlobalFrameRate()
	assert.ErrorIs(t, err, deck.ErrNoRecording)
	assert.Nil(t, d.Status().Loaded)
}

func TestDeck_RecordingRejectedWhileLoaded(t *testing.T) {
	d := newDeck(t, nil, false)
	ctx := context.Background()
	require.NoError(t, d.Load(ctx, writeTake(t, t.TempDir(), 10)))

	_, err := d.StartRecording()
	assert.ErrorIs(t, err, recorder.ErrRecordingBusy)

	require.NoError(t, d.Unload())
	_, err = d.StartRecording()
	require.NoError(t, err)
	assert.True(t, d.IsRecording())

	assert.ErrorIs(t, d.Load(ctx, "anything.tdk"), deck.ErrRecordingActive)
}

func TestDeck_RecordThenAutoLoad(t *testing.T) {
	sink := &collectSink{}
	d := newDeck(t, sink, true)
	ctx := context.Background()

	_, err := d.StartRecording()
	require.NoError(t, err)
	require.NoError(t, d.PushStatic(arm, payload.TypeBasic, &payload.BasicStatic{Names: []string{"bend"}}))
	for i := range 20 {
		require.NoError(t, d.PushFrame(arm, &payload.Basic{Values: []float32{float32(i)}}))
	}
	// live frames pass through to the sink
	assert.True(t, sink.has(arm, 19))

	path, err := d.StopRecording(ctx)
	require.NoError(t, err)

	res, err := d.WaitForSave(ctx)
	require.NoError(t, err)
	assert.Equal(t, path, res.Path)
	assert.Equal(t, 20, res.Frames)

	assert.Eventually(t, func() bool { return d.LoadedPath() == path }, 5*time.Second, 5*time.Millisecond)

	ok, err := d.WaitForBufferedFrames(ctx, 0, 19)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeck_LoadCompressed(t *testing.T) {
	d := newDeck(t, nil, false)
	ctx := context.Background()
	plain := writeTake(t, t.TempDir(), 12)
	packed := plain + archive.CodecXZ.Extension()
	_, err := archive.Compress(plain, packed, archive.CodecXZ)
	require.NoError(t, err)

	require.NoError(t, d.Load(ctx, packed))
	st := d.Status()
	require.NotNil(t, st.Loaded)
	expanded := st.Loaded.Expanded
	require.NotEmpty(t, expanded)
	_, err = os.Stat(expanded)
	require.NoError(t, err)

	ok, err := d.WaitForBufferedFrames(ctx, 0, 11)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, d.Unload())
	_, err = os.Stat(expanded)
	assert.True(t, os.IsNotExist(err))
}

func TestDeck_LoadMissingFile(t *testing.T) {
	d := newDeck(t, nil, false)
	err := d.Load(context.Background(), filepath.Join(t.TempDir(), "missing.tdk"))
	assert.Error(t, err)
	assert.Empty(t, d.LoadedPath())
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.BaseDir = "/srv/trackdeck"
	cfg.Streaming.FramesToLoad = 120
	cfg.Playback.Loop = true

	opts := deck.OptionsFromConfig(cfg, nil, nil)
	assert.Equal(t, 120, opts.Playback.FramesToLoad)
	assert.True(t, opts.Playback.Loop)
	assert.Equal(t, "/srv/trackdeck/recordings", opts.Recorder.Dir)
	assert.Equal(t, "/srv/trackdeck/temp", opts.TempDir)
	assert.Equal(t, cfg.Streaming.BatchSize, opts.Streaming.BatchSize)
	assert.Equal(t, cfg.Streaming.WaitTimeout, opts.WaitTimeout)
	assert.Equal(t, cfg.Streaming.WaitTimeout, opts.Playback.SeekTimeout)
	assert.True(t, opts.AutoLoad)
}
