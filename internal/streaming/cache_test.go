package streaming_test

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/jmylchreest/trackdeck/internal/container"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/recording"
	"github.com/jmylchreest/trackdeck/internal/streaming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	trackA = recording.TrackKey{Source: "rig", Name: "a"}
	trackB = recording.TrackKey{Source: "rig", Name: "b"}
	trackC = recording.TrackKey{Source: "cam", Name: "c"}
)

// writeRecording writes tracks of the given frame counts at 30fps timing
// and returns the file path.
func writeRecording(t *testing.T, counts map[recording.TrackKey]int) string {
	t.Helper()
	return writeRecordingAt(t, counts, func(i int) float64 { return float64(i+1) / 30 })
}

// writeRecordingAt is writeRecording with frame i stamped at stamp(i).
func writeRecordingAt(t *testing.T, counts map[recording.TrackKey]int, stamp func(i int) float64) string {
	t.Helper()
	rec := recording.New()
	for key, n := range counts {
		require.NoError(t, rec.AddStatic(key, payload.TypeBasic, recording.Frame{
			Payload: &payload.BasicStatic{Names: []string{"value"}},
		}))
		for i := range n {
			require.NoError(t, rec.Append(key, recording.Frame{
				Timestamp: stamp(i),
				Payload:   &payload.Basic{Values: []float32{float32(i)}},
			}))
		}
	}
	path := filepath.Join(t.TempDir(), "take.tdk")
	_, err := container.WriteFile(path, container.SourcesFromRecording(rec), container.WriteOptions{})
	require.NoError(t, err)
	return path
}

func openCache(t *testing.T, path string, cfg streaming.Config) *streaming.Cache {
	t.Helper()
	if cfg.EvictionBudget == 0 {
		cfg.EvictionBudget = 1 << 20
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	c, err := streaming.Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitReady(t *testing.T, c *streaming.Cache) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == streaming.StateReady
	}, 5*time.Second, time.Millisecond)
}

func TestScenario_ThreeTracksWindow(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 10, trackB: 5, trackC: 8})
	c := openCache(t, path, streaming.Config{})

	assert.Equal(t, recording.FrameRate{Numerator: 30, Denominator: 1}, c.GlobalFrameRate())
	assert.Equal(t, streaming.StateUnloaded, c.State())

	require.NoError(t, c.RequestWindow(5, 5, 3))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, c.WaitForBufferedFrames(ctx, 2, 8))
	waitReady(t, c)

	assert.True(t, c.IsRangeBuffered(trackA, streaming.Range{Lo: 2, Hi: 8}))
	ranges := c.BufferedRanges()
	assert.Equal(t, []streaming.Range{{Lo: 2, Hi: 8}}, ranges[trackA])
	assert.Equal(t, []streaming.Range{{Lo: 0, Hi: 4}}, ranges[trackB])
	assert.Equal(t, []streaming.Range{{Lo: 1, Hi: 7}}, ranges[trackC])

	assert.False(t, c.IsRangeBuffered(trackA, streaming.Range{Lo: 0, Hi: 9}))
	assert.False(t, c.FullyLoaded())
}

func TestScenario_ThreeTracksWindowZeroStart(t *testing.T) {
	// A spans 0.0..0.3s, B 0.0..0.133s, C 0.0..0.233s.
	path := writeRecordingAt(t, map[recording.TrackKey]int{trackA: 10, trackB: 5, trackC: 8},
		func(i int) float64 { return float64(i) / 30 })
	c := openCache(t, path, streaming.Config{})

	// round(10 / 0.3)
	assert.Equal(t, recording.FrameRate{Numerator: 33, Denominator: 1}, c.GlobalFrameRate())

	require.NoError(t, c.RequestWindow(5, 5, 3))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.True(t, c.WaitForBufferedFrames(ctx, 2, 8))
	waitReady(t, c)

	assert.True(t, c.IsRangeBuffered(trackA, streaming.Range{Lo: 2, Hi: 8}))
	ranges := c.BufferedRanges()
	assert.Equal(t, []streaming.Range{{Lo: 2, Hi: 8}}, ranges[trackA])
	assert.Equal(t, []streaming.Range{{Lo: 0, Hi: 4}}, ranges[trackB])
	assert.Equal(t, []streaming.Range{{Lo: 0, Hi: 7}}, ranges[trackC])

	frames := c.Frames(trackB, 0, 0, nil)
	require.Len(t, frames, 1)
	assert.Zero(t, frames[0].Frame.Timestamp)
}

func TestFrames_ReturnsResidentInOrder(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 40})
	c := openCache(t, path, streaming.Config{BatchSize: 3})

	require.NoError(t, c.RequestWindow(20, 20, 5))
	require.True(t, c.WaitForBufferedFrames(context.Background(), 15, 25))

	frames := c.Frames(trackA, 10, 30, nil)
	require.Len(t, frames, 11)
	for i, f := range frames {
		assert.Equal(t, 15+i, f.Index)
		assert.Equal(t, float64(16+i)/30, f.Frame.Timestamp)
		basic, ok := f.Frame.Payload.(*payload.Basic)
		require.True(t, ok)
		assert.Equal(t, []float32{float32(15 + i)}, basic.Values)
	}

	static, ok := c.Static(trackA)
	require.True(t, ok)
	assert.Equal(t, payload.TypeBasicStatic, static.Payload.TypeName())

	infos := c.Tracks()
	require.Len(t, infos, 1)
	assert.Equal(t, 40, infos[0].MaxFrames)
	assert.True(t, infos[0].HasStatic)
}

func TestFullyLoaded_ShortCircuits(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 12, trackB: 6})
	c := openCache(t, path, streaming.Config{})

	require.NoError(t, c.RequestWindow(0, 0, 100))
	require.True(t, c.WaitForBufferedFrames(context.Background(), 0, 11))
	waitReady(t, c)

	assert.True(t, c.FullyLoaded())
	assert.True(t, c.IsFrameRangeBuffered(streaming.Range{Lo: 0, Hi: 500}))
	assert.Equal(t, int64(18), c.Stats().FramesLoaded)
}

func TestRequestWindow_SameWindowIsNoop(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 50})
	c := openCache(t, path, streaming.Config{})

	require.NoError(t, c.RequestWindow(10, 10, 4))
	waitReady(t, c)
	reads := c.Stats().DiskReads

	require.NoError(t, c.RequestWindow(10, 10, 4))
	assert.Equal(t, streaming.StateReady, c.State())
	assert.Equal(t, reads, c.Stats().DiskReads)

	st := c.Status()
	require.NotNil(t, st.Window)
	assert.Equal(t, streaming.Window{Initial: 10, Current: 10, Frames: 4}, *st.Window)
	assert.Equal(t, "ready", st.StateName)
}

func TestCoalescesUniformFrames(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 64})
	c := openCache(t, path, streaming.Config{BatchSize: 16})

	require.NoError(t, c.RequestWindow(32, 32, 31))
	waitReady(t, c)

	st := c.Stats()
	assert.Equal(t, int64(63), st.FramesLoaded)
	assert.Less(t, st.DiskReads, st.FramesLoaded)
}

func TestEvictedFramesReadmitWithoutDiskRead(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 100})
	c := openCache(t, path, streaming.Config{BatchSize: 4})
	ctx := context.Background()

	require.NoError(t, c.RequestWindow(10, 10, 5))
	require.True(t, c.WaitForBufferedFrames(ctx, 5, 15))
	waitReady(t, c)

	require.NoError(t, c.RequestWindow(80, 80, 5))
	require.True(t, c.WaitForBufferedFrames(ctx, 75, 85))
	waitReady(t, c)
	assert.False(t, c.IsRangeBuffered(trackA, streaming.Range{Lo: 5, Hi: 15}))
	assert.Equal(t, int64(11), c.Stats().FramesEvicted)

	before := c.Stats()
	require.NoError(t, c.RequestWindow(10, 10, 5))
	require.True(t, c.WaitForBufferedFrames(ctx, 5, 15))
	waitReady(t, c)

	after := c.Stats()
	assert.Equal(t, before.DiskReads, after.DiskReads)
	assert.Equal(t, before.FramesReadmitted+11, after.FramesReadmitted)
	assert.Equal(t, before.FramesLoaded, after.FramesLoaded)

	frames := c.Frames(trackA, 5, 15, nil)
	require.Len(t, frames, 11)
	assert.Equal(t, 5, frames[0].Index)
}

func TestEvictedFramesSurvivePartialReadmit(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 100})
	c := openCache(t, path, streaming.Config{BatchSize: 4})
	ctx := context.Background()

	move := func(current, frames int) {
		t.Helper()
		require.NoError(t, c.RequestWindow(current, current, frames))
		require.True(t, c.WaitForBufferedFrames(ctx, current-frames, current+frames))
		waitReady(t, c)
	}

	move(10, 5)
	move(80, 5)
	reads := c.Stats().DiskReads
	loaded := c.Stats().FramesLoaded

	// 11..15 come back while 5..10 stay evicted, then 11..15 are evicted
	// again on their own.
	move(13, 2)
	move(80, 5)
	move(10, 5)

	st := c.Stats()
	assert.Equal(t, reads, st.DiskReads)
	assert.Equal(t, loaded, st.FramesLoaded)
	frames := c.Frames(trackA, 5, 15, nil)
	require.Len(t, frames, 11)
	for i, f := range frames {
		assert.Equal(t, 5+i, f.Index)
	}
}

func TestRangeInvariant_AcrossWindowMoves(t *testing.T) {
	counts := map[recording.TrackKey]int{trackA: 90, trackB: 37, trackC: 5}
	path := writeRecording(t, counts)
	c := openCache(t, path, streaming.Config{BatchSize: 2})

	check := func() {
		for key, ranges := range c.BufferedRanges() {
			sorted := sort.SliceIsSorted(ranges, func(i, j int) bool { return ranges[i].Lo < ranges[j].Lo })
			require.True(t, sorted)
			for i, r := range ranges {
				require.LessOrEqual(t, r.Lo, r.Hi)
				require.GreaterOrEqual(t, r.Lo, 0)
				require.Less(t, r.Hi, counts[key])
				if i > 0 {
					require.Greater(t, r.Lo, ranges[i-1].Hi+1)
				}
			}
		}
	}

	windows := []streaming.Window{
		{Initial: 0, Current: 0, Frames: 10},
		{Initial: 85, Current: 89, Frames: 20},
		{Initial: 40, Current: 30, Frames: 3},
		{Initial: 500, Current: 500, Frames: 1},
		{Initial: 12, Current: 12, Frames: 0},
		{Initial: 45, Current: 45, Frames: 200},
	}
	for _, w := range windows {
		require.NoError(t, c.RequestWindow(w.Initial, w.Current, w.Frames))
		for range 5 {
			check()
			time.Sleep(time.Millisecond)
		}
		waitReady(t, c)
		check()
	}
}

func TestPauseResume(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 3000})
	c := openCache(t, path, streaming.Config{BatchSize: 1})

	require.NoError(t, c.RequestWindow(1500, 1500, 1500))
	c.Pause()
	require.True(t, c.IsPaused())

	frozen := c.Stats()
	ranges := c.BufferedRanges()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, c.Stats())
	assert.Equal(t, ranges, c.BufferedRanges())
	assert.Equal(t, streaming.StateLoading, c.State())

	// A second pause while paused returns at once.
	c.Pause()

	c.Resume()
	assert.False(t, c.IsPaused())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.True(t, c.WaitForBufferedFrames(ctx, 0, 2999))

	// Pausing an idle loader still acknowledges.
	waitReady(t, c)
	c.Pause()
	c.Resume()
	c.Resume()
}

func TestWaitForBufferedFrames_FalseWhenIdleAndMissing(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 30})
	c := openCache(t, path, streaming.Config{})

	assert.False(t, c.WaitForBufferedFrames(context.Background(), 0, 5))

	require.NoError(t, c.RequestWindow(5, 5, 2))
	waitReady(t, c)
	assert.False(t, c.WaitForBufferedFrames(context.Background(), 20, 25))
	assert.True(t, c.WaitForBufferedFrames(context.Background(), 3, 7))
}

func TestWaitForBufferedFrames_ContextTimeout(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 500})
	c := openCache(t, path, streaming.Config{BatchSize: 1})

	require.NoError(t, c.RequestWindow(250, 250, 250))
	c.Pause()
	defer c.Resume()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, c.WaitForBufferedFrames(ctx, 0, 499))
}

func TestClose_CancelsWaitersAndRequests(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 500})
	c, err := streaming.Open(path, streaming.Config{BatchSize: 1, EvictionBudget: -1})
	require.NoError(t, err)

	require.NoError(t, c.RequestWindow(250, 250, 250))
	c.Pause()

	result := make(chan bool, 1)
	go func() { result <- c.WaitForBufferedFrames(context.Background(), 0, 499) }()

	require.NoError(t, c.Close())
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not released by Close")
	}
	assert.Equal(t, streaming.StateCancelled, c.State())
	assert.ErrorIs(t, c.RequestWindow(1, 1, 1), streaming.ErrCancelled)
	assert.NoError(t, c.Close())
}

func TestTruncatedFile_UnloadsCache(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 50})
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-200))

	c := openCache(t, path, streaming.Config{})
	require.NoError(t, c.RequestWindow(45, 45, 5))

	assert.False(t, c.WaitForBufferedFrames(context.Background(), 40, 49))
	require.Eventually(t, func() bool { return c.State() == streaming.StateUnloaded }, 5*time.Second, time.Millisecond)
	assert.Error(t, c.Err())
	assert.ErrorIs(t, c.RequestWindow(0, 0, 1), streaming.ErrLoadFailed)
}

func TestMismatchedFrameIndex_IsSkipped(t *testing.T) {
	path := writeRecording(t, map[recording.TrackKey]int{trackA: 20})

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	ix, err := container.ReadIndex(f)
	require.NoError(t, err)
	var bad [4]byte
	binary.LittleEndian.PutUint32(bad[:], 999)
	_, err = f.WriteAt(bad[:], ix.Animated[trackA].Entries[7].Offset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	c := openCache(t, path, streaming.Config{})
	require.NoError(t, c.RequestWindow(10, 10, 20))
	waitReady(t, c)

	assert.Equal(t, int64(1), c.Stats().FramesSkipped)
	assert.Equal(t, []streaming.Range{{Lo: 0, Hi: 6}, {Lo: 8, Hi: 19}}, c.BufferedRanges()[trackA])
	assert.False(t, c.WaitForBufferedFrames(context.Background(), 5, 9))
	assert.True(t, c.WaitForBufferedFrames(context.Background(), 8, 19))
	assert.Equal(t, streaming.StateReady, c.State())
}

type customPayload struct {
	payload.Raw
}

func (customPayload) TypeName() string { return "custom" }

func TestOpen_UnknownPayloadType(t *testing.T) {
	rec := recording.New()
	key := recording.TrackKey{Source: "x", Name: "y"}
	require.NoError(t, rec.AddStatic(key, "custom", recording.Frame{Payload: &payload.Raw{Data: []byte{1}}}))
	require.NoError(t, rec.Append(key, recording.Frame{Timestamp: 0.1, Payload: &customPayload{Raw: payload.Raw{Data: []byte{2}}}}))

	path := filepath.Join(t.TempDir(), "custom.tdk")
	_, err := container.WriteFile(path, container.SourcesFromRecording(rec), container.WriteOptions{})
	require.NoError(t, err)

	_, err = streaming.Open(path, streaming.Config{})
	assert.ErrorIs(t, err, payload.ErrUnknownType)

	reg := payload.NewDefaultRegistry()
	reg.Register("custom", func() payload.Payload { return &customPayload{} })
	c, err := streaming.Open(path, streaming.Config{Registry: reg, EvictionBudget: -1})
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}
