package recording

import (
	"testing"
	"time"

	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(v ...float32) payload.Payload {
	return &payload.Basic{Values: v}
}

func TestNew(t *testing.T) {
	r := New()
	_, err := ulid.Parse(r.ID)
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, r.Version)
	assert.WithinDuration(t, time.Now(), r.CreatedAt, time.Minute)
	assert.Empty(t, r.Tracks)
}

func TestAppend(t *testing.T) {
	r := New()
	key := TrackKey{Source: "phone", Name: "face"}

	err := r.Append(key, Frame{Timestamp: 0, Payload: basic(1)})
	assert.ErrorIs(t, err, ErrUnknownTrack)

	require.NoError(t, r.AddStatic(key, payload.TypeBasic, Frame{Payload: &payload.BasicStatic{Names: []string{"a"}}}))
	require.NoError(t, r.Append(key, Frame{Timestamp: 0, Payload: basic(1)}))
	require.NoError(t, r.Append(key, Frame{Timestamp: 0.1, Payload: basic(2)}))

	err = r.Append(key, Frame{Timestamp: 0.1, Payload: basic(3)})
	assert.ErrorIs(t, err, ErrNonMonotonic)

	err = r.Append(key, Frame{Timestamp: 0.2, Payload: &payload.Raw{Data: []byte{1}}})
	assert.ErrorIs(t, err, ErrPayloadType)

	err = r.AddStatic(key, payload.TypeBasic, Frame{Payload: &payload.BasicStatic{}})
	assert.ErrorIs(t, err, ErrStaticAfterFrames)

	tr := r.Tracks[key]
	assert.Equal(t, 2, tr.MaxFrames)
	assert.InDelta(t, 0.1, tr.LastTimestamp(), 1e-12)
}

func TestAddStatic_ReplacesBeforeFrames(t *testing.T) {
	r := New()
	key := TrackKey{Source: "s", Name: "n"}
	require.NoError(t, r.AddStatic(key, payload.TypeBasic, Frame{Payload: &payload.BasicStatic{Names: []string{"a"}}}))
	require.NoError(t, r.AddStatic(key, payload.TypeAnimation, Frame{Payload: &payload.AnimationStatic{BoneNames: []string{"root"}}}))

	assert.Equal(t, payload.TypeAnimation, r.Tracks[key].PayloadType)
	assert.Equal(t, payload.TypeAnimationStatic, r.Tracks[key].Static.Payload.TypeName())
}

func TestTrack_FrameAt(t *testing.T) {
	tr := &Track{
		StartIndex: 10,
		Frames:     []Frame{{Timestamp: 1}, {Timestamp: 1.1}},
		MaxFrames:  40,
	}

	f, ok := tr.FrameAt(11)
	require.True(t, ok)
	assert.InDelta(t, 1.1, f.Timestamp, 1e-12)

	_, ok = tr.FrameAt(9)
	assert.False(t, ok)
	_, ok = tr.FrameAt(12)
	assert.False(t, ok)
}

func TestSortedKeys(t *testing.T) {
	r := New()
	for _, k := range []TrackKey{{"b", "x"}, {"a", "z"}, {"a", "y"}} {
		require.NoError(t, r.AddStatic(k, payload.TypeRaw, Frame{Payload: &payload.Raw{Data: []byte{1}}}))
	}
	assert.Equal(t, []TrackKey{{"a", "y"}, {"a", "z"}, {"b", "x"}}, r.SortedKeys())
	assert.Equal(t, "a/y", r.SortedKeys()[0].String())
}

func TestGlobalFrameRate(t *testing.T) {
	r := New()
	a := TrackKey{Source: "s", Name: "a"}
	b := TrackKey{Source: "s", Name: "b"}
	require.NoError(t, r.AddStatic(a, payload.TypeBasic, Frame{Payload: &payload.BasicStatic{}}))
	require.NoError(t, r.AddStatic(b, payload.TypeBasic, Frame{Payload: &payload.BasicStatic{}}))

	for i := range 10 {
		require.NoError(t, r.Append(a, Frame{Timestamp: float64(i) * 0.333 / 9, Payload: basic(1)}))
	}
	for i := range 5 {
		require.NoError(t, r.Append(b, Frame{Timestamp: float64(i) * 0.166 / 4, Payload: basic(1)}))
	}

	assert.Equal(t, 10, r.MaxFrames())
	assert.InDelta(t, 0.333, r.Duration(), 1e-12)
	assert.Equal(t, FrameRate{Numerator: 30, Denominator: 1}, r.GlobalFrameRate())
	assert.Equal(t, FrameRate{Numerator: 30, Denominator: 1}, r.Tracks[b].LocalFrameRate())
}

func TestDeriveFrameRate(t *testing.T) {
	assert.Equal(t, FrameRate{60, 1}, DeriveFrameRate(600, 10))
	assert.Equal(t, FrameRate{1, 1}, DeriveFrameRate(0, 10))
	assert.Equal(t, FrameRate{1, 1}, DeriveFrameRate(10, 0))
	assert.Equal(t, FrameRate{1, 1}, DeriveFrameRate(1, 100))
}

func TestFrameRate_Conversions(t *testing.T) {
	r := FrameRate{Numerator: 30, Denominator: 1}

	for _, tc := range []struct {
		seconds float64
		frame   int
	}{
		{0, 0}, {0.1, 3}, {0.7, 21}, {1, 30}, {1.0 / 60, 0},
	} {
		assert.Equal(t, tc.frame, r.AsFrameTime(tc.seconds).Frame, "seconds=%v", tc.seconds)
	}

	ft := r.AsFrameTime(1.0 / 60)
	assert.InDelta(t, 0.5, ft.SubFrame, 1e-9)
	assert.InDelta(t, 0.5, ft.AsDecimal(), 1e-9)
	assert.InDelta(t, 2.0, r.AsSeconds(60), 1e-12)

	assert.Equal(t, 10, r.Convert(20, FrameRate{15, 1}))
	assert.Equal(t, 20, r.Convert(20, r))
	assert.Equal(t, "30fps", r.String())
	assert.Equal(t, "30000/1001fps", FrameRate{30000, 1001}.String())
	assert.False(t, FrameRate{}.IsValid())
}

func TestFrameSlice(t *testing.T) {
	s := FrameSlice{{Timestamp: 0}, {Timestamp: 1}, {Timestamp: 2}}
	var seen []float64
	require.NoError(t, s.For(func(_ int, f *Frame) bool {
		seen = append(seen, f.Timestamp)
		return len(seen) < 2
	}))
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []float64{0, 1}, seen)
}
