package recording

import (
	"fmt"
	"math"
)

// frameEpsilon absorbs float error when a time lands exactly on a frame.
const frameEpsilon = 1e-9

// FrameRate is a rational frames-per-second value.
type FrameRate struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// DeriveFrameRate returns round(frames / lastTimestamp) fps with a
// denominator of 1. It falls back to 1 fps when the inputs cannot produce
// a positive rate.
func DeriveFrameRate(frames int, lastTimestamp float64) FrameRate {
	if frames <= 0 || lastTimestamp <= 0 {
		return FrameRate{Numerator: 1, Denominator: 1}
	}
	n := int(math.Round(float64(frames) / lastTimestamp))
	if n < 1 {
		n = 1
	}
	return FrameRate{Numerator: n, Denominator: 1}
}

// AsFloat returns the rate in frames per second.
func (r FrameRate) AsFloat() float64 {
	if r.Denominator == 0 {
		return 0
	}
	return float64(r.Numerator) / float64(r.Denominator)
}

// IsValid reports whether the rate is positive.
func (r FrameRate) IsValid() bool {
	return r.Numerator > 0 && r.Denominator > 0
}

// AsFrameTime converts seconds to a frame number and the fraction into the
// next frame.
func (r FrameRate) AsFrameTime(seconds float64) FrameTime {
	f := seconds * r.AsFloat()
	whole := math.Floor(f + frameEpsilon)
	sub := f - whole
	if sub < 0 {
		sub = 0
	}
	return FrameTime{Frame: int(whole), SubFrame: sub}
}

// AsSeconds converts a (possibly fractional) frame number to seconds.
func (r FrameRate) AsSeconds(frame float64) float64 {
	if !r.IsValid() {
		return 0
	}
	return frame / r.AsFloat()
}

// Convert maps frame, counted at rate r, to the frame at the same time
// counted at rate to.
func (r FrameRate) Convert(frame int, to FrameRate) int {
	if r == to {
		return frame
	}
	return to.AsFrameTime(r.AsSeconds(float64(frame))).Frame
}

func (r FrameRate) String() string {
	if r.Denominator == 1 {
		return fmt.Sprintf("%dfps", r.Numerator)
	}
	return fmt.Sprintf("%d/%dfps", r.Numerator, r.Denominator)
}

// FrameTime is a position on a frame-rate timeline.
type FrameTime struct {
	Frame    int     `json:"frame"`
	SubFrame float64 `json:"sub_frame"`
}

// AsDecimal returns the position as a fractional frame number.
func (t FrameTime) AsDecimal() float64 {
	return float64(t.Frame) + t.SubFrame
}
