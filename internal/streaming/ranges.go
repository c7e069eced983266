package streaming

import (
	"fmt"
	"sort"
)

// Range is an inclusive interval of absolute frame indices.
type Range struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

// Len returns the number of frames in r.
func (r Range) Len() int {
	if r.Hi < r.Lo {
		return 0
	}
	return r.Hi - r.Lo + 1
}

// Empty reports whether r holds no frames.
func (r Range) Empty() bool {
	return r.Hi < r.Lo
}

// Contains reports whether i lies in r.
func (r Range) Contains(i int) bool {
	return i >= r.Lo && i <= r.Hi
}

// Intersect returns the overlap of r and o, which may be empty.
func (r Range) Intersect(o Range) Range {
	return Range{Lo: max(r.Lo, o.Lo), Hi: min(r.Hi, o.Hi)}
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d]", r.Lo, r.Hi)
}

// RangeSet is a sorted set of disjoint, non-adjacent ranges. The zero value
// is empty and ready to use. It is not safe for concurrent use.
type RangeSet struct {
	ranges []Range
}

// search returns the index of the first range whose Hi is >= i.
func (s *RangeSet) search(i int) int {
	return sort.Search(len(s.ranges), func(k int) bool { return s.ranges[k].Hi >= i })
}

// Add inserts r, merging it with any range it overlaps or touches.
func (s *RangeSet) Add(r Range) {
	if r.Empty() {
		return
	}
	// First range that could merge: its Hi reaches r.Lo-1.
	start := s.search(r.Lo - 1)
	end := start
	for end < len(s.ranges) && s.ranges[end].Lo <= r.Hi+1 {
		r.Lo = min(r.Lo, s.ranges[end].Lo)
		r.Hi = max(r.Hi, s.ranges[end].Hi)
		end++
	}
	s.ranges = append(s.ranges[:start], append([]Range{r}, s.ranges[end:]...)...)
}

// Remove deletes every index of r from the set, splitting ranges as needed.
func (s *RangeSet) Remove(r Range) {
	if r.Empty() {
		return
	}
	out := make([]Range, 0, len(s.ranges)+1)
	for _, cur := range s.ranges {
		if cur.Hi < r.Lo || cur.Lo > r.Hi {
			out = append(out, cur)
			continue
		}
		if cur.Lo < r.Lo {
			out = append(out, Range{Lo: cur.Lo, Hi: r.Lo - 1})
		}
		if cur.Hi > r.Hi {
			out = append(out, Range{Lo: r.Hi + 1, Hi: cur.Hi})
		}
	}
	s.ranges = out
}

// Contains reports whether i is in the set.
func (s *RangeSet) Contains(i int) bool {
	k := s.search(i)
	return k < len(s.ranges) && s.ranges[k].Lo <= i
}

// ContainsRange reports whether every index of r is in the set. An empty r
// is always contained.
func (s *RangeSet) ContainsRange(r Range) bool {
	if r.Empty() {
		return true
	}
	k := s.search(r.Lo)
	return k < len(s.ranges) && s.ranges[k].Lo <= r.Lo && s.ranges[k].Hi >= r.Hi
}

// Intersect returns the parts of the set that fall inside r.
func (s *RangeSet) Intersect(r Range) []Range {
	var out []Range
	for k := s.search(r.Lo); k < len(s.ranges) && s.ranges[k].Lo <= r.Hi; k++ {
		if x := s.ranges[k].Intersect(r); !x.Empty() {
			out = append(out, x)
		}
	}
	return out
}

// Outside returns the parts of the set that fall outside r.
func (s *RangeSet) Outside(r Range) []Range {
	var out []Range
	for _, cur := range s.ranges {
		if cur.Lo < r.Lo {
			out = append(out, Range{Lo: cur.Lo, Hi: min(cur.Hi, r.Lo-1)})
		}
		if cur.Hi > r.Hi {
			out = append(out, Range{Lo: max(cur.Lo, r.Hi+1), Hi: cur.Hi})
		}
	}
	return out
}

// Clamp drops every index outside [0, maxFrames-1].
func (s *RangeSet) Clamp(maxFrames int) {
	if maxFrames <= 0 {
		s.ranges = nil
		return
	}
	s.Remove(Range{Lo: maxFrames, Hi: int(^uint(0) >> 1)})
	s.Remove(Range{Lo: -int(^uint(0)>>1) - 1, Hi: -1})
}

// Ranges returns a copy of the ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	return append([]Range(nil), s.ranges...)
}

// Count returns the number of indices in the set.
func (s *RangeSet) Count() int {
	n := 0
	for _, r := range s.ranges {
		n += r.Len()
	}
	return n
}

// Clear empties the set.
func (s *RangeSet) Clear() {
	s.ranges = nil
}
