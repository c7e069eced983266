// Package bytesize parses and formats human-readable byte sizes such as
// "64MB" or "1.5 GiB". All units are binary (1024-based); "KB" and "KiB"
// mean the same thing.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Size is a byte count.
type Size int64

// Binary unit constants.
const (
	B  Size = 1
	KB Size = 1 << 10
	MB Size = 1 << 20
	GB Size = 1 << 30
	TB Size = 1 << 40
)

// units is ordered largest first so Format picks the biggest unit that fits.
var units = []struct {
	size    Size
	suffix  string
	aliases []string
}{
	{TB, "TB", []string{"t", "tb", "tib"}},
	{GB, "GB", []string{"g", "gb", "gib"}},
	{MB, "MB", []string{"m", "mb", "mib"}},
	{KB, "KB", []string{"k", "kb", "kib"}},
	{B, "B", []string{"b", "byte", "bytes"}},
}

var sizePattern = regexp.MustCompile(`(?i)^\s*([0-9]+(?:\.[0-9]+)?)\s*([a-z]*)\s*$`)

// Parse parses a size string. A bare number is a byte count.
func Parse(s string) (Size, error) {
	if strings.TrimSpace(s) == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("bytesize: invalid format %q", s)
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", m[1], err)
	}

	mult, ok := lookupUnit(strings.ToLower(m[2]))
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", m[2])
	}

	return Size(value * float64(mult)), nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

func lookupUnit(unit string) (Size, bool) {
	if unit == "" {
		return B, true
	}
	for _, u := range units {
		for _, alias := range u.aliases {
			if alias == unit {
				return u.size, true
			}
		}
	}
	return 0, false
}

// Format renders s with the largest unit that keeps the value >= 1,
// trimming trailing zeros ("1.5MB", "64MB", "512B").
func Format(s Size) string {
	if s == 0 {
		return "0B"
	}
	sign := ""
	if s < 0 {
		sign = "-"
		s = -s
	}
	for _, u := range units {
		if s < u.size {
			continue
		}
		if s%u.size == 0 {
			return fmt.Sprintf("%s%d%s", sign, s/u.size, u.suffix)
		}
		v := strconv.FormatFloat(float64(s)/float64(u.size), 'f', 2, 64)
		v = strings.TrimRight(strings.TrimRight(v, "0"), ".")
		return sign + v + u.suffix
	}
	return fmt.Sprintf("%s%dB", sign, s)
}

// Bytes returns the size as an int64 byte count.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return Format(s)
}
