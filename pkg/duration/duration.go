// Package duration parses and formats durations with day and week units on
// top of Go's time.ParseDuration syntax, for retention settings such as
// "30d" or "2w3d".
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day is 24 hours.
	Day = 24 * time.Hour
	// Week is 7 days.
	Week = 7 * Day
)

var longUnits = map[string]time.Duration{
	"w":     Week,
	"wk":    Week,
	"week":  Week,
	"weeks": Week,
	"d":     Day,
	"day":   Day,
	"days":  Day,
}

var componentPattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)([a-zµ]+)`)

// Parse parses s. Day and week components are summed separately and the
// rest is handed to time.ParseDuration, so "1w2d12h30m" and "3 days" are
// both valid.
func Parse(s string) (time.Duration, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if s == "0" {
		return 0, nil
	}

	var (
		total    time.Duration
		standard strings.Builder
		consumed int
	)
	for _, m := range componentPattern.FindAllStringSubmatch(s, -1) {
		consumed += len(m[0])
		unit := strings.ToLower(m[2])
		if mult, ok := longUnits[unit]; ok {
			n, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, fmt.Errorf("duration: invalid number %q: %w", m[1], err)
			}
			total += time.Duration(n * float64(mult))
			continue
		}
		standard.WriteString(m[1])
		standard.WriteString(unit)
	}
	if consumed != len(s) {
		return 0, fmt.Errorf("duration: invalid format %q", s)
	}

	if standard.Len() > 0 {
		d, err := time.ParseDuration(standard.String())
		if err != nil {
			return 0, fmt.Errorf("duration: %w", err)
		}
		total += d
	}

	if negative {
		total = -total
	}
	return total, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders d using weeks and days for the whole-day part and Go's
// notation for the remainder, omitting zero components ("2w3d", "1d12h").
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	var b strings.Builder
	if d < 0 {
		b.WriteByte('-')
		d = -d
	}

	if weeks := d / Week; weeks > 0 {
		fmt.Fprintf(&b, "%dw", weeks)
		d -= weeks * Week
	}
	if days := d / Day; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= days * Day
	}
	if d > 0 {
		b.WriteString(trimZeroUnits(d.String()))
	}
	return b.String()
}

// trimZeroUnits turns "1h0m0s" into "1h" and "2m0s" into "2m".
func trimZeroUnits(s string) string {
	if strings.HasSuffix(s, "m0s") {
		s = strings.TrimSuffix(s, "0s")
	}
	if strings.HasSuffix(s, "h0m") {
		s = strings.TrimSuffix(s, "0m")
	}
	return s
}
