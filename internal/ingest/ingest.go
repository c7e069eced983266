// Package ingest adapts a JSON-lines telemetry feed into recorder pushes
// and writes played-back frames out in the same shape.
//
// Each input line is one record:
//
//	{"kind":"static","source":"rig","name":"arm","role":"basic","type":"basic.static","payload":{"names":["bend"]}}
//	{"kind":"frame","source":"rig","name":"arm","t":0.033,"payload":{"values":[0.5]}}
//
// A static record names the payload type (role) the track's frames will
// carry; without "role" it is taken from a "<role>.static" type. Frame
// records may omit "type"; the track's role is used.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/trackdeck/internal/observability"
	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/recording"
)

// Record kinds.
const (
	KindStatic = "static"
	KindFrame  = "frame"
)

// staticSuffix names a role's static payload kind, e.g. basic -> basic.static.
const staticSuffix = ".static"

// maxLineSize bounds a single feed line.
const maxLineSize = 16 * 1024 * 1024

// ErrInvalidRecord is returned for lines that cannot be turned into a push.
var ErrInvalidRecord = errors.New("invalid feed record")

// Pusher receives decoded records. Both deck.Deck and recorder.Recorder
// satisfy it.
type Pusher interface {
	PushStatic(key recording.TrackKey, role string, p payload.Payload) error
	PushFrame(key recording.TrackKey, p payload.Payload) error
}

// Record is one feed line.
type Record struct {
	Kind    string          `json:"kind"`
	Source  string          `json:"source"`
	Name    string          `json:"name"`
	Role    string          `json:"role,omitempty"`
	Type    string          `json:"type,omitempty"`
	Index   *int            `json:"index,omitempty"`
	T       *float64        `json:"t,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Key returns the record's track key.
func (r *Record) Key() recording.TrackKey {
	return recording.TrackKey{Source: r.Source, Name: r.Name}
}

// Options controls Feed.
type Options struct {
	// Realtime paces frame pushes by their "t" field so the recorder sees
	// the original spacing.
	Realtime bool
	// SkipInvalid logs and skips bad lines instead of failing.
	SkipInvalid bool
	// Clock, when set, is advanced to each frame's "t" before it is
	// pushed. A recorder stamping frames from Clock.Now then keeps the
	// feed's timing without waiting in real time.
	Clock  *FeedClock
	Logger *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Stats counts what Feed did.
type Stats struct {
	Lines   int `json:"lines"`
	Statics int `json:"statics"`
	Frames  int `json:"frames"`
	Skipped int `json:"skipped"`
}

// LineError reports the feed line a failure came from.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }
func (e *LineError) Unwrap() error { return e.Err }

// FeedClock is a clock driven by feed timestamps. The zero value is not
// usable; create one with NewFeedClock.
type FeedClock struct {
	mu   sync.Mutex
	base time.Time
	t    float64
}

// NewFeedClock returns a clock reading base until it is advanced.
func NewFeedClock(base time.Time) *FeedClock {
	return &FeedClock{base: base}
}

// Advance moves the clock to t seconds after base. It never moves back.
func (c *FeedClock) Advance(t float64) {
	c.mu.Lock()
	c.t = max(c.t, t)
	c.mu.Unlock()
}

// Now returns base plus the latest feed time.
func (c *FeedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(time.Duration(c.t * float64(time.Second)))
}

// Feed reads records from r until EOF or ctx is done and pushes them into
// dst. Payloads are decoded with registry.
func Feed(ctx context.Context, r io.Reader, registry *payload.Registry, dst Pusher, opts Options) (Stats, error) {
	if registry == nil {
		registry = payload.NewDefaultRegistry()
	}
	logger := observability.WithComponent(opts.Logger, "ingest")
	sleep := opts.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	f := &feeder{
		registry: registry,
		dst:      dst,
		roles:    make(map[recording.TrackKey]string),
	}
	var (
		stats Stats
		start = time.Now()
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimSpace(sc.Text())
		stats.Lines++
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var rec Record
		err := json.Unmarshal([]byte(line), &rec)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		} else {
			if opts.Clock != nil && rec.Kind == KindFrame && rec.T != nil {
				opts.Clock.Advance(*rec.T)
			}
			if opts.Realtime && rec.Kind == KindFrame && rec.T != nil {
				due := start.Add(time.Duration(*rec.T * float64(time.Second)))
				if err := sleep(ctx, time.Until(due)); err != nil {
					return stats, err
				}
			}
			err = f.push(&rec)
		}
		if err != nil {
			lerr := &LineError{Line: stats.Lines, Err: err}
			if !opts.SkipInvalid {
				return stats, lerr
			}
			observability.WithError(logger, lerr).Warn("skipping feed record")
			stats.Skipped++
			continue
		}

		if rec.Kind == KindStatic {
			stats.Statics++
		} else {
			stats.Frames++
		}
	}
	if err := sc.Err(); err != nil {
		return stats, fmt.Errorf("reading feed: %w", err)
	}

	logger.Debug("feed finished",
		slog.Int("lines", stats.Lines),
		slog.Int("statics", stats.Statics),
		slog.Int("frames", stats.Frames),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

type feeder struct {
	registry *payload.Registry
	dst      Pusher
	roles    map[recording.TrackKey]string
}

func (f *feeder) push(rec *Record) error {
	if rec.Source == "" && rec.Name == "" {
		return fmt.Errorf("%w: missing track key", ErrInvalidRecord)
	}
	if len(rec.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidRecord)
	}
	key := rec.Key()

	switch rec.Kind {
	case KindStatic:
		role, typ := rec.Role, rec.Type
		if role == "" && strings.HasSuffix(typ, staticSuffix) {
			role = strings.TrimSuffix(typ, staticSuffix)
		}
		if role == "" {
			return fmt.Errorf("%w: static record for %s has no role", ErrInvalidRecord, key)
		}
		if typ == "" {
			typ = role + staticSuffix
		}
		p, err := f.registry.DecodeJSON(typ, rec.Payload)
		if err != nil {
			return err
		}
		if err := f.dst.PushStatic(key, role, p); err != nil {
			return err
		}
		f.roles[key] = role
		return nil

	case KindFrame:
		typ := rec.Type
		if typ == "" {
			typ = f.roles[key]
		}
		if typ == "" {
			return fmt.Errorf("%w: frame for %s before its static record", ErrInvalidRecord, key)
		}
		p, err := f.registry.DecodeJSON(typ, rec.Payload)
		if err != nil {
			return err
		}
		return f.dst.PushFrame(key, p)

	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, rec.Kind)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
