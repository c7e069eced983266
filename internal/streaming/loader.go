package streaming

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmylchreest/trackdeck/internal/recording"
)

// errRestart unwinds a load when a newer window has been requested.
var errRestart = errors.New("window changed")

// cursor walks one track outward from the current frame.
type cursor struct {
	key    recording.TrackKey
	ts     *trackStore
	lo, hi int
	right  int
	left   int
}

func (cu *cursor) pending() bool {
	return cu.right <= cu.hi || cu.left >= cu.lo
}

// run is the loader goroutine.
func (c *Cache) run() {
	defer close(c.done)

	for {
		if !c.checkpoint() {
			return
		}
		w, ok := c.take()
		if !ok {
			select {
			case <-c.ctx.Done():
				return
			case <-c.wake:
			}
			continue
		}

		err := c.load(w)
		switch {
		case err == nil:
			c.settle()
		case errors.Is(err, errRestart):
		case errors.Is(err, context.Canceled):
			c.publish()
			return
		default:
			c.publish()
			c.fail(err)
			return
		}
	}
}

// take claims the newest pending window.
func (c *Cache) take() (Window, bool) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if c.pending == nil {
		return Window{}, false
	}
	c.active = *c.pending
	c.hasActive = true
	c.pending = nil
	c.state.Store(int32(StateLoading))
	return c.active, true
}

// settle marks the cache Ready unless another window arrived or the
// cache was cancelled meanwhile.
func (c *Cache) settle() {
	c.publish()

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	if c.pending == nil && c.ctx.Err() == nil {
		c.state.Store(int32(StateReady))
	}
}

// checkpoint parks the loader while a pause is requested. It returns false
// once the cache is cancelled.
func (c *Cache) checkpoint() bool {
	for c.pauseRequested.Load() {
		c.paused.Set()
		select {
		case <-c.unpaused.C():
		case <-c.ctx.Done():
			return false
		}
	}
	return c.ctx.Err() == nil
}

// between runs between frame units: it honours pause and cancel and
// reports a newer window.
func (c *Cache) between() error {
	if !c.checkpoint() {
		return context.Canceled
	}
	c.reqMu.Lock()
	restart := c.pending != nil
	c.reqMu.Unlock()
	if restart {
		return errRestart
	}
	return nil
}

// load evicts everything outside w and then fills w, alternating one
// batch right of the current frame and one batch left, track by track.
func (c *Cache) load(w Window) error {
	cursors := make([]*cursor, 0, len(c.keys))

	c.mu.Lock()
	for _, key := range c.keys {
		ts := c.tracks[key]
		lo, hi, cur := w.local(c.global, ts.rate).Span(ts.maxFrames())
		c.evictOutside(key, ts, Range{Lo: lo, Hi: hi})
		cursors = append(cursors, &cursor{key: key, ts: ts, lo: lo, hi: hi, right: cur, left: cur - 1})
	}
	c.mu.Unlock()
	c.publish()

	c.logger.Debug("loading window",
		slog.Int("initial", w.Initial),
		slog.Int("current", w.Current),
		slog.Int("frames", w.Frames),
	)

	for {
		active := false
		for _, cu := range cursors {
			if !cu.pending() {
				continue
			}
			active = true
			if cu.right <= cu.hi {
				if err := c.loadBatch(cu, 1); err != nil {
					return err
				}
			}
			if cu.left >= cu.lo {
				if err := c.loadBatch(cu, -1); err != nil {
					return err
				}
			}
			c.publish()
		}
		if !active {
			return nil
		}
	}
}

// evictOutside moves resident frames outside keep into the eviction
// cache. Caller holds c.mu.
func (c *Cache) evictOutside(key recording.TrackKey, ts *trackStore, keep Range) {
	for _, r := range ts.resident.Outside(keep) {
		frames := make([]*recording.Frame, 0, r.Len())
		sizes := make([]int64, 0, r.Len())
		for i := r.Lo; i <= r.Hi; i++ {
			frames = append(frames, ts.frames[i])
			sizes = append(sizes, int64(ts.index.Entries[i].Size))
			ts.frames[i] = nil
		}
		ts.resident.Remove(r)
		c.evicted.Put(key, r.Lo, frames, sizes)
		c.framesEvicted.Add(int64(r.Len()))
	}
}

// loadBatch makes up to BatchSize frames resident in direction dir.
func (c *Cache) loadBatch(cu *cursor, dir int) error {
	pos, bound := &cu.right, cu.hi
	if dir < 0 {
		pos, bound = &cu.left, cu.lo
	}
	inside := func(i int) bool {
		if dir > 0 {
			return i <= bound
		}
		return i >= bound
	}

	for done := 0; done < c.cfg.BatchSize && inside(*pos); {
		if err := c.between(); err != nil {
			return err
		}
		i := *pos

		if c.isResident(cu.ts, i) {
			*pos += dir
			continue
		}

		if f, _, ok := c.evicted.Take(cu.key, i); ok {
			c.mu.Lock()
			c.admit(cu.ts, i, f)
			c.mu.Unlock()
			c.framesReadmitted.Add(1)
			*pos += dir
			done++
			continue
		}

		n := c.runLength(cu, i, dir, bound, c.cfg.BatchSize-done)
		lo := i
		if dir < 0 {
			lo = i - n + 1
		}
		run, err := c.reader.ReadRun(cu.ts.index, lo, n)
		c.diskReads.Add(1)
		if err != nil {
			return err
		}
		c.bytesRead.Add(run.Bytes)

		for _, skip := range run.Skipped {
			c.framesSkipped.Add(1)
			c.withTrack(cu.key).Warn("skipping frame with mismatched index",
				slog.Int("expected", skip.Expected),
				slog.Int("got", skip.Got),
			)
		}

		c.mu.Lock()
		for k := range run.Frames {
			c.admit(cu.ts, run.Frames[k].Index, &run.Frames[k].Frame)
		}
		c.mu.Unlock()
		c.framesLoaded.Add(int64(len(run.Frames)))

		*pos += dir * n
		done += n
	}
	return nil
}

func (c *Cache) isResident(ts *trackStore, i int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ts.frames[i] != nil
}

// admit makes frame i resident. Caller holds c.mu.
func (c *Cache) admit(ts *trackStore, i int, f *recording.Frame) {
	ts.frames[i] = f
	ts.resident.Add(Range{Lo: i, Hi: i})
}

// runLength counts how many frames from i in direction dir can be read
// with one disk read: same record size, not resident, not held by the
// eviction cache, at most limit.
func (c *Cache) runLength(cu *cursor, i, dir, bound, limit int) int {
	entries := cu.ts.index.Entries
	size := entries[i].Size

	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 1
	for n < limit {
		j := i + dir*n
		if (dir > 0 && j > bound) || (dir < 0 && j < bound) {
			break
		}
		if entries[j].Size != size || cu.ts.frames[j] != nil || c.evicted.Contains(cu.key, j) {
			break
		}
		n++
	}
	return n
}
