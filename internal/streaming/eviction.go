package streaming

import (
	"container/list"
	"sync"

	"github.com/jmylchreest/trackdeck/internal/recording"
)

// EvictionCache holds frame blocks recently evicted from the resident
// window so a reversing playhead can re-admit them without touching disk.
// Blocks are dropped least-recently-used first once the byte budget is
// exceeded. It is safe for concurrent use.
type EvictionCache struct {
	mu      sync.Mutex
	budget  int64
	used    int64
	lru     *list.List
	byTrack map[recording.TrackKey][]*evictedBlock
	dropped int64
}

type evictedBlock struct {
	key    recording.TrackKey
	lo     int
	frames []*recording.Frame
	sizes  []int64
	live   int
	bytes  int64
	elem   *list.Element
}

func (b *evictedBlock) rng() Range {
	return Range{Lo: b.lo, Hi: b.lo + len(b.frames) - 1}
}

// NewEvictionCache returns a cache bounded to budget bytes. A budget of
// zero or less disables it.
func NewEvictionCache(budget int64) *EvictionCache {
	return &EvictionCache{
		budget:  budget,
		lru:     list.New(),
		byTrack: make(map[recording.TrackKey][]*evictedBlock),
	}
}

// Put stores the contiguous frames lo..lo+len(frames)-1 of key. sizes
// holds the on-disk size of each frame and is what the budget counts.
func (c *EvictionCache) Put(key recording.TrackKey, lo int, frames []*recording.Frame, sizes []int64) {
	if len(frames) == 0 || c.budget <= 0 {
		return
	}

	b := &evictedBlock{key: key, lo: lo, frames: frames, sizes: sizes, live: len(frames)}
	for _, s := range sizes {
		b.bytes += s
	}
	if b.bytes > c.budget {
		c.mu.Lock()
		c.dropped += int64(len(frames))
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Indices held by b supersede any older copy; the rest of an older
	// block stays live.
	for _, old := range append([]*evictedBlock(nil), c.byTrack[key]...) {
		ov := old.rng().Intersect(b.rng())
		for i := ov.Lo; i <= ov.Hi; i++ {
			if b.frames[i-b.lo] != nil {
				c.dropLocked(old, i-old.lo)
			}
		}
	}

	b.elem = c.lru.PushFront(b)
	c.byTrack[key] = append(c.byTrack[key], b)
	c.used += b.bytes

	for c.used > c.budget {
		oldest := c.lru.Back().Value.(*evictedBlock)
		c.dropped += int64(oldest.live)
		c.removeLocked(oldest)
	}
}

func (c *EvictionCache) find(key recording.TrackKey, index int) (*evictedBlock, int) {
	for _, b := range c.byTrack[key] {
		if i := index - b.lo; i >= 0 && i < len(b.frames) && b.frames[i] != nil {
			return b, i
		}
	}
	return nil, 0
}

// Contains reports whether frame index of key is held.
func (c *EvictionCache) Contains(key recording.TrackKey, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, _ := c.find(key, index)
	return b != nil
}

// Take removes and returns frame index of key along with its size.
func (c *EvictionCache) Take(key recording.TrackKey, index int) (*recording.Frame, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, i := c.find(key, index)
	if b == nil {
		return nil, 0, false
	}
	f, size := b.frames[i], b.sizes[i]
	if c.dropLocked(b, i) {
		c.lru.MoveToFront(b.elem)
	}
	return f, size, true
}

// dropLocked clears slot i of b and reports whether b still holds frames.
func (c *EvictionCache) dropLocked(b *evictedBlock, i int) bool {
	if b.frames[i] == nil {
		return b.live > 0
	}
	b.frames[i] = nil
	b.live--
	b.bytes -= b.sizes[i]
	c.used -= b.sizes[i]
	if b.live == 0 {
		c.removeLocked(b)
		return false
	}
	return true
}

func (c *EvictionCache) removeLocked(b *evictedBlock) {
	c.lru.Remove(b.elem)
	c.used -= b.bytes
	blocks := c.byTrack[b.key]
	for i, x := range blocks {
		if x == b {
			c.byTrack[b.key] = append(blocks[:i], blocks[i+1:]...)
			break
		}
	}
	if len(c.byTrack[b.key]) == 0 {
		delete(c.byTrack, b.key)
	}
}

// Bytes returns the bytes currently held.
func (c *EvictionCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Budget returns the configured byte budget.
func (c *EvictionCache) Budget() int64 {
	return c.budget
}

// Dropped returns how many frames were discarded to stay within budget.
func (c *EvictionCache) Dropped() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Clear discards every block.
func (c *EvictionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	c.byTrack = make(map[recording.TrackKey][]*evictedBlock)
	c.used = 0
}
