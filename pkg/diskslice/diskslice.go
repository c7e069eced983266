// Package diskslice provides an append-only slice that keeps items in memory
// until a byte threshold is crossed and then spills every item to a
// temporary file.
//
// Items are written as length-prefixed records produced by a Codec, and the
// offset of every record is kept in memory so random access after a spill is
// one ReadAt.
//
//	ds, err := diskslice.New(diskslice.Options{MemoryThreshold: 64 << 20}, frameCodec)
//	if err != nil { ... }
//	defer ds.Close()
//
//	ds.Append(f)
//	ds.For(func(i int, f *Frame) bool { ...; return true })
package diskslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned by operations on a closed slice.
var ErrClosed = errors.New("diskslice: closed")

// Codec converts items to and from their on-disk bytes.
type Codec[T any] struct {
	Marshal   func(item *T) ([]byte, error)
	Unmarshal func(data []byte, item *T) error
	// Size estimates the in-memory footprint of an item. Nil means
	// Options.EstimatedItemSize is used for every item.
	Size func(item *T) int
}

// JSONCodec returns a Codec backed by encoding/json.
func JSONCodec[T any]() Codec[T] {
	return Codec[T]{
		Marshal: func(item *T) ([]byte, error) {
			return json.Marshal(item)
		},
		Unmarshal: func(data []byte, item *T) error {
			return json.Unmarshal(data, item)
		},
	}
}

// Options configures a DiskSlice.
type Options struct {
	// MemoryThreshold is the estimated byte count at which items spill.
	// Default: 64MB.
	MemoryThreshold int64

	// TempDir holds the spill file. Default: os.TempDir().
	TempDir string

	// EstimatedItemSize is used when the codec has no Size func. Default: 256.
	EstimatedItemSize int

	// Name prefixes the spill file name.
	Name string
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		MemoryThreshold:   64 * 1024 * 1024,
		TempDir:           os.TempDir(),
		EstimatedItemSize: 256,
		Name:              "diskslice",
	}
}

// DiskSlice is an append-only slice that transparently overflows to disk.
// It is safe for concurrent use.
type DiskSlice[T any] struct {
	opts  Options
	codec Codec[T]

	mu sync.RWMutex

	memItems       []T
	estimatedBytes int64

	spilled  bool
	file     *os.File
	path     string
	offsets  []int64
	sizes    []uint32
	fileSize int64

	closed bool
}

// New creates an empty DiskSlice. A zero Codec defaults to JSONCodec.
func New[T any](opts Options, codec Codec[T]) (*DiskSlice[T], error) {
	def := DefaultOptions()
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = def.MemoryThreshold
	}
	if opts.TempDir == "" {
		opts.TempDir = def.TempDir
	}
	if opts.EstimatedItemSize <= 0 {
		opts.EstimatedItemSize = def.EstimatedItemSize
	}
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if codec.Marshal == nil || codec.Unmarshal == nil {
		codec = JSONCodec[T]()
	}

	return &DiskSlice[T]{
		opts:     opts,
		codec:    codec,
		memItems: make([]T, 0, 64),
	}, nil
}

// Append adds an item, spilling everything to disk once the threshold is
// crossed.
func (ds *DiskSlice[T]) Append(item T) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return ErrClosed
	}
	if ds.spilled {
		return ds.appendToDisk(&item)
	}

	ds.memItems = append(ds.memItems, item)
	ds.estimatedBytes += int64(ds.itemSize(&item))

	if ds.estimatedBytes >= ds.opts.MemoryThreshold {
		if err := ds.spillToDisk(); err != nil {
			return fmt.Errorf("spilling to disk: %w", err)
		}
	}
	return nil
}

func (ds *DiskSlice[T]) itemSize(item *T) int {
	if ds.codec.Size != nil {
		return ds.codec.Size(item)
	}
	return ds.opts.EstimatedItemSize
}

// Len returns the number of items.
func (ds *DiskSlice[T]) Len() int {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return len(ds.offsets)
	}
	return len(ds.memItems)
}

// Get returns a copy of the item at index.
func (ds *DiskSlice[T]) Get(index int) (T, error) {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	var zero T
	if ds.closed {
		return zero, ErrClosed
	}
	if ds.spilled {
		return ds.getFromDisk(index)
	}
	if index < 0 || index >= len(ds.memItems) {
		return zero, fmt.Errorf("index %d out of bounds (len=%d)", index, len(ds.memItems))
	}
	return ds.memItems[index], nil
}

// Last returns the most recently appended item.
func (ds *DiskSlice[T]) Last() (T, bool) {
	n := ds.Len()
	if n == 0 {
		var zero T
		return zero, false
	}
	item, err := ds.Get(n - 1)
	return item, err == nil
}

// For calls fn for every item in order until fn returns false.
func (ds *DiskSlice[T]) For(fn func(index int, item *T) bool) error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.closed {
		return ErrClosed
	}
	if ds.spilled {
		return ds.forDisk(fn)
	}
	for i := range ds.memItems {
		if !fn(i, &ds.memItems[i]) {
			break
		}
	}
	return nil
}

// IsSpilled reports whether the items live on disk.
func (ds *DiskSlice[T]) IsSpilled() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.spilled
}

// EstimatedMemoryUsage returns the estimated bytes held in memory.
func (ds *DiskSlice[T]) EstimatedMemoryUsage() int64 {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.spilled {
		return int64(len(ds.offsets) * 12)
	}
	return ds.estimatedBytes
}

// Close releases memory and removes the spill file.
func (ds *DiskSlice[T]) Close() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil
	}
	ds.closed = true

	var err error
	if ds.file != nil {
		err = ds.file.Close()
		ds.file = nil
	}
	if ds.path != "" {
		if rmErr := os.Remove(ds.path); rmErr != nil && err == nil {
			err = rmErr
		}
		ds.path = ""
	}
	ds.memItems = nil
	ds.offsets = nil
	ds.sizes = nil
	return err
}

func (ds *DiskSlice[T]) spillToDisk() error {
	f, err := os.CreateTemp(ds.opts.TempDir, ds.opts.Name+"-*.spill")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	ds.file = f
	ds.path = f.Name()
	ds.offsets = make([]int64, 0, len(ds.memItems))
	ds.sizes = make([]uint32, 0, len(ds.memItems))
	ds.spilled = true

	for i := range ds.memItems {
		if err := ds.appendToDisk(&ds.memItems[i]); err != nil {
			return fmt.Errorf("writing item %d: %w", i, err)
		}
	}

	ds.memItems = nil
	ds.estimatedBytes = 0
	return nil
}

func (ds *DiskSlice[T]) appendToDisk(item *T) error {
	data, err := ds.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("encoding item: %w", err)
	}

	record := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(record, uint32(len(data)))
	copy(record[4:], data)

	if _, err := ds.file.WriteAt(record, ds.fileSize); err != nil {
		return fmt.Errorf("writing record: %w", err)
	}
	ds.offsets = append(ds.offsets, ds.fileSize+4)
	ds.sizes = append(ds.sizes, uint32(len(data)))
	ds.fileSize += int64(len(record))
	return nil
}

func (ds *DiskSlice[T]) getFromDisk(index int) (T, error) {
	var item T
	if index < 0 || index >= len(ds.offsets) {
		return item, fmt.Errorf("index %d out of bounds (len=%d)", index, len(ds.offsets))
	}

	data := make([]byte, ds.sizes[index])
	if _, err := ds.file.ReadAt(data, ds.offsets[index]); err != nil {
		return item, fmt.Errorf("reading item %d: %w", index, err)
	}
	if err := ds.codec.Unmarshal(data, &item); err != nil {
		return item, fmt.Errorf("decoding item %d: %w", index, err)
	}
	return item, nil
}

// forDisk streams the spill file sequentially rather than issuing one
// ReadAt per item.
func (ds *DiskSlice[T]) forDisk(fn func(index int, item *T) bool) error {
	r := bufio.NewReaderSize(io.NewSectionReader(ds.file, 0, ds.fileSize), 1<<20)
	var prefix [4]byte
	for i := range ds.offsets {
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return fmt.Errorf("reading item %d: %w", i, err)
		}
		data := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("reading item %d: %w", i, err)
		}
		var item T
		if err := ds.codec.Unmarshal(data, &item); err != nil {
			return fmt.Errorf("decoding item %d: %w", i, err)
		}
		if !fn(i, &item) {
			break
		}
	}
	return nil
}
