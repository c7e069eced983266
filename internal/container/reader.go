package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/jmylchreest/trackdeck/internal/payload"
	"github.com/jmylchreest/trackdeck/internal/recording"
)

// maxHeaderSize bounds a section header: 2^31 frames at 12 bytes each
// already overflows, so anything near this is corruption.
const maxHeaderSize = 1 << 30

// ReadIndex parses every section header of a file without reading payloads.
func ReadIndex(r io.ReaderAt) (*Index, error) {
	pre := make([]byte, preambleSize)
	if _, err := r.ReadAt(pre, 0); err != nil {
		return nil, fmt.Errorf("reading preamble: %w", err)
	}
	if string(pre[:4]) != Magic {
		return nil, ErrBadMagic
	}
	version := int32(binary.LittleEndian.Uint32(pre[4:]))
	if version != VersionLegacy && version != VersionIndexed {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	ix := &Index{
		Version:  version,
		Statics:  make(map[recording.TrackKey]*TrackIndex),
		Animated: make(map[recording.TrackKey]*TrackIndex),
	}

	pos := int64(preambleSize)
	for _, static := range []bool{true, false} {
		count, err := readInt32(r, pos)
		if err != nil {
			return nil, fmt.Errorf("reading track count: %w", err)
		}
		pos += 4
		if count < 0 {
			return nil, fmt.Errorf("%w: negative track count", ErrCorrupt)
		}
		for range count {
			ti, next, err := readSection(r, pos, version)
			if err != nil {
				return nil, err
			}
			if static {
				ix.Statics[ti.Key] = ti
			} else {
				if _, dup := ix.Animated[ti.Key]; dup {
					return nil, fmt.Errorf("%w: duplicate track %s", ErrCorrupt, ti.Key)
				}
				ix.Animated[ti.Key] = ti
				ix.Keys = append(ix.Keys, ti.Key)
			}
			pos = next
		}
	}
	ix.Size = pos
	return ix, nil
}

func readInt32(r io.ReaderAt, pos int64) (int32, error) {
	var b [4]byte
	if _, err := r.ReadAt(b[:], pos); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

// readSection loads the header at pos with a single read and returns the
// parsed index and the offset of the next section.
func readSection(r io.ReaderAt, pos int64, version int32) (*TrackIndex, int64, error) {
	size, err := readInt32(r, pos)
	if err != nil {
		return nil, 0, fmt.Errorf("reading header size at %d: %w", pos, err)
	}
	if size <= crcSize || size > maxHeaderSize {
		return nil, 0, fmt.Errorf("%w: header size %d at %d", ErrCorrupt, size, pos)
	}

	buf := make([]byte, size)
	if _, err := r.ReadAt(buf, pos+4); err != nil {
		return nil, 0, fmt.Errorf("reading header at %d: %w", pos, err)
	}
	body := buf[:len(buf)-crcSize]
	if binary.LittleEndian.Uint32(buf[len(body):]) != crc32.ChecksumIEEE(body) {
		return nil, 0, fmt.Errorf("%w: section at %d", ErrChecksumMismatch, pos)
	}

	h := &headerReader{b: body}
	ti := &TrackIndex{}
	ti.Key.Source = h.str()
	ti.Key.Name = h.str()
	ti.MaxFrames = int(h.i32())
	ti.PayloadType = h.str()
	ti.FirstTimestamp = h.f64()
	ti.LastTimestamp = h.f64()

	recordsStart := pos + 4 + int64(size)
	if version == VersionLegacy {
		frameSize := h.i32()
		if h.err == nil && (frameSize < recordHeaderSize || ti.MaxFrames < 0) {
			return nil, 0, fmt.Errorf("%w: %s legacy frame size %d", ErrCorrupt, ti.Key, frameSize)
		}
		ti.Entries = make([]Entry, max(ti.MaxFrames, 0))
		for i := range ti.Entries {
			ti.Entries[i] = Entry{Offset: recordsStart + int64(i)*int64(frameSize), Size: frameSize}
		}
	} else {
		count := int(h.i32())
		if h.err == nil && (count != ti.MaxFrames || count < 0 || count*entrySize > len(body)) {
			return nil, 0, fmt.Errorf("%w: %s table of %d entries for %d frames", ErrCorrupt, ti.Key, count, ti.MaxFrames)
		}
		ti.Entries = make([]Entry, count)
		for i := range ti.Entries {
			offset, sz := h.i64(), h.i32()
			ti.Entries[i] = Entry{Offset: recordsStart + offset, Size: sz}
		}
	}
	if h.err != nil {
		return nil, 0, fmt.Errorf("section at %d: %w", pos, h.err)
	}
	if h.pos != len(body) {
		return nil, 0, fmt.Errorf("%w: %s header has %d trailing bytes", ErrCorrupt, ti.Key, len(body)-h.pos)
	}

	next := recordsStart
	for i, e := range ti.Entries {
		if e.Size < recordHeaderSize || e.Offset < recordsStart {
			return nil, 0, fmt.Errorf("%w: %s entry %d", ErrCorrupt, ti.Key, i)
		}
		next = max(next, e.Offset+int64(e.Size))
	}
	return ti, next, nil
}

// Reader decodes frames from an indexed file.
type Reader struct {
	r        io.ReaderAt
	index    *Index
	registry *payload.Registry
}

// NewReader reads the index of r and checks that every payload type it
// names is registered.
func NewReader(r io.ReaderAt, registry *payload.Registry) (*Reader, error) {
	ix, err := ReadIndex(r)
	if err != nil {
		return nil, err
	}
	for _, set := range []map[recording.TrackKey]*TrackIndex{ix.Statics, ix.Animated} {
		for _, ti := range set {
			if !registry.Has(ti.PayloadType) {
				return nil, fmt.Errorf("track %s: %w: %q", ti.Key, payload.ErrUnknownType, ti.PayloadType)
			}
		}
	}
	return &Reader{r: r, index: ix, registry: registry}, nil
}

// Index returns the parsed index.
func (rd *Reader) Index() *Index {
	return rd.index
}

// ReadStatic returns the static frame of key, or nil if it has none.
func (rd *Reader) ReadStatic(key recording.TrackKey) (*recording.Frame, error) {
	ti, ok := rd.index.Statics[key]
	if !ok || len(ti.Entries) == 0 {
		return nil, nil
	}
	run, err := rd.ReadRun(ti, 0, 1)
	if err != nil {
		return nil, err
	}
	if len(run.Frames) == 0 {
		return nil, run.Skipped[0]
	}
	return &run.Frames[0].Frame, nil
}

// Run is the result of decoding consecutive records.
type Run struct {
	Frames []recording.IndexedFrame
	// Skipped lists records whose stored index did not match their position.
	Skipped []*FrameIndexError
	// Bytes is the number of bytes read from the file.
	Bytes int64
}

// ReadRun reads count consecutive frames starting at lo with one read and
// decodes each in turn.
func (rd *Reader) ReadRun(ti *TrackIndex, lo, count int) (Run, error) {
	if count <= 0 {
		return Run{}, nil
	}
	if lo < 0 || lo+count > len(ti.Entries) {
		return Run{}, fmt.Errorf("%w: run [%d,%d) outside %s with %d frames", ErrCorrupt, lo, lo+count, ti.Key, len(ti.Entries))
	}

	first, last := ti.Entries[lo], ti.Entries[lo+count-1]
	span := last.Offset + int64(last.Size) - first.Offset
	if span <= 0 || span > math.MaxInt32 {
		return Run{}, fmt.Errorf("%w: %s run spans %d bytes", ErrCorrupt, ti.Key, span)
	}
	block := make([]byte, span)
	if n, err := rd.r.ReadAt(block, first.Offset); n < len(block) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Run{}, fmt.Errorf("reading %s frames [%d,%d]: %w", ti.Key, lo, lo+count-1, err)
	}

	run := Run{Frames: make([]recording.IndexedFrame, 0, count), Bytes: span}
	for i := range count {
		e := ti.Entries[lo+i]
		start := e.Offset - first.Offset
		rec := block[start : start+int64(e.Size)]
		index, ts, data, err := decodeRecord(rec)
		if err != nil {
			return Run{}, fmt.Errorf("%s frame %d: %w", ti.Key, lo+i, err)
		}
		if index != lo+i {
			run.Skipped = append(run.Skipped, &FrameIndexError{Track: ti.Key, Expected: lo + i, Got: index})
			continue
		}
		p, err := rd.registry.Decode(ti.PayloadType, data)
		if err != nil {
			return Run{}, fmt.Errorf("%s frame %d: %w", ti.Key, lo+i, err)
		}
		run.Frames = append(run.Frames, recording.IndexedFrame{
			Index: index,
			Frame: recording.Frame{Timestamp: ts, Payload: p},
		})
	}
	return run, nil
}

// ReadFrameRange returns frames lo..hi inclusive in order. Runs of
// same-size records are read together; anything else is read one record
// at a time.
func (rd *Reader) ReadFrameRange(ti *TrackIndex, lo, hi int) (Run, error) {
	var out Run
	lo = max(lo, 0)
	hi = min(hi, len(ti.Entries)-1)
	for i := lo; i <= hi; {
		n := SameSizeRun(ti, i, hi)
		run, err := rd.ReadRun(ti, i, n)
		if err != nil {
			return out, err
		}
		out.Frames = append(out.Frames, run.Frames...)
		out.Skipped = append(out.Skipped, run.Skipped...)
		out.Bytes += run.Bytes
		i += n
	}
	return out, nil
}

// SameSizeRun returns how many records from lo up to hi share lo's size.
func SameSizeRun(ti *TrackIndex, lo, hi int) int {
	n := 1
	for j := lo + 1; j <= hi && ti.Entries[j].Size == ti.Entries[lo].Size; j++ {
		n++
	}
	return n
}

// Load reads a whole file into memory.
func Load(r io.ReaderAt, registry *payload.Registry) (*recording.Recording, error) {
	rd, err := NewReader(r, registry)
	if err != nil {
		return nil, err
	}
	ix := rd.Index()

	rec := &recording.Recording{
		Version: ix.Version,
		Tracks:  make(map[recording.TrackKey]*recording.Track, len(ix.Animated)),
	}
	for _, key := range ix.Keys {
		ti := ix.Animated[key]
		static, err := rd.ReadStatic(key)
		if err != nil {
			return nil, err
		}
		run, err := rd.ReadFrameRange(ti, 0, ti.MaxFrames-1)
		if err != nil {
			return nil, err
		}
		if len(run.Skipped) > 0 {
			return nil, run.Skipped[0]
		}
		frames := make([]recording.Frame, len(run.Frames))
		for i, f := range run.Frames {
			frames[i] = f.Frame
		}
		rec.Tracks[key] = &recording.Track{
			Key:         key,
			PayloadType: ti.PayloadType,
			Static:      static,
			Frames:      frames,
			MaxFrames:   ti.MaxFrames,
		}
	}
	return rec, nil
}
