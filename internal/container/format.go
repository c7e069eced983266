// Package container reads and writes the trackdeck recording file format.
//
// A file is a small preamble followed by one section per static track and
// one section per animated track:
//
//	[magic "TDCK"][version:int32]
//	[staticCount:int32]   staticCount × section
//	[animatedCount:int32] animatedCount × section
//
//	section := [headerSize:int32][header][record...]
//	header  := [source:str][name:str][maxFrames:int32][payloadType:str]
//	           [firstTimestamp:float64][lastTimestamp:float64]
//	           v2: [count:int32] count × [offset:int64][size:int32]
//	           v1: [frameSize:int32]
//	           [crc32:uint32]
//	record  := [frameIndex:int32][timestamp:float64][payload]
//	str     := [len:uint16][bytes]
//
// All integers are little-endian. Record offsets in the header are relative
// to the first byte after the header; the CRC covers the header bytes that
// precede it. Version 1 files carry a single frame size instead of the
// per-frame table and are read as if every record had that size.
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/jmylchreest/trackdeck/internal/recording"
)

// Magic opens every container file.
const Magic = "TDCK"

// Format versions.
const (
	VersionLegacy  int32 = 1
	VersionIndexed int32 = 2
	VersionCurrent       = VersionIndexed
)

const (
	preambleSize     = 8
	recordHeaderSize = 4 + 8
	entrySize        = 8 + 4
	crcSize          = 4
)

var (
	// ErrEmptyTrack is returned when a track has no frames to write.
	ErrEmptyTrack = errors.New("track has no frames")
	// ErrEmptyPayload is returned when a frame has a nil or empty payload.
	ErrEmptyPayload = errors.New("frame payload is empty")
	// ErrFrameTooLarge is returned when a record does not fit an int32 size.
	ErrFrameTooLarge = errors.New("frame record exceeds 32-bit size")
	// ErrNonUniformLegacy is returned when a version 1 file is requested for
	// a track whose records differ in size.
	ErrNonUniformLegacy = errors.New("legacy format requires uniform frame sizes")
	// ErrBadMagic is returned when the file does not start with Magic.
	ErrBadMagic = errors.New("not a trackdeck container")
	// ErrUnsupportedVersion is returned for unknown format versions.
	ErrUnsupportedVersion = errors.New("unsupported container version")
	// ErrChecksumMismatch is returned when a section header fails its CRC.
	ErrChecksumMismatch = errors.New("section header checksum mismatch")
	// ErrCorrupt is returned for structurally invalid files.
	ErrCorrupt = errors.New("corrupt container")
)

// FrameIndexError reports a record whose stored index differs from the
// index its position implies. The frame is skipped; siblings still load.
type FrameIndexError struct {
	Track    recording.TrackKey
	Expected int
	Got      int
}

func (e *FrameIndexError) Error() string {
	return fmt.Sprintf("track %s: expected frame %d, record holds %d", e.Track, e.Expected, e.Got)
}

// Entry locates one record in the file.
type Entry struct {
	// Offset is the absolute file offset of the record.
	Offset int64
	// Size is the record size including its index and timestamp.
	Size int32
}

// TrackIndex describes one section without its payloads.
type TrackIndex struct {
	Key            recording.TrackKey
	PayloadType    string
	MaxFrames      int
	FirstTimestamp float64
	LastTimestamp  float64
	Entries        []Entry
}

// LocalFrameRate derives the track's own frame rate.
func (t *TrackIndex) LocalFrameRate() recording.FrameRate {
	return recording.DeriveFrameRate(t.MaxFrames, t.LastTimestamp)
}

// Bytes returns the total record bytes of the track.
func (t *TrackIndex) Bytes() int64 {
	var n int64
	for _, e := range t.Entries {
		n += int64(e.Size)
	}
	return n
}

// Index is the parsed header data of a whole file.
type Index struct {
	Version  int32
	Statics  map[recording.TrackKey]*TrackIndex
	Animated map[recording.TrackKey]*TrackIndex
	// Keys lists animated tracks in file order.
	Keys []recording.TrackKey
	Size int64
}

// MaxFrames returns the largest frame count across animated tracks.
func (ix *Index) MaxFrames() int {
	n := 0
	for _, t := range ix.Animated {
		n = max(n, t.MaxFrames)
	}
	return n
}

// Duration returns the latest timestamp across animated tracks.
func (ix *Index) Duration() float64 {
	d := 0.0
	for _, t := range ix.Animated {
		d = math.Max(d, t.LastTimestamp)
	}
	return d
}

// GlobalFrameRate derives the recording's playback rate.
func (ix *Index) GlobalFrameRate() recording.FrameRate {
	return recording.DeriveFrameRate(ix.MaxFrames(), ix.Duration())
}

// headerBuf builds a section header.
type headerBuf struct {
	b []byte
}

func (h *headerBuf) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes exceeds header limit", len(s))
	}
	h.b = binary.LittleEndian.AppendUint16(h.b, uint16(len(s)))
	h.b = append(h.b, s...)
	return nil
}

func (h *headerBuf) i32(v int32)   { h.b = binary.LittleEndian.AppendUint32(h.b, uint32(v)) }
func (h *headerBuf) i64(v int64)   { h.b = binary.LittleEndian.AppendUint64(h.b, uint64(v)) }
func (h *headerBuf) f64(v float64) { h.b = binary.LittleEndian.AppendUint64(h.b, math.Float64bits(v)) }

func (h *headerBuf) seal() []byte {
	return binary.LittleEndian.AppendUint32(h.b, crc32.ChecksumIEEE(h.b))
}

// headerReader parses a section header held in memory.
type headerReader struct {
	b   []byte
	pos int
	err error
}

func (h *headerReader) take(n int) []byte {
	if h.err != nil {
		return nil
	}
	if n < 0 || h.pos+n > len(h.b) {
		h.err = fmt.Errorf("%w: header truncated at byte %d", ErrCorrupt, h.pos)
		return nil
	}
	out := h.b[h.pos : h.pos+n]
	h.pos += n
	return out
}

func (h *headerReader) str() string {
	n := h.take(2)
	if n == nil {
		return ""
	}
	return string(h.take(int(binary.LittleEndian.Uint16(n))))
}

func (h *headerReader) i32() int32 {
	b := h.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (h *headerReader) i64() int64 {
	b := h.take(8)
	if b == nil {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

func (h *headerReader) f64() float64 {
	b := h.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// encodeRecord appends one record to dst.
func encodeRecord(dst []byte, index int, timestamp float64, data []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(index)))
	dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(timestamp))
	return append(dst, data...)
}

// decodeRecord splits a record into its parts.
func decodeRecord(b []byte) (index int, timestamp float64, data []byte, err error) {
	if len(b) < recordHeaderSize {
		return 0, 0, nil, fmt.Errorf("%w: record of %d bytes", ErrCorrupt, len(b))
	}
	index = int(int32(binary.LittleEndian.Uint32(b)))
	timestamp = math.Float64frombits(binary.LittleEndian.Uint64(b[4:]))
	return index, timestamp, b[recordHeaderSize:], nil
}
