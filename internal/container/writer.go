package container

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/jmylchreest/trackdeck/internal/recording"
)

// TrackSource is one track handed to the writer. Frames may live in memory
// or in a disk-backed store.
type TrackSource struct {
	Key         recording.TrackKey
	PayloadType string
	Static      *recording.Frame
	Frames      recording.FrameSource
}

// SourcesFromRecording returns the tracks of rec in key order.
func SourcesFromRecording(rec *recording.Recording) []TrackSource {
	keys := rec.SortedKeys()
	out := make([]TrackSource, 0, len(keys))
	for _, k := range keys {
		t := rec.Tracks[k]
		out = append(out, TrackSource{
			Key:         k,
			PayloadType: t.PayloadType,
			Static:      t.Static,
			Frames:      recording.FrameSlice(t.Frames),
		})
	}
	return out
}

// WriteOptions controls the output format.
type WriteOptions struct {
	// Version selects the format. Zero means VersionCurrent.
	Version int32
}

// sectionPlan is the result of validating a section before any of its
// bytes are written.
type sectionPlan struct {
	key         recording.TrackKey
	payloadType string
	static      *recording.Frame
	frames      recording.FrameSource
	sizes       []int32
	first, last float64
}

func (p *sectionPlan) count() int {
	return len(p.sizes)
}

// Write encodes tracks to w. Every track is validated before the first
// byte is written, so a failed write emits nothing.
func Write(w io.Writer, tracks []TrackSource, opts WriteOptions) (int64, error) {
	version := opts.Version
	if version == 0 {
		version = VersionCurrent
	}
	if version != VersionLegacy && version != VersionIndexed {
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	var statics, animated []*sectionPlan
	for _, t := range tracks {
		if t.Static != nil {
			p, err := planStatic(t)
			if err != nil {
				return 0, err
			}
			statics = append(statics, p)
		}
		p, err := planAnimated(t, version)
		if err != nil {
			return 0, err
		}
		animated = append(animated, p)
	}

	cw := &countingWriter{w: w}
	bw := bufio.NewWriterSize(cw, 256*1024)

	var pre headerBuf
	pre.b = append(pre.b, Magic...)
	pre.i32(version)
	pre.i32(int32(len(statics)))
	if _, err := bw.Write(pre.b); err != nil {
		return cw.n, fmt.Errorf("writing preamble: %w", err)
	}
	for _, p := range statics {
		if err := writeSection(bw, p, version); err != nil {
			return cw.n, err
		}
	}

	var count headerBuf
	count.i32(int32(len(animated)))
	if _, err := bw.Write(count.b); err != nil {
		return cw.n, fmt.Errorf("writing track count: %w", err)
	}
	for _, p := range animated {
		if err := writeSection(bw, p, version); err != nil {
			return cw.n, err
		}
	}

	if err := bw.Flush(); err != nil {
		return cw.n, fmt.Errorf("flushing: %w", err)
	}
	return cw.n, nil
}

// WriteRecording encodes an in-memory recording to w.
func WriteRecording(w io.Writer, rec *recording.Recording, opts WriteOptions) (int64, error) {
	if opts.Version == 0 && rec.Version != 0 {
		opts.Version = rec.Version
	}
	return Write(w, SourcesFromRecording(rec), opts)
}

// WriteFile writes tracks to path through a temporary file in the same
// directory that is renamed into place only after a complete write.
func WriteFile(path string, tracks []TrackSource, opts WriteOptions) (n int64, err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	n, err = Write(tmp, tracks, opts)
	if err != nil {
		return n, err
	}
	if err = tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return n, fmt.Errorf("closing: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("renaming into place: %w", err)
	}
	return n, nil
}

func planStatic(t TrackSource) (*sectionPlan, error) {
	size, err := recordSize(t.Key, 0, t.Static)
	if err != nil {
		return nil, fmt.Errorf("static frame: %w", err)
	}
	return &sectionPlan{
		key:         t.Key,
		payloadType: t.Static.Payload.TypeName(),
		static:      t.Static,
		sizes:       []int32{size},
		first:       t.Static.Timestamp,
		last:        t.Static.Timestamp,
	}, nil
}

func planAnimated(t TrackSource, version int32) (*sectionPlan, error) {
	if t.Frames == nil || t.Frames.Len() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyTrack, t.Key)
	}
	if t.Frames.Len() > math.MaxInt32 {
		return nil, fmt.Errorf("%w: %s has %d frames", ErrFrameTooLarge, t.Key, t.Frames.Len())
	}

	p := &sectionPlan{
		key:         t.Key,
		payloadType: t.PayloadType,
		frames:      t.Frames,
		sizes:       make([]int32, 0, t.Frames.Len()),
	}

	var ferr error
	err := t.Frames.For(func(i int, f *recording.Frame) bool {
		size, err := recordSize(t.Key, i, f)
		if err != nil {
			ferr = err
			return false
		}
		if f.Payload.TypeName() != t.PayloadType {
			ferr = fmt.Errorf("%w: %s frame %d is %q, track is %q",
				recording.ErrPayloadType, t.Key, i, f.Payload.TypeName(), t.PayloadType)
			return false
		}
		if i > 0 && f.Timestamp <= p.last {
			ferr = fmt.Errorf("%w: %s frame %d", recording.ErrNonMonotonic, t.Key, i)
			return false
		}
		if i == 0 {
			p.first = f.Timestamp
		}
		p.last = f.Timestamp
		p.sizes = append(p.sizes, size)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("reading frames of %s: %w", t.Key, err)
	}
	if ferr != nil {
		return nil, ferr
	}

	if version == VersionLegacy {
		for i, s := range p.sizes {
			if s != p.sizes[0] {
				return nil, fmt.Errorf("%w: %s frame %d is %d bytes, frame 0 is %d",
					ErrNonUniformLegacy, t.Key, i, s, p.sizes[0])
			}
		}
	}
	return p, nil
}

// recordSize validates f and returns the size of its record.
func recordSize(key recording.TrackKey, index int, f *recording.Frame) (int32, error) {
	if f == nil || f.Payload == nil {
		return 0, fmt.Errorf("%w: %s frame %d", ErrEmptyPayload, key, index)
	}
	data, err := f.Payload.MarshalBinary()
	if err != nil {
		return 0, fmt.Errorf("encoding %s frame %d: %w", key, index, err)
	}
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: %s frame %d", ErrEmptyPayload, key, index)
	}
	size := int64(recordHeaderSize) + int64(len(data))
	if size > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %s frame %d is %d bytes", ErrFrameTooLarge, key, index, size)
	}
	return int32(size), nil
}

func writeSection(w io.Writer, p *sectionPlan, version int32) error {
	var h headerBuf
	if err := h.str(p.key.Source); err != nil {
		return fmt.Errorf("%s: %w", p.key, err)
	}
	if err := h.str(p.key.Name); err != nil {
		return fmt.Errorf("%s: %w", p.key, err)
	}
	h.i32(int32(p.count()))
	if err := h.str(p.payloadType); err != nil {
		return fmt.Errorf("%s: %w", p.key, err)
	}
	h.f64(p.first)
	h.f64(p.last)
	if version == VersionLegacy {
		h.i32(p.sizes[0])
	} else {
		h.i32(int32(p.count()))
		var offset int64
		for _, s := range p.sizes {
			h.i64(offset)
			h.i32(s)
			offset += int64(s)
		}
	}
	header := h.seal()

	var prefix headerBuf
	prefix.i32(int32(len(header)))
	if _, err := w.Write(prefix.b); err != nil {
		return fmt.Errorf("writing %s header: %w", p.key, err)
	}
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("writing %s header: %w", p.key, err)
	}

	if p.static != nil {
		return writeRecord(w, p, 0, p.static)
	}

	var werr error
	err := p.frames.For(func(i int, f *recording.Frame) bool {
		werr = writeRecord(w, p, i, f)
		return werr == nil
	})
	if err != nil {
		return fmt.Errorf("reading frames of %s: %w", p.key, err)
	}
	return werr
}

var errSizeChanged = errors.New("payload size changed during write")

func writeRecord(w io.Writer, p *sectionPlan, i int, f *recording.Frame) error {
	if i >= len(p.sizes) {
		return fmt.Errorf("%w: %s gained frames during write", ErrCorrupt, p.key)
	}
	data, err := f.Payload.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encoding %s frame %d: %w", p.key, i, err)
	}
	if int32(recordHeaderSize+len(data)) != p.sizes[i] {
		return fmt.Errorf("%w: %s frame %d", errSizeChanged, p.key, i)
	}
	if _, err := w.Write(encodeRecord(make([]byte, 0, p.sizes[i]), i, f.Timestamp, data)); err != nil {
		return fmt.Errorf("writing %s frame %d: %w", p.key, i, err)
	}
	return nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
