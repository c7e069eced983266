// Package archive compresses recordings for storage and expands them back
// to plain files, since the streaming cache needs random access.
package archive

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

// ErrUnknownCodec is returned for an unsupported codec name.
var ErrUnknownCodec = errors.New("unknown compression codec")

// Codec names a compression format.
type Codec string

const (
	CodecNone   Codec = ""
	CodecXZ     Codec = "xz"
	CodecBrotli Codec = "br"
	CodecBzip2  Codec = "bz2"
)

// Codecs lists the supported compression formats.
var Codecs = []Codec{CodecXZ, CodecBrotli, CodecBzip2}

var (
	xzMagic    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	bzip2Magic = []byte{'B', 'Z', 'h'}
)

// ParseCodec parses a codec name such as "xz", "brotli" or "bzip2".
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "none":
		return CodecNone, nil
	case "xz":
		return CodecXZ, nil
	case "br", "brotli":
		return CodecBrotli, nil
	case "bz2", "bzip2":
		return CodecBzip2, nil
	default:
		return CodecNone, fmt.Errorf("%w: %q", ErrUnknownCodec, s)
	}
}

// Extension returns the file suffix for c, including the dot.
func (c Codec) Extension() string {
	if c == CodecNone {
		return ""
	}
	return "." + string(c)
}

func (c Codec) String() string {
	if c == CodecNone {
		return "none"
	}
	return string(c)
}

// Detect returns the codec of the file at path from its extension, or
// from its leading bytes when the extension says nothing.
func Detect(path string) (Codec, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		return CodecXZ, nil
	case ".br":
		return CodecBrotli, nil
	case ".bz2":
		return CodecBzip2, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return CodecNone, err
	}
	defer f.Close()

	header := make([]byte, len(xzMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return CodecNone, fmt.Errorf("reading header: %w", err)
	}
	header = header[:n]

	switch {
	case bytes.HasPrefix(header, xzMagic):
		return CodecXZ, nil
	case bytes.HasPrefix(header, bzip2Magic):
		return CodecBzip2, nil
	default:
		return CodecNone, nil
	}
}

// NewWriter returns a writer compressing to w with c. Closing it flushes
// the stream but does not close w.
func NewWriter(w io.Writer, c Codec) (io.WriteCloser, error) {
	switch c {
	case CodecXZ:
		return xz.NewWriter(w)
	case CodecBrotli:
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	case CodecBzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, string(c))
	}
}

// NewReader returns a reader expanding r with c.
func NewReader(r io.Reader, c Codec) (io.ReadCloser, error) {
	switch c {
	case CodecNone:
		return io.NopCloser(r), nil
	case CodecXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return io.NopCloser(xr), nil
	case CodecBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	case CodecBzip2:
		br, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("creating bzip2 reader: %w", err)
		}
		return br, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, string(c))
	}
}

// Compress writes src compressed with c to dst and returns the number of
// bytes written. dst is replaced atomically.
func Compress(src, dst string, c Codec) (n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return writeAtomic(dst, func(out io.Writer) error {
		cw, err := NewWriter(out, c)
		if err != nil {
			return err
		}
		if _, err := io.Copy(cw, bufio.NewReader(in)); err != nil {
			_ = cw.Close()
			return fmt.Errorf("compressing %s: %w", src, err)
		}
		return cw.Close()
	})
}

// Decompress expands src, compressed with c, into dst.
func Decompress(src, dst string, c Codec) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return writeAtomic(dst, func(out io.Writer) error {
		rc, err := NewReader(bufio.NewReader(in), c)
		if err != nil {
			return err
		}
		defer rc.Close()
		if _, err := io.Copy(out, rc); err != nil {
			return fmt.Errorf("decompressing %s: %w", src, err)
		}
		return nil
	})
}

// Materialize returns a plain path for the recording at path, expanding it
// into tempDir if it is compressed. cleanup removes any file it created.
func Materialize(path, tempDir string) (string, func() error, error) {
	noop := func() error { return nil }

	c, err := Detect(path)
	if err != nil {
		return "", noop, err
	}
	if c == CodecNone {
		return path, noop, nil
	}

	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", noop, err
	}
	f, err := os.CreateTemp(tempDir, strings.TrimSuffix(filepath.Base(path), c.Extension())+"-*")
	if err != nil {
		return "", noop, err
	}
	out := f.Name()
	_ = f.Close()

	if _, err := Decompress(path, out, c); err != nil {
		_ = os.Remove(out)
		return "", noop, err
	}
	return out, func() error { return os.Remove(out) }, nil
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeAtomic(dst string, fill func(w io.Writer) error) (n int64, err error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	cw := &countingWriter{w: bw}
	if err = fill(cw); err != nil {
		return 0, err
	}
	if err = bw.Flush(); err != nil {
		return 0, err
	}
	if err = tmp.Sync(); err != nil {
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return 0, err
	}
	return cw.n, nil
}
