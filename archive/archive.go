// Package archive wraps content archives in the compression formats binary
// caches use for NAR files. All codecs stream; none buffers a whole archive.
package archive

import (
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression names a compression algorithm as written in the narinfo
// Compression field.
type Compression string

const (
	None  Compression = "none"
	XZ    Compression = "xz"
	Zstd  Compression = "zstd"
	Gzip  Compression = "gzip"
	LZ4   Compression = "lz4"
	Bzip2 Compression = "bzip2"
)

// ErrorKind classifies an archive Error.
type ErrorKind int

const (
	UnsupportedAlgorithm ErrorKind = iota + 1
	Corrupt
)

func (k ErrorKind) String() string {
	switch k {
	case UnsupportedAlgorithm:
		return "unsupported algorithm"
	case Corrupt:
		return "corrupt archive"
	}
	return "unknown"
}

// Error is returned for unknown algorithms and undecodable streams.
type Error struct {
	Kind        ErrorKind
	Compression Compression
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("archive %s: %s", e.Compression, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ParseCompression parses a narinfo Compression value. An empty value means
// none.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return None, nil
	case None, XZ, Zstd, Gzip, LZ4, Bzip2:
		return c, nil
	default:
		return "", &Error{Kind: UnsupportedAlgorithm, Compression: c}
	}
}

// Extension returns the file extension appended to ".nar" for c.
func (c Compression) Extension() string {
	switch c {
	case XZ:
		return ".xz"
	case Zstd:
		return ".zst"
	case Gzip:
		return ".gz"
	case LZ4:
		return ".lz4"
	case Bzip2:
		return ".bz2"
	}
	return ""
}

// CanEncode reports whether Encode supports c.
func (c Compression) CanEncode() bool {
	switch c {
	case None, XZ, Zstd, Gzip, LZ4:
		return true
	}
	return false
}

// Decode returns a reader yielding the decompressed content of r. Closing
// the returned reader does not close r.
func Decode(r io.Reader, c Compression) (io.ReadCloser, error) {
	src := &sourceReader{r: r}

	var (
		dec     io.Reader
		closeFn func() error
		err     error
	)
	switch c {
	case None, "":
		return io.NopCloser(r), nil
	case XZ:
		dec, err = xz.NewReader(src)
	case Zstd:
		var zr *zstd.Decoder
		zr, err = zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
		if err == nil {
			dec = zr
			closeFn = func() error { zr.Close(); return nil }
		}
	case Gzip:
		var gr *gzip.Reader
		gr, err = gzip.NewReader(src)
		if err == nil {
			dec, closeFn = gr, gr.Close
		}
	case LZ4:
		dec = lz4.NewReader(src)
	case Bzip2:
		dec = bzip2.NewReader(src)
	default:
		return nil, &Error{Kind: UnsupportedAlgorithm, Compression: c}
	}
	if err != nil {
		return nil, src.classify(c, err)
	}
	return &decodeReader{r: dec, src: src, c: c, closeFn: closeFn}, nil
}

// Encode returns a writer that compresses into w. Close flushes the
// compressor but does not close w.
func Encode(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case None, "":
		return nopWriteCloser{w}, nil
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("creating xz writer: %w", err)
		}
		return xw, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return zw, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, &Error{Kind: UnsupportedAlgorithm, Compression: c}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// sourceReader remembers errors from the underlying stream so they can be
// told apart from decoder failures.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// classify passes transport errors through and reports anything else the
// decoder produced as corruption.
func (s *sourceReader) classify(c Compression, err error) error {
	if s.err != nil && errors.Is(err, s.err) {
		return err
	}
	if s.err != nil {
		return s.err
	}
	return &Error{Kind: Corrupt, Compression: c, Err: err}
}

type decodeReader struct {
	r       io.Reader
	src     *sourceReader
	c       Compression
	closeFn func() error
}

func (d *decodeReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && err != io.EOF {
		return n, d.src.classify(d.c, err)
	}
	return n, err
}

func (d *decodeReader) Close() error {
	if d.closeFn != nil {
		return d.closeFn()
	}
	return nil
}
