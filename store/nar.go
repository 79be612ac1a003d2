package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/archive"
	"github.com/wolfeidau/nix-cache/nar"
	"github.com/wolfeidau/nix-cache/narinfo"
	"github.com/wolfeidau/nix-cache/telemetry"
)

// NarFromPath streams the decoded archive of path. The size and NarHash of
// the stream are checked when it reaches EOF; on mismatch Read returns a
// *VerificationError instead of io.EOF, so callers must not trust the bytes
// until Read has returned io.EOF. Close releases the connection promptly.
func (s *Store) NarFromPath(ctx context.Context, path nixcache.StorePath) (io.ReadCloser, error) {
	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.openNar(ctx, info)
}

func (s *Store) openNar(ctx context.Context, info *narinfo.NarInfo) (*narReader, error) {
	rel := info.NarPath()
	uri := s.URI() + "/" + rel
	fail := func(err error) error {
		return &QueryError{Op: "fetch nar", Path: info.StorePath, URI: uri, Err: err}
	}

	compression, err := archive.ParseCompression(info.Compression)
	if err != nil {
		return nil, fail(err)
	}

	body, err := s.transport.Fetch(telemetry.WithResource(ctx, telemetry.ResourceNar), rel)
	if err != nil {
		return nil, fail(err)
	}

	r := &narReader{
		ctx:         ctx,
		store:       s,
		info:        info,
		uri:         uri,
		body:        body,
		compression: compression,
	}

	r.download = &countingReader{r: body}
	r.src = r.download
	if !info.FileHash.IsZero() {
		r.file = nixcache.NewHashingReader(r.download, info.FileHash.Algorithm())
		r.src = r.file
	}

	dec, err := archive.Decode(r.src, compression)
	if err != nil {
		_ = body.Close()
		return nil, fail(err)
	}
	r.dec = dec
	r.nar = nixcache.NewHashingReader(dec, info.NarHash.Algorithm())
	if hashesFile(info.CA) {
		r.content = newContentCheck(info.CA.Hash)
	}
	return r, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// contentCheck hashes the file held by a single-file archive while the
// archive streams through it. Flat and text content addresses name the hash
// of that file rather than of the archive, so NarHash alone does not tie the
// served bytes to the store path.
type contentCheck struct {
	pw   *io.PipeWriter
	done chan error
}

// hashesFile reports whether ca names the hash of a single file rather
// than of the archive.
func hashesFile(ca nixcache.ContentAddress) bool {
	return ca.Method == nixcache.MethodFlat || ca.Method == nixcache.MethodText
}

func newContentCheck(want nixcache.Hash) *contentCheck {
	pr, pw := io.Pipe()
	c := &contentCheck{pw: pw, done: make(chan error, 1)}
	go func() {
		err := checkArchivedFile(pr, want)
		// Keep draining so writes never block once the outcome is known.
		_, _ = io.Copy(io.Discard, pr)
		c.done <- err
	}()
	return c
}

func checkArchivedFile(r io.Reader, want nixcache.Hash) error {
	nr := nar.NewReader(r)
	hdr, err := nr.Next()
	if err != nil {
		return err
	}
	if hdr.Type != nar.TypeRegular {
		return fmt.Errorf("archive holds a %s, not a regular file", hdr.Type)
	}
	h := nixcache.NewHasher(want.Algorithm())
	if _, err := io.Copy(h, nr); err != nil {
		return err
	}
	if err := nr.Close(); err != nil {
		return err
	}
	if got := h.Sum(); got != want {
		return fmt.Errorf("file hashes to %s", got)
	}
	return nil
}

// Write never fails; a broken archive is reported by finish.
func (c *contentCheck) Write(p []byte) (int, error) {
	_, _ = c.pw.Write(p)
	return len(p), nil
}

// finish reports the outcome once the whole archive has been written.
func (c *contentCheck) finish() error {
	_ = c.pw.Close()
	return <-c.done
}

func (c *contentCheck) abort() {
	_ = c.pw.CloseWithError(errors.New("archive read abandoned"))
}

// narReader decodes an archive and verifies it against its record.
type narReader struct {
	ctx         context.Context
	store       *Store
	info        *narinfo.NarInfo
	uri         string
	body        io.ReadCloser
	dec         io.ReadCloser
	download    *countingReader
	src         io.Reader
	file        *nixcache.HashingReader
	nar         *nixcache.HashingReader
	content     *contentCheck
	compression archive.Compression

	err    error
	closed bool
}

func (r *narReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}

	n, err := r.nar.Read(p)
	if r.content != nil && n > 0 {
		_, _ = r.content.Write(p[:n])
	}
	if uint64(r.nar.BytesRead()) > r.info.NarSize { //nolint:gosec // BytesRead is non-negative
		return n, r.fail(r.mismatch("archive is larger than NarSize %d", r.info.NarSize))
	}
	switch {
	case err == io.EOF:
		if verr := r.verify(); verr != nil {
			return n, r.fail(verr)
		}
		telemetry.RecordNarBytes(r.ctx, string(r.compression), r.nar.BytesRead())
		r.err = io.EOF
		return n, io.EOF
	case err != nil:
		if ctxErr := r.ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return n, r.fail(err)
	}
	return n, nil
}

// verify checks the decoded stream, the compressed stream when the record
// describes it, and the archived file against a flat or text content
// address, after the decoder reached EOF.
func (r *narReader) verify() error {
	var contentErr error
	if r.content != nil {
		contentErr = r.content.finish()
		r.content = nil
	}

	if got := uint64(r.nar.BytesRead()); got != r.info.NarSize { //nolint:gosec // BytesRead is non-negative
		return r.mismatch("NarSize is %d but archive has %d bytes", r.info.NarSize, got)
	}
	if got := r.nar.Sum(); got != r.info.NarHash {
		return r.mismatch("NarHash is %s but archive hashes to %s", r.info.NarHash, got)
	}

	if r.file != nil || r.info.FileSize != 0 {
		if _, err := io.Copy(io.Discard, r.src); err != nil {
			return err
		}
	}
	if r.info.FileSize != 0 && uint64(r.download.n) != r.info.FileSize { //nolint:gosec // n is non-negative
		return r.mismatch("FileSize is %d but download has %d bytes", r.info.FileSize, r.download.n)
	}
	if r.file != nil {
		if got := r.file.Sum(); got != r.info.FileHash {
			return r.mismatch("FileHash is %s but download hashes to %s", r.info.FileHash, got)
		}
	}

	if contentErr != nil {
		return r.mismatch("content does not match %s: %v", r.info.CA, contentErr)
	}
	return nil
}

func (r *narReader) mismatch(format string, args ...any) error {
	telemetry.RecordVerificationFailure(r.ctx, "nar")
	return &VerificationError{Stage: "nar", Path: r.info.StorePath, Reason: fmt.Sprintf(format, args...)}
}

func (r *narReader) fail(err error) error {
	r.err = &QueryError{Op: "fetch nar", Path: r.info.StorePath, URI: r.uri, Err: err}
	if IsVerificationError(err) {
		r.store.logger.Warn("rejecting archive", "path", r.info.StorePath.String(), "error", err)
	}
	return r.err
}

// Close releases the decoder and the response body.
func (r *narReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.content != nil {
		r.content.abort()
		r.content = nil
	}
	decErr := r.dec.Close()
	bodyErr := r.body.Close()
	return errors.Join(decErr, bodyErr)
}

// verificationErr returns the verification failure seen so far, if any.
func (r *narReader) verificationErr() error {
	if r.err != nil && IsVerificationError(r.err) {
		return r.err
	}
	return nil
}

// Cat streams the contents of path, which must be a single regular file.
// As with NarFromPath, the content is verified when Read returns io.EOF.
func (s *Store) Cat(ctx context.Context, path nixcache.StorePath) (io.ReadCloser, error) {
	info, err := s.QueryPathInfo(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := s.openNar(ctx, info)
	if err != nil {
		return nil, err
	}

	nr := nar.NewReader(r)
	hdr, err := nr.Next()
	if err == nil && hdr.Type != nar.TypeRegular {
		err = fmt.Errorf("%s is a %s, not a regular file", path, hdr.Type)
	}
	if err != nil {
		_ = r.Close()
		if verr := r.verificationErr(); verr != nil {
			return nil, verr
		}
		return nil, &QueryError{Op: "cat", Path: path, URI: r.uri, Err: err}
	}
	return &catReader{nr: nr, src: r}, nil
}

type catReader struct {
	nr  *nar.Reader
	src *narReader
	err error
}

func (c *catReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	n, err := c.nr.Read(p)
	if err == io.EOF {
		// Drain the archive so the stream is verified before reporting EOF.
		if cerr := c.nr.Close(); cerr != nil {
			err = cerr
			if verr := c.src.verificationErr(); verr != nil {
				err = verr
			}
		}
	} else if err != nil {
		if verr := c.src.verificationErr(); verr != nil {
			err = verr
		}
	}
	c.err = err
	return n, err
}

func (c *catReader) Close() error {
	return c.src.Close()
}
