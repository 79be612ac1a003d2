package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/archive"
	"github.com/wolfeidau/nix-cache/nar"
	"github.com/wolfeidau/nix-cache/narinfo"
	"github.com/wolfeidau/nix-cache/signature"
	"github.com/wolfeidau/nix-cache/store/metadb"
	"github.com/wolfeidau/nix-cache/telemetry"
	"github.com/wolfeidau/nix-cache/transport"
)

// AddToStore publishes a store path. info must carry the StorePath and,
// optionally, References, Deriver, System and CA; the archive fields are
// computed from narData, which must be the path's NAR serialisation. If
// info already has a NarHash or NarSize they must match narData.
//
// The archive is uploaded before the record so a visible record always has
// its archive. On success info is updated with the published record and the
// local cache holds it.
func (s *Store) AddToStore(ctx context.Context, info *narinfo.NarInfo, narData io.Reader) error {
	fail := func(err error) error {
		return &QueryError{Op: "add to store", Path: info.StorePath, URI: s.URI(), Err: err}
	}
	if info.StorePath.IsZero() {
		return fail(fmt.Errorf("record has no store path"))
	}
	if info.StorePath.Dir() != s.cfg.StoreDir {
		return fail(fmt.Errorf("path is not in store dir %s", s.cfg.StoreDir))
	}

	tmp, err := os.CreateTemp("", "nix-cache-upload-*")
	if err != nil {
		return fail(fmt.Errorf("creating temp file: %w", err))
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	defer func() { _ = tmp.Close() }()

	pub := info.Clone()
	if err := s.encodeNar(pub, narData, tmp); err != nil {
		return fail(err)
	}

	if !pub.CA.IsZero() {
		if err := signature.CheckContentAddress(pub); err != nil {
			return fail(&VerificationError{Stage: "narinfo", Path: pub.StorePath, Reason: err.Error()})
		}
	}
	if s.secretKey != nil {
		pub.Sigs = append([]string(nil), pub.Sigs...)
		if err := signature.Sign(pub, *s.secretKey); err != nil {
			return fail(err)
		}
	}

	if err := s.uploadNar(ctx, pub, tmp); err != nil {
		return fail(err)
	}

	record := pub.Bytes()
	rel := transport.NarInfoPath(pub.StorePath.HashPart())
	if err := s.transport.Publish(telemetry.WithResource(ctx, telemetry.ResourceNarInfo), rel, bytes.NewReader(record), narinfo.ContentType); err != nil {
		telemetry.RecordPublish(ctx, telemetry.ResourceNarInfo, "error", 0)
		return fail(err)
	}
	telemetry.RecordPublish(ctx, telemetry.ResourceNarInfo, "success", int64(len(record)))

	s.storeEntry(ctx, pub.StorePath.HashPart(), metadb.Entry{Present: true, NarInfo: string(record)})
	s.logger.Info("published path",
		"path", pub.StorePath.String(),
		"nar_size", pub.NarSize,
		"file_size", pub.FileSize,
		"compression", pub.Compression)

	*info = *pub
	return nil
}

// encodeNar compresses narData into tmp and fills the archive fields of
// info.
func (s *Store) encodeNar(info *narinfo.NarInfo, narData io.Reader, tmp *os.File) error {
	fileHasher := nixcache.NewHashingWriter(tmp, nixcache.AlgSHA256)
	enc, err := archive.Encode(fileHasher, s.compression)
	if err != nil {
		return err
	}
	narHasher := nixcache.NewHashingReader(narData, nixcache.AlgSHA256)
	var src io.Reader = narHasher
	var content *contentCheck
	if hashesFile(info.CA) {
		content = newContentCheck(info.CA.Hash)
		defer content.abort()
		src = io.TeeReader(narHasher, content)
	}
	if _, err := io.Copy(enc, src); err != nil {
		_ = enc.Close()
		return fmt.Errorf("compressing nar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("compressing nar: %w", err)
	}
	if content != nil {
		if err := content.finish(); err != nil {
			return &VerificationError{Stage: "nar", Path: info.StorePath, Reason: fmt.Sprintf("content does not match %s: %v", info.CA, err)}
		}
	}

	narHash := narHasher.Sum()
	narSize := uint64(narHasher.BytesRead()) //nolint:gosec // BytesRead is non-negative
	if !info.NarHash.IsZero() && info.NarHash != narHash {
		return &VerificationError{Stage: "nar", Path: info.StorePath, Reason: fmt.Sprintf("NarHash is %s but archive hashes to %s", info.NarHash, narHash)}
	}
	if info.NarSize != 0 && info.NarSize != narSize {
		return &VerificationError{Stage: "nar", Path: info.StorePath, Reason: fmt.Sprintf("NarSize is %d but archive has %d bytes", info.NarSize, narSize)}
	}

	info.NarHash = narHash
	info.NarSize = narSize
	info.FileHash = fileHasher.Sum()
	info.FileSize = uint64(fileHasher.BytesWritten()) //nolint:gosec // BytesWritten is non-negative
	info.Compression = string(s.compression)
	info.URL = transport.NarPath(info.FileHash, s.compression)
	return nil
}

// uploadNar publishes the compressed archive unless the cache already has it.
func (s *Store) uploadNar(ctx context.Context, info *narinfo.NarInfo, tmp *os.File) error {
	ctx = telemetry.WithResource(ctx, telemetry.ResourceNar)
	rel := info.NarPath()

	exists, err := s.transport.Exists(ctx, rel)
	if err != nil {
		return fmt.Errorf("checking existing archive: %w", err)
	}
	if exists {
		s.logger.Debug("archive already present", "url", rel)
		return nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking temp file: %w", err)
	}
	if err := s.transport.Publish(ctx, rel, tmp, narContentType); err != nil {
		telemetry.RecordPublish(ctx, telemetry.ResourceNar, "error", 0)
		return err
	}
	telemetry.RecordPublish(ctx, telemetry.ResourceNar, "success", int64(info.FileSize)) //nolint:gosec // sizes fit in int64
	return nil
}

// AddContent publishes data as a content-addressed path named name. The
// path is derived from the NAR hash of a single regular file holding data
// (the recursive "fixed:r:sha256" method), so the published record is
// trusted by any reader without a signature.
func (s *Store) AddContent(ctx context.Context, name string, data io.Reader, refs []nixcache.StorePath) (nixcache.StorePath, error) {
	fail := func(err error) error {
		return &QueryError{Op: "add content", URI: s.URI(), Err: err}
	}
	if err := nixcache.ValidateName(name); err != nil {
		return nixcache.StorePath{}, fail(err)
	}

	spool, err := os.CreateTemp("", "nix-cache-content-*")
	if err != nil {
		return nixcache.StorePath{}, fail(fmt.Errorf("creating temp file: %w", err))
	}
	defer func() { _ = os.Remove(spool.Name()) }()
	defer func() { _ = spool.Close() }()

	size, err := io.Copy(spool, data)
	if err != nil {
		return nixcache.StorePath{}, fail(fmt.Errorf("reading content: %w", err))
	}

	writeNar := func(w io.Writer) error {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return nar.WriteFile(w, spool, size, false)
	}

	hasher := nixcache.NewHasher(nixcache.AlgSHA256)
	if err := writeNar(hasher); err != nil {
		return nixcache.StorePath{}, fail(err)
	}
	ca := nixcache.ContentAddress{Method: nixcache.MethodRecursive, Hash: hasher.Sum()}

	path, err := ca.StorePath(s.cfg.StoreDir, name, refs, false)
	if err != nil {
		return nixcache.StorePath{}, fail(err)
	}

	info := &narinfo.NarInfo{
		StorePath:  path,
		References: append([]nixcache.StorePath(nil), refs...),
		CA:         ca,
		NarHash:    ca.Hash,
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeNar(pw))
	}()
	err = s.AddToStore(ctx, info, pr)
	_ = pr.Close()
	if err != nil {
		return nixcache.StorePath{}, err
	}
	return path, nil
}
