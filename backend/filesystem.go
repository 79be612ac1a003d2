package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

// Filesystem implements Backend using the local filesystem.
// Writes are atomic using a temp file and rename pattern.
type Filesystem struct {
	root string

	// digests memoizes content digests keyed by path, valid while the file's
	// size and modification time are unchanged.
	digests sync.Map
}

type digestEntry struct {
	size    int64
	modTime time.Time
	digest  [32]byte
}

// NewFilesystem creates a new filesystem backend rooted at the given path.
// The directory will be created if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fsb *Filesystem) Root() string {
	return fsb.root
}

// Write stores data at the given key using atomic write. The BLAKE3 digest
// of the content is computed on the way through.
func (fsb *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	path, err := fsb.keyToPath(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	h := blake3.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), contextReader{ctx: ctx, r: r}); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	success = true

	if fi, err := os.Stat(path); err == nil {
		var d [32]byte
		h.Sum(d[:0])
		fsb.digests.Store(path, digestEntry{size: fi.Size(), modTime: fi.ModTime(), digest: d})
	}
	return nil
}

// Read retrieves data at the given key.
func (fsb *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := fsb.keyToPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // key validated by keyToPath
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes data at the given key.
func (fsb *Filesystem) Delete(ctx context.Context, key string) error {
	path, err := fsb.keyToPath(key)
	if err != nil {
		return err
	}
	fsb.digests.Delete(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks if a key exists.
func (fsb *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	path, err := fsb.keyToPath(key)
	if err != nil {
		return false, err
	}
	fi, err := os.Stat(path)
	if err == nil {
		return !fi.IsDir(), nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// List returns all keys with the given prefix. An empty prefix lists
// everything.
func (fsb *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	dir := fsb.root
	if prefix != "" {
		p, err := fsb.keyToPath(prefix)
		if err != nil {
			return nil, err
		}
		dir = p
	}

	fi, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}

	if !fi.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fsb.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	return keys, nil
}

// Stat returns the size, modification time and content digest of the
// object at key. Digests of files written outside this backend are computed
// on first use and remembered until the file changes.
func (fsb *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	path, err := fsb.keyToPath(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	info := Info{Size: fi.Size(), ModTime: fi.ModTime()}

	if v, ok := fsb.digests.Load(path); ok {
		e := v.(digestEntry)
		if e.size == info.Size && e.modTime.Equal(info.ModTime) {
			info.Digest = e.digest
			return info, nil
		}
	}

	f, err := os.Open(path) //nolint:gosec // key validated by keyToPath
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("opening file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, contextReader{ctx: ctx, r: f}); err != nil {
		return Info{}, fmt.Errorf("hashing file: %w", err)
	}
	h.Sum(info.Digest[:0])
	fsb.digests.Store(path, digestEntry{size: info.Size, modTime: info.ModTime, digest: info.Digest})
	return info, nil
}

// keyToPath converts a validated key to a filesystem path under the root.
func (fsb *Filesystem) keyToPath(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return filepath.Join(fsb.root, filepath.FromSlash(cleaned)), nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

// IsNotFound reports whether err means a key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Compile-time interface checks
var (
	_ Backend     = (*Filesystem)(nil)
	_ StatBackend = (*Filesystem)(nil)
)
