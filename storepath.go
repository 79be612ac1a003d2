package nixcache

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// DefaultStoreDir is the store directory used when none is configured.
	DefaultStoreDir = "/nix/store"

	// HashPartLen is the length of the base32 hash part of a store path.
	HashPartLen = 32

	// hashPartBytes is the number of bytes encoded by a store path hash part.
	hashPartBytes = 20

	// MaxNameLen is the maximum length of a store path name.
	MaxNameLen = 211
)

// ErrInvalidStorePath is returned when a string is not a well-formed store path.
var ErrInvalidStorePath = errors.New("invalid store path")

// StorePath identifies an immutable store object: <dir>/<hash>-<name>.
// StorePath is comparable; equality is by value.
type StorePath struct {
	dir  string
	hash string
	name string
}

// ParseStorePath parses an absolute store path such as
// /nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1.
func ParseStorePath(s string) (StorePath, error) {
	dir, base := path.Split(s)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" || !strings.HasPrefix(dir, "/") {
		return StorePath{}, fmt.Errorf("%w %q: not an absolute path", ErrInvalidStorePath, s)
	}
	return ParseStorePathBase(dir, base)
}

// ParseStorePathBase parses a store path basename ("<hash>-<name>") relative
// to the given store directory, as found in narinfo References and Deriver.
func ParseStorePathBase(dir, base string) (StorePath, error) {
	if len(base) < HashPartLen+2 || base[HashPartLen] != '-' {
		return StorePath{}, fmt.Errorf("%w %q: missing hash part", ErrInvalidStorePath, base)
	}
	hashPart, name := base[:HashPartLen], base[HashPartLen+1:]
	if !IsBase32(hashPart) {
		return StorePath{}, fmt.Errorf("%w %q: invalid hash part", ErrInvalidStorePath, base)
	}
	if err := ValidateName(name); err != nil {
		return StorePath{}, fmt.Errorf("%w %q: %w", ErrInvalidStorePath, base, err)
	}
	return StorePath{dir: dir, hash: hashPart, name: name}, nil
}

// MustParseStorePath is like ParseStorePath but panics on error. Intended for tests
// and constants.
func MustParseStorePath(s string) StorePath {
	p, err := ParseStorePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

// ValidateName checks a store path name for length and allowed characters.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty name")
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name longer than %d characters", MaxNameLen)
	}
	if name[0] == '.' {
		return errors.New("name must not begin with a period")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("+-._?=", c) >= 0:
		default:
			return fmt.Errorf("invalid character %q in name", c)
		}
	}
	return nil
}

// Dir returns the store directory.
func (p StorePath) Dir() string {
	return p.dir
}

// HashPart returns the 32-character base32 hash part, which is the key used
// for narinfo lookups.
func (p StorePath) HashPart() string {
	return p.hash
}

// Name returns the symbolic name.
func (p StorePath) Name() string {
	return p.name
}

// Base returns "<hash>-<name>".
func (p StorePath) Base() string {
	if p.IsZero() {
		return ""
	}
	return p.hash + "-" + p.name
}

// String returns the absolute path.
func (p StorePath) String() string {
	if p.IsZero() {
		return ""
	}
	return p.dir + "/" + p.Base()
}

// IsZero returns true for the zero StorePath.
func (p StorePath) IsZero() bool {
	return p == StorePath{}
}

// MarshalText implements encoding.TextMarshaler.
func (p StorePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *StorePath) UnmarshalText(text []byte) error {
	parsed, err := ParseStorePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MakeStorePath computes the store path for an object of the given type,
// fingerprinted by a sha256 hash, as Nix does for sources, text files and
// fixed-output derivations.
func MakeStorePath(dir, typ string, h Hash, name string) (StorePath, error) {
	if err := ValidateName(name); err != nil {
		return StorePath{}, fmt.Errorf("%w: %w", ErrInvalidStorePath, err)
	}
	s := typ + ":" + string(h.Algorithm()) + ":" + h.Base16() + ":" + dir + ":" + name
	digest := HashString(AlgSHA256, s)
	hashPart := EncodeBase32(CompressHash(digest.Bytes(), hashPartBytes))
	return StorePath{dir: dir, hash: hashPart, name: name}, nil
}

// makeType builds a store path type string carrying the references.
func makeType(typ string, refs []StorePath, selfRef bool) string {
	var b strings.Builder
	b.WriteString(typ)
	for _, ref := range refs {
		b.WriteByte(':')
		b.WriteString(ref.String())
	}
	if selfRef {
		b.WriteString(":self")
	}
	return b.String()
}
