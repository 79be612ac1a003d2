package nixcache

import (
	"crypto/md5"  //nolint:gosec // legacy fixed-output hashes
	"crypto/sha1" //nolint:gosec // legacy fixed-output hashes
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm identifies the hash algorithm of a Hash.
type Algorithm string

const (
	AlgMD5    Algorithm = "md5"
	AlgSHA1   Algorithm = "sha1"
	AlgSHA256 Algorithm = "sha256"
	AlgSHA512 Algorithm = "sha512"
)

// Size returns the digest size in bytes, or 0 for an unknown algorithm.
func (a Algorithm) Size() int {
	switch a {
	case AlgMD5:
		return md5.Size
	case AlgSHA1:
		return sha1.Size
	case AlgSHA256:
		return sha256.Size
	case AlgSHA512:
		return sha512.Size
	}
	return 0
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case AlgMD5:
		return md5.New() //nolint:gosec
	case AlgSHA1:
		return sha1.New() //nolint:gosec
	case AlgSHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// ParseAlgorithm parses an algorithm name, case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	alg := Algorithm(strings.ToLower(s))
	if alg.Size() == 0 {
		return "", fmt.Errorf("unsupported hash algorithm %q", s)
	}
	return alg, nil
}

// Hash is a digest tagged with its algorithm. The zero value is an unset hash.
// Hash is comparable, so it can be used with == and as a map key.
type Hash struct {
	alg Algorithm
	sum [sha512.Size]byte
}

// NewHash creates a Hash from a raw digest.
func NewHash(alg Algorithm, digest []byte) (Hash, error) {
	if alg.Size() == 0 {
		return Hash{}, fmt.Errorf("unsupported hash algorithm %q", alg)
	}
	if len(digest) != alg.Size() {
		return Hash{}, fmt.Errorf("invalid %s digest length: expected %d bytes, got %d", alg, alg.Size(), len(digest))
	}
	h := Hash{alg: alg}
	copy(h.sum[:], digest)
	return h, nil
}

// Algorithm returns the hash algorithm.
func (h Hash) Algorithm() Algorithm {
	return h.alg
}

// Bytes returns the raw digest.
func (h Hash) Bytes() []byte {
	return h.sum[:h.alg.Size()]
}

// IsZero returns true if the hash is unset.
func (h Hash) IsZero() bool {
	return h.alg == ""
}

// String returns the canonical narinfo form "algorithm:base32".
func (h Hash) String() string {
	if h.IsZero() {
		return ""
	}
	return string(h.alg) + ":" + h.Base32()
}

// Base32 returns the Nix base32 digest without the algorithm prefix.
func (h Hash) Base32() string {
	return EncodeBase32(h.Bytes())
}

// Base16 returns the hex digest without the algorithm prefix.
func (h Hash) Base16() string {
	return hex.EncodeToString(h.Bytes())
}

// SRI returns the subresource-integrity form "algorithm-base64".
func (h Hash) SRI() string {
	return string(h.alg) + "-" + base64.StdEncoding.EncodeToString(h.Bytes())
}

// ShortString returns a shortened representation for display.
func (h Hash) ShortString() string {
	s := h.Base32()
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash parses "algorithm:digest" where the digest is base16, Nix base32
// or base64, or the SRI form "algorithm-base64".
func ParseHash(s string) (Hash, error) {
	algStr, digest, ok := strings.Cut(s, ":")
	sri := false
	if !ok {
		algStr, digest, ok = strings.Cut(s, "-")
		sri = true
	}
	if !ok {
		return Hash{}, fmt.Errorf("invalid hash %q: missing algorithm prefix", s)
	}
	alg, err := ParseAlgorithm(algStr)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if sri {
		return parseBase64Digest(alg, digest, s)
	}
	return ParseDigest(alg, digest)
}

// ParseDigest parses a digest without prefix, inferring the encoding from its length.
func ParseDigest(alg Algorithm, digest string) (Hash, error) {
	size := alg.Size()
	switch len(digest) {
	case hex.EncodedLen(size):
		raw, err := hex.DecodeString(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("invalid base16 %s digest: %w", alg, err)
		}
		return NewHash(alg, raw)
	case Base32EncodedLen(size):
		raw, err := DecodeBase32(digest)
		if err != nil {
			return Hash{}, fmt.Errorf("invalid base32 %s digest: %w", alg, err)
		}
		return NewHash(alg, raw)
	case base64.StdEncoding.EncodedLen(size):
		return parseBase64Digest(alg, digest, digest)
	}
	return Hash{}, fmt.Errorf("invalid %s digest length %d", alg, len(digest))
}

func parseBase64Digest(alg Algorithm, digest, orig string) (Hash, error) {
	raw, err := base64.StdEncoding.DecodeString(digest)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid base64 hash %q: %w", orig, err)
	}
	return NewHash(alg, raw)
}

// HashBytes computes the hash of the given bytes.
func HashBytes(alg Algorithm, data []byte) Hash {
	h := NewHasher(alg)
	_, _ = h.Write(data)
	return h.Sum()
}

// HashString computes the hash of the given string.
func HashString(alg Algorithm, s string) Hash {
	return HashBytes(alg, []byte(s))
}

// HashReader computes the hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(alg Algorithm, r io.Reader) (Hash, int64, error) {
	h := NewHasher(alg)
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	return h.Sum(), n, nil
}

// CompressHash folds a digest into size bytes by XOR, as used for store path
// hash parts.
func CompressHash(digest []byte, size int) []byte {
	out := make([]byte, size)
	for i, b := range digest {
		out[i%size] ^= b
	}
	return out
}

// Hasher wraps a hash.Hash for incremental hashing.
type Hasher struct {
	alg Algorithm
	h   hash.Hash
}

// NewHasher creates a new Hasher for incremental hashing.
func NewHasher(alg Algorithm) *Hasher {
	return &Hasher{alg: alg, h: alg.newHash()}
}

// Write implements io.Writer.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current hash without resetting the hasher.
func (h *Hasher) Sum() Hash {
	out := Hash{alg: h.alg}
	h.h.Sum(out.sum[:0])
	return out
}

// Reset resets the hasher to its initial state.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// HashingReader wraps a reader and computes the hash as data is read.
type HashingReader struct {
	r io.Reader
	h *Hasher
	n int64
}

// NewHashingReader creates a reader that computes a hash as data is read.
func NewHashingReader(r io.Reader, alg Algorithm) *HashingReader {
	return &HashingReader{
		r: r,
		h: NewHasher(alg),
	}
}

// Read implements io.Reader.
func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data read so far.
func (hr *HashingReader) Sum() Hash {
	return hr.h.Sum()
}

// BytesRead returns the total number of bytes read.
func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}

// HashingWriter wraps a writer and computes the hash as data is written.
type HashingWriter struct {
	w io.Writer
	h *Hasher
	n int64
}

// NewHashingWriter creates a writer that computes a hash as data is written.
func NewHashingWriter(w io.Writer, alg Algorithm) *HashingWriter {
	return &HashingWriter{
		w: w,
		h: NewHasher(alg),
	}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		_, _ = hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum returns the hash of all data written so far.
func (hw *HashingWriter) Sum() Hash {
	return hw.h.Sum()
}

// BytesWritten returns the total number of bytes written.
func (hw *HashingWriter) BytesWritten() int64 {
	return hw.n
}
