// Package narinfo parses and serialises narinfo records, the flat
// "Key: value" text that describes a store path in a binary cache.
package narinfo

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	nixcache "github.com/wolfeidau/nix-cache"
)

// ContentType is the MIME type binary caches serve narinfo records with.
const ContentType = "text/x-nix-narinfo"

// DefaultCompression is assumed when a record has no Compression field.
const DefaultCompression = "bzip2"

// maxRecordSize bounds how much of a response body Parse will consume.
const maxRecordSize = 1 << 20

// ErrTooLarge is wrapped by the ParseError for records over maxRecordSize.
var ErrTooLarge = fmt.Errorf("record exceeds %d bytes", maxRecordSize)

// ErrorKind classifies a ParseError.
type ErrorKind int

const (
	// MissingField means a required key was absent.
	MissingField ErrorKind = iota + 1
	// InvalidEncoding means a line, hash, size or path could not be decoded.
	InvalidEncoding
)

func (k ErrorKind) String() string {
	switch k {
	case MissingField:
		return "missing field"
	case InvalidEncoding:
		return "invalid encoding"
	}
	return "unknown"
}

// ParseError is returned for malformed narinfo records.
type ParseError struct {
	Kind  ErrorKind
	Field string
	Line  int
	Err   error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("narinfo: ")
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		fmt.Fprintf(&b, " %q", e.Field)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " on line %d", e.Line)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Field is a key/value pair kept verbatim for keys this package does not know.
type Field struct {
	Key   string
	Value string
}

// NarInfo is the metadata record for a store path.
type NarInfo struct {
	StorePath   nixcache.StorePath
	URL         string
	// Compression names the archive codec. Empty serialises and parses as
	// DefaultCompression.
	Compression string
	FileHash    nixcache.Hash
	FileSize    uint64
	NarHash     nixcache.Hash
	NarSize     uint64
	References  []nixcache.StorePath
	Deriver     nixcache.StorePath
	System      string
	Sigs        []string
	CA          nixcache.ContentAddress

	// Extra holds unknown fields in the order they appeared.
	Extra []Field
}

// ParseBytes parses a narinfo record.
func ParseBytes(data []byte) (*NarInfo, error) {
	return Parse(bytes.NewReader(data))
}

// Parse reads a narinfo record from r.
func Parse(r io.Reader) (*NarInfo, error) {
	info := &NarInfo{}
	seen := make(map[string]bool)

	var refs []string
	var deriver string

	data, err := io.ReadAll(io.LimitReader(r, maxRecordSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading narinfo: %w", err)
	}
	if len(data) > maxRecordSize {
		return nil, &ParseError{Kind: InvalidEncoding, Err: ErrTooLarge}
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 4096), maxRecordSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			if k, found := strings.CutSuffix(line, ":"); found {
				key, value = k, ""
			} else {
				return nil, &ParseError{Kind: InvalidEncoding, Line: lineNo, Err: errors.New("missing ': ' separator")}
			}
		}

		if key != "Sig" && isKnown(key) {
			if seen[key] {
				return nil, &ParseError{Kind: InvalidEncoding, Field: key, Line: lineNo, Err: errors.New("duplicate field")}
			}
			seen[key] = true
		}

		var err error
		switch key {
		case "StorePath":
			info.StorePath, err = nixcache.ParseStorePath(value)
		case "URL":
			info.URL = value
		case "Compression":
			info.Compression = value
		case "FileHash":
			info.FileHash, err = nixcache.ParseHash(value)
		case "FileSize":
			info.FileSize, err = strconv.ParseUint(value, 10, 64)
		case "NarHash":
			info.NarHash, err = nixcache.ParseHash(value)
		case "NarSize":
			info.NarSize, err = strconv.ParseUint(value, 10, 64)
		case "References":
			refs = strings.Fields(value)
		case "Deriver":
			if value != "unknown-deriver" {
				deriver = value
			}
		case "System":
			info.System = value
		case "Sig":
			info.Sigs = append(info.Sigs, value)
		case "CA":
			if value != "" {
				info.CA, err = nixcache.ParseContentAddress(value)
			}
		default:
			info.Extra = append(info.Extra, Field{Key: key, Value: value})
		}
		if err != nil {
			return nil, &ParseError{Kind: InvalidEncoding, Field: key, Line: lineNo, Err: err}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ParseError{Kind: InvalidEncoding, Line: lineNo, Err: err}
	}

	for _, key := range []string{"StorePath", "URL", "NarHash", "NarSize"} {
		if !seen[key] {
			return nil, &ParseError{Kind: MissingField, Field: key}
		}
	}
	if info.URL == "" {
		return nil, &ParseError{Kind: MissingField, Field: "URL"}
	}

	dir := info.StorePath.Dir()
	for _, ref := range refs {
		p, err := nixcache.ParseStorePathBase(dir, ref)
		if err != nil {
			return nil, &ParseError{Kind: InvalidEncoding, Field: "References", Err: err}
		}
		info.References = append(info.References, p)
	}
	if deriver != "" {
		p, err := nixcache.ParseStorePathBase(dir, deriver)
		if err != nil {
			return nil, &ParseError{Kind: InvalidEncoding, Field: "Deriver", Err: err}
		}
		info.Deriver = p
	}
	if info.Compression == "" {
		info.Compression = DefaultCompression
	}

	return info, nil
}

func isKnown(key string) bool {
	switch key {
	case "StorePath", "URL", "Compression", "FileHash", "FileSize", "NarHash",
		"NarSize", "References", "Deriver", "System", "Sig", "CA":
		return true
	}
	return false
}

// Bytes serialises the record. Key order is fixed so the output is
// deterministic; unknown fields follow the known ones in their original order.
func (n *NarInfo) Bytes() []byte {
	var b bytes.Buffer
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
	}

	line("StorePath", n.StorePath.String())
	line("URL", n.URL)
	if n.Compression != "" {
		line("Compression", n.Compression)
	} else {
		line("Compression", DefaultCompression)
	}
	if !n.FileHash.IsZero() {
		line("FileHash", n.FileHash.String())
	}
	if n.FileSize != 0 {
		line("FileSize", strconv.FormatUint(n.FileSize, 10))
	}
	line("NarHash", n.NarHash.String())
	line("NarSize", strconv.FormatUint(n.NarSize, 10))
	line("References", strings.Join(n.ReferenceBases(), " "))
	if !n.Deriver.IsZero() {
		line("Deriver", n.Deriver.Base())
	}
	if n.System != "" {
		line("System", n.System)
	}
	for _, sig := range n.Sigs {
		line("Sig", sig)
	}
	if !n.CA.IsZero() {
		line("CA", n.CA.String())
	}
	for _, f := range n.Extra {
		line(f.Key, f.Value)
	}
	return b.Bytes()
}

// String implements fmt.Stringer.
func (n *NarInfo) String() string {
	return string(n.Bytes())
}

// ReferenceBases returns the references as "<hash>-<name>" basenames.
func (n *NarInfo) ReferenceBases() []string {
	bases := make([]string, len(n.References))
	for i, ref := range n.References {
		bases[i] = ref.Base()
	}
	return bases
}

// Fingerprint returns the string that signatures are computed over:
// "1;<store path>;<nar hash>;<nar size>;<comma separated references>".
// Signature fields are not part of the fingerprint.
func (n *NarInfo) Fingerprint() (string, error) {
	if n.NarHash.Algorithm() != nixcache.AlgSHA256 {
		return "", fmt.Errorf("narinfo for %s: fingerprint requires a sha256 NarHash, got %q", n.StorePath, n.NarHash.Algorithm())
	}
	refs := make([]string, len(n.References))
	for i, ref := range n.References {
		refs[i] = ref.String()
	}
	return "1;" + n.StorePath.String() + ";" + n.NarHash.String() + ";" +
		strconv.FormatUint(n.NarSize, 10) + ";" + strings.Join(refs, ","), nil
}

// Clone returns a deep copy of the record.
func (n *NarInfo) Clone() *NarInfo {
	c := *n
	c.References = append([]nixcache.StorePath(nil), n.References...)
	c.Sigs = append([]string(nil), n.Sigs...)
	c.Extra = append([]Field(nil), n.Extra...)
	return &c
}

// HasSelfReference reports whether the path refers to itself.
func (n *NarInfo) HasSelfReference() bool {
	for _, ref := range n.References {
		if ref == n.StorePath {
			return true
		}
	}
	return false
}

// ExternalReferences returns the references excluding the path itself.
func (n *NarInfo) ExternalReferences() []nixcache.StorePath {
	var out []nixcache.StorePath
	for _, ref := range n.References {
		if ref != n.StorePath {
			out = append(out, ref)
		}
	}
	return out
}

// NarPath returns the archive location from the URL field relative to the
// cache root.
func (n *NarInfo) NarPath() string {
	return strings.TrimPrefix(n.URL, "/")
}
