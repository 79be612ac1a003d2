package nixcache

import (
	"fmt"
	"strings"
)

// Method identifies how the content of a content-addressed path was hashed.
type Method string

const (
	// MethodText is used for text files such as derivations; may have references.
	MethodText Method = "text"
	// MethodFlat hashes the raw bytes of a single file.
	MethodFlat Method = "flat"
	// MethodRecursive hashes the NAR serialisation of the path.
	MethodRecursive Method = "recursive"
)

// ContentAddress describes how a store path was derived from its content,
// corresponding to the narinfo CA field.
type ContentAddress struct {
	Method Method
	Hash   Hash
}

// IsZero returns true when no content address is set.
func (ca ContentAddress) IsZero() bool {
	return ca.Method == "" && ca.Hash.IsZero()
}

// ParseContentAddress parses the forms "text:sha256:<h>",
// "fixed:sha256:<h>" and "fixed:r:sha256:<h>".
func ParseContentAddress(s string) (ContentAddress, error) {
	prefix, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ContentAddress{}, fmt.Errorf("invalid content address %q: missing prefix", s)
	}

	var method Method
	switch prefix {
	case "text":
		method = MethodText
	case "fixed":
		method = MethodFlat
		if r, ok := strings.CutPrefix(rest, "r:"); ok {
			method = MethodRecursive
			rest = r
		}
	default:
		return ContentAddress{}, fmt.Errorf("unsupported content address prefix %q in %q", prefix, s)
	}

	h, err := ParseHash(rest)
	if err != nil {
		return ContentAddress{}, fmt.Errorf("invalid hash in content address %q: %w", s, err)
	}
	if method == MethodText && h.Algorithm() != AlgSHA256 {
		return ContentAddress{}, fmt.Errorf("text content address %q must use sha256", s)
	}
	return ContentAddress{Method: method, Hash: h}, nil
}

// String returns the canonical CA field form.
func (ca ContentAddress) String() string {
	switch ca.Method {
	case MethodText:
		return "text:" + ca.Hash.String()
	case MethodFlat:
		return "fixed:" + ca.Hash.String()
	case MethodRecursive:
		return "fixed:r:" + ca.Hash.String()
	}
	return ""
}

// StorePath computes the store path this content address implies for an
// object with the given name and references. A reference equal to the object
// itself cannot be known up front and is passed as selfRef.
func (ca ContentAddress) StorePath(dir, name string, refs []StorePath, selfRef bool) (StorePath, error) {
	switch ca.Method {
	case MethodText:
		if selfRef {
			return StorePath{}, fmt.Errorf("text content address cannot refer to itself")
		}
		return MakeStorePath(dir, makeType("text", refs, false), ca.Hash, name)
	case MethodRecursive:
		if ca.Hash.Algorithm() == AlgSHA256 {
			return MakeStorePath(dir, makeType("source", refs, selfRef), ca.Hash, name)
		}
	case MethodFlat:
	default:
		return StorePath{}, fmt.Errorf("unsupported content address method %q", ca.Method)
	}

	if len(refs) > 0 || selfRef {
		return StorePath{}, fmt.Errorf("fixed-output content address %s cannot have references", ca)
	}
	prefix := ""
	if ca.Method == MethodRecursive {
		prefix = "r:"
	}
	inner := HashString(AlgSHA256, "fixed:out:"+prefix+string(ca.Hash.Algorithm())+":"+ca.Hash.Base16()+":")
	return MakeStorePath(dir, "output:out", inner, name)
}
