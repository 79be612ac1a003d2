package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	nixcache "github.com/wolfeidau/nix-cache"
	"github.com/wolfeidau/nix-cache/narinfo"
)

// Signature is a detached signature over a narinfo fingerprint.
type Signature struct {
	KeyName string
	Sig     []byte
}

// ParseSignature parses a Sig field value "name:base64".
func ParseSignature(s string) (Signature, error) {
	name, raw, err := splitKey(s, ed25519.SignatureSize, "signature")
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyName: name, Sig: raw}, nil
}

func (s Signature) String() string {
	return s.KeyName + ":" + base64.StdEncoding.EncodeToString(s.Sig)
}

// Sign adds a signature by key to info. An existing signature from a key
// with the same name is replaced.
func Sign(info *narinfo.NarInfo, key SecretKey) error {
	fp, err := info.Fingerprint()
	if err != nil {
		return err
	}
	sig := key.SignMessage(fp).String()

	prefix := key.Name + ":"
	for i, existing := range info.Sigs {
		if strings.HasPrefix(existing, prefix) {
			info.Sigs[i] = sig
			return nil
		}
	}
	info.Sigs = append(info.Sigs, sig)
	return nil
}

// Status is the outcome of verifying a narinfo record.
type Status int

const (
	Untrusted Status = iota
	Trusted
)

func (s Status) String() string {
	if s == Trusted {
		return "trusted"
	}
	return "untrusted"
}

// Result describes why a record was or was not trusted.
type Result struct {
	Status Status
	Reason string
	// KeyName is the trusted key that verified the record, if any.
	KeyName string
}

// Trusted reports whether the record may be used.
func (r Result) Trusted() bool {
	return r.Status == Trusted
}

func untrusted(format string, args ...any) Result {
	return Result{Status: Untrusted, Reason: fmt.Sprintf(format, args...)}
}

// Verify decides whether info can be trusted.
//
// A record with a CA field is self-certifying: its store path must be the
// one implied by the content address, and for recursive addresses the CA
// hash must be the NarHash. Such a record is trusted without signatures when
// consistent and untrusted regardless of signatures when not. Flat and text
// addresses hash the file inside the archive, which a record cannot show;
// readers of the archive must check it. Any other record needs a signature
// from a key in keys.
func Verify(info *narinfo.NarInfo, keys *KeyRing) Result {
	if !info.CA.IsZero() {
		if err := CheckContentAddress(info); err != nil {
			return untrusted("content address: %v", err)
		}
		return Result{Status: Trusted, Reason: "content-addressed"}
	}

	if len(info.Sigs) == 0 {
		return untrusted("no signatures")
	}
	if keys.Len() == 0 {
		return untrusted("no trusted keys configured")
	}

	fp, err := info.Fingerprint()
	if err != nil {
		return untrusted("%v", err)
	}

	for _, s := range info.Sigs {
		sig, err := ParseSignature(s)
		if err != nil {
			continue
		}
		for _, k := range keys.Lookup(sig.KeyName) {
			if ed25519.Verify(k.Key, []byte(fp), sig.Sig) {
				return Result{Status: Trusted, Reason: "signature", KeyName: k.Name}
			}
		}
	}
	return untrusted("no valid signature from a trusted key among %d", len(info.Sigs))
}

// CheckContentAddress checks that info.StorePath is the path implied by
// info.CA and that a recursive CA hash matches the NarHash.
func CheckContentAddress(info *narinfo.NarInfo) error {
	ca := info.CA
	if ca.Method == nixcache.MethodRecursive && ca.Hash != info.NarHash {
		return fmt.Errorf("hash %s does not match NarHash %s", ca.Hash, info.NarHash)
	}
	want, err := ca.StorePath(info.StorePath.Dir(), info.StorePath.Name(), info.ExternalReferences(), info.HasSelfReference())
	if err != nil {
		return err
	}
	if want != info.StorePath {
		return fmt.Errorf("store path %s does not match computed %s", info.StorePath, want)
	}
	return nil
}
