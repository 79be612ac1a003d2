// Package signature signs and verifies narinfo records with ed25519 keys in
// the "name:base64" format used by binary caches.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sort"
	"strings"
)

// PublicKey is a named ed25519 verification key.
type PublicKey struct {
	Name string
	Key  ed25519.PublicKey
}

// SecretKey is a named ed25519 signing key.
type SecretKey struct {
	Name string
	Key  ed25519.PrivateKey
}

// splitKey splits "name:base64" and decodes the payload, checking its length.
func splitKey(s string, size int, what string) (string, []byte, error) {
	name, payload, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || name == "" {
		return "", nil, fmt.Errorf("invalid %s: expected name:base64", what)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding %s %q: %w", what, name, err)
	}
	if len(raw) != size {
		return "", nil, fmt.Errorf("%s %q has wrong length: got %d bytes, want %d", what, name, len(raw), size)
	}
	return name, raw, nil
}

// ParsePublicKey parses a public key such as
// "cache.nixos.org-1:6NCHdD59X431o0gWypbMrAURkbJ16ZPMQFGspcDShjY=".
func ParsePublicKey(s string) (PublicKey, error) {
	name, raw, err := splitKey(s, ed25519.PublicKeySize, "public key")
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Name: name, Key: ed25519.PublicKey(raw)}, nil
}

// ParseSecretKey parses a secret key in "name:base64(64 bytes)" form.
func ParseSecretKey(s string) (SecretKey, error) {
	name, raw, err := splitKey(s, ed25519.PrivateKeySize, "secret key")
	if err != nil {
		return SecretKey{}, err
	}
	return SecretKey{Name: name, Key: ed25519.PrivateKey(raw)}, nil
}

// LoadSecretKeyFile reads a secret key from a file.
func LoadSecretKeyFile(path string) (SecretKey, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return SecretKey{}, fmt.Errorf("reading secret key file: %w", err)
	}
	key, err := ParseSecretKey(string(data))
	if err != nil {
		return SecretKey{}, fmt.Errorf("parsing secret key file %s: %w", path, err)
	}
	return key, nil
}

// GenerateKey creates a new key pair with the given name.
func GenerateKey(name string) (SecretKey, error) {
	if name == "" || strings.Contains(name, ":") {
		return SecretKey{}, fmt.Errorf("invalid key name %q", name)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SecretKey{}, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return SecretKey{Name: name, Key: priv}, nil
}

func (k PublicKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

func (k SecretKey) String() string {
	return k.Name + ":" + base64.StdEncoding.EncodeToString(k.Key)
}

// Public returns the verification key for k.
func (k SecretKey) Public() PublicKey {
	return PublicKey{Name: k.Name, Key: k.Key.Public().(ed25519.PublicKey)}
}

// SignMessage signs msg and returns the signature.
func (k SecretKey) SignMessage(msg string) Signature {
	return Signature{KeyName: k.Name, Sig: ed25519.Sign(k.Key, []byte(msg))}
}

// KeyRing is a set of trusted public keys indexed by name.
type KeyRing struct {
	keys map[string][]PublicKey
}

// NewKeyRing returns a key ring holding keys.
func NewKeyRing(keys ...PublicKey) *KeyRing {
	kr := &KeyRing{keys: make(map[string][]PublicKey)}
	for _, k := range keys {
		kr.Add(k)
	}
	return kr
}

// ParseKeyRing parses each entry with ParsePublicKey.
func ParseKeyRing(keys []string) (*KeyRing, error) {
	kr := NewKeyRing()
	for _, s := range keys {
		k, err := ParsePublicKey(s)
		if err != nil {
			return nil, err
		}
		kr.Add(k)
	}
	return kr, nil
}

// Add trusts k.
func (kr *KeyRing) Add(k PublicKey) {
	kr.keys[k.Name] = append(kr.keys[k.Name], k)
}

// Lookup returns the trusted keys with the given name.
func (kr *KeyRing) Lookup(name string) []PublicKey {
	if kr == nil {
		return nil
	}
	return kr.keys[name]
}

// Len returns the number of trusted keys.
func (kr *KeyRing) Len() int {
	if kr == nil {
		return 0
	}
	n := 0
	for _, ks := range kr.keys {
		n += len(ks)
	}
	return n
}

// Names returns the sorted key names.
func (kr *KeyRing) Names() []string {
	if kr == nil {
		return nil
	}
	names := make([]string, 0, len(kr.keys))
	for name := range kr.keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
