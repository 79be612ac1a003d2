package nixcache

import "fmt"

// base32Alphabet omits e, o, u and t to avoid accidental words in store paths.
const base32Alphabet = "0123456789abcdfghijklmnpqrsvwxyz"

var base32Index = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(base32Alphabet); i++ {
		idx[base32Alphabet[i]] = int8(i) //nolint:gosec // alphabet has 32 entries
	}
	return idx
}()

// Base32EncodedLen returns the length of the Nix base32 encoding of n bytes.
func Base32EncodedLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n*8-1)/5 + 1
}

// Base32DecodedLen returns the number of bytes encoded by n base32 characters.
func Base32DecodedLen(n int) int {
	return n * 5 / 8
}

// EncodeBase32 encodes data using the Nix flavour of base32. Unlike RFC 4648
// the bytes are consumed from the end, so the result is not interchangeable
// with encoding/base32.
func EncodeBase32(data []byte) string {
	n := Base32EncodedLen(len(data))
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b := uint(i * 5)
		j, k := b/8, b%8
		c := data[j] >> k
		if int(j)+1 < len(data) {
			c |= data[j+1] << (8 - k)
		}
		out[n-1-i] = base32Alphabet[c&0x1f]
	}
	return string(out)
}

// DecodeBase32 decodes a Nix base32 string.
func DecodeBase32(s string) ([]byte, error) {
	out := make([]byte, Base32DecodedLen(len(s)))
	for n := 0; n < len(s); n++ {
		c := s[len(s)-n-1]
		digit := base32Index[c]
		if digit < 0 {
			return nil, fmt.Errorf("invalid base32 character %q", c)
		}
		b := uint(n * 5)
		i, j := b/8, b%8
		d := byte(digit)
		if int(i) >= len(out) {
			if d != 0 {
				return nil, fmt.Errorf("invalid base32 string %q: trailing bits set", s)
			}
			continue
		}
		out[i] |= d << j
		carry := d >> (8 - j)
		if int(i)+1 < len(out) {
			out[i+1] |= carry
		} else if carry != 0 {
			return nil, fmt.Errorf("invalid base32 string %q: trailing bits set", s)
		}
	}
	return out, nil
}

// IsBase32 reports whether s only contains characters of the Nix base32 alphabet.
func IsBase32(s string) bool {
	for i := 0; i < len(s); i++ {
		if base32Index[s[i]] < 0 {
			return false
		}
	}
	return true
}
