package nixcache

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	emptySHA256Base16 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	emptySHA256Base32 = "0mdqa9w1p6cmli6976v4wi0sw9r4p5prkj7lzfd1877wk11c9c73"
	emptySHA256SRI    = "sha256-47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
)

func TestHashString(t *testing.T) {
	h := HashBytes(AlgSHA256, []byte{})
	require.Equal(t, "sha256:"+emptySHA256Base32, h.String())
	require.Equal(t, emptySHA256Base16, h.Base16())
	require.Equal(t, emptySHA256SRI, h.SRI())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes(AlgSHA256, []byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 12)
	require.True(t, strings.HasPrefix(h.Base32(), short))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.Empty(t, zero.String())

	h := HashBytes(AlgSHA256, []byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes(AlgSHA512, []byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	require.Equal(t, original, parsed)
}

func TestParseHashEncodings(t *testing.T) {
	want := HashBytes(AlgSHA256, []byte{})

	tests := []struct {
		name  string
		input string
	}{
		{"base32", "sha256:" + emptySHA256Base32},
		{"base16", "sha256:" + emptySHA256Base16},
		{"base64", "sha256:" + strings.TrimPrefix(emptySHA256SRI, "sha256-")},
		{"sri", emptySHA256SRI},
		{"uppercase algorithm", "SHA256:" + emptySHA256Base16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHash(tt.input)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no prefix", emptySHA256Base16},
		{"unknown algorithm", "blake2b:" + emptySHA256Base16},
		{"too short", "sha256:abc123"},
		{"invalid hex", "sha256:" + strings.Repeat("zz", 32)},
		{"invalid base32 char", "sha256:" + strings.Repeat("e", 52)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestBase32RoundTrip(t *testing.T) {
	for _, n := range []int{1, 5, 16, 20, 32, 64} {
		data := bytes.Repeat([]byte{0xa5, 0x3c, 0xff, 0x01}, n)[:n]
		enc := EncodeBase32(data)
		require.Len(t, enc, Base32EncodedLen(n))
		dec, err := DecodeBase32(enc)
		require.NoError(t, err)
		require.Equal(t, data, dec)
	}
}

func TestDecodeBase32RejectsTrailingBits(t *testing.T) {
	// 52 characters encode 260 bits; the top bits of a 32-byte value must be zero.
	_, err := DecodeBase32("z" + strings.Repeat("0", 51))
	require.Error(t, err)
}

func TestHashReader(t *testing.T) {
	data := []byte("hash reader test content")
	expected := HashBytes(AlgSHA256, data)

	h, n, err := HashReader(AlgSHA256, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, expected, h)
	require.Equal(t, int64(len(data)), n)
}

func TestHasher(t *testing.T) {
	data := []byte("incremental hashing test")
	expected := HashBytes(AlgSHA256, data)

	h := NewHasher(AlgSHA256)
	_, _ = h.Write(data[:10])
	_, _ = h.Write(data[10:])
	require.Equal(t, expected, h.Sum())

	h.Reset()
	_, _ = h.Write(data)
	require.Equal(t, expected, h.Sum())
}

func TestHashingReader(t *testing.T) {
	data := []byte("hashing reader test")
	expected := HashBytes(AlgSHA256, data)

	hr := NewHashingReader(bytes.NewReader(data), AlgSHA256)
	buf := make([]byte, 5)
	for {
		_, err := hr.Read(buf)
		if err != nil {
			break
		}
	}

	require.Equal(t, expected, hr.Sum())
	require.Equal(t, int64(len(data)), hr.BytesRead())
}

func TestHashingWriter(t *testing.T) {
	data := []byte("hashing writer test")
	expected := HashBytes(AlgSHA256, data)

	var buf bytes.Buffer
	hw := NewHashingWriter(&buf, AlgSHA256)
	_, err := hw.Write(data)
	require.NoError(t, err)

	require.Equal(t, expected, hw.Sum())
	require.Equal(t, int64(len(data)), hw.BytesWritten())
	require.Equal(t, data, buf.Bytes())
}

func TestCompressHash(t *testing.T) {
	digest := []byte{1, 2, 3, 4, 5, 6}
	require.Equal(t, []byte{1 ^ 4, 2 ^ 5, 3 ^ 6}, CompressHash(digest, 3))
}
