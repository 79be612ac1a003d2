package archive

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// "hello world" compressed with bzip2.
var helloBzip2 = []byte{
	0x42, 0x5a, 0x68, 0x39, 0x31, 0x41, 0x59, 0x26, 0x53, 0x59, 0x44, 0xf7, 0x13, 0x78, 0x00, 0x00,
	0x01, 0x91, 0x80, 0x40, 0x00, 0x06, 0x44, 0x90, 0x80, 0x20, 0x00, 0x22, 0x03, 0x34, 0x84, 0x30,
	0x21, 0xb6, 0x81, 0x54, 0x27, 0x8b, 0xb9, 0x22, 0x9c, 0x28, 0x48, 0x22, 0x7b, 0x89, 0xbc, 0x00,
}

func encode(t *testing.T, c Compression, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := Encode(&buf, c)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("nix-archive-1 hello world "), 4096)

	for _, c := range []Compression{None, XZ, Zstd, Gzip, LZ4} {
		t.Run(string(c), func(t *testing.T) {
			require.True(t, c.CanEncode())
			compressed := encode(t, c, data)
			if c != None {
				assert.Less(t, len(compressed), len(data))
			}

			r, err := Decode(bytes.NewReader(compressed), c)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, data, got)
		})
	}
}

func TestDecodeBzip2(t *testing.T) {
	r, err := Decode(bytes.NewReader(helloBzip2), Bzip2)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	_, err = Encode(io.Discard, Bzip2)
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, UnsupportedAlgorithm, aerr.Kind)
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("XZ")
	require.NoError(t, err)
	assert.Equal(t, XZ, c)
	assert.Equal(t, ".xz", c.Extension())

	c, err = ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, None, c)
	assert.Equal(t, "", c.Extension())

	assert.Equal(t, ".zst", Zstd.Extension())
	assert.Equal(t, ".bz2", Bzip2.Extension())

	_, err = ParseCompression("br")
	var aerr *Error
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, UnsupportedAlgorithm, aerr.Kind)

	_, err = Decode(strings.NewReader(""), Compression("br"))
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, UnsupportedAlgorithm, aerr.Kind)
}

func TestDecodeCorrupt(t *testing.T) {
	data := bytes.Repeat([]byte("some content "), 1000)

	for _, c := range []Compression{XZ, Zstd, Gzip} {
		t.Run(string(c), func(t *testing.T) {
			compressed := encode(t, c, data)
			truncated := compressed[:len(compressed)/2]

			var err error
			r, derr := Decode(bytes.NewReader(truncated), c)
			if derr != nil {
				err = derr
			} else {
				_, err = io.ReadAll(r)
			}
			var aerr *Error
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, Corrupt, aerr.Kind)
		})
	}
}

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestDecodePassesThroughSourceErrors(t *testing.T) {
	compressed := encode(t, Gzip, bytes.Repeat([]byte("abc"), 10000))
	boom := errors.New("connection reset")

	r, err := Decode(&failingReader{data: compressed[:len(compressed)/2], err: boom}, Gzip)
	require.NoError(t, err)
	_, err = io.ReadAll(r)
	require.ErrorIs(t, err, boom)

	var aerr *Error
	assert.False(t, errors.As(err, &aerr))
}
