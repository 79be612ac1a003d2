package narinfo

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nixcache "github.com/wolfeidau/nix-cache"
)

const sample = `StorePath: /nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1
URL: nar/1m9bx4sd0nn1ndd5k7y0ci2c9sflzsybsskx6ram3n6nplx3c63f.nar.xz
Compression: xz
FileHash: sha256:1m9bx4sd0nn1ndd5k7y0ci2c9sflzsybsskx6ram3n6nplx3c63f
FileSize: 50088
NarHash: sha256:0mdqa9w1p6cmli6976v4wi0sw9r4p5prkj7lzfd1877wk11c9c73
NarSize: 226560
References: 7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1 8jgl8pq8h6f1b6ffawbwgyfpjcb7kvd1-glibc-2.38-27
Deriver: 1jmv0cd0pwp6yqbq7j3vw8pbd4pxmbld-hello-2.12.1.drv
Sig: cache.nixos.org-1:oBIJvMqVQOtAUNzhZFy2jAhKq+mNNsL8SPdtAlbfAxSHxsL38vIiE1LYVD+yXX3RdLW8j2Bq9jFSVyoqF3yGDQ==
X-Custom: kept
`

func TestParse(t *testing.T) {
	info, err := ParseBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "/nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1", info.StorePath.String())
	assert.Equal(t, "xz", info.Compression)
	assert.Equal(t, uint64(50088), info.FileSize)
	assert.Equal(t, uint64(226560), info.NarSize)
	assert.Equal(t, nixcache.AlgSHA256, info.NarHash.Algorithm())
	require.Len(t, info.References, 2)
	assert.Equal(t, "/nix/store/8jgl8pq8h6f1b6ffawbwgyfpjcb7kvd1-glibc-2.38-27", info.References[1].String())
	assert.Equal(t, "1jmv0cd0pwp6yqbq7j3vw8pbd4pxmbld-hello-2.12.1.drv", info.Deriver.Base())
	assert.Len(t, info.Sigs, 1)
	assert.Equal(t, []Field{{Key: "X-Custom", Value: "kept"}}, info.Extra)
	assert.True(t, info.HasSelfReference())
	assert.Len(t, info.ExternalReferences(), 1)
}

func TestRoundTrip(t *testing.T) {
	info, err := ParseBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, sample, info.String())

	again, err := ParseBytes(info.Bytes())
	require.NoError(t, err)
	assert.Equal(t, info, again)
}

func TestRoundTripContentAddressed(t *testing.T) {
	ca, err := nixcache.ParseContentAddress("fixed:r:sha256:0mdqa9w1p6cmli6976v4wi0sw9r4p5prkj7lzfd1877wk11c9c73")
	require.NoError(t, err)

	info := &NarInfo{
		StorePath:   nixcache.MustParseStorePath("/nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello"),
		URL:         "nar/abc.nar",
		Compression: "none",
		NarHash:     ca.Hash,
		NarSize:     120,
		CA:          ca,
	}

	again, err := ParseBytes(info.Bytes())
	require.NoError(t, err)
	assert.Equal(t, info.StorePath, again.StorePath)
	assert.Equal(t, info.CA, again.CA)
	assert.Equal(t, info.NarHash, again.NarHash)
	assert.Empty(t, again.References)
	assert.True(t, again.Deriver.IsZero())
	assert.Contains(t, info.String(), "References: \n")
}

func TestParseDefaultsCompression(t *testing.T) {
	data := strings.Replace(sample, "Compression: xz\n", "", 1)
	info, err := ParseBytes([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, DefaultCompression, info.Compression)
}

func TestBytesWritesDefaultCompression(t *testing.T) {
	info, err := ParseBytes([]byte(sample))
	require.NoError(t, err)
	info.Compression = ""

	data := info.Bytes()
	assert.Contains(t, string(data), "\nCompression: bzip2\n")

	again, err := ParseBytes(data)
	require.NoError(t, err)
	assert.Equal(t, data, again.Bytes())
}

func TestParseRejectsOversizedRecord(t *testing.T) {
	var b strings.Builder
	b.WriteString(sample)
	for b.Len() <= maxRecordSize {
		b.WriteString("X-Pad: " + strings.Repeat("p", 1000) + "\n")
	}
	b.WriteString("X-Last: tail\n")

	_, err := ParseBytes([]byte(b.String()))
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, InvalidEncoding, perr.Kind)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestParseAcceptsRecordAtLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString(sample)
	pad := "X-Pad: " + strings.Repeat("p", 1000) + "\n"
	for b.Len()+len(pad)+100 <= maxRecordSize {
		b.WriteString(pad)
	}
	last := "X-Last: "
	b.WriteString(last + strings.Repeat("t", maxRecordSize-b.Len()-len(last)-1) + "\n")
	require.Equal(t, maxRecordSize, b.Len())

	info, err := ParseBytes([]byte(b.String()))
	require.NoError(t, err)
	assert.Equal(t, "X-Last", info.Extra[len(info.Extra)-1].Key)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		kind  ErrorKind
		field string
	}{
		{
			name:  "missing nar hash",
			input: strings.Replace(sample, "NarHash: sha256:0mdqa9w1p6cmli6976v4wi0sw9r4p5prkj7lzfd1877wk11c9c73\n", "", 1),
			kind:  MissingField,
			field: "NarHash",
		},
		{
			name:  "missing url",
			input: strings.Replace(sample, "URL: nar/1m9bx4sd0nn1ndd5k7y0ci2c9sflzsybsskx6ram3n6nplx3c63f.nar.xz\n", "", 1),
			kind:  MissingField,
			field: "URL",
		},
		{
			name:  "bad nar size",
			input: strings.Replace(sample, "NarSize: 226560", "NarSize: lots", 1),
			kind:  InvalidEncoding,
			field: "NarSize",
		},
		{
			name:  "bad hash",
			input: strings.Replace(sample, "NarHash: sha256:0mdqa9", "NarHash: sha256:zzzz", 1),
			kind:  InvalidEncoding,
			field: "NarHash",
		},
		{
			name:  "bad reference",
			input: strings.Replace(sample, "References: ", "References: not-a-path ", 1),
			kind:  InvalidEncoding,
			field: "References",
		},
		{
			name:  "duplicate field",
			input: sample + "NarSize: 1\n",
			kind:  InvalidEncoding,
			field: "NarSize",
		},
		{
			name:  "no separator",
			input: sample + "garbage\n",
			kind:  InvalidEncoding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.input))
			require.Error(t, err)

			var perr *ParseError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.kind, perr.Kind)
			if tt.field != "" {
				assert.Equal(t, tt.field, perr.Field)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	info, err := ParseBytes([]byte(sample))
	require.NoError(t, err)

	fp, err := info.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, "1;/nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1;"+
		"sha256:0mdqa9w1p6cmli6976v4wi0sw9r4p5prkj7lzfd1877wk11c9c73;226560;"+
		"/nix/store/7h7qgvs4kgzsn8a6rb273saxyqh4jxlz-hello-2.12.1,"+
		"/nix/store/8jgl8pq8h6f1b6ffawbwgyfpjcb7kvd1-glibc-2.38-27", fp)

	info.Sigs = nil
	again, err := info.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, again)
}

func TestClone(t *testing.T) {
	info, err := ParseBytes([]byte(sample))
	require.NoError(t, err)

	c := info.Clone()
	c.Sigs[0] = "changed"
	c.References[0] = c.References[1]
	assert.NotEqual(t, "changed", info.Sigs[0])
	assert.NotEqual(t, info.References[0], info.References[1])
}
