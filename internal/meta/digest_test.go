package meta

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigest(t *testing.T) {
	t.Parallel()

	want := Digest(sha256.Sum256([]byte("abc")))
	const hexABC = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

	got, err := ParseDigest(hexABC)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, hexABC, got.String())
	assert.Equal(t, "ba7816bf8f01", got.Short())

	for _, bad := range []string{"", "abc", hexABC[:63], hexABC + "0", "zz" + hexABC[2:]} {
		_, err := ParseDigest(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestTypeClassOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want, top string
	}{
		{"text/plain; charset=utf-8", "text/plain", "text"},
		{"IMAGE/PNG", "image/png", "image"},
		{"application/octet-stream", "application/octet-stream", "application"},
		{"", "", ""},
	}
	for _, tt := range tests {
		got := TypeClassOf(tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.top, TopLevel(got))
	}
}
