package codecs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrips(t *testing.T) {
	var content = bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 100)

	for _, codec := range []Codec{None, Gzip, Snappy, Zstandard} {
		var buf bytes.Buffer

		var compressor, err = NewCodecWriter(&buf, codec)
		require.NoError(t, err)
		_, err = compressor.Write(content)
		require.NoError(t, err)
		require.NoError(t, compressor.Close())

		decompressor, err := NewCodecReader(&buf, codec)
		require.NoError(t, err)
		var recovered, rErr = io.ReadAll(decompressor)
		require.NoError(t, rErr)
		require.NoError(t, decompressor.Close())

		require.Equal(t, content, recovered, "codec %s", codec)
	}
}

func TestParseCodec(t *testing.T) {
	var cases = []struct {
		label  string
		expect Codec
	}{
		{"none", None},
		{"gzip", Gzip},
		{"gz", Gzip},
		{"snappy", Snappy},
		{"zstd", Zstandard},
		{"ZSTANDARD", Zstandard},
	}
	for _, tc := range cases {
		var codec, err = ParseCodec(tc.label)
		require.NoError(t, err)
		require.Equal(t, tc.expect, codec)
	}

	var codec, err = ParseCodec("brotli")
	require.Error(t, err)
	require.Equal(t, Invalid, codec)
}

func TestInvalidCodecIsRejected(t *testing.T) {
	var buf bytes.Buffer

	var _, err = NewCodecWriter(&buf, Invalid)
	require.Error(t, err)
	_, err = NewCodecReader(&buf, Invalid)
	require.Error(t, err)
}

func TestCodecOfPath(t *testing.T) {
	require.Equal(t, Gzip, CodecOfPath("b1234.tar.gz"))
	require.Equal(t, Zstandard, CodecOfPath("b1234.tar.zst"))
	require.Equal(t, Snappy, CodecOfPath("entries.sz"))
	require.Equal(t, None, CodecOfPath("entries.jsonl"))
}
