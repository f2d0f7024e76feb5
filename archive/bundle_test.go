package archive

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/instbooks/stacks/codecs"
)

func extractTestBundle(t *testing.T, members map[string]string) *Bundle {
	t.Helper()
	var content, sum = makeBundle(t, members)

	var dir = t.TempDir()
	var _, err = extractBundle(bytes.NewReader(content), codecs.Gzip, dir)
	require.NoError(t, err)

	return &Bundle{Key: "AAA001", Dir: dir, Checksum: sum}
}

func TestBundleMembers(t *testing.T) {
	var b = extractTestBundle(t, map[string]string{
		"metadata.json":    `{"title": "A Book", "page_count": 2}`,
		"00000001.txt":     "first page",
		"00000002.txt":     "second page",
		"00000001.jp2":     "<jp2 bytes>",
		"00000002.tif":     "<tif bytes>",
		"checksums.sha256": "abc  00000001.txt\n",
	})

	var names, err = b.MemberNames()
	require.NoError(t, err)
	require.Equal(t, []string{
		"00000001.jp2", "00000001.txt", "00000002.tif", "00000002.txt",
		"checksums.sha256", "metadata.json",
	}, names)

	content, err := b.Member("00000002.txt")
	require.NoError(t, err)
	require.Equal(t, "second page", string(content))

	images, err := b.Images()
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("<jp2 bytes>"), []byte("<tif bytes>")}, images)

	pages, err := b.OCRPages()
	require.NoError(t, err)
	require.Equal(t, []string{"first page", "second page"}, pages)

	metadata, err := b.Metadata()
	require.NoError(t, err)
	require.Equal(t, "A Book", metadata["title"])

	sums, err := b.Checksums()
	require.NoError(t, err)
	require.Equal(t, "abc  00000001.txt\n", string(sums))
}

func TestBundleWithoutOptionalMembers(t *testing.T) {
	var b = extractTestBundle(t, map[string]string{"00000001.txt": "page"})

	var metadata, err = b.Metadata()
	require.NoError(t, err)
	require.Nil(t, metadata)

	sums, err := b.Checksums()
	require.NoError(t, err)
	require.Nil(t, sums)
}

func TestExtractBundleNestedMembers(t *testing.T) {
	var b = extractTestBundle(t, map[string]string{
		"pages/00000001.txt": "nested page",
	})
	var content, err = b.Member("pages/00000001.txt")
	require.NoError(t, err)
	require.Equal(t, "nested page", string(content))
}

func TestExtractBundleSize(t *testing.T) {
	var content, _ = makeBundle(t, map[string]string{
		"a.txt": "12345",
		"b.txt": "123",
	})
	var size, err = extractBundle(bytes.NewReader(content), codecs.Gzip, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, int64(8), size)
}

func TestExtractBundleRejectsUnsafeNames(t *testing.T) {
	for _, name := range []string{"../evil.txt", "/etc/evil.txt"} {
		var buf bytes.Buffer
		compressor, err := codecs.NewCodecWriter(&buf, codecs.Gzip)
		require.NoError(t, err)

		var tw = tar.NewWriter(compressor)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     4,
		}))
		_, err = tw.Write([]byte("evil"))
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, compressor.Close())

		_, err = extractBundle(bytes.NewReader(buf.Bytes()), codecs.Gzip, t.TempDir())
		require.Equal(t, ErrFormat, errors.Cause(err), "name %q", name)
	}
}

func TestExtractBundleRejectsSymlinks(t *testing.T) {
	var buf bytes.Buffer
	compressor, err := codecs.NewCodecWriter(&buf, codecs.Gzip)
	require.NoError(t, err)

	var tw = tar.NewWriter(compressor)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "link.txt",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, compressor.Close())

	_, err = extractBundle(bytes.NewReader(buf.Bytes()), codecs.Gzip, t.TempDir())
	require.Equal(t, ErrFormat, errors.Cause(err))
}

func TestExtractBundleTruncatedStream(t *testing.T) {
	var content, _ = makeBundle(t, map[string]string{"00000001.txt": "page"})

	var _, err = extractBundle(bytes.NewReader(content[:len(content)/2]), codecs.Gzip, t.TempDir())
	require.Equal(t, ErrFormat, errors.Cause(err))
}
