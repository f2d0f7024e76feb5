package archive

import (
	"archive/tar"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/instbooks/stacks/codecs"
)

// ErrFormat is returned when a fetched bundle cannot be decompressed or
// its tar structure is invalid. It affects only that key's cache entry.
var ErrFormat = errors.New("malformed archive bundle")

// checksumsMember is the bundle member recording per-member checksums,
// as produced by the corpus ingest tooling.
const checksumsMember = "checksums.sha256"

// metadataMember is the bundle member holding the record's metadata object.
const metadataMember = "metadata.json"

// Bundle is locally available, decompressed archive content of one key:
// its page images, OCR text, metadata, and checksum manifest. A Bundle
// pins its cache entry against eviction until Close is called.
type Bundle struct {
	// Key is the bundle's primary key.
	Key string
	// Dir is the bundle's content directory.
	Dir string
	// Checksum is the hex SHA-256 of the compressed bundle as fetched.
	Checksum string

	release func()
}

// Close releases the Bundle's pin on its cache entry.
func (b *Bundle) Close() error {
	if b.release != nil {
		b.release()
		b.release = nil
	}
	return nil
}

// MemberNames lists the bundle's member files in lexicographic order.
func (b *Bundle) MemberNames() ([]string, error) {
	var names []string
	var err = filepath.Walk(b.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(b.Dir, path)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Member returns the raw bytes of the named member file.
func (b *Bundle) Member(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(b.Dir, filepath.FromSlash(name)))
}

// Images returns raw bytes of all page image members (.tif, .jp2),
// ordered by member name.
func (b *Bundle) Images() ([][]byte, error) {
	var names, err = b.MemberNames()
	if err != nil {
		return nil, err
	}
	var images [][]byte
	for _, name := range names {
		if !strings.HasSuffix(name, ".tif") && !strings.HasSuffix(name, ".jp2") {
			continue
		}
		var content, err = b.Member(name)
		if err != nil {
			return nil, err
		}
		images = append(images, content)
	}
	return images, nil
}

// OCRPages returns the text of all OCR members (.txt), ordered by member
// name, which reflects page order.
func (b *Bundle) OCRPages() ([]string, error) {
	var names, err = b.MemberNames()
	if err != nil {
		return nil, err
	}
	var pages []string
	for _, name := range names {
		if !strings.HasSuffix(name, ".txt") || name == checksumsMember {
			continue
		}
		var content, err = b.Member(name)
		if err != nil {
			return nil, err
		}
		pages = append(pages, string(content))
	}
	return pages, nil
}

// Metadata returns the decoded metadata member, or nil if the bundle has none.
func (b *Bundle) Metadata() (map[string]interface{}, error) {
	var content, err = b.Member(metadataMember)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var metadata map[string]interface{}
	if err = json.Unmarshal(content, &metadata); err != nil {
		return nil, errors.WithMessagef(ErrFormat, "decoding %s: %v", metadataMember, err)
	}
	return metadata, nil
}

// Checksums returns the raw checksum manifest member, or nil if absent.
func (b *Bundle) Checksums() ([]byte, error) {
	var content, err = b.Member(checksumsMember)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return content, err
}

// extractBundle decompresses the tar stream |r| under |codec| into |dir|,
// returning the aggregate byte size of extracted members. Member names are
// sanitized; anything other than a regular file is rejected.
func extractBundle(r io.Reader, codec codecs.Codec, dir string) (int64, error) {
	var decompressor, err = codecs.NewCodecReader(r, codec)
	if err != nil {
		return 0, errors.WithMessagef(ErrFormat, "%v", err)
	}
	defer decompressor.Close()

	var size int64
	var tr = tar.NewReader(decompressor)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return size, nil
		} else if err != nil {
			return size, errors.WithMessagef(ErrFormat, "reading tar: %v", err)
		}

		var name = filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return size, errors.WithMessagef(ErrFormat, "unsafe member name %q", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			// Pass.
		default:
			return size, errors.WithMessagef(ErrFormat,
				"member %q has unsupported type %#x", header.Name, header.Typeflag)
		}

		var path = filepath.Join(dir, name)
		if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return size, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return size, err
		}
		n, err := io.Copy(f, tr)
		size += n

		if cErr := f.Close(); err != nil {
			return size, errors.WithMessagef(ErrFormat, "extracting %q: %v", header.Name, err)
		} else if cErr != nil {
			return size, cErr
		}
	}
}
