package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Status of a CacheEntry.
type Status string

const (
	// StatusFetching marks an entry whose content is being downloaded and
	// staged. Fetching entries are never evicted.
	StatusFetching Status = "fetching"
	// StatusReady marks an entry whose content is fully validated and
	// atomically renamed into place.
	StatusReady Status = "ready"
	// StatusFailed marks an entry whose last fetch failed.
	StatusFailed Status = "failed"
)

// CacheEntry is the manifest record of one cached archive.
type CacheEntry struct {
	// Key is the archive's primary key.
	Key string `json:"key"`
	// Path of the entry's content directory, relative to the cache root.
	Path string `json:"path"`
	// Size is the aggregate byte size of decompressed content.
	Size int64 `json:"size"`
	// Checksum is the hex SHA-256 of the compressed bundle as fetched.
	Checksum string `json:"checksum"`
	// LastAccess is the UnixNano timestamp of the entry's last access.
	LastAccess int64 `json:"last_access"`
	// Status of the entry.
	Status Status `json:"status"`
}

// manifest persists CacheEntry metadata as line-delimited JSON, guarded by
// a cross-process file lock so that concurrent processes sharing the cache
// directory observe consistent read-modify-write cycles.
type manifest struct {
	path     string
	lockPath string
}

func newManifest(dir string) *manifest {
	return &manifest{
		path:     filepath.Join(dir, "manifest.jsonl"),
		lockPath: filepath.Join(dir, "manifest.lock"),
	}
}

// load returns a snapshot of all entries.
func (m *manifest) load(ctx context.Context) (map[string]CacheEntry, error) {
	var lock, err = openLockedFileCtx(ctx, m.lockPath, true)
	if err != nil {
		return nil, errors.Wrap(err, "locking manifest")
	}
	defer lock.Close()

	return m.read()
}

// update applies |fn| to the entry set under an exclusive lock, and
// persists the result via write-to-temporary and atomic rename.
func (m *manifest) update(ctx context.Context, fn func(map[string]CacheEntry) error) error {
	var lock, err = openLockedFileCtx(ctx, m.lockPath, false)
	if err != nil {
		return errors.Wrap(err, "locking manifest")
	}
	defer lock.Close()

	entries, err := m.read()
	if err != nil {
		return err
	}
	if err = fn(entries); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".manifest-*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temporary manifest")
	}
	defer os.Remove(tmp.Name())

	var bw = bufio.NewWriter(tmp)
	var enc = json.NewEncoder(bw)
	for _, entry := range entries {
		if err = enc.Encode(entry); err != nil {
			_ = tmp.Close()
			return errors.Wrap(err, "encoding manifest entry")
		}
	}
	if err = bw.Flush(); err != nil {
		_ = tmp.Close()
		return err
	} else if err = tmp.Close(); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp.Name(), m.path), "renaming manifest into place")
}

func (m *manifest) read() (map[string]CacheEntry, error) {
	var entries = make(map[string]CacheEntry)

	var f, err = os.Open(m.path)
	if os.IsNotExist(err) {
		return entries, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "opening manifest")
	}
	defer f.Close()

	var dec = json.NewDecoder(bufio.NewReader(f))
	for {
		var entry CacheEntry
		if err = dec.Decode(&entry); err == io.EOF {
			return entries, nil
		} else if err != nil {
			return nil, errors.Wrap(err, "decoding manifest entry")
		}
		entries[entry.Key] = entry
	}
}
