// Package archive resolves primary keys to locally available, decompressed
// archive bundles, fetching from remote storage only when necessary and
// holding results in a bounded local cache shared across processes.
package archive

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by a Store when no bundle exists for a key.
var ErrNotFound = errors.New("archive not found")

// Store is a remote object store holding one compressed bundle per key.
type Store interface {
	// Get returns a reader of the compressed bundle of |key|, along with
	// its expected hex SHA-256 checksum. The checksum may be empty if the
	// store cannot provide one, in which case verification is skipped.
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
}

// Constructor builds a Store from a parsed store URL.
type Constructor func(*url.URL) (Store, error)

var (
	constructors = make(map[string]Constructor)
	constructsMu sync.Mutex
)

// RegisterProviders registers store constructors for different storage
// schemes. This should be called during initialization to register all
// available store types.
func RegisterProviders(providers map[string]Constructor) {
	constructsMu.Lock()
	defer constructsMu.Unlock()

	for scheme, constructor := range providers {
		constructors[scheme] = constructor
	}
}

func init() {
	RegisterProviders(map[string]Constructor{
		"s3":   newS3Store,
		"file": newFSStore,
	})
}

// NewStore parses |raw| as a store URL and dispatches on its scheme.
func NewStore(raw string) (Store, error) {
	var ep, err = url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing store URL %q", raw)
	}

	constructsMu.Lock()
	var constructor, ok = constructors[ep.Scheme]
	constructsMu.Unlock()

	if !ok {
		return nil, errors.Errorf("unsupported archive store scheme: %s", ep.Scheme)
	}
	return constructor(ep)
}

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu sync.Mutex
	// Content maps keys to compressed bundle bytes.
	Content map[string][]byte
	// Sums maps keys to expected checksums. Optional.
	Sums map[string]string
	// Gets counts Get invocations by key.
	Gets map[string]int
	// Err, if set, is returned by every Get.
	Err error
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Content: make(map[string][]byte),
		Sums:    make(map[string]string),
		Gets:    make(map[string]int),
	}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Gets[key]++
	if s.Err != nil {
		return nil, "", s.Err
	}
	var content, ok = s.Content[key]
	if !ok {
		return nil, "", errors.WithMessagef(ErrNotFound, "key %q", key)
	}
	return io.NopCloser(bytes.NewReader(content)), s.Sums[key], nil
}
