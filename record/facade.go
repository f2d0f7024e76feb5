package record

import (
	"sort"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/instbooks/stacks/archive"
	"github.com/instbooks/stacks/reader"
)

// DefaultRecordCacheSize bounds the Facade's in-process memo cache of
// resolved Records.
const DefaultRecordCacheSize = 256

// Facade provides key-addressed Records over a set of indexed flat-file
// sources and an archive cache Manager. Records are reference counted:
// callers and the bounded LRU memo cache each hold a reference, and a
// Record's resolved archive Bundle is closed only after all of them have
// released it. Dropping a Record from the memo cache therefore never
// invalidates a Bundle a caller still holds.
type Facade struct {
	rows     []*reader.Reader
	objects  []*reader.Reader
	archives *archive.Manager

	mu      sync.Mutex
	records *lru.Cache

	keysOnce sync.Once
	keys     []string
}

// NewFacade returns a Facade over row sources (delimited files), object
// sources (line-delimited JSON files), and an optional archive Manager.
// |cacheSize| bounds the Record memo cache; zero applies
// DefaultRecordCacheSize.
func NewFacade(rows, objects []*reader.Reader, archives *archive.Manager, cacheSize int) *Facade {
	if cacheSize == 0 {
		cacheSize = DefaultRecordCacheSize
	}
	// The eviction hook drops only the cache's own reference; a Record's
	// Bundle closes once its remaining holders release theirs.
	var cache, err = lru.NewWithEvict(cacheSize, func(_, value interface{}) {
		value.(*Record).Release()
	})
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Facade{
		rows:     rows,
		objects:  objects,
		archives: archives,
		records:  cache,
	}
}

// Record returns the Record of |key|, which the caller must Release when
// done. Calls of one key share resolved sources. No source is resolved
// until its accessor is first called; a key absent from every source
// yields a Record whose accessors fail with reader.ErrKeyNotFound.
func (f *Facade) Record(key string) *Record {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v, ok := f.records.Get(key); ok {
		var r = v.(*Record)
		atomic.AddInt32(&r.refs, 1)
		return r
	}
	// One reference for the caller, and one held by the memo cache and
	// dropped by its eviction hook.
	var r = &Record{Key: key, facade: f, refs: 2}
	f.records.Add(key, r)
	return r
}

// Keys returns a stable, lexicographically ordered sub-range of the
// collection's primary keys: up to |limit| keys beginning at position
// |offset|. A non-positive limit extends the range to the end. Disjoint
// (offset, limit) ranges partition the collection, letting a worker pool
// process it in parallel.
func (f *Facade) Keys(offset, limit int) []string {
	f.keysOnce.Do(f.mergeKeys)

	if offset < 0 {
		offset = 0
	}
	if offset >= len(f.keys) {
		return nil
	}
	var end = len(f.keys)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return f.keys[offset:end]
}

// Len is the total number of distinct keys across row sources.
func (f *Facade) Len() int {
	f.keysOnce.Do(f.mergeKeys)
	return len(f.keys)
}

// mergeKeys builds the sorted union of keys across all row sources.
func (f *Facade) mergeKeys() {
	var seen = make(map[string]struct{})
	for _, r := range f.rows {
		for _, key := range r.Index().Keys() {
			seen[key] = struct{}{}
		}
	}
	f.keys = make([]string, 0, len(seen))
	for key := range seen {
		f.keys = append(f.keys, key)
	}
	sort.Strings(f.keys)
}

// readFirst reads |key| from the first source containing it.
func (f *Facade) readFirst(sources []*reader.Reader, key string) (reader.Fields, error) {
	for _, r := range sources {
		if r.Contains(key) {
			return r.Read(key)
		}
	}
	return nil, errors.WithMessagef(reader.ErrKeyNotFound, "key %q", key)
}
