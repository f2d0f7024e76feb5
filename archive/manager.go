package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/instbooks/stacks/codecs"
	"github.com/instbooks/stacks/metrics"
)

var (
	// ErrIntegrity is returned when a fetched bundle's checksum disagrees
	// with the checksum expected by the store.
	ErrIntegrity = errors.New("archive checksum mismatch")
	// ErrFetchTimeout is returned when a fetch, inclusive of retries and
	// of waiting on another fetcher, exceeds the configured timeout.
	ErrFetchTimeout = errors.New("archive fetch timed out")
	// ErrNoStore is returned by Fetch of a Manager constructed without a
	// remote store. Such a Manager can still inspect and clear the cache.
	ErrNoStore = errors.New("no archive store configured")

	// errEntryEvicted signals that an entry's content was evicted between
	// its ready check and the shared-lock open of its Bundle.
	errEntryEvicted = errors.New("cache entry evicted before open")
)

// FetchError is a terminal failure to fetch a key's bundle from remote
// storage, after bounded retries.
type FetchError struct {
	// Key being fetched.
	Key string
	// Attempts made before giving up.
	Attempts int
	// Err is the final attempt's error.
	Err error
}

func (e *FetchError) Error() string {
	return "fetching archive " + e.Key + ": " + e.Err.Error()
}

// Cause implements the pkg/errors causer interface.
func (e *FetchError) Cause() error { return e.Err }

// Unwrap implements the errors.Unwrap interface.
func (e *FetchError) Unwrap() error { return e.Err }

// Config configures a cache Manager.
type Config struct {
	// Dir is the root of the local cache directory tree. It may be shared
	// by concurrent processes.
	Dir string
	// StoreURL locates the remote archive store, eg
	// "s3://bucket/prefix?endpoint=https://minio.local".
	StoreURL string
	// Budget bounds the aggregate size of ready cache entries, in bytes.
	// Zero disables eviction.
	Budget int64
	// Codec of fetched bundles. Defaults to Gzip; codecs.None selects
	// uncompressed bundles.
	Codec codecs.Codec
	// FetchTimeout bounds a single Fetch call, inclusive of retries and
	// of joining another fetcher's in-flight operation. Defaults to 5m.
	FetchTimeout time.Duration
	// MaxAttempts bounds fetch attempts against the remote store.
	// Defaults to 5.
	MaxAttempts int
}

// Manager resolves keys to locally cached, decompressed archive Bundles.
//
// Its central guarantee is that for a given key, at most one
// fetch/decompress is ever in flight across all concurrent requesters:
// within a process, concurrent Fetch calls of one key coalesce through a
// singleflight.Group; across processes sharing the cache directory, an
// exclusive per-key file lock admits a single fetcher, and content becomes
// visible to readers only by atomic rename after full validation.
type Manager struct {
	cfg      Config
	store    Store
	manifest *manifest
	sf       singleflight.Group

	mu   sync.Mutex
	pins map[string]int
}

// NewManager returns a Manager over cfg.Dir, constructing a Store from
// cfg.StoreURL.
func NewManager(cfg Config) (*Manager, error) {
	var store, err = NewStore(cfg.StoreURL)
	if err != nil {
		return nil, err
	}
	return NewManagerWithStore(cfg, store)
}

// NewManagerWithStore returns a Manager over cfg.Dir using the given Store.
func NewManagerWithStore(cfg Config, store Store) (*Manager, error) {
	if cfg.Codec == codecs.Invalid {
		cfg.Codec = codecs.Gzip
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}

	for _, dir := range []string{"objects", "staging", "locks"} {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, dir), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating cache directory %s", dir)
		}
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		manifest: newManifest(cfg.Dir),
		pins:     make(map[string]int),
	}, nil
}

// Fetch resolves |key| to a ready Bundle, downloading and caching it if
// necessary. Concurrent calls for one key join a single in-flight fetch.
// The returned Bundle pins its cache entry until closed.
func (m *Manager) Fetch(ctx context.Context, key string) (*Bundle, error) {
	if m.store == nil {
		return nil, errors.WithMessagef(ErrNoStore, "key %q", key)
	}
	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	for {
		// Joiners of an in-flight call share its result. Note the flight
		// runs under the context of the caller which began it; if that
		// caller's deadline elapses, joiners observe ErrFetchTimeout and
		// may retry.
		var v, err, _ = m.sf.Do(key, func() (interface{}, error) {
			return m.ensureReady(ctx, key)
		})
		if err != nil {
			if errors.Cause(err) == context.DeadlineExceeded {
				err = errors.WithMessagef(ErrFetchTimeout, "key %q", key)
			}
			return nil, err
		}

		var bundle, bErr = m.openBundle(ctx, v.(CacheEntry))
		if errors.Cause(bErr) == errEntryEvicted {
			// Eviction raced the open; re-fetch under the same deadline.
			continue
		}
		return bundle, bErr
	}
}

// ensureReady returns a ready CacheEntry of |key|, fetching and staging
// its content if no valid local copy exists.
func (m *Manager) ensureReady(ctx context.Context, key string) (CacheEntry, error) {
	entries, err := m.manifest.load(ctx)
	if err != nil {
		return CacheEntry{}, err
	}
	if entry, ok := entries[key]; ok && entry.Status == StatusReady && m.contentExists(entry) {
		metrics.CacheHitsTotal.Inc()
		return entry, m.touch(ctx, key)
	}
	metrics.CacheMissesTotal.Inc()

	// Admit a single fetcher of |key| across all processes sharing the
	// cache directory. Waiters block here and then observe the completed
	// entry on re-check.
	lock, err := openLockedFileCtx(ctx, m.lockPath(key), false)
	if err != nil {
		return CacheEntry{}, errors.Wrapf(err, "locking key %q", key)
	}
	defer lock.Close()

	if entries, err = m.manifest.load(ctx); err != nil {
		return CacheEntry{}, err
	}
	if entry, ok := entries[key]; ok && entry.Status == StatusReady && m.contentExists(entry) {
		return entry, m.touch(ctx, key)
	}

	if err = m.mark(ctx, key, StatusFetching); err != nil {
		return CacheEntry{}, err
	}
	entry, err := m.fetchWithRetry(ctx, key)
	if err != nil {
		if mErr := m.mark(ctx, key, StatusFailed); mErr != nil {
			log.WithFields(log.Fields{"key": key, "err": mErr}).
				Warn("failed to mark cache entry failed")
		}
		return CacheEntry{}, err
	}

	if err = m.manifest.update(ctx, func(entries map[string]CacheEntry) error {
		entries[key] = entry
		return nil
	}); err != nil {
		return CacheEntry{}, err
	}

	if err = m.evict(ctx); err != nil {
		log.WithFields(log.Fields{"err": err}).Warn("cache eviction failed")
	}
	return entry, nil
}

// fetchWithRetry fetches and stages |key| with bounded, backed-off retries.
// Integrity, format, and not-found failures are not retried.
func (m *Manager) fetchWithRetry(ctx context.Context, key string) (CacheEntry, error) {
	for attempt := 0; ; attempt++ {
		var entry, err = m.fetchOnce(ctx, key)
		if err == nil {
			return entry, nil
		}

		switch errors.Cause(err) {
		case ErrIntegrity, ErrFormat, ErrNotFound:
			return CacheEntry{}, err
		}
		if attempt+1 >= m.cfg.MaxAttempts {
			return CacheEntry{}, &FetchError{Key: key, Attempts: attempt + 1, Err: err}
		}

		metrics.FetchRetriesTotal.Inc()
		log.WithFields(log.Fields{
			"key":     key,
			"attempt": attempt,
			"err":     err,
		}).Warn("archive fetch failed (will retry)")

		select {
		case <-ctx.Done():
			return CacheEntry{}, &FetchError{Key: key, Attempts: attempt + 1, Err: ctx.Err()}
		case <-time.After(backoff(attempt)):
		}
	}
}

// fetchOnce downloads, verifies, and stages |key|'s bundle, atomically
// renaming its content directory into place.
func (m *Manager) fetchOnce(ctx context.Context, key string) (CacheEntry, error) {
	var rc, expected, err = m.store.Get(ctx, key)
	if err != nil {
		return CacheEntry{}, err
	}
	defer rc.Close()

	var staging = filepath.Join(m.cfg.Dir, "staging", key+"-"+uuid.NewString())
	if err = os.MkdirAll(staging, 0755); err != nil {
		return CacheEntry{}, errors.Wrap(err, "creating staging directory")
	}
	defer os.RemoveAll(staging)

	var summer = sha256.New()
	var counter = new(countingReader)
	counter.r = io.TeeReader(rc, summer)

	size, err := extractBundle(counter, m.cfg.Codec, staging)
	if err != nil {
		return CacheEntry{}, err
	}
	// Drain trailing compressed bytes (eg gzip footer) through the summer.
	if _, err = io.Copy(io.Discard, counter); err != nil {
		return CacheEntry{}, errors.Wrap(err, "draining bundle stream")
	}
	metrics.FetchBytesTotal.Add(float64(counter.n))

	var actual = hex.EncodeToString(summer.Sum(nil))
	if expected != "" && !strings.EqualFold(expected, actual) {
		return CacheEntry{}, errors.WithMessagef(ErrIntegrity,
			"key %q: fetched sum %s, expected %s", key, actual, expected)
	}

	var dest = m.contentPath(key)
	if err = os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return CacheEntry{}, err
	}
	// A leftover of an evicted or failed prior fetch may exist; we hold
	// the key's exclusive lock, so removal cannot race a reader.
	if err = os.RemoveAll(dest); err != nil {
		return CacheEntry{}, err
	}
	if err = os.Rename(staging, dest); err != nil {
		return CacheEntry{}, errors.Wrap(err, "renaming bundle into place")
	}

	log.WithFields(log.Fields{
		"key":   key,
		"size":  size,
		"sum":   actual,
		"bytes": counter.n,
	}).Info("fetched archive bundle")

	var rel, _ = filepath.Rel(m.cfg.Dir, dest)
	return CacheEntry{
		Key:        key,
		Path:       rel,
		Size:       size,
		Checksum:   actual,
		LastAccess: timeNow().UnixNano(),
		Status:     StatusReady,
	}, nil
}

// openBundle opens a Bundle over a ready entry. The Bundle holds a shared
// cross-process lock and an in-process pin, both released by Close, so
// eviction never removes content mid-read.
func (m *Manager) openBundle(ctx context.Context, entry CacheEntry) (*Bundle, error) {
	var lock, err = openLockedFileCtx(ctx, m.lockPath(entry.Key), true)
	if err != nil {
		return nil, errors.Wrapf(err, "locking key %q", entry.Key)
	}
	m.mu.Lock()
	m.pins[entry.Key]++
	m.mu.Unlock()

	var once sync.Once
	var release = func() {
		once.Do(func() {
			_ = lock.Close()
			m.mu.Lock()
			if m.pins[entry.Key]--; m.pins[entry.Key] == 0 {
				delete(m.pins, entry.Key)
			}
			m.mu.Unlock()
		})
	}

	// The entry was neither pinned nor locked between the ready check and
	// this lock acquisition, so a concurrent eviction may have removed its
	// content. Re-verify now that the shared lock excludes evictors.
	if !m.contentExists(entry) {
		release()
		return nil, errors.WithMessagef(errEntryEvicted, "key %q", entry.Key)
	}

	return &Bundle{
		Key:      entry.Key,
		Dir:      filepath.Join(m.cfg.Dir, entry.Path),
		Checksum: entry.Checksum,
		release:  release,
	}, nil
}

// evict removes least-recently-accessed ready entries until the aggregate
// cache size is back under budget. Entries pinned by open Bundles, or
// locked by another process, are skipped.
func (m *Manager) evict(ctx context.Context) error {
	if m.cfg.Budget <= 0 {
		return nil
	}
	return m.manifest.update(ctx, func(entries map[string]CacheEntry) error {
		var total int64
		var ready []CacheEntry
		for _, entry := range entries {
			if entry.Status == StatusReady {
				total += entry.Size
				ready = append(ready, entry)
			}
		}
		sort.Slice(ready, func(i, j int) bool {
			return ready[i].LastAccess < ready[j].LastAccess
		})

		for _, entry := range ready {
			if total <= m.cfg.Budget {
				break
			}
			if m.pinned(entry.Key) {
				continue
			}
			// A non-blocking exclusive lock fails if any process holds the
			// entry open for reading, or is fetching it.
			lock, err := openLockedFile(m.lockPath(entry.Key), false, false)
			if err != nil || lock == nil {
				continue
			}
			var rmErr = os.RemoveAll(filepath.Join(m.cfg.Dir, entry.Path))
			_ = lock.Close()

			if rmErr != nil {
				return rmErr
			}
			delete(entries, entry.Key)
			total -= entry.Size

			metrics.CacheEvictedEntriesTotal.Inc()
			metrics.CacheEvictedBytesTotal.Add(float64(entry.Size))
			log.WithFields(log.Fields{
				"key":  entry.Key,
				"size": entry.Size,
			}).Info("evicted cache entry")
		}
		metrics.CacheSizeBytes.Set(float64(total))
		return nil
	})
}

// Clear removes cache entries and their content. If |confirm| is non-nil
// it is consulted per entry. Entries whose key lock is held, by an active
// fetcher or a Bundle held open in any process, are left in place. A
// fetching entry whose lock is free was abandoned by a crashed fetcher,
// and is removed like any other. Clear returns the number of entries
// removed.
func (m *Manager) Clear(ctx context.Context, confirm func(CacheEntry) bool) (int, error) {
	var removed int
	var err = m.manifest.update(ctx, func(entries map[string]CacheEntry) error {
		for key, entry := range entries {
			if confirm != nil && !confirm(entry) {
				continue
			}
			if m.pinned(key) {
				continue
			}
			lock, err := openLockedFile(m.lockPath(key), false, false)
			if err != nil || lock == nil {
				continue
			}
			var rmErr = os.RemoveAll(filepath.Join(m.cfg.Dir, entry.Path))
			_ = lock.Close()

			if rmErr != nil {
				return rmErr
			}
			delete(entries, key)
			removed++
		}
		return nil
	})
	return removed, err
}

// CacheStats summarizes the cache's entries and size.
type CacheStats struct {
	Ready, Fetching, Failed int
	SizeBytes               int64
	Budget                  int64
}

// Stats returns a snapshot of cache statistics.
func (m *Manager) Stats(ctx context.Context) (CacheStats, error) {
	var entries, err = m.manifest.load(ctx)
	if err != nil {
		return CacheStats{}, err
	}
	var stats = CacheStats{Budget: m.cfg.Budget}
	for _, entry := range entries {
		switch entry.Status {
		case StatusReady:
			stats.Ready++
			stats.SizeBytes += entry.Size
		case StatusFetching:
			stats.Fetching++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// touch refreshes the last-access timestamp of |key|.
func (m *Manager) touch(ctx context.Context, key string) error {
	return m.manifest.update(ctx, func(entries map[string]CacheEntry) error {
		if entry, ok := entries[key]; ok {
			entry.LastAccess = timeNow().UnixNano()
			entries[key] = entry
		}
		return nil
	})
}

// mark sets the status of |key|, creating its entry if needed.
func (m *Manager) mark(ctx context.Context, key string, status Status) error {
	return m.manifest.update(ctx, func(entries map[string]CacheEntry) error {
		var entry = entries[key]
		entry.Key = key
		entry.Status = status
		if entry.Path == "" {
			var rel, _ = filepath.Rel(m.cfg.Dir, m.contentPath(key))
			entry.Path = rel
		}
		entries[key] = entry
		return nil
	})
}

func (m *Manager) pinned(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pins[key] > 0
}

// contentPath shards entries across sub-directories by key prefix, keeping
// directory fan-out manageable for large collections.
func (m *Manager) contentPath(key string) string {
	var shard = "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(m.cfg.Dir, "objects", shard, key)
}

func (m *Manager) lockPath(key string) string {
	return filepath.Join(m.cfg.Dir, "locks", key+".lock")
}

func (m *Manager) contentExists(entry CacheEntry) bool {
	var info, err = os.Stat(filepath.Join(m.cfg.Dir, entry.Path))
	return err == nil && info.IsDir()
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	var n, err = c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// backoff maps a retry attempt to its delay.
func backoff(attempt int) time.Duration {
	switch attempt {
	case 0, 1:
		return time.Millisecond * 50
	case 2, 3:
		return time.Millisecond * 100
	case 4, 5:
		return time.Second
	default:
		return time.Second * 5
	}
}

var timeNow = time.Now
