package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/instbooks/stacks/codecs"
)

// makeBundle builds a compressed tar bundle of |members| and returns its
// bytes and hex SHA-256 checksum.
func makeBundle(t *testing.T, members map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer

	var compressor, err = codecs.NewCodecWriter(&buf, codecs.Gzip)
	require.NoError(t, err)
	var tw = tar.NewWriter(compressor)

	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err = tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, compressor.Close())

	var sum = sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func storeBundle(t *testing.T, store *MemoryStore, key string, members map[string]string) {
	t.Helper()
	var content, sum = makeBundle(t, members)
	store.Content[key] = content
	store.Sums[key] = sum
}

func newTestManager(t *testing.T, store Store, budget int64) *Manager {
	t.Helper()
	var m, err = NewManagerWithStore(Config{
		Dir:    t.TempDir(),
		Budget: budget,
	}, store)
	require.NoError(t, err)
	return m
}

func TestFetchCachesAcrossCalls(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "AAA001", map[string]string{
		"metadata.json": `{"title": "A Book"}`,
		"00000001.txt":  "page one",
	})
	var m = newTestManager(t, store, 0)

	for i := 0; i != 3; i++ {
		var bundle, err = m.Fetch(context.Background(), "AAA001")
		require.NoError(t, err)
		require.Equal(t, store.Sums["AAA001"], bundle.Checksum)

		page, err := bundle.Member("00000001.txt")
		require.NoError(t, err)
		require.Equal(t, "page one", string(page))
		require.NoError(t, bundle.Close())
	}
	// The remote store was consulted exactly once.
	require.Equal(t, 1, store.Gets["AAA001"])
}

func TestConcurrentFetchersCoalesce(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "ABCDEF", map[string]string{"00000001.txt": "page"})
	var m = newTestManager(t, store, 0)

	var wg sync.WaitGroup
	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var bundle, err = m.Fetch(context.Background(), "ABCDEF")
			require.NoError(t, err)
			page, err := bundle.Member("00000001.txt")
			require.NoError(t, err)
			require.Equal(t, "page", string(page))
			require.NoError(t, bundle.Close())
		}()
	}
	wg.Wait()

	require.Equal(t, 1, store.Gets["ABCDEF"])
}

func TestFetchIntegrityMismatch(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "AAA001", map[string]string{"00000001.txt": "page"})
	store.Sums["AAA001"] = "deadbeef"

	var m = newTestManager(t, store, 0)

	var _, err = m.Fetch(context.Background(), "AAA001")
	require.Equal(t, ErrIntegrity, errors.Cause(err))
	// Integrity failures are not retried.
	require.Equal(t, 1, store.Gets["AAA001"])

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
}

func TestFetchGarbageBundle(t *testing.T) {
	var store = NewMemoryStore()
	store.Content["AAA001"] = []byte("certainly not a gzip stream")

	var m = newTestManager(t, store, 0)

	var _, err = m.Fetch(context.Background(), "AAA001")
	require.Equal(t, ErrFormat, errors.Cause(err))
	require.Equal(t, 1, store.Gets["AAA001"])
}

func TestFetchNotFound(t *testing.T) {
	var m = newTestManager(t, NewMemoryStore(), 0)

	var _, err = m.Fetch(context.Background(), "NOPE")
	require.Equal(t, ErrNotFound, errors.Cause(err))
}

func TestFetchRetriesThenFails(t *testing.T) {
	var store = NewMemoryStore()
	store.Err = errors.New("connection reset")

	var m, err = NewManagerWithStore(Config{
		Dir:         t.TempDir(),
		MaxAttempts: 3,
	}, store)
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "AAA001")
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Equal(t, "AAA001", fetchErr.Key)
	require.Equal(t, 3, fetchErr.Attempts)
	require.Equal(t, 3, store.Gets["AAA001"])
}

type blockingStore struct{}

func (blockingStore) Get(ctx context.Context, _ string) (io.ReadCloser, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func TestFetchTimeout(t *testing.T) {
	var m, err = NewManagerWithStore(Config{
		Dir:          t.TempDir(),
		FetchTimeout: 50 * time.Millisecond,
	}, blockingStore{})
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "AAA001")
	require.Equal(t, ErrFetchTimeout, errors.Cause(err))
}

func TestEvictionUnderBudget(t *testing.T) {
	var store = NewMemoryStore()
	for _, key := range []string{"AAA001", "BBB002", "CCC003"} {
		storeBundle(t, store, key, map[string]string{
			"00000001.txt": strings.Repeat("x", 1000),
		})
	}

	// Budget admits two entries; fetching a third evicts the least
	// recently accessed.
	var m = newTestManager(t, store, 2500)

	for _, key := range []string{"AAA001", "BBB002", "CCC003"} {
		var bundle, err = m.Fetch(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, bundle.Close())
		time.Sleep(time.Millisecond) // Distinct LastAccess stamps.
	}

	var stats, err = m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.Ready)
	require.LessOrEqual(t, stats.SizeBytes, int64(2500))

	// A later request for the evicted key triggers exactly one re-fetch,
	// verified against the same checksum.
	bundle, err := m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	require.Equal(t, store.Sums["AAA001"], bundle.Checksum)
	require.NoError(t, bundle.Close())
	require.Equal(t, 2, store.Gets["AAA001"])
}

func TestEvictionSkipsPinnedEntries(t *testing.T) {
	var store = NewMemoryStore()
	for _, key := range []string{"AAA001", "BBB002", "CCC003"} {
		storeBundle(t, store, key, map[string]string{
			"00000001.txt": strings.Repeat("x", 1000),
		})
	}
	var m = newTestManager(t, store, 1500)

	// Hold the first bundle open across the second fetch, which would
	// otherwise evict it.
	var pinned, err = m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	other, err := m.Fetch(context.Background(), "BBB002")
	require.NoError(t, err)
	require.NoError(t, other.Close())

	// The pinned bundle's content is still present and readable.
	page, err := pinned.Member("00000001.txt")
	require.NoError(t, err)
	require.Len(t, page, 1000)
	require.NoError(t, pinned.Close())
	time.Sleep(time.Millisecond)

	// With the pin released, the next fetch evicts it.
	next, err := m.Fetch(context.Background(), "CCC003")
	require.NoError(t, err)
	require.NoError(t, next.Close())

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Ready)
}

func TestClear(t *testing.T) {
	var store = NewMemoryStore()
	for _, key := range []string{"AAA001", "BBB002"} {
		storeBundle(t, store, key, map[string]string{"00000001.txt": "page"})
	}
	var m = newTestManager(t, store, 0)

	for _, key := range []string{"AAA001", "BBB002"} {
		var bundle, err = m.Fetch(context.Background(), key)
		require.NoError(t, err)
		require.NoError(t, bundle.Close())
	}

	// A selective confirm removes only the entry it accepts.
	var removed, err = m.Clear(context.Background(), func(entry CacheEntry) bool {
		return entry.Key == "AAA001"
	})
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	removed, err = m.Clear(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Ready)

	// Cleared keys fetch again on demand.
	bundle, err := m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	require.NoError(t, bundle.Close())
	require.Equal(t, 2, store.Gets["AAA001"])
}

func TestOpenBundleDetectsEvictedContent(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "AAA001", map[string]string{"00000001.txt": "page"})
	var m = newTestManager(t, store, 0)
	var ctx = context.Background()

	bundle, err := m.Fetch(ctx, "AAA001")
	require.NoError(t, err)
	require.NoError(t, bundle.Close())

	entries, err := m.manifest.load(ctx)
	require.NoError(t, err)
	var entry = entries["AAA001"]

	// Model an eviction racing the window between the ready check and the
	// shared-lock open: the content is gone by the time the open inspects
	// it. The open must fail rather than return a Bundle of a deleted
	// directory, and must leave no pin behind.
	require.NoError(t, os.RemoveAll(filepath.Join(m.cfg.Dir, entry.Path)))

	_, err = m.openBundle(ctx, entry)
	require.Equal(t, errEntryEvicted, errors.Cause(err))
	require.False(t, m.pinned("AAA001"))

	// A full Fetch recovers by re-fetching.
	bundle, err = m.Fetch(ctx, "AAA001")
	require.NoError(t, err)
	page, err := bundle.Member("00000001.txt")
	require.NoError(t, err)
	require.Equal(t, "page", string(page))
	require.NoError(t, bundle.Close())
	require.Equal(t, 2, store.Gets["AAA001"])
}

func TestClearRemovesAbandonedFetches(t *testing.T) {
	var m = newTestManager(t, NewMemoryStore(), 0)
	var ctx = context.Background()

	// A fetching entry with no lock holder models a crashed fetcher.
	require.NoError(t, m.mark(ctx, "AAA001", StatusFetching))

	// A fetching entry whose key lock is held models an active fetcher.
	require.NoError(t, m.mark(ctx, "BBB002", StatusFetching))
	lock, err := openLockedFile(m.lockPath("BBB002"), false, true)
	require.NoError(t, err)

	removed, err := m.Clear(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	stats, err := m.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Fetching)
	require.NoError(t, lock.Close())
}

func TestFetchWithoutStore(t *testing.T) {
	var m, err = NewManagerWithStore(Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	_, err = m.Fetch(context.Background(), "AAA001")
	require.Equal(t, ErrNoStore, errors.Cause(err))

	// Inspection still works without a store.
	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.Ready)
}

func TestFetchUncompressedBundles(t *testing.T) {
	var buf bytes.Buffer
	var tw = tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "00000001.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     4,
	}))
	_, err := tw.Write([]byte("page"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())

	var store = NewMemoryStore()
	store.Content["AAA001"] = buf.Bytes()

	// An explicit None codec is honored, not coerced to the Gzip default.
	m, err := NewManagerWithStore(Config{
		Dir:   t.TempDir(),
		Codec: codecs.None,
	}, store)
	require.NoError(t, err)

	bundle, err := m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	page, err := bundle.Member("00000001.txt")
	require.NoError(t, err)
	require.Equal(t, "page", string(page))
	require.NoError(t, bundle.Close())
}

func TestManifestSurvivesManagerRestart(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "AAA001", map[string]string{"00000001.txt": "page"})

	var dir = t.TempDir()
	m1, err := NewManagerWithStore(Config{Dir: dir}, store)
	require.NoError(t, err)

	bundle, err := m1.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	require.NoError(t, bundle.Close())

	// A second Manager over the same directory reuses the cached entry.
	m2, err := NewManagerWithStore(Config{Dir: dir}, store)
	require.NoError(t, err)

	bundle, err = m2.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	require.NoError(t, bundle.Close())
	require.Equal(t, 1, store.Gets["AAA001"])
}

func TestFetchRecoversFromMissingContent(t *testing.T) {
	var store = NewMemoryStore()
	storeBundle(t, store, "AAA001", map[string]string{"00000001.txt": "page"})
	var m = newTestManager(t, store, 0)

	bundle, err := m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	var contentDir = bundle.Dir
	require.NoError(t, bundle.Close())

	// Simulate external removal of content behind the manifest's back.
	require.NoError(t, os.RemoveAll(contentDir))

	bundle, err = m.Fetch(context.Background(), "AAA001")
	require.NoError(t, err)
	page, err := bundle.Member("00000001.txt")
	require.NoError(t, err)
	require.Equal(t, "page", string(page))
	require.NoError(t, bundle.Close())
	require.Equal(t, 2, store.Gets["AAA001"])
}
