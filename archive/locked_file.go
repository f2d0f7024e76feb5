package archive

import (
	"context"
	"os"
)

// lockedFile is an open file holding an advisory cross-process lock.
// It coordinates fetching and eviction of cache entries between processes
// sharing one cache directory.
type lockedFile interface {
	// File returns the locked file.
	File() *os.File
	// Close releases the held lock and closes the file.
	Close() error
}

// openLockedFileCtx blocks until the lock of |path| is acquired, or |ctx|
// is cancelled. A shared lock admits concurrent readers; an exclusive lock
// admits a single fetcher or evictor.
func openLockedFileCtx(ctx context.Context, path string, shared bool) (lockedFile, error) {
	type result struct {
		lf  lockedFile
		err error
	}
	var ch = make(chan result, 1)

	go func() {
		var lf, err = openLockedFile(path, shared, true)
		ch <- result{lf, err}
	}()

	select {
	case r := <-ch:
		return r.lf, r.err
	case <-ctx.Done():
		// The pending flock completes in the background; release it then.
		go func() {
			if r := <-ch; r.lf != nil {
				_ = r.lf.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
