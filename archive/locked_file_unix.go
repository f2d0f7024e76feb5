//go:build !windows

package archive

import (
	"os"
	"syscall"
)

type unixLockedFile struct {
	file *os.File
}

// openLockedFile opens |path| (creating it if needed) and acquires its
// advisory flock. If |block| is false and the lock is contended, it
// returns a nil lockedFile and nil error.
func openLockedFile(path string, shared, block bool) (lockedFile, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var how = syscall.LOCK_EX
	if shared {
		how = syscall.LOCK_SH
	}
	if !block {
		how |= syscall.LOCK_NB
	}

	if err = syscall.Flock(int(f.Fd()), how); err == syscall.EWOULDBLOCK {
		_ = f.Close()
		return nil, nil
	} else if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &unixLockedFile{file: f}, nil
}

func (f *unixLockedFile) File() *os.File { return f.file }

func (f *unixLockedFile) Close() error {
	if err := syscall.Flock(int(f.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = f.file.Close()
		return err
	}
	return f.file.Close()
}
