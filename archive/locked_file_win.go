//go:build windows

package archive

import "os"

type winLockedFile struct {
	file *os.File
}

// openLockedFile opens |path| without advisory locking. Cross-process
// coordination on Windows relies on the atomic create-then-rename
// protocol alone.
func openLockedFile(path string, shared, block bool) (lockedFile, error) {
	var f, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &winLockedFile{file: f}, nil
}

func (f *winLockedFile) File() *os.File { return f.file }

func (f *winLockedFile) Close() error { return f.file.Close() }
