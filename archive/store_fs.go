package archive

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// fsStoreArgs contains fields parsed from the query arguments of a
// file:// archive store URL.
type fsStoreArgs struct {
	// Suffix appended to each key to form the bundle file name.
	// Defaults to ".tar.gz".
	Suffix string
	// SumSuffix names a sidecar file holding the bundle's expected hex
	// SHA-256 checksum. Defaults to ".sha256". "none" disables it.
	SumSuffix string
}

// fsStore is a Store of the "file://" scheme, reading bundles from a local
// or mounted directory. It is primarily useful for tests and for corpus
// mirrors on network volumes.
type fsStore struct {
	root string
	args fsStoreArgs
}

func newFSStore(ep *url.URL) (Store, error) {
	var args = fsStoreArgs{Suffix: ".tar.gz", SumSuffix: ".sha256"}
	if err := parseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	return &fsStore{root: filepath.Join(ep.Host, filepath.FromSlash(ep.Path)), args: args}, nil
}

// Get implements Store.
func (s *fsStore) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	var path = filepath.Join(s.root, key+s.args.Suffix)

	var f, err = os.Open(path)
	if os.IsNotExist(err) {
		return nil, "", errors.WithMessagef(ErrNotFound, "key %q", key)
	} else if err != nil {
		return nil, "", err
	}

	var sum string
	if s.args.SumSuffix != "none" {
		if body, sErr := os.ReadFile(path + s.args.SumSuffix); sErr == nil {
			sum = string(body)
			if i := strings.IndexAny(sum, " \t\n"); i != -1 {
				sum = sum[:i]
			}
		} else if !os.IsNotExist(sErr) {
			_ = f.Close()
			return nil, "", sErr
		}
	}
	return f, sum, nil
}
