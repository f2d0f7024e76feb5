// Package reader provides random access over indexed flat files: given a
// key and an index built by package index, it reads the record's exact
// bytes and parses them into typed Fields.
//
// Reads use an independent file position per call (ReadAt), so a single
// Reader is safe for unbounded concurrent use, including alongside other
// processes reading the same file.
package reader

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/instbooks/stacks/index"
	"github.com/instbooks/stacks/metrics"
)

var (
	// ErrKeyNotFound is returned when a key is absent from the index.
	ErrKeyNotFound = errors.New("key not found in index")
	// ErrCorruptRecord is returned when indexed bytes fail to parse, or
	// parse to a record whose key disagrees with the lookup key. It
	// signals index/file disagreement distinct from staleness.
	ErrCorruptRecord = errors.New("record bytes disagree with index")
	// ErrStaleIndex is returned when the source file no longer matches
	// the fingerprint recorded at index build time.
	ErrStaleIndex = errors.New("source file changed since index build")
)

// Reader is a random-access reader over one indexed SourceFile.
type Reader struct {
	idx  *index.Index
	file *os.File

	keyCol int // CSV column of the key field, or -1.

	checkMu  sync.Mutex
	checked  bool
	checkErr error
}

// NewReader opens the Index's source file for random access.
func NewReader(x *index.Index) (*Reader, error) {
	var f, err = os.Open(x.Source.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", x.Source.Path)
	}

	var keyCol = -1
	for i, name := range x.Source.Header {
		if name == x.Source.KeyField {
			keyCol = i
			break
		}
	}
	if x.Source.Format == index.FormatCSV && keyCol == -1 {
		_ = f.Close()
		return nil, errors.Errorf("%s header has no %q column",
			x.Source.Path, x.Source.KeyField)
	}

	return &Reader{idx: x, file: f, keyCol: keyCol}, nil
}

// Index returns the Reader's Index.
func (r *Reader) Index() *index.Index { return r.idx }

// Contains is true if |key| is present in the index.
func (r *Reader) Contains(key string) bool {
	var _, ok = r.idx.Lookup(key)
	return ok
}

// Close the underlying source file.
func (r *Reader) Close() error { return r.file.Close() }

// ReadRaw returns the exact raw bytes of the record of |key|.
func (r *Reader) ReadRaw(key string) ([]byte, error) {
	var entry, ok = r.idx.Lookup(key)
	if !ok {
		metrics.ReadsTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, errors.WithMessagef(ErrKeyNotFound, "key %q", key)
	}
	if err := r.checkStale(); err != nil {
		metrics.ReadsTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, err
	}

	var buf = make([]byte, entry.Length)
	if _, err := r.file.ReadAt(buf, entry.Offset); err != nil {
		metrics.ReadsTotal.WithLabelValues(metrics.Fail).Inc()
		return nil, errors.Wrapf(err, "reading %d bytes at offset %d of %s",
			entry.Length, entry.Offset, r.idx.Source.Path)
	}
	metrics.ReadsTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.ReadBytesTotal.Add(float64(entry.Length))
	return buf, nil
}

// Read returns the parsed Fields of the record of |key|.
func (r *Reader) Read(key string) (Fields, error) {
	var raw, err = r.ReadRaw(key)
	if err != nil {
		return nil, err
	}

	switch r.idx.Source.Format {
	case index.FormatCSV:
		return r.parseCSV(key, raw)
	case index.FormatJSONL:
		return r.parseJSONL(key, raw)
	default:
		return nil, errors.Errorf("invalid format %v", r.idx.Source.Format)
	}
}

// Recheck drops the memoized staleness result, forcing the next read to
// re-compare the source file fingerprint.
func (r *Reader) Recheck() {
	r.checkMu.Lock()
	r.checked, r.checkErr = false, nil
	r.checkMu.Unlock()
}

// checkStale lazily compares the source file's current fingerprint
// against the one recorded at build time, at most once per Reader.
func (r *Reader) checkStale() error {
	r.checkMu.Lock()
	defer r.checkMu.Unlock()

	if !r.checked {
		r.checked = true

		if fp, err := index.TakeFingerprint(r.idx.Source.Path); err != nil {
			r.checkErr = err
		} else if !fp.Matches(r.idx.Source.Fingerprint) {
			r.checkErr = errors.WithMessagef(ErrStaleIndex, "source %s", r.idx.Source.Path)
		}
	}
	return r.checkErr
}

func (r *Reader) parseCSV(key string, raw []byte) (Fields, error) {
	var cr = csv.NewReader(bytes.NewReader(raw))
	cr.Comma = r.idx.Source.Comma

	var record, err = cr.Read()
	if err != nil {
		return nil, errors.WithMessagef(ErrCorruptRecord, "parsing row of key %q: %v", key, err)
	}
	var header = r.idx.Source.Header
	if len(record) != len(header) {
		return nil, errors.WithMessagef(ErrCorruptRecord,
			"row of key %q has %d fields; header has %d", key, len(record), len(header))
	}
	if record[r.keyCol] != key {
		return nil, errors.WithMessagef(ErrCorruptRecord,
			"row at indexed offset has key %q; expected %q", record[r.keyCol], key)
	}

	var fields = make(Fields, len(header))
	for i, name := range header {
		fields[name] = StringValue(record[i])
	}
	return fields, nil
}

func (r *Reader) parseJSONL(key string, raw []byte) (Fields, error) {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var object map[string]interface{}
	if err := dec.Decode(&object); err != nil {
		return nil, errors.WithMessagef(ErrCorruptRecord, "parsing object of key %q: %v", key, err)
	}

	var fields = make(Fields, len(object))
	for name := range object {
		var v, err = valueOf(object[name])
		if err != nil {
			return nil, errors.WithMessagef(ErrCorruptRecord,
				"field %q of key %q: %v", name, key, err)
		}
		fields[name] = v
	}

	if v, ok := fields[r.idx.Source.KeyField]; !ok || v.String() != key {
		return nil, errors.WithMessagef(ErrCorruptRecord,
			"object at indexed offset has key %q; expected %q", v.String(), key)
	}
	return fields, nil
}
