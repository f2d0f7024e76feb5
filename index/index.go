// Package index builds and persists key to (offset, length) indices over
// large flat files, enabling random access without full-file scans.
//
// Two source formats are supported: delimited rows under a header (CSV),
// and line-delimited JSON. Each record carries a designated key field,
// which uniquely identifies it across the collection.
package index

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrFormat is returned for an individual record which cannot be parsed
// under its SourceFile format. During builds such records are skipped and
// counted rather than failing the build outright.
var ErrFormat = errors.New("malformed record")

// Format enumerates supported source file formats.
type Format int

const (
	// FormatCSV is a file of uniform delimited rows under a header row.
	// Quoted fields may contain literal delimiters and newlines.
	FormatCSV Format = iota
	// FormatJSONL is a file where each line is an independent JSON object.
	FormatJSONL
)

// ParseFormat maps a label such as "csv" or "jsonl" to its Format.
func ParseFormat(label string) (Format, error) {
	switch label {
	case "csv":
		return FormatCSV, nil
	case "jsonl":
		return FormatJSONL, nil
	default:
		return 0, errors.Errorf("unknown source format %q", label)
	}
}

func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatJSONL:
		return "jsonl"
	default:
		return "invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(b []byte) (err error) {
	*f, err = ParseFormat(string(b))
	return
}

// Entry locates one record of a source file.
type Entry struct {
	// Key is the record's primary key.
	Key string `json:"key"`
	// Offset is the byte offset of the record's first byte.
	Offset int64 `json:"offset"`
	// Length is the record's exact byte length, inclusive of its
	// terminating record separator.
	Length int64 `json:"length"`
}

// SourceFile describes an indexed flat file as of build time.
type SourceFile struct {
	// Path of the source file.
	Path string `json:"path"`
	// Format of the source file.
	Format Format `json:"format"`
	// KeyField is the CSV column or JSON member holding the primary key.
	KeyField string `json:"key_field"`
	// Comma is the CSV field delimiter. Ignored for FormatJSONL.
	Comma rune `json:"comma,omitempty"`
	// Header is the CSV header row captured at build time.
	// Nil for FormatJSONL.
	Header []string `json:"header,omitempty"`
	// Fingerprint of the source file taken at build time, used to detect
	// that the file changed since indexing.
	Fingerprint Fingerprint `json:"fingerprint"`
}

// Index is an immutable mapping from key to Entry over one SourceFile.
type Index struct {
	// Source describes the indexed file as of build time.
	Source SourceFile

	entries map[string]Entry
	keys    []string // Lexicographically sorted.
}

// Lookup returns the Entry of |key|, if present.
func (x *Index) Lookup(key string) (Entry, bool) {
	var e, ok = x.entries[key]
	return e, ok
}

// Keys returns all indexed keys in lexicographic order.
// The returned slice is owned by the Index and must not be mutated.
func (x *Index) Keys() []string { return x.keys }

// Len is the number of indexed entries.
func (x *Index) Len() int { return len(x.entries) }

func newIndex(src SourceFile, entries map[string]Entry) *Index {
	var keys = make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &Index{Source: src, entries: entries, keys: keys}
}
