package index

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/metrics"
)

// DefaultMaxSkipRate is the fraction of malformed records tolerated by a
// build before it escalates to a fatal failure.
const DefaultMaxSkipRate = 0.01

// cancelCheckInterval is the number of records scanned between checks for
// external cancellation.
const cancelCheckInterval = 1 << 12

// BuildConfig configures a single index build.
type BuildConfig struct {
	// Path of the source file to index.
	Path string
	// Format of the source file.
	Format Format
	// KeyField is the CSV column or JSON member holding the primary key.
	KeyField string
	// Comma is the CSV field delimiter. Defaults to ','.
	Comma rune
	// MaxSkipRate is the tolerated fraction of malformed records.
	// Defaults to DefaultMaxSkipRate.
	MaxSkipRate float64
}

// Summary reports counts of a completed build.
type Summary struct {
	// Indexed is the number of records indexed.
	Indexed int
	// Skipped is the number of malformed records skipped.
	Skipped int
	// Collisions is the number of duplicate keys observed. The first
	// occurrence of a duplicated key wins; later occurrences are counted
	// here and otherwise ignored.
	Collisions int
}

// Build streams the configured source file once and returns an Index over
// its records. The file is never loaded wholly into memory. Malformed
// records are skipped and counted, and the build fails only if the skip
// rate exceeds cfg.MaxSkipRate. Build checks |ctx| for cancellation
// between records.
func Build(ctx context.Context, cfg BuildConfig) (*Index, Summary, error) {
	if cfg.Comma == 0 {
		cfg.Comma = ','
	}
	if cfg.MaxSkipRate == 0 {
		cfg.MaxSkipRate = DefaultMaxSkipRate
	}

	var f, err = os.Open(cfg.Path)
	if err != nil {
		return nil, Summary{}, errors.Wrapf(err, "opening %s", cfg.Path)
	}
	defer f.Close()

	fp, err := TakeFingerprint(cfg.Path)
	if err != nil {
		return nil, Summary{}, err
	}
	var src = SourceFile{
		Path:        cfg.Path,
		Format:      cfg.Format,
		KeyField:    cfg.KeyField,
		Comma:       cfg.Comma,
		Fingerprint: fp,
	}

	var entries = make(map[string]Entry)
	var summary Summary

	switch cfg.Format {
	case FormatCSV:
		err = buildCSV(ctx, f, &src, entries, &summary)
	case FormatJSONL:
		err = buildJSONL(ctx, f, &src, entries, &summary)
	default:
		err = errors.Errorf("invalid format %v", cfg.Format)
	}
	if err != nil {
		return nil, summary, err
	}

	var scanned = summary.Indexed + summary.Skipped + summary.Collisions
	if scanned > 0 && float64(summary.Skipped)/float64(scanned) > cfg.MaxSkipRate {
		return nil, summary, errors.Wrapf(ErrFormat,
			"skipped %d of %d records of %s", summary.Skipped, scanned, cfg.Path)
	}

	metrics.IndexRecordsTotal.WithLabelValues(metrics.Ok).Add(float64(summary.Indexed))
	metrics.IndexRecordsTotal.WithLabelValues(metrics.Fail).Add(float64(summary.Skipped))
	metrics.IndexCollisionsTotal.Add(float64(summary.Collisions))

	log.WithFields(log.Fields{
		"path":       cfg.Path,
		"format":     cfg.Format,
		"indexed":    summary.Indexed,
		"skipped":    summary.Skipped,
		"collisions": summary.Collisions,
	}).Info("built index")

	return newIndex(src, entries), summary, nil
}

// buildCSV scans delimited rows under a header. The csv.Reader tracks
// quoted spans, so a record's [offset, offset+length) never splits inside
// a quoted field, even when that field contains literal delimiters or
// newlines.
func buildCSV(ctx context.Context, f *os.File, src *SourceFile, entries map[string]Entry, summary *Summary) error {
	var r = csv.NewReader(bufio.NewReaderSize(f, 1<<20))
	r.Comma = src.Comma

	header, err := r.Read()
	if err != nil {
		return errors.Wrapf(err, "reading header of %s", src.Path)
	}
	src.Header = append([]string(nil), header...)

	var keyCol = -1
	for i, name := range header {
		if name == src.KeyField {
			keyCol = i
			break
		}
	}
	if keyCol == -1 {
		return errors.Errorf("%s has no %q column", src.Path, src.KeyField)
	}

	for {
		if err := checkCancel(ctx, summary); err != nil {
			return err
		}
		var offset = r.InputOffset()

		record, err := r.Read()
		if err == io.EOF {
			return nil
		} else if _, ok := err.(*csv.ParseError); ok {
			summary.Skipped++
			logSkip(src.Path, offset, err)
			continue
		} else if err != nil {
			return errors.Wrapf(err, "reading %s", src.Path)
		}

		if keyCol >= len(record) || record[keyCol] == "" {
			summary.Skipped++
			logSkip(src.Path, offset, errors.WithMessage(ErrFormat, "missing key field"))
			continue
		}
		addEntry(entries, summary, record[keyCol], offset, r.InputOffset()-offset)
	}
}

// buildJSONL scans independent JSON objects, one per line.
func buildJSONL(ctx context.Context, f *os.File, src *SourceFile, entries map[string]Entry, summary *Summary) error {
	var br = bufio.NewReaderSize(f, 1<<20)
	var offset int64

	for {
		if err := checkCancel(ctx, summary); err != nil {
			return err
		}

		line, err := br.ReadBytes('\n')
		if len(line) == 0 && err == io.EOF {
			return nil
		} else if err != nil && err != io.EOF {
			return errors.Wrapf(err, "reading %s", src.Path)
		}
		var next = offset + int64(len(line))

		if len(bytes.TrimSpace(line)) == 0 {
			// Tolerate blank lines without counting them as malformed.
		} else if key, kErr := extractJSONKey(line, src.KeyField); kErr != nil {
			summary.Skipped++
			logSkip(src.Path, offset, kErr)
		} else {
			addEntry(entries, summary, key, offset, int64(len(line)))
		}

		if err == io.EOF {
			return nil
		}
		offset = next
	}
}

func extractJSONKey(line []byte, keyField string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return "", errors.WithMessage(ErrFormat, err.Error())
	}
	var raw, ok = fields[keyField]
	if !ok {
		return "", errors.WithMessagef(ErrFormat, "missing key field %q", keyField)
	}
	var key string
	if err := json.Unmarshal(raw, &key); err != nil || key == "" {
		return "", errors.WithMessagef(ErrFormat, "invalid key field %q", keyField)
	}
	return key, nil
}

func addEntry(entries map[string]Entry, summary *Summary, key string, offset, length int64) {
	if _, ok := entries[key]; ok {
		summary.Collisions++
		return // First occurrence wins.
	}
	entries[key] = Entry{Key: key, Offset: offset, Length: length}
	summary.Indexed++
}

func checkCancel(ctx context.Context, summary *Summary) error {
	if s := summary.Indexed + summary.Skipped; s%cancelCheckInterval != 0 {
		return nil
	} else if err := ctx.Err(); err != nil {
		return errors.WithMessage(err, "build cancelled")
	}
	return nil
}

func logSkip(path string, offset int64, err error) {
	log.WithFields(log.Fields{
		"path":   path,
		"offset": offset,
		"err":    err,
	}).Warn("skipping malformed record")
}
