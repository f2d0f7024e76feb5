package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

const fixtureCSV = "barcode,title,viewability\n" +
	"AAA001,\"First, a title\",full\n" +
	"AAA002,\"A title with\nan embedded newline\",partial\n" +
	"AAA003,Third title,none\n"

const fixtureJSONL = `{"barcode": "AAA001", "page_count": 12}` + "\n" +
	`{"barcode": "AAA002", "page_count": 7}` + "\n" +
	`{"barcode": "AAA003", "page_count": 31}` + "\n"

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	var path = filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBuildCSVOffsetsRespectQuotedNewlines(t *testing.T) {
	var path = writeFixture(t, "books.csv", fixtureCSV)

	var x, summary, err = Build(context.Background(), BuildConfig{
		Path:     path,
		Format:   FormatCSV,
		KeyField: "barcode",
	})
	require.NoError(t, err)
	require.Equal(t, Summary{Indexed: 3}, summary)
	require.Equal(t, []string{"AAA001", "AAA002", "AAA003"}, x.Keys())
	require.Equal(t, []string{"barcode", "title", "viewability"}, x.Source.Header)

	// The indexed span of each record must cover its full row, including
	// the quoted field of AAA002 which contains a literal newline.
	var raw = []byte(fixtureCSV)
	for key, expect := range map[string]string{
		"AAA001": "AAA001,\"First, a title\",full\n",
		"AAA002": "AAA002,\"A title with\nan embedded newline\",partial\n",
		"AAA003": "AAA003,Third title,none\n",
	} {
		var entry, ok = x.Lookup(key)
		require.True(t, ok)
		require.Equal(t, expect, string(raw[entry.Offset:entry.Offset+entry.Length]))
	}
}

func TestBuildJSONLOffsets(t *testing.T) {
	var path = writeFixture(t, "books.jsonl", fixtureJSONL)

	var x, summary, err = Build(context.Background(), BuildConfig{
		Path:     path,
		Format:   FormatJSONL,
		KeyField: "barcode",
	})
	require.NoError(t, err)
	require.Equal(t, Summary{Indexed: 3}, summary)

	var raw = []byte(fixtureJSONL)
	for _, key := range x.Keys() {
		var entry, _ = x.Lookup(key)
		require.Contains(t, string(raw[entry.Offset:entry.Offset+entry.Length]),
			`"barcode": "`+key+`"`)
	}
}

func TestBuildFirstOccurrenceWins(t *testing.T) {
	var path = writeFixture(t, "dup.jsonl",
		`{"barcode": "AAA001", "n": 1}`+"\n"+
			`{"barcode": "AAA001", "n": 2}`+"\n"+
			`{"barcode": "AAA002", "n": 3}`+"\n")

	var x, summary, err = Build(context.Background(), BuildConfig{
		Path:     path,
		Format:   FormatJSONL,
		KeyField: "barcode",
	})
	require.NoError(t, err)
	require.Equal(t, Summary{Indexed: 2, Collisions: 1}, summary)

	var entry, ok = x.Lookup("AAA001")
	require.True(t, ok)
	require.Zero(t, entry.Offset) // First occurrence.
}

func TestBuildSkipsMalformedRecordsUnderThreshold(t *testing.T) {
	var path = writeFixture(t, "mixed.jsonl",
		`{"barcode": "AAA001"}`+"\n"+
			`{not json at all`+"\n"+
			`{"barcode": "AAA002"}`+"\n"+
			`{"missing_key": true}`+"\n"+
			`{"barcode": "AAA003"}`+"\n")

	var x, summary, err = Build(context.Background(), BuildConfig{
		Path:        path,
		Format:      FormatJSONL,
		KeyField:    "barcode",
		MaxSkipRate: 0.5,
	})
	require.NoError(t, err)
	require.Equal(t, Summary{Indexed: 3, Skipped: 2}, summary)
	require.Equal(t, 3, x.Len())
}

func TestBuildFailsOverSkipThreshold(t *testing.T) {
	var path = writeFixture(t, "bad.jsonl",
		`{"barcode": "AAA001"}`+"\n"+
			`{not json`+"\n"+
			`{still not json`+"\n")

	var _, summary, err = Build(context.Background(), BuildConfig{
		Path:        path,
		Format:      FormatJSONL,
		KeyField:    "barcode",
		MaxSkipRate: 0.1,
	})
	require.Error(t, err)
	require.Equal(t, ErrFormat, errors.Cause(err))
	require.Equal(t, 2, summary.Skipped)
}

func TestBuildIsIdempotent(t *testing.T) {
	var path = writeFixture(t, "books.csv", fixtureCSV)
	var cfg = BuildConfig{Path: path, Format: FormatCSV, KeyField: "barcode"}

	var x1, _, err = Build(context.Background(), cfg)
	require.NoError(t, err)
	x2, _, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	require.Equal(t, x1.Keys(), x2.Keys())
	for _, key := range x1.Keys() {
		var e1, _ = x1.Lookup(key)
		var e2, _ = x2.Lookup(key)
		require.Equal(t, e1, e2)
	}
}

func TestBuildObservesCancellation(t *testing.T) {
	var path = writeFixture(t, "books.csv", fixtureCSV)

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var _, _, err = Build(ctx, BuildConfig{Path: path, Format: FormatCSV, KeyField: "barcode"})
	require.Error(t, err)
	require.Equal(t, context.Canceled, errors.Cause(err))
}

func TestBuildMissingKeyColumn(t *testing.T) {
	var path = writeFixture(t, "books.csv", fixtureCSV)

	var _, _, err = Build(context.Background(), BuildConfig{
		Path:     path,
		Format:   FormatCSV,
		KeyField: "no_such_column",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no_such_column")
}
