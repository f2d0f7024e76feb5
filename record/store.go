package record

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/instbooks/stacks/metrics"
)

// sqliteMaxVariables is SQLite's default bound on bound parameters per
// statement. Flushes chunk multi-row statements to stay under half of it,
// leaving headroom for driver-added parameters.
// https://www.sqlite.org/limits.html#max_variable_number
const sqliteMaxVariables = 32766

// StoreConfig configures a relational Store.
type StoreConfig struct {
	// DSN of the store: a "postgres://" URL, or a SQLite database path.
	DSN string
	// Table holding one row per primary key. Defaults to "book_io".
	Table string
	// KeyColumn is the table's primary key column. Defaults to "barcode".
	KeyColumn string
}

// Store is an explicitly constructed handle to the relational store
// holding derived analysis results. Schema ownership and migrations are
// external; the Store only upserts columns it is handed.
type Store struct {
	db     *sql.DB
	driver string
	cfg    StoreConfig
}

// OpenStore opens the relational store of cfg.DSN. A "postgres://" or
// "postgresql://" DSN selects the Postgres driver; anything else is
// treated as a SQLite database path, opened in WAL mode with a busy
// timeout suited to concurrent worker processes.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "book_io"
	}
	if cfg.KeyColumn == "" {
		cfg.KeyColumn = "barcode"
	}

	var driver, dsn string
	if strings.HasPrefix(cfg.DSN, "postgres://") || strings.HasPrefix(cfg.DSN, "postgresql://") {
		driver, dsn = "postgres", cfg.DSN
	} else {
		driver = "sqlite3"
		dsn = "file:" + cfg.DSN + "?_journal_mode=WAL&_busy_timeout=20000&_foreign_keys=1"
	}

	var db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s store", driver)
	}
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "connecting to %s store", driver)
	}

	log.WithFields(log.Fields{"driver": driver, "table": cfg.Table}).
		Info("opened relational store")

	return &Store{db: db, driver: driver, cfg: cfg}, nil
}

// DB returns the underlying *sql.DB, for read-only queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close the store.
func (s *Store) Close() error { return s.db.Close() }

// Update is one pending write-back: derived result columns of one key.
type Update struct {
	// Key of the row to upsert.
	Key string
	// Columns maps column names to their new values.
	Columns map[string]interface{}
}

// Batcher accumulates Updates and flushes them to the Store in batched
// multi-row upserts. A crash loses at most the current unflushed batch;
// callers are expected to make their analyses idempotent
// (skip-if-already-processed) so a resumed run simply re-derives it.
type Batcher struct {
	store *Store
	size  int

	mu      sync.Mutex
	pending []Update
}

// NewBatcher returns a Batcher flushing every |size| Updates.
// A non-positive size selects a default derived from the SQLite bound
// on variables per statement.
func (s *Store) NewBatcher(size int) *Batcher {
	if size <= 0 {
		size = 1000
	}
	return &Batcher{store: s, size: size}
}

// Add queues an Update, flushing if the batch-size threshold is reached.
func (b *Batcher) Add(ctx context.Context, update Update) error {
	b.mu.Lock()
	b.pending = append(b.pending, update)
	var full = len(b.pending) >= b.size
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes all pending Updates within a single transaction.
func (b *Batcher) Flush(ctx context.Context) error {
	b.mu.Lock()
	var pending = b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var err = b.store.upsertAll(ctx, pending)
	if err != nil {
		metrics.StoreFlushesTotal.WithLabelValues(metrics.Fail).Inc()
		// Re-queue so a retried Flush doesn't drop the batch.
		b.mu.Lock()
		b.pending = append(pending, b.pending...)
		b.mu.Unlock()
		return err
	}
	metrics.StoreFlushesTotal.WithLabelValues(metrics.Ok).Inc()
	metrics.StoreRowsTotal.Add(float64(len(pending)))
	return nil
}

// Close flushes any remaining Updates. Call it at the end of iteration.
func (b *Batcher) Close(ctx context.Context) error { return b.Flush(ctx) }

// upsertAll groups updates by their column signature and executes chunked
// multi-row upserts in one transaction.
func (s *Store) upsertAll(ctx context.Context, updates []Update) error {
	var groups = make(map[string][]Update)
	for _, u := range updates {
		var names = make([]string, 0, len(u.Columns))
		for name := range u.Columns {
			names = append(names, name)
		}
		sort.Strings(names)
		var sig = strings.Join(names, ",")
		groups[sig] = append(groups[sig], u)
	}

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	for sig, group := range groups {
		var columns []string
		if sig != "" {
			columns = strings.Split(sig, ",")
		}
		if err = s.upsertGroup(ctx, tx, columns, group); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "committing write-back batch")
}

// upsertGroup writes updates sharing one column set, chunked to respect
// the variable-count bound.
func (s *Store) upsertGroup(ctx context.Context, tx *sql.Tx, columns []string, group []Update) error {
	var perRow = len(columns) + 1
	var maxRows = (sqliteMaxVariables / 2) / perRow
	if maxRows < 1 {
		maxRows = 1
	}

	for len(group) != 0 {
		var chunk = group
		if len(chunk) > maxRows {
			chunk = group[:maxRows]
		}
		group = group[len(chunk):]

		var stmt, args = s.buildUpsert(columns, chunk)
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrapf(err, "upserting %d rows", len(chunk))
		}
	}
	return nil
}

// buildUpsert renders a multi-row "INSERT .. ON CONFLICT DO UPDATE"
// statement and its arguments. Both SQLite and Postgres accept this form;
// they differ only in placeholder syntax.
func (s *Store) buildUpsert(columns []string, chunk []Update) (string, []interface{}) {
	var sb strings.Builder
	var args = make([]interface{}, 0, len(chunk)*(len(columns)+1))

	sb.WriteString(`INSERT INTO "` + s.cfg.Table + `" ("` + s.cfg.KeyColumn + `"`)
	for _, name := range columns {
		sb.WriteString(`, "` + name + `"`)
	}
	sb.WriteString(") VALUES ")

	for i, u := range chunk {
		if i != 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		sb.WriteString(s.placeholder(len(args) + 1))
		args = append(args, u.Key)
		for _, name := range columns {
			sb.WriteString(", ")
			sb.WriteString(s.placeholder(len(args) + 1))
			args = append(args, u.Columns[name])
		}
		sb.WriteByte(')')
	}

	sb.WriteString(` ON CONFLICT ("` + s.cfg.KeyColumn + `") DO `)
	if len(columns) == 0 {
		sb.WriteString("NOTHING")
	} else {
		sb.WriteString("UPDATE SET ")
		for i, name := range columns {
			if i != 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(`"` + name + `" = excluded."` + name + `"`)
		}
	}
	return sb.String(), args
}

func (s *Store) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
