// Package turso is the SQLite (libSQL/Turso compatible) backend. A single
// Store implements ingestq.Queue, ingestq.Admin, feed.Store,
// categorize.RuleStore and ingest.VideoStore over one *sql.DB.
package turso

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mhpenta/ingestq"
	"github.com/mhpenta/ingestq/categorize"
	"github.com/mhpenta/ingestq/feed"
	"github.com/mhpenta/ingestq/ingest"
	_ "modernc.org/sqlite"
)

var (
	_ ingestq.Queue        = (*Store)(nil)
	_ ingestq.Admin        = (*Store)(nil)
	_ feed.Store           = (*Store)(nil)
	_ categorize.RuleStore = (*Store)(nil)
	_ ingest.VideoStore    = (*Store)(nil)
)

//go:embed schema.sql
var schema string

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Open opens a SQLite database at path with WAL, a busy timeout and
// immediate transactions. ":memory:" is limited to one connection so every
// caller sees the same database.
func Open(path string) (*sql.DB, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("sqlite", dsn+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

type Store struct {
	db     *sql.DB
	config ingestq.Config
	clock  func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source. Tests use it to step past leases and
// backoff delays.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func New(database *sql.DB, config ingestq.Config, opts ...Option) *Store {
	s := &Store{
		db:     database,
		config: config,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

type scanner interface {
	Scan(dest ...any) error
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return fromMillis(n.Int64)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ..." for n arguments.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
