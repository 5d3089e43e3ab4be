// Package store is the durable job/metric record keeper and the owner of the
// atomic claim protocol.
//
// Everything is a single SQLite file in WAL mode. Multiple daemon processes
// may share it; mutual exclusion between claimers comes solely from the
// serializable claim transaction, not from any in-process lock.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "imgfetchd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("job not found")

// timeLayout is RFC3339 with fixed-width nanoseconds so that lexicographic
// comparison in SQL matches chronological order. time.RFC3339Nano trims
// trailing zeros and must not be used for stored values.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Config struct {
	Path string

	// BusyTimeout maps to PRAGMA busy_timeout. Writers from other processes
	// block up to this long instead of failing with SQLITE_BUSY.
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open creates/opens the SQLite file and applies migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time helpers ----

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by older builds or by hand.
		t, err = time.Parse(time.RFC3339Nano, v)
	}
	return t, err
}

func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil
	}
	return &t
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
