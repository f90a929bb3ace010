// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists topics, strategy versions, episodes, and the
// evolution ledger in SQLite. It is the Version Store of the engine: every
// invariant on the version lineage (unique increasing versions, a single
// active version, at most one staged candidate) is enforced both here and
// by the schema, so a second process sharing the database file cannot
// break it either.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pdiddy/strategy-engine/pkg/types"
)

// timeFormat is fixed-width so stored timestamps sort lexicographically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store manages the strategy engine SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore opens or creates the database at cfg.DBPath and creates the
// schema if it does not exist. Transactions take the write lock when they
// begin (_txlock=immediate), so a read-modify-write inside one transaction
// cannot interleave with another writer.
func NewStore(cfg types.StoreConfig) (*Store, error) {
	path := cfg.DBPath
	if path == "" {
		path = types.DefaultEngineConfig().DBPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS topics (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			owner TEXT,
			active_version INTEGER,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT NOT NULL UNIQUE,
			topic_id TEXT NOT NULL REFERENCES topics(id),
			version INTEGER NOT NULL CHECK (version >= 0),
			parent_version INTEGER,
			status TEXT NOT NULL CHECK (status IN ('candidate', 'active', 'archived')),
			rollout_percentage INTEGER NOT NULL CHECK (rollout_percentage BETWEEN 0 AND 100),
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (topic_id, version)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_one_active
			ON strategies(topic_id) WHERE status = 'active'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_strategies_one_candidate
			ON strategies(topic_id) WHERE status = 'candidate'`,
		`CREATE TRIGGER IF NOT EXISTS strategies_payload_immutable
			BEFORE UPDATE OF payload, version, topic_id, parent_version, rollout_percentage ON strategies
			BEGIN SELECT RAISE(ABORT, 'strategy versions are immutable'); END`,
		`CREATE TABLE IF NOT EXISTS episodes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			topic_id TEXT NOT NULL,
			strategy_version INTEGER NOT NULL,
			query TEXT,
			status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
			sources_returned TEXT NOT NULL DEFAULT '[]',
			sources_saved TEXT NOT NULL DEFAULT '[]',
			followup_count INTEGER NOT NULL DEFAULT 0 CHECK (followup_count >= 0),
			tool_usage TEXT,
			error_message TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			finished_seq INTEGER UNIQUE,
			FOREIGN KEY (topic_id, strategy_version) REFERENCES strategies(topic_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_topic_created ON episodes(topic_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_topic_finished ON episodes(topic_id, finished_seq)`,
		`CREATE TRIGGER IF NOT EXISTS episodes_no_delete
			BEFORE DELETE ON episodes
			BEGIN SELECT RAISE(ABORT, 'episodes are an audit trail'); END`,
		`CREATE TABLE IF NOT EXISTS evolution_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			topic_id TEXT NOT NULL REFERENCES topics(id),
			from_version INTEGER NOT NULL,
			to_version INTEGER NOT NULL,
			reason TEXT NOT NULL,
			changes TEXT NOT NULL,
			created_at TEXT NOT NULL,
			CHECK (from_version <> to_version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evolution_log_topic ON evolution_log(topic_id, seq)`,
		`CREATE TRIGGER IF NOT EXISTS evolution_log_no_update
			BEFORE UPDATE ON evolution_log
			BEGIN SELECT RAISE(ABORT, 'evolution log is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS evolution_log_no_delete
			BEFORE DELETE ON evolution_log
			BEGIN SELECT RAISE(ABORT, 'evolution log is append-only'); END`,
		`CREATE TABLE IF NOT EXISTS evaluation_cursors (
			topic_id TEXT PRIMARY KEY REFERENCES topics(id),
			finished_seq INTEGER NOT NULL,
			episode_id TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx so read helpers serve both.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction and classifies any error it returns.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, fmt.Errorf("beginning transaction: %w", err))
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, fmt.Errorf("committing: %w", err))
	}
	return nil
}

// classify maps SQLite failures onto the engine's error kinds. Errors that
// already carry a kind are returned unchanged.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{types.ErrNotFound, types.ErrConflict, types.ErrValidation, types.ErrTransientStorage} {
		if errors.Is(err, kind) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked:
		return &types.TransientStorageError{Op: op, Err: err}
	case sqlite3.ErrConstraint:
		if se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return fmt.Errorf("%s: %w", op, &types.NotFoundError{Entity: "referenced row", Key: se.Error()})
		}
		return &types.ConflictError{Op: op, Detail: se.Error()}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
