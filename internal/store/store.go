// Package store is the transactional gateway to the record store.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in
// WAL mode. It owns the persisted-state contract the sync engine relies on:
//   - records: synchronized business entities with a version column
//   - conflicts: divergent writes detected by the change-detection trigger
//   - sync_log: append-only audit trail of every mutation
//
// Every operation acquires a connection or transaction for exactly one
// logical operation and releases it on every exit path. Driver errors are
// normalized into the Kind taxonomy in errors.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps the SQLite connection pool.
type Store struct {
	conn *sql.DB
	path string
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates a new database connection at the specified path.
//
// Pragmas are passed in the DSN so every pooled connection gets them, and
// transactions begin IMMEDIATE so a read-check-write inside WithTx holds the
// write lock from its first statement.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate"+
		"&_pragma=journal_mode(wal)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=foreign_keys(1)", path)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{conn: conn, path: path}, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the pool. Safe to call twice.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates tables, indexes and the conflict-detection trigger.
// Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}' CHECK (json_valid(data)),
		version INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
		device_id TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (sync_status IN ('pending', 'synced', 'conflict')),
		deleted INTEGER NOT NULL DEFAULT 0,
		last_seen_version INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		record_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		local_snapshot TEXT NOT NULL,
		remote_snapshot TEXT NOT NULL,
		strategy TEXT NOT NULL DEFAULT 'last_write_wins',
		resolved INTEGER NOT NULL DEFAULT 0,
		resolved_snapshot TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (record_id) REFERENCES records(id)
	);

	CREATE TABLE IF NOT EXISTS sync_log (
		id TEXT PRIMARY KEY,
		device_id TEXT,
		operation TEXT NOT NULL,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		before_data TEXT,
		after_data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection);
	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(updated_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(record_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON conflicts(resolved, created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_sync_log_record ON sync_log(record_id);

	-- A write conflicts when the writer had not observed the current version
	-- and a different device wrote it. Same-device races are not flagged.
	CREATE TRIGGER IF NOT EXISTS trg_records_detect_conflict
	AFTER UPDATE OF version ON records
	FOR EACH ROW
	WHEN NEW.last_seen_version IS NOT NULL
	 AND NEW.last_seen_version != OLD.version
	 AND NEW.device_id IS NOT OLD.device_id
	BEGIN
		INSERT INTO conflicts (
			id, record_id, collection, local_snapshot, remote_snapshot,
			strategy, resolved, created_at
		) VALUES (
			lower(hex(randomblob(16))),
			NEW.id,
			NEW.collection,
			json_object('id', OLD.id, 'data', json(OLD.data), 'version', OLD.version,
				'updated_at', OLD.updated_at, 'device_id', OLD.device_id),
			json_object('id', NEW.id, 'data', json(NEW.data), 'version', NEW.version,
				'updated_at', NEW.updated_at, 'device_id', NEW.device_id),
			'last_write_wins',
			0,
			NEW.updated_at
		);
		UPDATE records SET sync_status = 'conflict' WHERE id = NEW.id;
	END;
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Op is a single parameterized statement.
type Op struct {
	Query string
	Args  []any

	// MustAffect fails the operation with KindNotFound when no row changed.
	MustAffect bool
}

// Result describes the effect of one Op.
type Result struct {
	RowsAffected int64
}

// Execute runs one statement on a dedicated connection.
func (s *Store) Execute(ctx context.Context, op Op) (Result, error) {
	conn, err := s.conn.Conn(ctx)
	if err != nil {
		return Result{}, normalizeAll("acquire", err)
	}
	defer conn.Close()

	res, err := runOp(ctx, conn, op)
	if err != nil {
		return Result{}, normalizeAll("execute", err)
	}
	return res, nil
}

// ExecuteAtomic runs ops in one transaction. On any failure every effect is
// rolled back and the normalized error is returned; on success all effects
// are committed before the call returns.
func (s *Store) ExecuteAtomic(ctx context.Context, ops []Op) ([]Result, error) {
	results := make([]Result, 0, len(ops))
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, op := range ops {
			res, err := runOp(ctx, tx, op)
			if err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, normalizeAll("execute_atomic", err)
	}
	return results, nil
}

// WithTx runs fn inside a transaction. fn's error aborts the transaction and
// is returned after driver errors are normalized. The transaction is always
// either committed or rolled back before WithTx returns, including when fn
// panics.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return normalizeAll("begin", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return Normalize("tx", err)
	}

	if err := tx.Commit(); err != nil {
		return normalizeAll("commit", err)
	}
	return nil
}

func runOp(ctx context.Context, q Querier, op Op) (Result, error) {
	res, err := q.ExecContext(ctx, op.Query, op.Args...)
	if err != nil {
		return Result{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Result{}, err
	}
	if op.MustAffect && n == 0 {
		return Result{}, &Error{Kind: KindNotFound, Op: "execute", Err: ErrNotFound}
	}
	return Result{RowsAffected: n}, nil
}

// Counts summarizes table sizes for status output.
type Counts struct {
	Records            int
	DeletedRecords     int
	UnresolvedConflict int
	SyncLogEntries     int
}

// Counts returns row counts for the status command.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM records WHERE deleted = 0),
			(SELECT COUNT(*) FROM records WHERE deleted = 1),
			(SELECT COUNT(*) FROM conflicts WHERE resolved = 0),
			(SELECT COUNT(*) FROM sync_log)
	`).Scan(&c.Records, &c.DeletedRecords, &c.UnresolvedConflict, &c.SyncLogEntries)
	if err != nil {
		return Counts{}, normalizeAll("counts", err)
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
