// Package store provides the canonical listing store on embedded SQLite.
//
// The database runs in WAL mode so readers (search, alerting, dashboards)
// never block on a sync writer, and every connection carries a busy timeout
// so concurrent provider syncs wait for the write lock instead of failing.
// Write transactions begin IMMEDIATE to take the write lock up front.
//
// Architecture:
//   - listings: canonical records, unique on (source, external_id)
//   - agents, offices, open_houses: secondary entities keyed by natural key
//   - listing_changes: append-only price/status change log
//   - sync_watermarks, sync_runs, sync_locks: orchestrator bookkeeping
//
// All writes are single-statement upserts keyed by a uniqueness constraint,
// and partial updates merge with COALESCE so an absent incoming field never
// erases a stored value.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrStore matches every failed store operation.
	ErrStore = errors.New("store error")

	// ErrRunInProgress is returned when another run holds a feed's lock.
	ErrRunInProgress = errors.New("sync run already in progress")
)

// OpError is a failed store operation.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string {
	return "failed to " + e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error { return e.Err }

// Is matches ErrStore.
func (e *OpError) Is(target error) bool { return target == ErrStore }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path and initializes the schema.
//
// The caller MUST call Close() when done to checkpoint the WAL.
//
// Example:
//
//	db, err := store.Open("data/mlsync.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	return OpenContext(context.Background(), path)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Add("_pragma", "busy_timeout(10000)")
	q.Add("_pragma", "journal_mode(wal)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(normal)")
	connStr := "file:" + path + "?" + q.Encode()

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// JournalMode returns the active journal mode ("wal" when healthy).
func (db *DB) JournalMode(ctx context.Context) (string, error) {
	var mode string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return "", wrap("read journal mode", err)
	}
	return mode, nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		external_id TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,

		status TEXT,
		property_type TEXT,
		property_sub_type TEXT,

		list_price INTEGER,
		original_list_price INTEGER,
		close_price INTEGER,

		list_date TEXT,
		close_date TEXT,
		expiration_date TEXT,

		beds INTEGER,
		baths REAL,
		living_area INTEGER,
		lot_acres REAL,
		year_built INTEGER,

		address_full TEXT,
		street_number TEXT,
		street_name TEXT,
		unit TEXT,
		city TEXT,
		state_or_province TEXT,
		postal_code TEXT,
		county TEXT,
		latitude REAL,
		longitude REAL,
		geohash TEXT,

		photos TEXT,  -- JSON array; NULL when never received
		primary_photo TEXT,

		remarks TEXT,
		list_agent_key TEXT,
		list_office_key TEXT,

		modified_at TEXT,
		created_at TEXT NOT NULL,
		synced_at TEXT NOT NULL,

		UNIQUE (source, external_id)
	);

	CREATE TABLE IF NOT EXISTS agents (
		source TEXT NOT NULL,
		member_key TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		full_name TEXT,
		email TEXT,
		phone TEXT,
		office_key TEXT,
		license_number TEXT,
		modified_at TEXT,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (source, member_key)
	);

	CREATE TABLE IF NOT EXISTS offices (
		source TEXT NOT NULL,
		office_key TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		name TEXT,
		phone TEXT,
		email TEXT,
		city TEXT,
		modified_at TEXT,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (source, office_key)
	);

	CREATE TABLE IF NOT EXISTS open_houses (
		source TEXT NOT NULL,
		open_house_key TEXT NOT NULL,
		revision INTEGER NOT NULL DEFAULT 1,
		listing_key TEXT,
		listing_id TEXT,
		starts_at TEXT,
		ends_at TEXT,
		type TEXT,
		remarks TEXT,
		modified_at TEXT,
		synced_at TEXT NOT NULL,
		PRIMARY KEY (source, open_house_key)
	);

	CREATE TABLE IF NOT EXISTS listing_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		listing_id TEXT NOT NULL,
		change_type TEXT NOT NULL,  -- price, status
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		percent_change REAL,
		detected_at TEXT NOT NULL,
		processed_at TEXT,
		FOREIGN KEY (listing_id) REFERENCES listings(id)
	);

	CREATE TABLE IF NOT EXISTS sync_watermarks (
		provider TEXT NOT NULL,
		feed TEXT NOT NULL,
		synced_at TEXT NOT NULL,
		cursor TEXT,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (provider, feed)
	);

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		feed TEXT NOT NULL,
		mode TEXT NOT NULL,
		state TEXT NOT NULL,
		fetched INTEGER NOT NULL,
		created INTEGER NOT NULL,
		updated INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		error TEXT,
		detail TEXT  -- JSON
	);

	CREATE TABLE IF NOT EXISTS sync_locks (
		provider TEXT NOT NULL,
		feed TEXT NOT NULL,
		owner TEXT NOT NULL,
		acquired_at TEXT NOT NULL,
		PRIMARY KEY (provider, feed)
	);

	CREATE INDEX IF NOT EXISTS idx_listings_status ON listings(source, status);
	CREATE INDEX IF NOT EXISTS idx_listings_geohash ON listings(geohash);
	CREATE INDEX IF NOT EXISTS idx_listings_modified ON listings(modified_at);
	CREATE INDEX IF NOT EXISTS idx_open_houses_listing ON open_houses(listing_id);
	CREATE INDEX IF NOT EXISTS idx_changes_listing ON listing_changes(listing_id);
	CREATE INDEX IF NOT EXISTS idx_changes_unprocessed
	    ON listing_changes(detected_at) WHERE processed_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_runs_provider ON sync_runs(provider, feed, started_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// timeLayout is fixed-width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const dateLayout = "2006-01-02"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// timeToNullString converts a time pointer to a nullable SQL string.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func dateToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(dateLayout), Valid: true}
}

func nullStringToDate(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(dateLayout, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString maps "" to NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func int64FromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func intFromNull(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func floatFromNull(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
