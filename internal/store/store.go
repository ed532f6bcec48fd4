// Package store persists desired session state, jobs, the dispatcher lease
// and project events in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrActiveJobExists is returned by CreateJob when a pending or running
	// job already holds the resource.
	ErrActiveJobExists = errors.New("active job exists for resource")
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Timestamps are stored as UTC text in a single fixed layout so that SQL
// comparisons are lexicographic and the database clock (strftime 'now')
// and application-supplied values compare correctly.
const tsLayout = "2006-01-02 15:04:05.000"

// nowSQL is the database clock in tsLayout.
const nowSQL = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, err := time.ParseInLocation(tsLayout, s, time.UTC)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

// offset renders d as an SQLite date modifier.
func offset(d time.Duration) string {
	return fmt.Sprintf("%+.3f seconds", d.Seconds())
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	workspace_id  TEXT NOT NULL DEFAULT '',
	agent_id      TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	error         TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL,
	last_activity TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace_id ON sessions(workspace_id);

CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	path       TEXT NOT NULL DEFAULT '',
	commit_sha TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL,
	error      TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sandboxes (
	session_id TEXT PRIMARY KEY,
	sandbox_id TEXT NOT NULL,
	status     TEXT NOT NULL,
	image      TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	ports      TEXT NOT NULL DEFAULT '[]',
	env        TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	started_at TEXT,
	stopped_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	payload       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	priority      INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL DEFAULT 3,
	resource_type TEXT NOT NULL DEFAULT '',
	resource_id   TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	worker_id     TEXT NOT NULL DEFAULT '',
	scheduled_at  TEXT NOT NULL,
	started_at    TEXT,
	completed_at  TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority DESC, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_jobs_resource ON jobs(resource_type, resource_id, status);

CREATE TABLE IF NOT EXISTS dispatcher_leader (
	id           INTEGER PRIMARY KEY CHECK (id = 1),
	server_id    TEXT NOT NULL,
	heartbeat_at TEXT NOT NULL,
	acquired_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS project_events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	project_id TEXT NOT NULL,
	type       TEXT NOT NULL,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_project_events_project ON project_events(project_id, seq);
CREATE INDEX IF NOT EXISTS idx_project_events_created_at ON project_events(created_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout and perf
// pragmas applied to every new connection. The driver applies DSN pragmas
// per connection, so pooled connections all share them.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (dispatcher + reconciler + poller overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, much faster writes than FULL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

type Store struct {
	db *sql.DB
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// Several server processes may open the same file; SQLite serializes their writes.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if err := retryOnBusy(func() error {
		_, e := db.Exec(schemaSQL)
		return e
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// exec runs a write with busy retries and returns the affected row count.
func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.ExecContext(ctx, query, args...)
		return e
	})
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func checkRowAffected(n int64, what, id string) error {
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
