// Package tracker is the durable ledger queuers use to avoid re-queuing
// input files across runs and across machines sharing a volume. Entries are
// keyed by normalized file name, so the same file reached via a local path,
// an http URL, or a blob listing counts once.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status values for a tracked file.
const (
	StatusStarted = "started"
	StatusDone    = "done"
)

// Tracker records which input files have been queued.
//
// The protocol is Acquire, enumerate and queue the file's stories, then
// Done on success or Abort on failure. Acquire returns false when another
// run already owns or finished the file.
type Tracker interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Done(ctx context.Context, name string) error
	Abort(ctx context.Context, name string) error
	Close() error
}

// Normalize reduces a file reference to its ledger key: the base name with
// any .gz suffix removed. A file and its compressed form are the same input.
func Normalize(name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimSuffix(base, ".gz")
}

// SQLite is a Tracker backed by a local SQLite database file.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	name       TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// OpenSQLite opens (creating if needed) the ledger at dbPath.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}
	// the ledger is shared by at most a handful of queuer processes;
	// a single connection sidesteps SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tracker schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Acquire claims a file for queuing. Returns false if the file is already
// done or currently claimed by another run.
func (t *SQLite) Acquire(ctx context.Context, name string) (bool, error) {
	res, err := t.db.ExecContext(ctx,
		`INSERT INTO files (name, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		Normalize(name), StatusStarted, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Done marks a claimed file as fully queued.
func (t *SQLite) Done(ctx context.Context, name string) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE name = ?`,
		StatusDone, time.Now().UTC(), Normalize(name),
	)
	if err != nil {
		return fmt.Errorf("mark %s done: %w", name, err)
	}
	return nil
}

// Abort releases a claim so a later run can retry the file. Files marked
// done are never released.
func (t *SQLite) Abort(ctx context.Context, name string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM files WHERE name = ? AND status = ?`,
		Normalize(name), StatusStarted,
	)
	if err != nil {
		return fmt.Errorf("abort %s: %w", name, err)
	}
	return nil
}

// Status returns a file's ledger status, or "" if untracked.
func (t *SQLite) Status(ctx context.Context, name string) (string, error) {
	var status string
	err := t.db.QueryRowContext(ctx,
		`SELECT status FROM files WHERE name = ?`, Normalize(name),
	).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("status %s: %w", name, err)
	}
	return status, nil
}

// Forget removes a file from the ledger regardless of status, for --force
// re-queuing.
func (t *SQLite) Forget(ctx context.Context, name string) error {
	_, err := t.db.ExecContext(ctx,
		`DELETE FROM files WHERE name = ?`, Normalize(name),
	)
	if err != nil {
		return fmt.Errorf("forget %s: %w", name, err)
	}
	return nil
}

// Close closes the underlying database.
func (t *SQLite) Close() error { return t.db.Close() }

// Nop is a Tracker that always grants claims, for --dry-run and tests.
type Nop struct{}

func (Nop) Acquire(context.Context, string) (bool, error) { return true, nil }
func (Nop) Done(context.Context, string) error            { return nil }
func (Nop) Abort(context.Context, string) error           { return nil }
func (Nop) Close() error                                  { return nil }
