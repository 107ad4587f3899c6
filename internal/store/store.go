// Package store implements the durable account directory and message log
// described in the specification's durable-store component: a single
// embedded relational file holding a `users` table and a `messages` table,
// uniquely keyed by (from, to, sent).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"

	_ "modernc.org/sqlite"
)

// ErrUserExists is returned by InsertUser when the name is already taken.
var ErrUserExists = errors.New("store: user already exists")

// ErrDuplicateMessage is returned by AppendMessage when the (from, to,
// sent) tuple has already been recorded. The replication merge layer
// treats this as idempotent success, per the specification.
var ErrDuplicateMessage = errors.New("store: duplicate message")

// timestampLayout is the canonical ISO-8601 UTC millisecond-resolution
// format the specification mandates for the `sent` column.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// Message is one row of the message log.
type Message struct {
	From string
	To   string
	Text string
	Sent string
}

// Store wraps a SQL connection against the embedded database file.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) and opens the database at path, applying the
// schema from the specification's persisted-state layout.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// The embedded driver is not safe for concurrent writers beyond one
	// connection at a time on the same file; capping the pool at a single
	// connection serializes every store operation and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			name TEXT PRIMARY KEY,
			password TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			"from" TEXT NOT NULL,
			"to" TEXT NOT NULL,
			text TEXT NOT NULL,
			sent TEXT NOT NULL,
			UNIQUE("from", "to", sent)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_sent_idx ON messages (sent ASC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertUser adds a new account. Returns ErrUserExists if name is taken.
func (s *Store) InsertUser(ctx context.Context, name, password string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users(name, password) VALUES(?, ?)`, name, password)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// DeleteUser removes an account and cascades the deletion to every
// message where the user appears as sender or recipient.
func (s *Store) DeleteUser(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE "from"=? OR "to"=?`, name, name); err != nil {
		return fmt.Errorf("store: delete user messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM users WHERE name=?`, name); err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	return tx.Commit()
}

// ExistsUser reports whether name is registered with the given password.
func (s *Store) ExistsUser(ctx context.Context, name, password string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE name=? AND password=?)`,
		name, password,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: exists user: %w", err)
	}
	return exists, nil
}

// UserExists reports whether name is registered, irrespective of
// password — used to validate a SendMessage recipient (specification
// §7's UnknownRecipient check is local-only and password-agnostic).
func (s *Store) UserExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE name=?)`, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

// ListUsers returns the subset of registered names matching the given
// shell-style glob (empty/"*" matches every name).
func (s *Store) ListUsers(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("store: compile glob %q: %w", pattern, err)
	}

	names, err := s.ScanUsernames(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]string, 0, len(names))
	for _, name := range names {
		if g.Match(name) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// ScanUsernames returns every registered username, unfiltered.
func (s *Store) ScanUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM users`)
	if err != nil {
		return nil, fmt.Errorf("store: scan users: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: scan users: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ScanUsers returns every (name, password) pair, used for user-directory
// state transfer to a newly connected peer.
func (s *Store) ScanUsers(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, password FROM users`)
	if err != nil {
		return nil, fmt.Errorf("store: scan users: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var c Credential
		if err := rows.Scan(&c.Name, &c.Password); err != nil {
			return nil, fmt.Errorf("store: scan users: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Credential is one row of the account directory.
type Credential struct {
	Name     string
	Password string
}

// AppendMessage appends one row to the message log. If sent is empty, the
// store's current wall clock is used, formatted to the canonical
// ISO-8601-with-milliseconds layout the specification requires so the
// (from, to, sent) tuple is a deterministic idempotency key across
// replicas. The stored sent value is always returned.
func (s *Store) AppendMessage(ctx context.Context, from, to, text, sent string) (string, error) {
	if sent == "" {
		sent = time.Now().UTC().Format(timestampLayout)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages("from", "to", text, sent) VALUES(?, ?, ?, ?)`,
		from, to, text, sent,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sent, ErrDuplicateMessage
		}
		return "", fmt.Errorf("store: append message: %w", err)
	}
	return sent, nil
}

// ScanMessages returns every message ordered by sent ascending, optionally
// restricted to rows where participant appears as sender or recipient.
func (s *Store) ScanMessages(ctx context.Context, participant string) ([]Message, error) {
	var rows *sql.Rows
	var err error
	if participant == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT "from", "to", text, sent FROM messages ORDER BY sent ASC`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT "from", "to", text, sent FROM messages WHERE "from"=? OR "to"=? ORDER BY sent ASC`,
			participant, participant)
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.From, &m.To, &m.Text, &m.Sent); err != nil {
			return nil, fmt.Errorf("store: scan messages: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
