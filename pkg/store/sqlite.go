package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"timeglass/remotectl/pkg/proto"
)

// timeLayout has a fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// migrations run in order on every open; each one is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id         TEXT PRIMARY KEY,
		platform   TEXT NOT NULL DEFAULT '',
		version    TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL,
		last_seen  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id        TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		kind      TEXT NOT NULL,
		params    TEXT NOT NULL DEFAULT '',
		issued_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS results (
		command_id  TEXT PRIMARY KEY,
		client_id   TEXT NOT NULL,
		success     INTEGER NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		timestamp   TEXT NOT NULL DEFAULT '',
		received_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS results_received_at ON results (received_at)`,
}

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

// --- Clients ---

func (s *SQLiteStore) UpsertClient(ctx context.Context, c *ClientRecord) error {
	if c.FirstSeen.IsZero() {
		c.FirstSeen = s.now()
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = c.FirstSeen
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clients (id, platform, version, first_seen, last_seen) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET platform = excluded.platform, version = excluded.version, last_seen = excluded.last_seen`,
		c.ID, c.Platform, c.Version, formatTime(c.FirstSeen), formatTime(c.LastSeen))
	return err
}

func (s *SQLiteStore) GetClient(ctx context.Context, id string) (*ClientRecord, error) {
	var c ClientRecord
	var first, last string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, platform, version, first_seen, last_seen FROM clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Platform, &c.Version, &first, &last)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.FirstSeen = parseTime(first)
	c.LastSeen = parseTime(last)
	return &c, nil
}

func (s *SQLiteStore) TouchClient(ctx context.Context, id string, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE clients SET last_seen = ? WHERE id = ?`, formatTime(t), id)
	return err
}

// --- Commands ---

func (s *SQLiteStore) CreateCommand(ctx context.Context, c *CommandRecord) error {
	if c.IssuedAt.IsZero() {
		c.IssuedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, client_id, kind, params, issued_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.ClientID, string(c.Kind), c.Params, formatTime(c.IssuedAt))
	return err
}

func (s *SQLiteStore) PendingCommands(ctx context.Context) ([]*CommandRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.client_id, c.kind, c.params, c.issued_at
		 FROM commands c LEFT JOIN results r ON r.command_id = c.id
		 WHERE r.command_id IS NULL ORDER BY c.issued_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*CommandRecord
	for rows.Next() {
		var c CommandRecord
		var kind, issued string
		if err := rows.Scan(&c.ID, &c.ClientID, &kind, &c.Params, &issued); err != nil {
			return nil, err
		}
		c.Kind = proto.CommandKind(kind)
		c.IssuedAt = parseTime(issued)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Results ---

// SaveResult records r. A repeated result for the same command replaces the earlier one.
func (s *SQLiteStore) SaveResult(ctx context.Context, r proto.CommandResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO results (command_id, client_id, success, message, timestamp, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.CommandID, r.ClientID, r.Success, r.Message, r.Timestamp, formatTime(s.now()))
	return err
}

func (s *SQLiteStore) GetResult(ctx context.Context, commandID string) (*proto.CommandResult, error) {
	var r proto.CommandResult
	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, client_id, success, message, timestamp FROM results WHERE command_id = ?`, commandID).
		Scan(&r.CommandID, &r.ClientID, &r.Success, &r.Message, &r.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// ListResults returns the most recently received results first. limit <= 0 means all.
func (s *SQLiteStore) ListResults(ctx context.Context, limit int) ([]proto.CommandResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, client_id, success, message, timestamp FROM results
		 ORDER BY received_at DESC, command_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	out := []proto.CommandResult{}
	for rows.Next() {
		var r proto.CommandResult
		if err := rows.Scan(&r.CommandID, &r.ClientID, &r.Success, &r.Message, &r.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
