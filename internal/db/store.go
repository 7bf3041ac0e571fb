package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// OpenOrRecreate opens the database and applies migrations. When the file
// cannot be opened or migrated it is deleted and built fresh: the journal and
// prefs are local conveniences, so a corrupt db must never be fatal.
func OpenOrRecreate(ctx context.Context, path string) (*Store, error) {
	store, err := openAndMigrate(ctx, path)
	if err == nil {
		return store, nil
	}
	removeDatabase(path)
	store, rerr := openAndMigrate(ctx, path)
	if rerr != nil {
		return nil, fmt.Errorf("recreate db after %v: %w", err, rerr)
	}
	return store, nil
}

func openAndMigrate(ctx context.Context, path string) (*Store, error) {
	store, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, store.db); err != nil {
		store.Close() //nolint:errcheck
		return nil, err
	}
	return store, nil
}

func removeDatabase(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		_ = os.Remove(p)
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) AppendEvent(ctx context.Context, e JournalEntry) error {
	if e.ID == "" {
		return fmt.Errorf("journal entry id is required")
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	var at any
	if !e.At.IsZero() {
		at = ts(e.At)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO events(event_id, kind, entity_id, payload, event_time, received_at)
VALUES (?, ?, ?, ?, ?, ?)
`, e.ID, e.Kind, e.EntityID, nullIfEmpty(e.Payload), at, ts(e.ReceivedAt))
	if err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest entries first, optionally filtered to one
// kind. A non-positive limit falls back to 100.
func (s *Store) RecentEvents(ctx context.Context, limit int, kind string) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT event_id, kind, entity_id, COALESCE(payload, ''), event_time, received_at
FROM events`
	args := make([]any, 0, 2)
	if kind = strings.TrimSpace(kind); kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list journal events: %w", err)
	}
	defer rows.Close()

	out := make([]JournalEntry, 0, limit)
	for rows.Next() {
		var (
			e          JournalEntry
			eventTime  sql.NullString
			receivedAt string
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.EntityID, &e.Payload, &eventTime, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan journal event: %w", err)
		}
		if eventTime.Valid {
			v, parseErr := parseTS(eventTime.String)
			if parseErr != nil {
				return nil, fmt.Errorf("parse journal event_time: %w", parseErr)
			}
			e.At = v
		}
		e.ReceivedAt, err = parseTS(receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parse journal received_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter journal events: %w", err)
	}
	return out, nil
}

// PruneEvents deletes everything older than the newest keep entries and
// reports how many rows were removed.
func (s *Store) PruneEvents(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM events
WHERE seq <= (SELECT seq FROM events ORDER BY seq DESC LIMIT 1 OFFSET ?)
`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune journal rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count journal events: %w", err)
	}
	return count, nil
}

func (s *Store) SavePref(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("pref key is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prefs(key, value, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`, key, value, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save pref: %w", err)
	}
	return nil
}

func (s *Store) LoadPref(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, strings.TrimSpace(key))
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load pref: %w", err)
	}
	return value, nil
}

type Pref struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

func (s *Store) ListPrefs(ctx context.Context) ([]Pref, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT key, value, updated_at
FROM prefs
ORDER BY key ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	defer rows.Close()

	out := make([]Pref, 0)
	for rows.Next() {
		var (
			p         Pref
			updatedAt string
		)
		if err := rows.Scan(&p.Key, &p.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pref: %w", err)
		}
		p.UpdatedAt, err = parseTS(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse pref updated_at: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter prefs: %w", err)
	}
	return out, nil
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
