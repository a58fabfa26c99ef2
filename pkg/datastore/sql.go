package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQLStore is the SQLite-backed history store.
type SQLStore struct {
	db *sql.DB
}

var _ HistoryStore = (*SQLStore)(nil)

// Open opens (or creates) a SQLite database and runs migrations.
func Open(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id         TEXT    PRIMARY KEY,
		type       TEXT    NOT NULL,
		user       TEXT    NOT NULL DEFAULT '',
		data       TEXT    NOT NULL DEFAULT '{}',
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS idx_events_user ON events(user);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`

	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate: %w", err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// AppendEvent records one event, assigning a ksuid when ev.ID is empty.
func (s *SQLStore) AppendEvent(ctx context.Context, ev model.Event) error {
	if ev.ID == "" {
		ev.ID = ksuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data := "{}"
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("datastore: marshal event data: %w", err)
		}
		data = string(raw)
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO events (id, type, user, data, created_at) VALUES (?, ?, ?, ?, ?)",
		ev.ID, string(ev.Type), ev.User, data, formatDBTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("datastore: append event: %w", err)
	}
	return nil
}

// ListEvents returns events matching the filters, oldest first. ksuid ids
// sort chronologically, so the id is the tiebreaker within a second.
func (s *SQLStore) ListEvents(ctx context.Context, f EventFilters) ([]model.Event, error) {
	query := "SELECT id, type, user, data, created_at FROM events WHERE 1=1"
	var args []any
	if f.User != "" {
		query += " AND user = ?"
		args = append(args, f.User)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, string(f.Type))
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, formatDBTime(f.Since))
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var typ, data, createdAt string
		if err := rows.Scan(&ev.ID, &typ, &ev.User, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan event: %w", err)
		}
		ev.Type = model.EventType(typ)
		if data != "" && data != "{}" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("datastore: unmarshal event data: %w", err)
			}
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan event: %w", err)
		}
		ev.Timestamp = parsed
		events = append(events, ev)
	}
	return events, rows.Err()
}
