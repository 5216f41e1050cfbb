// Package store is Huddle's relational message store. It owns spaces,
// threads, messages, user profiles and read markers, and publishes a
// change notification on the event bus for every durable write that
// viewers need to see.
//
// Ordering within a thread is by creation time ascending. Timestamps are
// stored as fixed-width UTC text so lexical order matches time order;
// rows created within the same nanosecond fall back to insertion order.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/huddle/internal/events"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("store: not found")

// timeFormat is RFC 3339 with a fixed nine-digit fraction. Values are
// always written in UTC, so every stored timestamp has the same width.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed store. All public methods are safe for
// concurrent use (SQLite serializes writes).
type Store struct {
	db     *sql.DB
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at dbPath and applies the
// schema. bus may be nil, in which case no change notifications are sent.
func Open(dbPath string, bus *events.Bus, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:     db,
		bus:    bus,
		logger: logger.With("component", "store"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS spaces (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threads (
		id         TEXT PRIMARY KEY,
		space_id   TEXT REFERENCES spaces(id),
		title      TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_threads_space ON threads(space_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT NOT NULL REFERENCES threads(id),
		user_id    TEXT NOT NULL,
		user_name  TEXT NOT NULL DEFAULT '',
		content    TEXT NOT NULL,
		role       TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);

	CREATE TABLE IF NOT EXISTS user_profiles (
		user_id            TEXT PRIMARY KEY,
		background_context TEXT,
		updated_at         TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS read_markers (
		user_id      TEXT NOT NULL,
		thread_id    TEXT NOT NULL REFERENCES threads(id),
		last_read_at TEXT NOT NULL,
		PRIMARY KEY (user_id, thread_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		// Fall back for rows written by hand or older tooling.
		t, _ = time.Parse(time.RFC3339Nano, v)
	}
	return t
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Store) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: s.now(),
		Source:    events.SourceStore,
		Kind:      kind,
		Data:      data,
	})
}
