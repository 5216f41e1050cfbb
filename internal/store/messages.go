package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/huddle/internal/events"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AssistantID is the reserved author id carried by every assistant
// message. No human user may use it.
const AssistantID = "assistant"

// Message is a persisted chat message. UserName is denormalized at
// write time and never re-derived.
type Message struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage describes a message to insert.
type NewMessage struct {
	ThreadID string
	UserID   string
	UserName string
	Content  string
	Role     string
}

func (m NewMessage) validate() error {
	switch {
	case m.ThreadID == "":
		return errors.New("thread id is required")
	case strings.TrimSpace(m.Content) == "":
		return errors.New("content is required")
	case m.Role == RoleAssistant && m.UserID != AssistantID:
		return fmt.Errorf("assistant messages must use author id %q", AssistantID)
	case m.Role == RoleUser && (m.UserID == "" || m.UserID == AssistantID):
		return fmt.Errorf("user messages need a non-reserved author id")
	case m.Role != RoleUser && m.Role != RoleAssistant:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

const messageColumns = `id, thread_id, user_id, user_name, content, role, created_at`

// InsertMessage writes one message and returns the stored row. The
// write is a single statement, so subscribers never observe a partial
// message. Returns ErrNotFound when the thread does not exist.
func (s *Store) InsertMessage(ctx context.Context, nm NewMessage) (*Message, error) {
	if err := nm.validate(); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM threads WHERE id = ?)
		 RETURNING `+messageColumns,
		newID(), nm.ThreadID, nm.UserID, nm.UserName, nm.Content, nm.Role, s.timestamp(),
		nm.ThreadID,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", nm.ThreadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	s.logger.Debug("message inserted",
		"thread_id", msg.ThreadID,
		"message_id", msg.ID,
		"role", msg.Role,
		"content_len", len(msg.Content),
	)
	s.publish(events.KindMessageInserted, map[string]any{
		"thread_id": msg.ThreadID,
		"message":   msg,
	})
	return msg, nil
}

// ThreadMessages returns every message in a thread, oldest first.
func (s *Store) ThreadMessages(ctx context.Context, threadID string) ([]Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		threadID,
	)
}

// RecentMessagesExcluding returns up to limit of the most recent
// messages from every thread except threadID, newest first. A limit of
// zero or less returns nothing.
func (s *Store) RecentMessagesExcluding(ctx context.Context, threadID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE thread_id != ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`,
		threadID, limit,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var ts string
	if err := r.Scan(&m.ID, &m.ThreadID, &m.UserID, &m.UserName, &m.Content, &m.Role, &ts); err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(ts)
	return &m, nil
}
