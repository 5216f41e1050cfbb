package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/huddle/internal/events"
)

// DefaultThreadTitle is the placeholder title of a thread nobody has
// named yet. AutoTitle replaces it with the first user message.
const DefaultThreadTitle = "New Chat"

// DefaultSpaceName is the name of the space bootstrapped for new installs.
const DefaultSpaceName = "Default Space"

// maxTitleRunes is how much of the first message becomes the title.
const maxTitleRunes = 50

// Space groups threads.
type Space struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is a single conversation.
type Thread struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"space_id,omitempty"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateSpace creates a named space.
func (s *Store) CreateSpace(ctx context.Context, name, createdBy string) (*Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("create space: name is required")
	}
	sp := &Space{ID: newID(), Name: name, CreatedBy: createdBy}
	ts := s.timestamp()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO spaces (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		sp.ID, sp.Name, sp.CreatedBy, ts,
	); err != nil {
		return nil, fmt.Errorf("create space: %w", err)
	}
	sp.CreatedAt = parseTime(ts)
	return sp, nil
}

// ListSpaces returns all spaces, newest first.
func (s *Store) ListSpaces(ctx context.Context) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_by, created_at FROM spaces ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	var spaces []Space
	for rows.Next() {
		var sp Space
		var ts string
		if err := rows.Scan(&sp.ID, &sp.Name, &sp.CreatedBy, &ts); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		sp.CreatedAt = parseTime(ts)
		spaces = append(spaces, sp)
	}
	return spaces, rows.Err()
}

// DefaultSpace returns the oldest space, creating "Default Space" first
// when none exist. The create is a single conditional insert, so
// concurrent callers converge on one space.
func (s *Store) DefaultSpace(ctx context.Context, createdBy string) (*Space, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO spaces (id, name, created_by, created_at)
		 SELECT ?, ?, ?, ? WHERE NOT EXISTS (SELECT 1 FROM spaces)`,
		newID(), DefaultSpaceName, createdBy, s.timestamp(),
	); err != nil {
		return nil, fmt.Errorf("bootstrap default space: %w", err)
	}

	var sp Space
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at FROM spaces ORDER BY created_at ASC, rowid ASC LIMIT 1`,
	).Scan(&sp.ID, &sp.Name, &sp.CreatedBy, &ts)
	if err != nil {
		return nil, fmt.Errorf("default space: %w", err)
	}
	sp.CreatedAt = parseTime(ts)
	return &sp, nil
}

// CreateThread creates a thread titled DefaultThreadTitle. An empty
// spaceID leaves the thread ungrouped.
func (s *Store) CreateThread(ctx context.Context, spaceID, createdBy string) (*Thread, error) {
	th := &Thread{ID: newID(), SpaceID: spaceID, Title: DefaultThreadTitle, CreatedBy: createdBy}
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, space_id, title, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		th.ID, nullString(spaceID), th.Title, th.CreatedBy, ts,
	)
	if err != nil {
		if spaceID != "" && strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("create thread: space %s: %w", spaceID, ErrNotFound)
		}
		return nil, fmt.Errorf("create thread: %w", err)
	}
	th.CreatedAt = parseTime(ts)
	return th, nil
}

// GetThread returns the thread with id, or ErrNotFound.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, space_id, title, created_by, created_at FROM threads WHERE id = ?`, id)
	th, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return th, nil
}

// ListThreads returns threads in spaceID, newest first. An empty spaceID
// lists every thread.
func (s *Store) ListThreads(ctx context.Context, spaceID string) ([]Thread, error) {
	query := `SELECT id, space_id, title, created_by, created_at FROM threads`
	var args []any
	if spaceID != "" {
		query += ` WHERE space_id = ?`
		args = append(args, spaceID)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var threads []Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, *th)
	}
	return threads, rows.Err()
}

// RenameThread sets an explicit title. Once set this way, AutoTitle
// leaves the thread alone unless the title is the placeholder.
func (s *Store) RenameThread(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("rename thread: title is required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE threads SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("rename thread %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	s.publish(events.KindThreadRenamed, map[string]any{"thread_id": id, "title": title})
	return nil
}

// AutoTitle names a thread after its first user message, but only while
// the title is still empty or the placeholder. It reports whether the
// title changed. The check and the write are one UPDATE so a concurrent
// explicit rename is never overwritten.
func (s *Store) AutoTitle(ctx context.Context, id, firstMessage string) (bool, error) {
	title := TitleFrom(firstMessage)
	if title == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET title = ?
		 WHERE id = ? AND (title IS NULL OR title = '' OR title = ?)`,
		title, id, DefaultThreadTitle,
	)
	if err != nil {
		return false, fmt.Errorf("auto-title thread %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	s.publish(events.KindThreadRenamed, map[string]any{"thread_id": id, "title": title})
	return true, nil
}

// TitleFrom derives a thread title from message text: the first 50
// characters, with "..." appended when the text was longer.
func TitleFrom(message string) string {
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) <= maxTitleRunes {
		return message
	}
	return string([]rune(message)[:maxTitleRunes]) + "..."
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (*Thread, error) {
	var th Thread
	var spaceID, title sql.NullString
	var ts string
	if err := r.Scan(&th.ID, &spaceID, &title, &th.CreatedBy, &ts); err != nil {
		return nil, err
	}
	th.SpaceID = spaceID.String
	th.Title = title.String
	th.CreatedAt = parseTime(ts)
	return &th, nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
