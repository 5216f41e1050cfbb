package store

import (
	"context"
	"fmt"
	"time"
)

// MarkRead records that userID has seen threadID up to at. Markers only
// move forward: an older timestamp leaves the stored one in place.
func (s *Store) MarkRead(ctx context.Context, userID, threadID string, at time.Time) error {
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO read_markers (user_id, thread_id, last_read_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id, thread_id) DO UPDATE
		 SET last_read_at = MAX(last_read_at, excluded.last_read_at)`,
		userID, threadID, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("mark read %s/%s: %w", userID, threadID, err)
	}
	return nil
}

// UnreadCount returns how many messages in threadID were written by
// someone other than userID after the user's read marker. Without a
// marker every such message counts.
func (s *Store) UnreadCount(ctx context.Context, userID, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m
		 WHERE m.thread_id = ? AND m.user_id != ?
		   AND m.created_at > COALESCE(
		       (SELECT last_read_at FROM read_markers WHERE user_id = ? AND thread_id = ?), '')`,
		threadID, userID, userID, threadID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count %s/%s: %w", userID, threadID, err)
	}
	return n, nil
}
