package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Profile holds per-user notes the assistant reads as background.
type Profile struct {
	UserID            string    `json:"user_id"`
	BackgroundContext string    `json:"background_context"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// GetProfile returns a user's profile, or ErrNotFound.
func (s *Store) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	var bg sql.NullString
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, background_context, updated_at FROM user_profiles WHERE user_id = ?`,
		userID,
	).Scan(&p.UserID, &bg, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", userID, err)
	}
	p.BackgroundContext = bg.String
	p.UpdatedAt = parseTime(ts)
	return &p, nil
}

// UpsertProfile creates or replaces a user's background context. Blank
// text is stored as NULL.
func (s *Store) UpsertProfile(ctx context.Context, userID, background string) (*Profile, error) {
	if userID == "" {
		return nil, fmt.Errorf("upsert profile: user id is required")
	}
	background = strings.TrimSpace(background)
	ts := s.timestamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, background_context, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE
		 SET background_context = excluded.background_context, updated_at = excluded.updated_at`,
		userID, nullString(background), ts,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", userID, err)
	}
	return &Profile{UserID: userID, BackgroundContext: background, UpdatedAt: parseTime(ts)}, nil
}

// Profiles returns the non-blank background context for each of ids
// that has one. Users without a profile are absent from the map.
func (s *Store) Profiles(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, background_context FROM user_profiles
		 WHERE user_id IN (`+placeholders+`) AND background_context IS NOT NULL`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, bg string
		if err := rows.Scan(&id, &bg); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		if strings.TrimSpace(bg) != "" {
			out[id] = bg
		}
	}
	return out, rows.Err()
}
