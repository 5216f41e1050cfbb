package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/store"
)

// Writer is the write side of the message store the sink needs.
type Writer interface {
	InsertMessage(ctx context.Context, nm store.NewMessage) (*store.Message, error)
}

// Sink stores finished replies.
type Sink struct {
	writer  Writer
	name    string
	retries int
	backoff time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSink returns a Sink that stores replies under the assistant's
// display name, retrying a failed write up to retries more times.
func NewSink(w Writer, name string, retries int, m *metrics.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		writer:  w,
		name:    name,
		retries: retries,
		backoff: 250 * time.Millisecond,
		metrics: m,
		logger:  logger,
	}
}

// Persist writes res to threadID when it completed with non-blank
// content, and does nothing for any other outcome. It returns the stored
// message, or nil when there was nothing to store.
func (s *Sink) Persist(ctx context.Context, threadID string, res Result) (*store.Message, error) {
	if res.Outcome != OutcomeCompleted || strings.TrimSpace(res.Content) == "" {
		return nil, nil
	}

	nm := store.NewMessage{
		ThreadID: threadID,
		UserID:   store.AssistantID,
		UserName: s.name,
		Content:  res.Content,
		Role:     store.RoleAssistant,
	}

	var err error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			if werr := wait(ctx, time.Duration(attempt)*s.backoff); werr != nil {
				err = errors.Join(err, werr)
				break
			}
		}

		var msg *store.Message
		msg, err = s.writer.InsertMessage(ctx, nm)
		if err == nil {
			return msg, nil
		}
		s.logger.Warn("store reply failed",
			"thread_id", threadID, "attempt", attempt+1, "error", err)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
	}

	s.metrics.PersistFailure()
	s.logger.Error("reply not stored",
		"thread_id", threadID, "content_len", len(res.Content), "error", err)
	return nil, fmt.Errorf("persist reply: %w", err)
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
