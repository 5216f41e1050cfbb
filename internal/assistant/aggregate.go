package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/huddle/internal/identity"
	"github.com/nugget/huddle/internal/store"
)

// Reader is the read side of the message store the aggregator needs.
type Reader interface {
	ThreadMessages(ctx context.Context, threadID string) ([]store.Message, error)
	RecentMessagesExcluding(ctx context.Context, threadID string, limit int) ([]store.Message, error)
	Profiles(ctx context.Context, ids []string) (map[string]string, error)
}

// Participant is a thread member with non-blank background notes.
type Participant struct {
	UserID     string
	Name       string
	Background string
}

// Context is the transient aggregate one reply is built from. It is
// derived from the store and discarded when the request ends.
type Context struct {
	// Thread is the active thread, oldest first.
	Thread []store.Message
	// Background is the cross-thread window, oldest first.
	Background []store.Message
	// UserIDs are the distinct human authors in Thread plus the invoker.
	UserIDs []string
	// Roster is the distinct human display names in Thread plus the
	// invoker's, in order of first appearance.
	Roster []string
	// Participants carries profile notes for members of UserIDs that
	// have any.
	Participants []Participant
}

// Aggregator gathers a [Context] from the store.
type Aggregator struct {
	reader Reader
	window int
	logger *slog.Logger
}

// NewAggregator returns an Aggregator that reads up to window messages
// of cross-thread background. A window of zero disables background.
func NewAggregator(reader Reader, window int, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{reader: reader, window: window, logger: logger}
}

// Aggregate builds the context for req. Failing to read the active
// thread is fatal. Failing to read background or profiles is logged and
// the request continues with that part empty.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (*Context, error) {
	var thread, background []store.Message

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		msgs, err := a.reader.ThreadMessages(gctx, req.ThreadID)
		if err != nil {
			return fmt.Errorf("load thread %s: %w", req.ThreadID, err)
		}
		thread = msgs
		return nil
	})
	g.Go(func() error {
		msgs, err := a.reader.RecentMessagesExcluding(gctx, req.ThreadID, a.window)
		if err != nil {
			a.logger.Warn("background context unavailable",
				"thread_id", req.ThreadID, "error", err)
			return nil
		}
		background = reversed(msgs)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	c := &Context{Thread: thread, Background: background}
	names := c.collectMembers(req)

	notes, err := a.reader.Profiles(ctx, c.UserIDs)
	if err != nil {
		a.logger.Warn("profile context unavailable",
			"thread_id", req.ThreadID, "error", err)
		notes = nil
	}
	for _, id := range c.UserIDs {
		bg := notes[id]
		if strings.TrimSpace(bg) == "" {
			continue
		}
		name := names[id]
		if name == "" {
			name = identity.FallbackName(id)
		}
		c.Participants = append(c.Participants, Participant{UserID: id, Name: name, Background: bg})
	}
	return c, nil
}

// collectMembers fills UserIDs and Roster and returns the first display
// name seen for each user id.
func (c *Context) collectMembers(req Request) map[string]string {
	names := make(map[string]string)
	seenID := make(map[string]bool)
	seenName := make(map[string]bool)

	addID := func(id string) {
		if id != "" && !seenID[id] {
			seenID[id] = true
			c.UserIDs = append(c.UserIDs, id)
		}
	}
	addName := func(name string) {
		if name != "" && !seenName[name] {
			seenName[name] = true
			c.Roster = append(c.Roster, name)
		}
	}

	for _, m := range c.Thread {
		if m.Role == store.RoleAssistant || m.UserID == store.AssistantID {
			continue
		}
		addID(m.UserID)
		addName(m.UserName)
		if names[m.UserID] == "" {
			names[m.UserID] = m.UserName
		}
	}

	addID(req.UserID)
	addName(req.displayName())
	if names[req.UserID] == "" {
		names[req.UserID] = req.UserName
	}
	return names
}

func reversed(msgs []store.Message) []store.Message {
	out := make([]store.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
