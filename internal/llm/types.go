// Package llm provides streaming chat-completion clients for the
// providers Huddle can talk to.
package llm

import (
	"context"
	"errors"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role values carried on [Message].
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrProviderNotConfigured is returned when a model routes to a provider
// that has no credentials or endpoint configured.
var ErrProviderNotConfigured = errors.New("llm: provider not configured")

// Message is one role-tagged turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one incremental piece of a streamed completion. Content may be
// empty on chunks that only carry metadata such as token usage.
type Chunk struct {
	Content      string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Stream is a pull-based token stream. Recv blocks until the next chunk
// arrives and returns io.EOF once the provider finishes normally. Close
// releases the underlying connection and may be called at any point,
// including to abandon the rest of a stream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the interface that all LLM providers implement.
type Client interface {
	// ChatStream opens a streaming completion. Errors returned here
	// happen before any token is produced (bad credentials, unreachable
	// provider, non-200 status).
	ChatStream(ctx context.Context, model string, messages []Message) (Stream, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// splitSystem separates system messages from the conversational turns,
// joining multiple system messages with a blank line.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
