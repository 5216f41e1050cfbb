// Package assistant runs the shared assistant: it reads the thread and
// its surroundings from the store, composes a prompt, streams the
// provider's reply to the caller while watching for the no-response
// sentinel, and stores the finished reply.
package assistant

import (
	"errors"
	"strings"

	"github.com/nugget/huddle/internal/identity"
)

// Request validation errors. All are fatal before any stream opens.
var (
	ErrMissingThread = errors.New("assistant: thread_id is required")
	ErrEmptyMessage  = errors.New("assistant: message is required")
	ErrMissingUser   = errors.New("assistant: user_id is required")
)

// ErrProvider wraps failures to open the provider stream.
var ErrProvider = errors.New("assistant: completion provider failed")

// Request is one invocation of the assistant for a new user message.
type Request struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.ThreadID) == "":
		return ErrMissingThread
	case strings.TrimSpace(r.Message) == "":
		return ErrEmptyMessage
	case strings.TrimSpace(r.UserID) == "":
		return ErrMissingUser
	}
	return nil
}

func (r Request) displayName() string {
	if r.UserName != "" {
		return r.UserName
	}
	return identity.FallbackName(r.UserID)
}
