package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/huddle/internal/assistant"
	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/store"
)

// streamWriteTimeout is the write deadline applied before each SSE event.
const streamWriteTimeout = 2 * time.Minute

// handleChat asks the assistant to answer the newest message in a
// thread and streams the reply as server-sent events:
//
//	data: {"content":"..."}
//	data: {"no_response":true}
//	data: {"error":"...","details":"..."}
//	data: [DONE]
//
// Problems found before the stream opens are returned as ordinary JSON
// errors with a status code.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.responder == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "assistant not configured")
		return
	}

	var req assistant.Request
	if err := decodeJSON(r, &req, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u := currentUser(r)
	if req.UserID != "" && req.UserID != u.ID {
		s.errorResponse(w, http.StatusForbidden, "user_id does not match the authenticated user")
		return
	}
	req.UserID = u.ID
	if req.UserName == "" {
		req.UserName = u.Name
	}

	if !s.limiter.Allow(u.ID) {
		w.Header().Set("Retry-After", "1")
		s.errorResponse(w, http.StatusTooManyRequests, "too many assistant requests, slow down")
		return
	}

	reply, err := s.responder.Prepare(r.Context(), req)
	if err != nil {
		s.chatError(w, req, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	emit := &sseEmitter{w: w, rc: http.NewResponseController(w), logger: s.logger}
	s.responder.Stream(reply, emit)
}

func (s *Server) chatError(w http.ResponseWriter, req assistant.Request, err error) {
	switch {
	case errors.Is(err, assistant.ErrMissingThread),
		errors.Is(err, assistant.ErrEmptyMessage),
		errors.Is(err, assistant.ErrMissingUser):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, llm.ErrProviderNotConfigured):
		s.logger.Error("assistant provider not configured", "thread_id", req.ThreadID, "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, "assistant provider is not configured")
	case errors.Is(err, assistant.ErrProvider):
		s.logger.Error("assistant provider failed", "thread_id", req.ThreadID, "error", err)
		s.errorResponse(w, http.StatusBadGateway, "assistant provider unavailable")
	default:
		s.logger.Error("assistant request failed", "thread_id", req.ThreadID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "internal error")
	}
}

// streamEvent is one SSE payload.
type streamEvent struct {
	Content    string `json:"content,omitempty"`
	NoResponse bool   `json:"no_response,omitempty"`
	Error      string `json:"error,omitempty"`
	Details    string `json:"details,omitempty"`
}

// sseEmitter writes assistant events to an SSE response.
type sseEmitter struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	logger *slog.Logger
}

func (e *sseEmitter) Content(delta string) error {
	return e.send(streamEvent{Content: delta})
}

func (e *sseEmitter) NoResponse() error {
	return e.send(streamEvent{NoResponse: true})
}

func (e *sseEmitter) Error(message, details string) error {
	return e.send(streamEvent{Error: message, Details: details})
}

func (e *sseEmitter) Done() error {
	return e.write([]byte("[DONE]"))
}

func (e *sseEmitter) send(ev streamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return e.write(data)
}

func (e *sseEmitter) write(data []byte) error {
	if err := e.rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		e.logger.Debug("failed to reset write deadline", "error", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return e.rc.Flush()
}
