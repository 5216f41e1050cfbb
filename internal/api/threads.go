package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/nugget/huddle/internal/store"
	"github.com/nugget/huddle/internal/transcript"
)

// messageView is a stored message plus its author's display color.
type messageView struct {
	store.Message
	Color string `json:"color"`
}

func viewOf(m store.Message) messageView {
	return messageView{Message: m, Color: transcript.UserColor(m.UserID)}
}

func (s *Server) handleSpaceList(w http.ResponseWriter, r *http.Request) {
	spaces, err := s.store.ListSpaces(r.Context())
	if err != nil {
		s.storeError(w, err, "spaces")
		return
	}
	if spaces == nil {
		spaces = []store.Space{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"spaces": spaces}, s.logger)
}

func (s *Server) handleSpaceCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Name) == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}
	sp, err := s.store.CreateSpace(r.Context(), body.Name, currentUser(r).ID)
	if err != nil {
		s.storeError(w, err, "space")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, sp, s.logger)
}

func (s *Server) handleSpaceThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.ListThreads(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "threads")
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": threads}, s.logger)
}

// handleThreadCreate creates a thread in the requested space, or in the
// default space when none is given.
func (s *Server) handleThreadCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SpaceID string `json:"space_id"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	u := currentUser(r)
	spaceID := body.SpaceID
	if spaceID == "" {
		sp, err := s.store.DefaultSpace(r.Context(), u.ID)
		if err != nil {
			s.storeError(w, err, "default space")
			return
		}
		spaceID = sp.ID
	}

	th, err := s.store.CreateThread(r.Context(), spaceID, u.ID)
	if err != nil {
		s.storeError(w, err, "space")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, th, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	th, err := s.store.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storeError(w, err, "thread")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, th, s.logger)
}

func (s *Server) handleThreadRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	id := r.PathValue("id")
	if err := s.store.RenameThread(r.Context(), id, body.Title); err != nil {
		s.storeError(w, err, "thread")
		return
	}
	s.handleThreadGet(w, r)
}

func (s *Server) handleMessageList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		s.storeError(w, err, "thread")
		return
	}
	msgs, err := s.store.ThreadMessages(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "messages")
		return
	}
	views := make([]messageView, len(msgs))
	for i, m := range msgs {
		views[i] = viewOf(m)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"messages": views}, s.logger)
}

// handleMessageCreate stores a user message under the caller's current
// display name, names the thread after it if it is still untitled, and
// marks the thread read for the author.
func (s *Server) handleMessageCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	ctx := r.Context()
	u := currentUser(r)
	threadID := r.PathValue("id")

	msg, err := s.store.InsertMessage(ctx, store.NewMessage{
		ThreadID: threadID,
		UserID:   u.ID,
		UserName: u.DisplayName(),
		Content:  body.Content,
		Role:     store.RoleUser,
	})
	if err != nil {
		s.storeError(w, err, "thread")
		return
	}

	if _, err := s.store.AutoTitle(ctx, threadID, body.Content); err != nil {
		s.logger.Warn("auto-title failed", "thread_id", threadID, "error", err)
	}
	if err := s.store.MarkRead(ctx, u.ID, threadID, msg.CreatedAt); err != nil {
		s.logger.Warn("mark read failed", "thread_id", threadID, "user_id", u.ID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, viewOf(*msg), s.logger)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var body struct {
		At time.Time `json:"at"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.At.IsZero() {
		body.At = time.Now()
	}

	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		s.storeError(w, err, "thread")
		return
	}
	if err := s.store.MarkRead(r.Context(), currentUser(r).ID, id, body.At); err != nil {
		s.storeError(w, err, "read marker")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		s.storeError(w, err, "thread")
		return
	}
	n, err := s.store.UnreadCount(r.Context(), currentUser(r).ID, id)
	if err != nil {
		s.storeError(w, err, "unread count")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"thread_id": id, "unread": n}, s.logger)
}

// handleExport returns the thread as Markdown (default) or HTML.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "md"
	}
	if format != "md" && format != "html" {
		s.errorResponse(w, http.StatusBadRequest, "format must be md or html")
		return
	}

	id := r.PathValue("id")
	th, err := s.store.GetThread(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "thread")
		return
	}
	msgs, err := s.store.ThreadMessages(r.Context(), id)
	if err != nil {
		s.storeError(w, err, "messages")
		return
	}

	var out, contentType string
	switch format {
	case "html":
		out, err = transcript.HTML(th, msgs)
		if err != nil {
			s.logger.Error("html export failed", "thread_id", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "export failed")
			return
		}
		contentType = "text/html; charset=utf-8"
	default:
		out = transcript.Markdown(th, msgs)
		contentType = "text/markdown; charset=utf-8"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="thread-`+id+`.`+format+`"`)
	if _, err := w.Write([]byte(out)); err != nil {
		s.logger.Debug("failed to write export", "error", err)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.realtime == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "realtime not configured")
		return
	}
	id := r.PathValue("id")
	if _, err := s.store.GetThread(r.Context(), id); err != nil {
		s.storeError(w, err, "thread")
		return
	}
	s.realtime.Serve(w, r, id)
}
