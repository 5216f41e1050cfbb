package api

import (
	"errors"
	"net/http"

	"github.com/nugget/huddle/internal/store"
)

// profileBody is the editable part of a profile.
type profileBody struct {
	BackgroundContext string `json:"background_context"`
}

// handleProfileGet returns the caller's profile. A user who never saved
// one gets an empty profile rather than 404.
func (s *Server) handleProfileGet(w http.ResponseWriter, r *http.Request) {
	u := currentUser(r)
	p, err := s.store.GetProfile(r.Context(), u.ID)
	if errors.Is(err, store.ErrNotFound) {
		p = &store.Profile{UserID: u.ID}
	} else if err != nil {
		s.storeError(w, err, "profile")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}

// handleProfilePut replaces the caller's own profile. There is no route
// for editing someone else's.
func (s *Server) handleProfilePut(w http.ResponseWriter, r *http.Request) {
	var body profileBody
	if err := decodeJSON(r, &body, false); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := s.store.UpsertProfile(r.Context(), currentUser(r).ID, body.BackgroundContext)
	if err != nil {
		s.storeError(w, err, "profile")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, p, s.logger)
}
