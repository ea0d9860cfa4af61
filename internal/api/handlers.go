package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ernie/pong-live/internal/domain"
	"github.com/ernie/pong-live/internal/storage"
	"github.com/ernie/pong-live/internal/tournament"
	"github.com/go-chi/chi/v5"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Users       int    `json:"users"`
}

// handleHealth reports liveness and socket counts
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	conns, users := r.hub.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Connections: conns, Users: users})
}

// TournamentList is the body of GET /api/tournaments
type TournamentList struct {
	Tournaments []*domain.Tournament `json:"tournaments"`
	Total       int                  `json:"total"`
}

// handleListTournaments returns a page of tournaments, oldest first
func (r *Router) handleListTournaments(w http.ResponseWriter, req *http.Request) {
	status, ok := parseStatus(req)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	limit := parseLimit(req, 50, 200)
	offset := parseOffset(req)

	all := r.tournaments.List()
	filtered := make([]*domain.Tournament, 0, len(all))
	for _, t := range all {
		if status == "" || t.Status == status {
			filtered = append(filtered, t)
		}
	}

	page := []*domain.Tournament{}
	if offset < len(filtered) {
		page = filtered[offset:min(offset+limit, len(filtered))]
	}
	writeJSON(w, http.StatusOK, TournamentList{Tournaments: page, Total: len(filtered)})
}

// handleGetTournament returns the current snapshot of one tournament
func (r *Router) handleGetTournament(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "id")
	t, err := r.tournaments.Get(id)
	if errors.Is(err, tournament.ErrTournamentNotFound) && r.archive != nil {
		t, err = r.archive.GetTournament(req.Context(), id)
	}
	if errors.Is(err, tournament.ErrTournamentNotFound) || errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tournament not found")
		return
	}
	if err != nil {
		if caller, ok := identityFrom(req.Context()); ok {
			r.logger.Error("failed to get tournament", "user_id", caller.ID, "tournament_id", id, "error", err)
		}
		writeError(w, http.StatusInternalServerError, "failed to get tournament")
		return
	}
	writeJSON(w, http.StatusOK, t)
}
