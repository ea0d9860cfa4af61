package api

import (
	"net/http"
	"strconv"

	"github.com/ernie/pong-live/internal/domain"
)

var validStatuses = map[domain.TournamentStatus]bool{
	domain.TournamentWaiting:   true,
	domain.TournamentActive:    true,
	domain.TournamentCompleted: true,
}

// parseLimit parses and validates a limit parameter with default and max values
func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= maxLimit {
			return parsed
		}
	}
	return defaultLimit
}

// parseOffset parses and validates an offset parameter
func parseOffset(r *http.Request) int {
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

// parseStatus returns the status filter; an empty filter matches everything
func parseStatus(r *http.Request) (domain.TournamentStatus, bool) {
	s := domain.TournamentStatus(r.URL.Query().Get("status"))
	if s == "" {
		return "", true
	}
	return s, validStatuses[s]
}
