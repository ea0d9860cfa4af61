package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/collab"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/ernie/pong-live/internal/hub"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// TournamentReader exposes tournament snapshots to the REST routes
type TournamentReader interface {
	List() []*domain.Tournament
	Get(id string) (*domain.Tournament, error)
}

// Archive reads tournaments persisted by any instance sharing the database
type Archive interface {
	GetTournament(ctx context.Context, id string) (*domain.Tournament, error)
}

// ProfileSource looks up the public profile shown in the welcome frame
type ProfileSource interface {
	Profile(ctx context.Context, userID string) (*collab.Profile, error)
}

// Router holds the HTTP routes and dependencies
type Router struct {
	mux         chi.Router
	hub         *hub.Hub
	auth        *auth.Service
	tournaments TournamentReader
	archive     Archive
	profiles    ProfileSource
	logger      *slog.Logger
}

// NewRouter creates a new HTTP router. profiles may be nil.
func NewRouter(h *hub.Hub, authService *auth.Service, tournaments TournamentReader, profiles ProfileSource, logger *slog.Logger) *Router {
	r := &Router{
		mux:         chi.NewRouter(),
		hub:         h,
		auth:        authService,
		tournaments: tournaments,
		profiles:    profiles,
		logger:      logger,
	}

	r.mux.Use(chimiddleware.RealIP)
	r.mux.Use(chimiddleware.Recoverer)

	r.mux.Get("/ws", r.handleWebSocket)
	r.mux.Get("/health", r.handleHealth)

	r.mux.Group(func(api chi.Router) {
		api.Use(r.requireAuth)
		api.Get("/api/tournaments", r.handleListTournaments)
		api.Get("/api/tournaments/{id}", r.handleGetTournament)
	})

	return r
}

// SetArchive makes GET /api/tournaments/{id} fall back to a for tournaments
// this instance does not hold in memory
func (r *Router) SetArchive(a Archive) {
	r.archive = a
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}
