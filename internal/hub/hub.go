// Package hub owns every live socket of the gateway: the connection
// registry, liveness checks, presence notifications and message routing.
package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/gorilla/websocket"
)

// Options configures a Hub
type Options struct {
	HeartbeatInterval time.Duration
	Conn              ConnOptions
}

// Hub wires the registry, heartbeat, presence and router together. It is
// created once per process and handed to the HTTP layer.
type Hub struct {
	registry  *Registry
	fanout    *Fanout
	presence  *Presence
	router    *Router
	heartbeat *Heartbeat
	opts      Options
	logger    *slog.Logger
}

// New creates a hub. Tournament commands are rejected until SetTournaments
// is called.
func New(friends FriendSource, status StatusUpdater, opts Options, logger *slog.Logger) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	registry := NewRegistry()
	fanout := NewFanout(registry, logger)
	return &Hub{
		registry:  registry,
		fanout:    fanout,
		presence:  NewPresence(registry, fanout, friends, status, logger),
		router:    NewRouter(registry, fanout, friends, nil, logger),
		heartbeat: NewHeartbeat(registry, opts.HeartbeatInterval, logger),
		opts:      opts,
		logger:    logger,
	}
}

// SetTournaments routes tournament commands to t
func (h *Hub) SetTournaments(t TournamentHandler) {
	h.router.tournaments = t
}

// SetBackplane routes deliveries for users connected elsewhere through b
func (h *Hub) SetBackplane(b Backplane) {
	h.fanout.SetBackplane(b)
}

// Local returns the deliverer the backplane hands remote frames to
func (h *Hub) Local() LocalDeliverer {
	return h.fanout
}

// Run drives the heartbeat until ctx is done, then closes every connection
func (h *Hub) Run(ctx context.Context) {
	h.heartbeat.Run(ctx)
	for _, c := range h.registry.All() {
		c.CloseWithReason(websocket.CloseGoingAway, "server shutting down")
	}
}

// Accept wraps an upgraded socket. The connection is not registered until
// Serve is called.
func (h *Hub) Accept(ws *websocket.Conn, identity auth.Identity) *Conn {
	return NewConn(ws, identity, h.opts.Conn)
}

// Serve registers c, pumps it until the socket fails and then unregisters
// it. It blocks for the lifetime of the connection.
func (h *Hub) Serve(ctx context.Context, c *Conn) {
	logger := h.logger.With("conn_id", c.id, "user_id", c.identity.ID)

	go c.writePump()

	// Announce off the pump goroutines; the friend lookup can take seconds
	first := h.registry.Register(c)
	logger.Info("websocket connected", "first", first)
	announced := make(chan struct{})
	go func() {
		defer close(announced)
		if first {
			h.presence.transition(ctx, c.identity, true)
		}
	}()

	c.readPump(logger, func(raw []byte) {
		h.router.Dispatch(ctx, c, raw)
	})

	c.Close()
	// Friends never see offline before online
	<-announced
	last := h.presence.Disconnect(ctx, c)
	logger.Info("websocket disconnected", "last", last)
}

// Broadcast sends a tournament event to every connected user
func (h *Hub) Broadcast(ev domain.TournamentEvent) {
	h.fanout.ToAll(ev)
}

// Notify sends a tournament event to the given users
func (h *Hub) Notify(userIDs []string, ev domain.TournamentEvent) {
	h.fanout.ToUsers(userIDs, ev)
}

// Stats returns the number of live connections and online users
func (h *Hub) Stats() (connections, users int) {
	return h.registry.Stats()
}
