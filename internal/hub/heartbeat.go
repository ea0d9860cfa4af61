package hub

import (
	"context"
	"log/slog"
	"time"
)

// Heartbeat reaps connections that stopped answering pings. A connection
// that shows no sign of life for one full interval after a ping is closed,
// so a half-open socket is detected within two intervals.
type Heartbeat struct {
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewHeartbeat creates a heartbeat monitor over registry
func NewHeartbeat(registry *Registry, interval time.Duration, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{registry: registry, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := h.sweep(); n > 0 {
				h.logger.Info("reaped dead connections", "count", n)
			}
		}
	}
}

// sweep closes every connection whose liveness flag is still clear and pings
// the rest. Closing makes the connection's read loop fail, which runs the
// normal unregister path.
func (h *Heartbeat) sweep() int {
	reaped := 0
	for _, c := range h.registry.All() {
		if !c.expire() {
			h.logger.Debug("connection missed heartbeat", "conn_id", c.id, "user_id", c.identity.ID)
			c.Close()
			reaped++
			continue
		}
		if err := c.ping(); err != nil {
			h.logger.Debug("ping failed", "conn_id", c.id, "error", err)
		}
	}
	return reaped
}
