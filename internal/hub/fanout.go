package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
)

// Fanout delivers frames to every live connection of an identity. Users
// without a local connection are reached through the backplane when one is
// configured.
type Fanout struct {
	registry  *Registry
	backplane Backplane
	logger    *slog.Logger
}

// NewFanout creates a fanout over registry
func NewFanout(registry *Registry, logger *slog.Logger) *Fanout {
	return &Fanout{registry: registry, logger: logger}
}

// SetBackplane routes deliveries for users not connected here through b
func (f *Fanout) SetBackplane(b Backplane) {
	f.backplane = b
}

// ToUser delivers v to userID and reports whether at least one connection,
// local or remote, accepted it
func (f *Fanout) ToUser(ctx context.Context, userID string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Error("failed to encode frame", "error", err)
		return false
	}
	if f.DeliverLocal(userID, data) > 0 {
		return true
	}
	if f.backplane == nil {
		return false
	}
	ok, err := f.backplane.Deliver(ctx, userID, data)
	if err != nil {
		f.logger.Warn("backplane delivery failed", "user_id", userID, "error", err)
	}
	return ok
}

// ToUsers delivers v to each user without waiting for remote
// acknowledgements
func (f *Fanout) ToUsers(userIDs []string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Error("failed to encode frame", "error", err)
		return
	}
	for _, id := range userIDs {
		if f.DeliverLocal(id, data) > 0 || f.backplane == nil {
			continue
		}
		if err := f.backplane.Publish(id, data); err != nil {
			f.logger.Warn("backplane publish failed", "user_id", id, "error", err)
		}
	}
}

// ToAll delivers v to every connected user on every instance
func (f *Fanout) ToAll(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Error("failed to encode frame", "error", err)
		return
	}
	f.BroadcastLocal(data)
	if f.backplane != nil {
		if err := f.backplane.Broadcast(data); err != nil {
			f.logger.Warn("backplane broadcast failed", "error", err)
		}
	}
}

// DeliverLocal queues data on every local connection of userID and returns
// how many accepted it. A failing connection never stops the others.
func (f *Fanout) DeliverLocal(userID string, data []byte) int {
	return f.sendAll(f.registry.Connections(userID), data)
}

// BroadcastLocal queues data on every local connection
func (f *Fanout) BroadcastLocal(data []byte) int {
	return f.sendAll(f.registry.All(), data)
}

func (f *Fanout) sendAll(conns []*Conn, data []byte) int {
	delivered := 0
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			f.logger.Debug("dropped frame", "conn_id", c.id, "user_id", c.identity.ID, "error", err)
			// A peer that cannot keep up is disconnected
			if errors.Is(err, ErrSendBufferFull) {
				c.Close()
			}
			continue
		}
		delivered++
	}
	return delivered
}
