package hub

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrNotFriends       = errors.New("you can only message friends")
	ErrRecipientOffline = errors.New("recipient is offline")
)

var rateLimited = domain.Envelope{Type: domain.MsgError, Error: "rate limited"}

// TournamentHandler applies tournament commands and returns the reply for
// the sender
type TournamentHandler interface {
	Handle(ctx context.Context, caller auth.Identity, cmd domain.Inbound) domain.TournamentEvent
}

// Router validates inbound frames and dispatches them by variant
type Router struct {
	registry    *Registry
	fanout      *Fanout
	friends     FriendSource
	tournaments TournamentHandler
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time
}

// NewRouter creates a message router. tournaments may be nil, in which case
// tournament commands are rejected.
func NewRouter(registry *Registry, fanout *Fanout, friends FriendSource, tournaments TournamentHandler, logger *slog.Logger) *Router {
	return &Router{
		registry:    registry,
		fanout:      fanout,
		friends:     friends,
		tournaments: tournaments,
		logger:      logger,
		timeout:     5 * time.Second,
		now:         time.Now,
	}
}

// Dispatch handles one frame received on c
func (r *Router) Dispatch(ctx context.Context, c *Conn, raw []byte) {
	msg, err := domain.DecodeInbound(raw)
	if err != nil {
		r.reply(c, domain.ErrorEnvelope(err.Error()))
		return
	}
	if msg == nil {
		r.logger.Debug("ignoring unknown message type", "conn_id", c.id)
		return
	}

	sender := c.identity
	switch m := msg.(type) {
	case domain.Ping:
		c.MarkAlive()
		r.reply(c, domain.Envelope{Type: domain.MsgPong, Timestamp: r.now().UnixMilli()})

	case domain.DirectMessage:
		if err := r.directMessage(ctx, sender, m); err != nil {
			r.reply(c, domain.ErrorEnvelope(err.Error()))
		}

	case domain.FriendAccepted:
		r.notifyUsername(ctx, sender, m.Kind(), m.TargetUsername)

	case domain.UserBlocked:
		r.notifyUsername(ctx, sender, m.Kind(), m.TargetUsername)

	case domain.AvatarChanged:
		friends := fetchFriendIDs(ctx, r.friends, sender.ID, r.timeout, r.logger)
		r.fanout.ToUsers(friends, domain.Envelope{
			Type:      domain.MsgAvatarChanged,
			From:      sender.Username,
			FromID:    sender.ID,
			Avatar:    m.Avatar,
			Timestamp: r.now().UnixMilli(),
		})

	default:
		if r.tournaments == nil {
			r.reply(c, domain.ErrorEnvelope("tournaments are not available"))
			return
		}
		r.reply(c, r.tournaments.Handle(ctx, sender, msg))
	}
}

// directMessage delivers to every connection of the recipient once the
// friendship has been confirmed for this send
func (r *Router) directMessage(ctx context.Context, sender auth.Identity, m domain.DirectMessage) error {
	friends := fetchFriendIDs(ctx, r.friends, sender.ID, r.timeout, r.logger)
	if !slices.Contains(friends, m.To) {
		return ErrNotFriends
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	env := domain.Envelope{
		Type:      domain.MsgDirectMessage,
		ID:        id,
		From:      sender.Username,
		FromID:    sender.ID,
		To:        m.To,
		Text:      m.Text,
		Timestamp: r.now().UnixMilli(),
	}
	if !r.fanout.ToUser(ctx, m.To, env) {
		return ErrRecipientOffline
	}
	return nil
}

// notifyUsername forwards a relationship change to the target's connections.
// Targets are addressed by username, so only locally connected users are
// reachable.
func (r *Router) notifyUsername(ctx context.Context, sender auth.Identity, typ domain.MessageType, username string) {
	targetID, ok := r.registry.LookupUsername(username)
	if !ok {
		r.logger.Debug("relationship target not connected", "type", typ, "username", username)
		return
	}
	r.fanout.ToUser(ctx, targetID, domain.Envelope{
		Type:      typ,
		From:      sender.Username,
		FromID:    sender.ID,
		UserID:    sender.ID,
		Username:  sender.Username,
		Timestamp: r.now().UnixMilli(),
	})
}

func (r *Router) reply(c *Conn, v any) {
	if err := c.SendJSON(v); err != nil {
		r.logger.Debug("failed to reply", "conn_id", c.id, "error", err)
	}
}
