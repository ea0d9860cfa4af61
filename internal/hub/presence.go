package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/collab"
	"github.com/ernie/pong-live/internal/domain"
)

// FriendSource returns a user's friend list
type FriendSource interface {
	Friends(ctx context.Context, userID string) ([]collab.Friend, error)
}

// StatusUpdater records a user's online status with the profile service
type StatusUpdater interface {
	SetOnline(ctx context.Context, userID string, online bool) error
}

// Presence turns registry population changes into friend-online and
// friend-offline notifications. Only the empty to non-empty transition and
// its reverse produce events.
type Presence struct {
	registry *Registry
	fanout   *Fanout
	friends  FriendSource
	status   StatusUpdater
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
}

// NewPresence creates a presence coordinator
func NewPresence(registry *Registry, fanout *Fanout, friends FriendSource, status StatusUpdater, logger *slog.Logger) *Presence {
	return &Presence{
		registry: registry,
		fanout:   fanout,
		friends:  friends,
		status:   status,
		logger:   logger,
		timeout:  5 * time.Second,
		now:      time.Now,
	}
}

// Connect registers c and announces the identity when it just came online
func (p *Presence) Connect(ctx context.Context, c *Conn) bool {
	first := p.registry.Register(c)
	if first {
		p.transition(ctx, c.identity, true)
	}
	return first
}

// Disconnect unregisters c and announces the identity when it just went
// offline. It runs even after ctx is cancelled so shutdown still reports.
func (p *Presence) Disconnect(ctx context.Context, c *Conn) bool {
	last := p.registry.Unregister(c)
	if last {
		p.transition(context.WithoutCancel(ctx), c.identity, false)
	}
	return last
}

func (p *Presence) transition(ctx context.Context, who auth.Identity, online bool) {
	if p.status != nil {
		go func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
			defer cancel()
			if err := p.status.SetOnline(sctx, who.ID, online); err != nil {
				p.logger.Warn("failed to update presence", "user_id", who.ID, "online", online, "error", err)
			}
		}()
	}

	typ := domain.MsgFriendOffline
	if online {
		typ = domain.MsgFriendOnline
	}
	env := domain.Envelope{
		Type:      typ,
		UserID:    who.ID,
		Username:  who.Username,
		Timestamp: p.now().UnixMilli(),
	}

	friends := p.friendIDs(ctx, who.ID)
	p.fanout.ToUsers(friends, env)
	p.logger.Debug("presence changed", "user_id", who.ID, "online", online, "friends", len(friends))
}

// friendIDs fetches the friend list; a failed fetch counts as no friends
func (p *Presence) friendIDs(ctx context.Context, userID string) []string {
	return fetchFriendIDs(ctx, p.friends, userID, p.timeout, p.logger)
}

func fetchFriendIDs(ctx context.Context, src FriendSource, userID string, timeout time.Duration, logger *slog.Logger) []string {
	if src == nil {
		return nil
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	friends, err := src.Friends(fctx, userID)
	if err != nil {
		logger.Warn("failed to fetch friends", "user_id", userID, "error", err)
		return nil
	}
	ids := make([]string, 0, len(friends))
	for _, f := range friends {
		ids = append(ids, string(f.ID))
	}
	return ids
}
