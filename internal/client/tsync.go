package client

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ernie/pong-live/internal/domain"
)

// Fetcher loads the latest snapshot of one tournament
type Fetcher interface {
	FetchTournament(ctx context.Context, id string) (*domain.Tournament, error)
}

// SyncClient mirrors the tournaments a client has seen. Snapshots replace
// local state only when they carry a newer version; events without a
// snapshot trigger a background re-fetch when they announce a version the
// client has not applied yet.
type SyncClient struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu          sync.RWMutex
	tournaments map[string]*domain.Tournament
	// dirty marks tournaments carrying an unconfirmed local edit
	dirty map[string]bool
	// pending holds the highest announced version per tournament with a
	// re-fetch in flight
	pending  map[string]uint64
	onChange func(*domain.Tournament)
}

// NewSyncClient creates a SyncClient. fetcher may be nil, in which case
// advisory events never trigger a re-fetch.
func NewSyncClient(fetcher Fetcher, logger *slog.Logger) *SyncClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncClient{
		fetcher:     fetcher,
		logger:      logger,
		tournaments: make(map[string]*domain.Tournament),
		dirty:       make(map[string]bool),
		pending:     make(map[string]uint64),
	}
}

// OnChange registers a callback invoked with every applied snapshot
func (c *SyncClient) OnChange(fn func(*domain.Tournament)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Apply folds one server push into local state
func (c *SyncClient) Apply(ctx context.Context, ev domain.TournamentEvent) {
	switch {
	case ev.Type == domain.EventTournamentSnapshot && ev.Tournaments != nil:
		for _, t := range ev.Tournaments {
			c.replace(t)
		}
	case ev.Type == domain.EventTournamentsRemoved:
		c.remove(ev.TournamentIDs)
	case ev.Tournament != nil:
		c.replace(ev.Tournament)
	case ev.Type == domain.EventTournamentAck || ev.TournamentID == "":
		// Acks without a snapshot carry nothing to apply
	default:
		c.scheduleRefresh(ctx, ev.TournamentID, ev.Version)
	}
}

// ApplyLocal records an optimistic edit. It is overwritten by the next
// authoritative snapshot of the same or newer version.
func (c *SyncClient) ApplyLocal(id string, edit func(*domain.Tournament)) bool {
	c.mu.Lock()
	cur, ok := c.tournaments[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	next := cur.Clone()
	edit(next)
	// Local edits never advance the version
	next.Version = cur.Version
	c.tournaments[id] = next
	c.dirty[id] = true
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(next.Clone())
	}
	return true
}

// Get returns the local copy of a tournament
func (c *SyncClient) Get(id string) (*domain.Tournament, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tournaments[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// List returns every local tournament, oldest first
func (c *SyncClient) List() []*domain.Tournament {
	c.mu.RLock()
	out := make([]*domain.Tournament, 0, len(c.tournaments))
	for _, t := range c.tournaments {
		out = append(out, t.Clone())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (c *SyncClient) versionLocked(id string) uint64 {
	if t, ok := c.tournaments[id]; ok {
		return t.Version
	}
	return 0
}

// replace installs t if it is newer than the local copy. A local edit is
// also overwritten by a snapshot of the same version.
func (c *SyncClient) replace(t *domain.Tournament) bool {
	c.mu.Lock()
	cur, ok := c.tournaments[t.ID]
	if ok && (t.Version < cur.Version || (t.Version == cur.Version && !c.dirty[t.ID])) {
		c.mu.Unlock()
		c.logger.Debug("discarded stale snapshot", "tournament_id", t.ID, "version", t.Version, "have", cur.Version)
		return false
	}
	snap := t.Clone()
	c.tournaments[t.ID] = snap
	delete(c.dirty, t.ID)
	fn := c.onChange
	c.mu.Unlock()

	if fn != nil {
		fn(snap.Clone())
	}
	return true
}

func (c *SyncClient) remove(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.tournaments, id)
		delete(c.dirty, id)
	}
}

// scheduleRefresh starts a background fetch when version is ahead of the
// local copy. Announcements arriving while a fetch for the same tournament
// is in flight only raise its target.
func (c *SyncClient) scheduleRefresh(ctx context.Context, id string, version uint64) {
	if c.fetcher == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if version <= c.versionLocked(id) {
		return
	}
	if want, ok := c.pending[id]; ok {
		c.pending[id] = max(want, version)
		return
	}
	c.pending[id] = version
	go c.refresh(context.WithoutCancel(ctx), id)
}

func (c *SyncClient) refresh(ctx context.Context, id string) {
	for {
		c.mu.Lock()
		want := c.pending[id]
		// A snapshot may have landed since the fetch was scheduled
		if c.versionLocked(id) >= want {
			delete(c.pending, id)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		t, err := c.fetcher.FetchTournament(ctx, id)
		if err != nil {
			c.logger.Warn("failed to refresh tournament", "tournament_id", id, "error", err)
		} else {
			c.replace(t)
		}

		c.mu.Lock()
		if err != nil || c.pending[id] == want {
			delete(c.pending, id)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
	}
}
