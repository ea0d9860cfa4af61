package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/google/uuid"
)

var (
	ErrTournamentNotFound = errors.New("tournament not found")
	ErrTournamentFull     = errors.New("tournament is full")
	ErrNotWaiting         = errors.New("tournament has already started")
	ErrNotActive          = errors.New("tournament is not active")
	ErrNotCreator         = errors.New("only the creator can start the tournament")
	ErrRosterIncomplete   = errors.New("tournament roster is not full")
	ErrNotParticipant     = errors.New("only a player of this match or the creator can report it")
	ErrUnknownCommand     = errors.New("unknown tournament command")
)

// Notifier delivers tournament events to connected users
type Notifier interface {
	// Broadcast sends ev to every connected user
	Broadcast(ev domain.TournamentEvent)
	// Notify sends ev to every connection of the given users
	Notify(userIDs []string, ev domain.TournamentEvent)
}

// Store persists tournament snapshots
type Store interface {
	SaveTournament(ctx context.Context, t *domain.Tournament) error
	LoadTournaments(ctx context.Context) ([]*domain.Tournament, error)
	DeleteTournaments(ctx context.Context, ids []string) error
}

// entry serializes every mutation of one tournament
type entry struct {
	mu sync.Mutex
	t  *domain.Tournament
}

// Service owns every live tournament and applies commands to them
type Service struct {
	mu          sync.RWMutex
	tournaments map[string]*entry

	notifier      Notifier
	store         Store
	logger        *slog.Logger
	shuffle       Shuffler
	now           func() time.Time
	inactiveAfter time.Duration
}

// Option configures optional Service parameters
type Option func(*Service)

// WithStore persists every mutation through store
func WithStore(store Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// WithShuffler overrides the bracket seeding shuffle; primarily used in tests.
func WithShuffler(shuffle Shuffler) Option {
	return func(s *Service) {
		if shuffle != nil {
			s.shuffle = shuffle
		}
	}
}

// WithClock overrides the time source; primarily used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInactiveAfter sets how long a waiting tournament may sit idle before
// clear_inactive_tournaments removes it.
func WithInactiveAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inactiveAfter = d
		}
	}
}

// NewService creates a tournament service
func NewService(notifier Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		tournaments:   make(map[string]*entry),
		notifier:      notifier,
		logger:        logger,
		now:           time.Now,
		inactiveAfter: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads persisted tournaments into memory
func (s *Service) Restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	stored, err := s.store.LoadTournaments(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading tournaments: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range stored {
		s.tournaments[t.ID] = &entry{t: t}
	}
	return len(stored), nil
}

// Handle applies a tournament command for caller and returns the reply for
// the sender: an ack, a snapshot or a tournament_error.
func (s *Service) Handle(ctx context.Context, caller auth.Identity, cmd domain.Inbound) domain.TournamentEvent {
	var (
		t   *domain.Tournament
		err error
	)

	switch c := cmd.(type) {
	case domain.CreateTournament:
		t, err = s.Create(ctx, caller, c.Name, c.Size)
	case domain.JoinTournament:
		t, err = s.Join(ctx, caller, c.TournamentID)
	case domain.StartTournament:
		t, err = s.Start(ctx, caller, c.TournamentID)
	case domain.CompleteTournamentMatch:
		t, err = s.CompleteMatch(ctx, caller, c.TournamentID, c.MatchID, c.WinnerID, c.Score1, c.Score2)
	case domain.MarkPlayerReady:
		t, err = s.MarkReady(ctx, caller, c.TournamentID, c.MatchID)
	case domain.RequestTournaments:
		return domain.TournamentEvent{
			Type:        domain.EventTournamentSnapshot,
			Timestamp:   s.now(),
			Tournaments: s.List(),
		}
	case domain.ClearInactiveTournaments:
		n := s.ClearInactive(ctx)
		return domain.TournamentEvent{
			Type:      domain.EventTournamentAck,
			Command:   cmd.Kind(),
			Timestamp: s.now(),
			Cleared:   n,
		}
	default:
		err = ErrUnknownCommand
	}

	if err != nil {
		s.logger.Info("tournament command rejected",
			"command", cmd.Kind(), "user_id", caller.ID, "error", err)
		return domain.TournamentEvent{
			Type:      domain.EventTournamentError,
			Command:   cmd.Kind(),
			Timestamp: s.now(),
			Reason:    err.Error(),
		}
	}

	return domain.TournamentEvent{
		Type:         domain.EventTournamentAck,
		Command:      cmd.Kind(),
		TournamentID: t.ID,
		Version:      t.Version,
		Timestamp:    s.now(),
		Tournament:   t,
	}
}

// Create opens a waiting tournament with the creator as its first player
func (s *Service) Create(ctx context.Context, creator auth.Identity, name string, size int) (*domain.Tournament, error) {
	if !domain.IsValidSize(size) {
		return nil, ErrInvalidSize
	}

	id := uuid.NewString()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Tournament " + id[:8]
	}

	now := s.now()
	t := &domain.Tournament{
		ID:        id,
		Name:      name,
		Size:      size,
		Status:    domain.TournamentWaiting,
		CreatorID: creator.ID,
		Players:   []domain.Player{{ID: creator.ID, Username: creator.Username}},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	e := &entry{t: t}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	s.tournaments[id] = e
	s.mu.Unlock()

	s.persist(ctx, t)
	s.logger.Info("tournament created", "tournament_id", id, "size", size, "user_id", creator.ID)

	s.notifier.Broadcast(s.event(domain.EventTournamentCreated, t))
	return t.Clone(), nil
}

// Join adds the caller to a waiting tournament. Joining twice is a no-op.
func (s *Service) Join(ctx context.Context, caller auth.Identity, id string) (*domain.Tournament, error) {
	return s.mutate(ctx, id, func(t *domain.Tournament) (bool, error) {
		if t.HasPlayer(caller.ID) {
			return false, nil
		}
		if t.Status != domain.TournamentWaiting {
			return false, ErrNotWaiting
		}
		if len(t.Players) >= t.Size {
			return false, ErrTournamentFull
		}
		t.Players = append(t.Players, domain.Player{ID: caller.ID, Username: caller.Username})
		return true, nil
	}, func(t *domain.Tournament) {
		s.publish(t, s.event(domain.EventTournamentUpdated, t))
	})
}

// Start generates the bracket of a full tournament
func (s *Service) Start(ctx context.Context, caller auth.Identity, id string) (*domain.Tournament, error) {
	return s.mutate(ctx, id, func(t *domain.Tournament) (bool, error) {
		if t.CreatorID != caller.ID {
			return false, ErrNotCreator
		}
		if t.Status != domain.TournamentWaiting {
			return false, ErrNotWaiting
		}
		if len(t.Players) != t.Size {
			return false, ErrRosterIncomplete
		}
		matches, err := GenerateBracket(t.Size, t.Players, s.shuffle)
		if err != nil {
			return false, err
		}
		t.Matches = matches
		t.Status = domain.TournamentActive
		t.CurrentRound = 1
		return true, nil
	}, func(t *domain.Tournament) {
		s.publish(t, s.event(domain.EventTournamentStarted, t))
		for i := range t.Matches {
			if t.Matches[i].Status == domain.MatchReady {
				s.publish(t, s.matchEvent(domain.EventMatchReady, t, &t.Matches[i]))
			}
		}
	})
}

// MarkReady records that the caller is ready to play matchID
func (s *Service) MarkReady(ctx context.Context, caller auth.Identity, id, matchID string) (*domain.Tournament, error) {
	var both bool
	return s.mutate(ctx, id, func(t *domain.Tournament) (bool, error) {
		if t.Status != domain.TournamentActive {
			return false, ErrNotActive
		}
		m := t.Match(matchID)
		if m == nil {
			return false, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
		}
		wasReady := (m.Player1 != nil && m.Player1.ID == caller.ID && m.Player1Ready) ||
			(m.Player2 != nil && m.Player2.ID == caller.ID && m.Player2Ready)

		var err error
		both, err = MarkReady(t, matchID, caller.ID)
		if err != nil {
			return false, err
		}
		return !wasReady, nil
	}, func(t *domain.Tournament) {
		s.publish(t, s.event(domain.EventTournamentUpdated, t))
		if !both {
			return
		}
		m := t.Match(matchID)
		s.notifier.Notify([]string{m.Player1.ID, m.Player2.ID}, s.matchEvent(domain.EventBothPlayersReady, t, m))
	})
}

// CompleteMatch records a match result reported by one of its players or the
// creator. Repeating a completion returns the stored result.
func (s *Service) CompleteMatch(ctx context.Context, caller auth.Identity, id, matchID, winnerID string, score1, score2 int) (*domain.Tournament, error) {
	var res *Result
	return s.mutate(ctx, id, func(t *domain.Tournament) (bool, error) {
		if len(t.Matches) == 0 {
			return false, ErrNotActive
		}
		m := t.Match(matchID)
		if m == nil {
			return false, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
		}
		if !m.HasPlayer(caller.ID) && t.CreatorID != caller.ID {
			return false, ErrNotParticipant
		}

		var err error
		res, err = CompleteMatch(t, matchID, winnerID, score1, score2)
		if err != nil {
			return false, err
		}
		return !res.Repeated, nil
	}, func(t *domain.Tournament) {
		// The snapshot leads so advisory events never announce a version
		// subscribers have not received yet
		s.publish(t, s.event(domain.EventTournamentUpdated, t))
		s.publish(t, s.matchEvent(domain.EventMatchCompleted, t, res.Match))
		if res.NextMatch != nil && res.NextMatch.Status == domain.MatchReady {
			s.publish(t, s.matchEvent(domain.EventMatchReady, t, res.NextMatch))
		}
		if res.RoundCompleted > 0 {
			ev := s.event(domain.EventRoundCompleted, t)
			ev.Tournament = nil
			ev.Round = res.RoundCompleted
			s.publish(t, ev)
		}
		if res.Completed {
			ev := s.event(domain.EventTournamentCompleted, t)
			ev.WinnerID = t.WinnerID
			s.publish(t, ev)
			s.logger.Info("tournament completed", "tournament_id", t.ID, "winner_id", t.WinnerID)
		}
	})
}

// Get returns a snapshot of one tournament
func (s *Service) Get(id string) (*domain.Tournament, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTournamentNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.t.Clone(), nil
}

// List returns snapshots of every tournament, oldest first
func (s *Service) List() []*domain.Tournament {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.tournaments))
	for _, e := range s.tournaments {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]*domain.Tournament, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.t.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ClearInactive removes completed tournaments and waiting tournaments that
// have been idle longer than the inactivity window.
func (s *Service) ClearInactive(ctx context.Context) int {
	cutoff := s.now().Add(-s.inactiveAfter)

	s.mu.Lock()
	var removed []string
	for id, e := range s.tournaments {
		e.mu.Lock()
		stale := e.t.Status == domain.TournamentCompleted ||
			(e.t.Status == domain.TournamentWaiting && e.t.UpdatedAt.Before(cutoff))
		e.mu.Unlock()
		if stale {
			delete(s.tournaments, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	if len(removed) > 0 && s.store != nil {
		if err := s.store.DeleteTournaments(ctx, removed); err != nil {
			s.logger.Warn("failed to delete tournaments", "count", len(removed), "error", err)
		}
	}
	if len(removed) > 0 {
		sort.Strings(removed)
		s.notifier.Broadcast(domain.TournamentEvent{
			Type:          domain.EventTournamentsRemoved,
			Timestamp:     s.now(),
			TournamentIDs: removed,
		})
		s.logger.Info("cleared inactive tournaments", "count", len(removed))
	}
	return len(removed)
}

// mutate runs apply under the tournament's lock. When apply reports a change
// the version is bumped, the snapshot persisted and emit called, all before
// the lock is released so events leave in version order.
func (s *Service) mutate(ctx context.Context, id string, apply func(*domain.Tournament) (bool, error), emit func(*domain.Tournament)) (*domain.Tournament, error) {
	e := s.lookup(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrTournamentNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Work on a copy so a rejected command leaves no partial state behind
	work := e.t.Clone()
	changed, err := apply(work)
	if err != nil {
		return nil, err
	}
	if !changed {
		return work, nil
	}

	work.Version = e.t.Version + 1
	work.UpdatedAt = s.now()
	e.t = work

	s.persist(ctx, work)
	emit(work)
	return work.Clone(), nil
}

func (s *Service) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tournaments[id]
}

func (s *Service) persist(ctx context.Context, t *domain.Tournament) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveTournament(ctx, t); err != nil {
		s.logger.Warn("failed to persist tournament", "tournament_id", t.ID, "version", t.Version, "error", err)
	}
}

// publish sends lobby-visible events to everyone and bracket events to the
// participants only
func (s *Service) publish(t *domain.Tournament, ev domain.TournamentEvent) {
	if t.Status == domain.TournamentWaiting {
		s.notifier.Broadcast(ev)
		return
	}
	s.notifier.Notify(t.PlayerIDs(), ev)
}

func (s *Service) event(typ domain.TournamentEventType, t *domain.Tournament) domain.TournamentEvent {
	return domain.TournamentEvent{
		Type:         typ,
		TournamentID: t.ID,
		Version:      t.Version,
		Timestamp:    s.now(),
		Tournament:   t.Clone(),
	}
}

func (s *Service) matchEvent(typ domain.TournamentEventType, t *domain.Tournament, m *domain.Match) domain.TournamentEvent {
	mc := *m
	return domain.TournamentEvent{
		Type:         typ,
		TournamentID: t.ID,
		Version:      t.Version,
		Timestamp:    s.now(),
		Match:        &mc,
		Round:        m.Round,
	}
}
