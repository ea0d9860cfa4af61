package tournament

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	to    []string // nil for broadcasts
	event domain.TournamentEvent
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) Broadcast(ev domain.TournamentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{event: ev})
}

func (r *recorder) Notify(userIDs []string, ev domain.TournamentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{to: userIDs, event: ev})
}

func (r *recorder) types() []domain.TournamentEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TournamentEventType, 0, len(r.events))
	for _, s := range r.events {
		out = append(out, s.event.Type)
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type memStore struct {
	mu      sync.Mutex
	saved   map[string]*domain.Tournament
	deleted []string
	failErr error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*domain.Tournament)}
}

func (m *memStore) SaveTournament(_ context.Context, t *domain.Tournament) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.saved[t.ID] = t.Clone()
	return nil
}

func (m *memStore) LoadTournaments(context.Context) ([]*domain.Tournament, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Tournament, 0, len(m.saved))
	for _, t := range m.saved {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (m *memStore) DeleteTournaments(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.saved, id)
	}
	m.deleted = append(m.deleted, ids...)
	return nil
}

var (
	alice = auth.Identity{ID: "A", Username: "alice"}
	bob   = auth.Identity{ID: "B", Username: "bob"}
	carol = auth.Identity{ID: "C", Username: "carol"}
	dave  = auth.Identity{ID: "D", Username: "dave"}
	eve   = auth.Identity{ID: "E", Username: "eve"}
)

func newTestService(t *testing.T, opts ...Option) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithShuffler(noShuffle)}, opts...)
	return NewService(rec, logger, opts...), rec
}

// startedFour creates a four player tournament owned by alice and starts it
func startedFour(t *testing.T, svc *Service) *domain.Tournament {
	t.Helper()
	ctx := context.Background()
	tr, err := svc.Create(ctx, alice, "cup", 4)
	require.NoError(t, err)
	for _, p := range []auth.Identity{bob, carol, dave} {
		_, err = svc.Join(ctx, p, tr.ID)
		require.NoError(t, err)
	}
	tr, err = svc.Start(ctx, alice, tr.ID)
	require.NoError(t, err)
	return tr
}

func TestServiceCreateAndJoin(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, alice, "  ", 4)
	require.NoError(t, err)
	assert.Equal(t, domain.TournamentWaiting, tr.Status)
	assert.Equal(t, uint64(1), tr.Version)
	assert.Contains(t, tr.Name, "Tournament ")
	assert.True(t, tr.HasPlayer("A"))

	require.Len(t, rec.events, 1)
	assert.Nil(t, rec.events[0].to, "creation is broadcast to everyone")
	assert.Equal(t, domain.EventTournamentCreated, rec.events[0].event.Type)

	tr, err = svc.Join(ctx, bob, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tr.Version)
	assert.Len(t, tr.Players, 2)

	// Joining again changes nothing
	again, err := svc.Join(ctx, bob, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Version, again.Version)
	assert.Len(t, rec.events, 2)

	_, err = svc.Create(ctx, alice, "bad", 5)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, err = svc.Join(ctx, bob, "missing")
	assert.ErrorIs(t, err, ErrTournamentNotFound)
}

func TestServiceJoinFullAndStarted(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, alice, "cup", 4)
	require.NoError(t, err)
	for _, p := range []auth.Identity{bob, carol, dave} {
		_, err = svc.Join(ctx, p, tr.ID)
		require.NoError(t, err)
	}

	_, err = svc.Join(ctx, eve, tr.ID)
	assert.ErrorIs(t, err, ErrTournamentFull)

	_, err = svc.Start(ctx, alice, tr.ID)
	require.NoError(t, err)

	_, err = svc.Join(ctx, eve, tr.ID)
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestServiceStart(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()

	tr, err := svc.Create(ctx, alice, "cup", 4)
	require.NoError(t, err)

	_, err = svc.Start(ctx, alice, tr.ID)
	assert.ErrorIs(t, err, ErrRosterIncomplete)

	for _, p := range []auth.Identity{bob, carol, dave} {
		_, err = svc.Join(ctx, p, tr.ID)
		require.NoError(t, err)
	}

	_, err = svc.Start(ctx, bob, tr.ID)
	assert.ErrorIs(t, err, ErrNotCreator)

	rec.reset()
	tr, err = svc.Start(ctx, alice, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TournamentActive, tr.Status)
	assert.Equal(t, 1, tr.CurrentRound)
	assert.Len(t, tr.Matches, 3)

	assert.Equal(t, []domain.TournamentEventType{
		domain.EventTournamentStarted,
		domain.EventMatchReady,
		domain.EventMatchReady,
	}, rec.types())
	for _, s := range rec.events {
		assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, s.to)
		assert.Equal(t, tr.Version, s.event.Version)
	}

	_, err = svc.Start(ctx, alice, tr.ID)
	assert.ErrorIs(t, err, ErrNotWaiting)
}

func TestServiceFullTournament(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	tr := startedFour(t, svc)

	rec.reset()
	tr, err := svc.CompleteMatch(ctx, alice, tr.ID, "r1m0", "A", 5, 3)
	require.NoError(t, err)
	assert.Equal(t, []domain.TournamentEventType{
		domain.EventTournamentUpdated,
		domain.EventMatchCompleted,
	}, rec.types())
	assert.Equal(t, tr.Version, rec.events[0].event.Tournament.Version)

	rec.reset()
	tr, err = svc.CompleteMatch(ctx, dave, tr.ID, "r1m1", "C", 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []domain.TournamentEventType{
		domain.EventTournamentUpdated,
		domain.EventMatchCompleted,
		domain.EventMatchReady,
		domain.EventRoundCompleted,
	}, rec.types())
	assert.Equal(t, 1, rec.events[3].event.Round)

	final := tr.MatchAt(2, 0)
	assert.Equal(t, "A", final.Player1.ID)
	assert.Equal(t, "C", final.Player2.ID)

	rec.reset()
	tr, err = svc.CompleteMatch(ctx, carol, tr.ID, final.ID, "C", 1, 5)
	require.NoError(t, err)
	assert.Equal(t, domain.TournamentCompleted, tr.Status)
	assert.Equal(t, "C", tr.WinnerID)
	assert.Equal(t, domain.EventTournamentUpdated, rec.types()[0])
	assert.Contains(t, rec.types(), domain.EventTournamentCompleted)

	var versions []uint64
	for _, s := range rec.events {
		versions = append(versions, s.event.Version)
	}
	for _, v := range versions {
		assert.Equal(t, tr.Version, v)
	}
}

func TestServiceCompleteIsIdempotent(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	tr := startedFour(t, svc)

	first, err := svc.CompleteMatch(ctx, alice, tr.ID, "r1m0", "A", 5, 3)
	require.NoError(t, err)

	rec.reset()
	second, err := svc.CompleteMatch(ctx, bob, tr.ID, "r1m0", "B", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, "A", second.Match("r1m0").WinnerID)
	assert.Empty(t, rec.events)
}

func TestServiceCompleteRejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tr := startedFour(t, svc)

	_, err := svc.CompleteMatch(ctx, carol, tr.ID, "r1m0", "A", 5, 3)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.CompleteMatch(ctx, bob, tr.ID, "r1m0", "C", 5, 3)
	assert.ErrorIs(t, err, ErrInvalidWinner)

	_, err = svc.CompleteMatch(ctx, bob, tr.ID, "r9m9", "B", 5, 3)
	assert.ErrorIs(t, err, ErrMatchNotFound)

	after, err := svc.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Version, after.Version)
	assert.Equal(t, domain.MatchReady, after.Match("r1m0").Status)

	waiting, err := svc.Create(ctx, eve, "later", 4)
	require.NoError(t, err)
	_, err = svc.CompleteMatch(ctx, eve, waiting.ID, "r1m0", "E", 1, 0)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestServiceMarkReady(t *testing.T) {
	svc, rec := newTestService(t)
	ctx := context.Background()
	tr := startedFour(t, svc)

	rec.reset()
	tr, err := svc.MarkReady(ctx, alice, tr.ID, "r1m0")
	require.NoError(t, err)
	assert.True(t, tr.Match("r1m0").Player1Ready)
	// Every participant sees the first mark
	require.Len(t, rec.events, 1)
	assert.Equal(t, domain.EventTournamentUpdated, rec.events[0].event.Type)
	assert.Equal(t, tr.Version, rec.events[0].event.Version)
	assert.ElementsMatch(t, []string{"A", "B", "C", "D"}, rec.events[0].to)

	rec.reset()
	v := tr.Version
	tr, err = svc.MarkReady(ctx, alice, tr.ID, "r1m0")
	require.NoError(t, err)
	assert.Equal(t, v, tr.Version, "repeat ready does not bump the version")
	assert.Empty(t, rec.events)

	tr, err = svc.MarkReady(ctx, bob, tr.ID, "r1m0")
	require.NoError(t, err)
	assert.Equal(t, domain.MatchActive, tr.Match("r1m0").Status)
	assert.Equal(t, []domain.TournamentEventType{
		domain.EventTournamentUpdated,
		domain.EventBothPlayersReady,
	}, rec.types())
	assert.ElementsMatch(t, []string{"A", "B"}, rec.events[1].to)

	_, err = svc.MarkReady(ctx, carol, tr.ID, "r1m0")
	assert.ErrorIs(t, err, ErrNotInMatch)
}

func TestServiceHandle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	reply := svc.Handle(ctx, alice, domain.CreateTournament{Name: "cup", Size: 4})
	require.Equal(t, domain.EventTournamentAck, reply.Type)
	assert.Equal(t, domain.CmdCreateTournament, reply.Command)
	require.NotNil(t, reply.Tournament)
	id := reply.TournamentID

	reply = svc.Handle(ctx, bob, domain.StartTournament{TournamentID: id})
	assert.Equal(t, domain.EventTournamentError, reply.Type)
	assert.Equal(t, ErrNotCreator.Error(), reply.Reason)

	reply = svc.Handle(ctx, bob, domain.RequestTournaments{})
	assert.Equal(t, domain.EventTournamentSnapshot, reply.Type)
	assert.Len(t, reply.Tournaments, 1)

	reply = svc.Handle(ctx, bob, domain.Ping{})
	assert.Equal(t, domain.EventTournamentError, reply.Type)
	assert.Equal(t, ErrUnknownCommand.Error(), reply.Reason)
}

func TestServiceClearInactive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := newMemStore()
	svc, rec := newTestService(t, WithClock(clock), WithStore(store), WithInactiveAfter(time.Hour))
	ctx := context.Background()

	stale, err := svc.Create(ctx, alice, "stale", 4)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	fresh, err := svc.Create(ctx, bob, "fresh", 4)
	require.NoError(t, err)

	done := startedFour(t, svc)
	done, err = svc.CompleteMatch(ctx, alice, done.ID, "r1m0", "A", 1, 0)
	require.NoError(t, err)
	done, err = svc.CompleteMatch(ctx, carol, done.ID, "r1m1", "C", 1, 0)
	require.NoError(t, err)
	_, err = svc.CompleteMatch(ctx, alice, done.ID, "r2m0", "A", 1, 0)
	require.NoError(t, err)

	rec.reset()
	reply := svc.Handle(ctx, eve, domain.ClearInactiveTournaments{})
	assert.Equal(t, domain.EventTournamentAck, reply.Type)
	assert.Equal(t, 2, reply.Cleared)

	require.Len(t, rec.events, 1)
	removed := rec.events[0]
	assert.Nil(t, removed.to, "removals reach every connected user")
	assert.Equal(t, domain.EventTournamentsRemoved, removed.event.Type)
	assert.ElementsMatch(t, []string{stale.ID, done.ID}, removed.event.TournamentIDs)

	rec.reset()
	assert.Equal(t, 0, svc.ClearInactive(ctx))
	assert.Empty(t, rec.events, "nothing removed, nothing announced")

	list := svc.List()
	require.Len(t, list, 1)
	assert.Equal(t, fresh.ID, list[0].ID)
	assert.ElementsMatch(t, []string{stale.ID, done.ID}, store.deleted)
}

func TestServiceRestore(t *testing.T) {
	store := newMemStore()
	svc, _ := newTestService(t, WithStore(store))
	ctx := context.Background()
	tr := startedFour(t, svc)

	restored, _ := newTestService(t, WithStore(store))
	n, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := restored.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Version, got.Version)
	assert.Equal(t, domain.TournamentActive, got.Status)

	// The restored copy keeps accepting commands
	_, err = restored.CompleteMatch(ctx, alice, tr.ID, "r1m0", "A", 5, 3)
	require.NoError(t, err)
}

func TestServicePersistFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.failErr = errors.New("disk full")
	svc, _ := newTestService(t, WithStore(store))

	tr, err := svc.Create(context.Background(), alice, "cup", 4)
	require.NoError(t, err)
	_, err = svc.Get(tr.ID)
	assert.NoError(t, err)
}

func TestServiceConcurrentSiblingCompletions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tr := startedFour(t, svc)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.CompleteMatch(ctx, alice, tr.ID, "r1m0", "B", 2, 5)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := svc.CompleteMatch(ctx, carol, tr.ID, "r1m1", "D", 2, 5)
		assert.NoError(t, err)
	}()
	wg.Wait()

	got, err := svc.Get(tr.ID)
	require.NoError(t, err)
	final := got.MatchAt(2, 0)
	assert.Equal(t, "B", final.Player1.ID)
	assert.Equal(t, "D", final.Player2.ID)
	assert.Equal(t, domain.MatchReady, final.Status)
	assert.Equal(t, tr.Version+2, got.Version)
}
