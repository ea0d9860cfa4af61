package tournament

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ernie/pong-live/internal/domain"
)

var (
	ErrInvalidSize       = errors.New("tournament size must be 4, 8 or 16")
	ErrTooManyPlayers    = errors.New("more players than bracket slots")
	ErrNotEnoughPlayers  = errors.New("at least two players are required")
	ErrMatchNotFound     = errors.New("match not found")
	ErrMatchNotReady     = errors.New("match does not have both players assigned")
	ErrInvalidWinner     = errors.New("winner is not part of this match")
	ErrInvalidScore      = errors.New("scores must not be negative")
	ErrNotInMatch        = errors.New("player is not part of this match")
	ErrMatchNotOpen      = errors.New("match is not waiting for players")
	ErrBracketNotCreated = errors.New("bracket has not been generated")
)

// Shuffler permutes n elements through swap. rand.Shuffle satisfies it.
type Shuffler func(n int, swap func(i, j int))

// GenerateBracket shuffles players and builds every match of a single
// elimination bracket. Round 1 pairs players (2k, 2k+1) into match k; later
// rounds are allocated empty.
func GenerateBracket(size int, players []domain.Player, shuffle Shuffler) ([]domain.Match, error) {
	if !domain.IsValidSize(size) {
		return nil, ErrInvalidSize
	}
	if len(players) > size {
		return nil, ErrTooManyPlayers
	}
	if len(players) < 2 {
		return nil, ErrNotEnoughPlayers
	}
	if shuffle == nil {
		shuffle = rand.Shuffle
	}

	seeded := append([]domain.Player(nil), players...)
	shuffle(len(seeded), func(i, j int) {
		seeded[i], seeded[j] = seeded[j], seeded[i]
	})

	var matches []domain.Match
	perRound := size / 2
	for round := 1; perRound >= 1; round++ {
		for i := 0; i < perRound; i++ {
			m := domain.Match{
				ID:         domain.MatchID(round, i),
				Round:      round,
				MatchIndex: i,
			}
			if round == 1 {
				m.Player1 = playerAt(seeded, 2*i)
				m.Player2 = playerAt(seeded, 2*i+1)
			}
			m.DeriveStatus()
			matches = append(matches, m)
		}
		perRound /= 2
	}

	return matches, nil
}

func playerAt(players []domain.Player, i int) *domain.Player {
	if i >= len(players) {
		return nil
	}
	p := players[i]
	return &p
}

// Result describes what a completion changed
type Result struct {
	Match *domain.Match
	// NextMatch is the patched next-round match, nil for the final
	NextMatch *domain.Match
	// RoundCompleted is the round this completion closed, zero otherwise
	RoundCompleted int
	// Completed is set when the final was decided
	Completed bool
	// Repeated is set when the match had already been completed
	Repeated bool
}

// CompleteMatch records a result and advances the winner into the designated
// slot of the next-round match. Completing an already completed match returns
// the stored result unchanged.
func CompleteMatch(t *domain.Tournament, matchID, winnerID string, score1, score2 int) (*Result, error) {
	if len(t.Matches) == 0 {
		return nil, ErrBracketNotCreated
	}
	m := t.Match(matchID)
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if m.Status == domain.MatchCompleted {
		return &Result{Match: m, Repeated: true}, nil
	}
	if m.Player1 == nil || m.Player2 == nil {
		return nil, fmt.Errorf("%w: %s", ErrMatchNotReady, matchID)
	}
	if winnerID != m.Player1.ID && winnerID != m.Player2.ID {
		return nil, fmt.Errorf("%w: %s is not %s or %s", ErrInvalidWinner, winnerID, m.Player1.ID, m.Player2.ID)
	}
	if score1 < 0 || score2 < 0 {
		return nil, ErrInvalidScore
	}

	s1, s2 := score1, score2
	m.WinnerID = winnerID
	m.Score1 = &s1
	m.Score2 = &s2
	m.DeriveStatus()

	res := &Result{Match: m}

	winner := *m.Player1
	if m.Player2.ID == winnerID {
		winner = *m.Player2
	}

	if next := t.MatchAt(m.Round+1, m.MatchIndex/2); next != nil {
		// Each sibling owns one slot, so completion order does not matter
		if m.MatchIndex%2 == 0 {
			next.Player1 = &winner
		} else {
			next.Player2 = &winner
		}
		next.DeriveStatus()
		res.NextMatch = next
	}

	if roundDone(t, m.Round) {
		res.RoundCompleted = m.Round
	}
	t.CurrentRound = currentRound(t)

	if w, ok := IsComplete(t); ok {
		t.Status = domain.TournamentCompleted
		t.WinnerID = w
		res.Completed = true
	}

	return res, nil
}

// IsComplete reports whether the final has been decided and by whom
func IsComplete(t *domain.Tournament) (string, bool) {
	final := t.MatchAt(t.Rounds(), 0)
	if final == nil || final.Status != domain.MatchCompleted {
		return "", false
	}
	return final.WinnerID, true
}

// MarkReady records that playerID is ready for matchID. It reports whether
// this call made both players ready.
func MarkReady(t *domain.Tournament, matchID, playerID string) (bool, error) {
	m := t.Match(matchID)
	if m == nil {
		return false, fmt.Errorf("%w: %s", ErrMatchNotFound, matchID)
	}
	if !m.HasPlayer(playerID) {
		return false, ErrNotInMatch
	}
	switch m.Status {
	case domain.MatchActive:
		return false, nil
	case domain.MatchReady:
	default:
		return false, ErrMatchNotOpen
	}

	if m.Player1.ID == playerID {
		m.Player1Ready = true
	} else {
		m.Player2Ready = true
	}
	m.DeriveStatus()
	return m.Status == domain.MatchActive, nil
}

func roundDone(t *domain.Tournament, round int) bool {
	for _, m := range t.Matches {
		if m.Round == round && m.Status != domain.MatchCompleted {
			return false
		}
	}
	return true
}

// currentRound is the lowest round that still has an undecided match
func currentRound(t *domain.Tournament) int {
	rounds := t.Rounds()
	for r := 1; r <= rounds; r++ {
		if !roundDone(t, r) {
			return r
		}
	}
	return rounds
}
