package domain

import (
	"fmt"
	"strings"
	"time"
)

// TournamentStatus is the lifecycle stage of a tournament
type TournamentStatus string

const (
	TournamentWaiting   TournamentStatus = "waiting"
	TournamentActive    TournamentStatus = "active"
	TournamentCompleted TournamentStatus = "completed"
)

// MatchStatus is derived from slot occupancy, readiness and the winner
type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchReady     MatchStatus = "ready"
	MatchActive    MatchStatus = "active"
	MatchCompleted MatchStatus = "completed"
)

// ValidSizes lists the bracket sizes a tournament may be created with
var ValidSizes = []int{4, 8, 16}

// IsValidSize reports whether size is an allowed bracket size
func IsValidSize(size int) bool {
	for _, s := range ValidSizes {
		if s == size {
			return true
		}
	}
	return false
}

// Player is a tournament participant
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Match is a single bracket node
type Match struct {
	ID           string      `json:"id"`
	Round        int         `json:"round"`
	MatchIndex   int         `json:"matchIndex"`
	Player1      *Player     `json:"player1,omitempty"`
	Player2      *Player     `json:"player2,omitempty"`
	Player1Ready bool        `json:"player1Ready,omitempty"`
	Player2Ready bool        `json:"player2Ready,omitempty"`
	Status       MatchStatus `json:"status"`
	WinnerID     string      `json:"winnerId,omitempty"`
	Score1       *int        `json:"score1,omitempty"`
	Score2       *int        `json:"score2,omitempty"`
}

// MatchID formats the identifier of the match at (round, index)
func MatchID(round, index int) string {
	return fmt.Sprintf("r%dm%d", round, index)
}

// HasPlayer reports whether playerID occupies either slot
func (m *Match) HasPlayer(playerID string) bool {
	return (m.Player1 != nil && m.Player1.ID == playerID) ||
		(m.Player2 != nil && m.Player2.ID == playerID)
}

// DeriveStatus recomputes Status from slot occupancy, readiness and winner
func (m *Match) DeriveStatus() {
	switch {
	case m.WinnerID != "":
		m.Status = MatchCompleted
	case m.Player1 != nil && m.Player2 != nil && m.Player1Ready && m.Player2Ready:
		m.Status = MatchActive
	case m.Player1 != nil && m.Player2 != nil:
		m.Status = MatchReady
	default:
		m.Status = MatchPending
	}
}

// Tournament is the full authoritative bracket state
type Tournament struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Size         int              `json:"size"`
	Status       TournamentStatus `json:"status"`
	CreatorID    string           `json:"creatorId"`
	Players      []Player         `json:"players"`
	Matches      []Match          `json:"matches"`
	CurrentRound int              `json:"currentRound"`
	WinnerID     string           `json:"winnerId,omitempty"`
	Version      uint64           `json:"version"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Rounds returns log2(Size)
func (t *Tournament) Rounds() int {
	rounds := 0
	for n := t.Size; n > 1; n >>= 1 {
		rounds++
	}
	return rounds
}

// Match returns a pointer to the match with the given id, or nil
func (t *Tournament) Match(id string) *Match {
	for i := range t.Matches {
		if t.Matches[i].ID == id {
			return &t.Matches[i]
		}
	}
	return nil
}

// MatchAt returns the match at (round, index), or nil
func (t *Tournament) MatchAt(round, index int) *Match {
	for i := range t.Matches {
		if t.Matches[i].Round == round && t.Matches[i].MatchIndex == index {
			return &t.Matches[i]
		}
	}
	return nil
}

// RoundMatches returns the matches of one round ordered by index
func (t *Tournament) RoundMatches(round int) []Match {
	var out []Match
	for _, m := range t.Matches {
		if m.Round == round {
			out = append(out, m)
		}
	}
	return out
}

// HasPlayer reports whether playerID joined the tournament
func (t *Tournament) HasPlayer(playerID string) bool {
	for _, p := range t.Players {
		if p.ID == playerID {
			return true
		}
	}
	return false
}

// PlayerIDs returns the ids of every participant
func (t *Tournament) PlayerIDs() []string {
	ids := make([]string, 0, len(t.Players))
	for _, p := range t.Players {
		ids = append(ids, p.ID)
	}
	return ids
}

// Clone returns a deep copy safe to hand to other goroutines
func (t *Tournament) Clone() *Tournament {
	c := *t
	c.Players = append([]Player(nil), t.Players...)
	c.Matches = make([]Match, len(t.Matches))
	for i, m := range t.Matches {
		c.Matches[i] = m.clone()
	}
	return &c
}

func (m Match) clone() Match {
	if m.Player1 != nil {
		p := *m.Player1
		m.Player1 = &p
	}
	if m.Player2 != nil {
		p := *m.Player2
		m.Player2 = &p
	}
	if m.Score1 != nil {
		s := *m.Score1
		m.Score1 = &s
	}
	if m.Score2 != nil {
		s := *m.Score2
		m.Score2 = &s
	}
	return m
}

// Tournament commands

// CreateTournament opens a new waiting tournament
type CreateTournament struct {
	Name string `json:"name"`
	Size int    `json:"size"`
}

// JoinTournament adds the sender to a waiting tournament
type JoinTournament struct {
	TournamentID string `json:"tournamentId"`
}

// StartTournament generates the bracket of a full tournament
type StartTournament struct {
	TournamentID string `json:"tournamentId"`
}

// CompleteTournamentMatch reports a match result
type CompleteTournamentMatch struct {
	TournamentID string `json:"tournamentId"`
	MatchID      string `json:"matchId"`
	WinnerID     string `json:"winnerId"`
	Score1       int    `json:"score1"`
	Score2       int    `json:"score2"`
}

// MarkPlayerReady signals that the sender is ready to play a match
type MarkPlayerReady struct {
	TournamentID string `json:"tournamentId"`
	MatchID      string `json:"matchId"`
}

// RequestTournaments asks for a snapshot of every tournament
type RequestTournaments struct{}

// ClearInactiveTournaments removes finished and stale tournaments
type ClearInactiveTournaments struct{}

func (CreateTournament) Kind() MessageType         { return CmdCreateTournament }
func (JoinTournament) Kind() MessageType           { return CmdJoinTournament }
func (StartTournament) Kind() MessageType          { return CmdStartTournament }
func (CompleteTournamentMatch) Kind() MessageType  { return CmdCompleteTournamentMatch }
func (MarkPlayerReady) Kind() MessageType          { return CmdMarkPlayerReady }
func (RequestTournaments) Kind() MessageType       { return CmdRequestTournaments }
func (ClearInactiveTournaments) Kind() MessageType { return CmdClearInactiveTournaments }

func (c CreateTournament) validate() error {
	if c.Size == 0 {
		return &ValidationError{Type: CmdCreateTournament, Field: "size"}
	}
	return nil
}

func (c JoinTournament) validate() error {
	return requireID(CmdJoinTournament, "tournamentId", c.TournamentID)
}

func (c StartTournament) validate() error {
	return requireID(CmdStartTournament, "tournamentId", c.TournamentID)
}

func (c CompleteTournamentMatch) validate() error {
	if err := requireID(CmdCompleteTournamentMatch, "tournamentId", c.TournamentID); err != nil {
		return err
	}
	if err := requireID(CmdCompleteTournamentMatch, "matchId", c.MatchID); err != nil {
		return err
	}
	return requireID(CmdCompleteTournamentMatch, "winnerId", c.WinnerID)
}

func (c MarkPlayerReady) validate() error {
	if err := requireID(CmdMarkPlayerReady, "tournamentId", c.TournamentID); err != nil {
		return err
	}
	return requireID(CmdMarkPlayerReady, "matchId", c.MatchID)
}

func (RequestTournaments) validate() error       { return nil }
func (ClearInactiveTournaments) validate() error { return nil }

func requireID(kind MessageType, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Type: kind, Field: field}
	}
	return nil
}
