package domain

import "time"

// TournamentEventType names a server -> client tournament push
type TournamentEventType string

// Tournament events for WebSocket notifications
const (
	EventTournamentSnapshot  TournamentEventType = "tournament_snapshot"
	EventTournamentCreated   TournamentEventType = "tournament_created"
	EventTournamentUpdated   TournamentEventType = "tournament_updated"
	EventTournamentStarted   TournamentEventType = "tournament_started"
	EventMatchReady          TournamentEventType = "tournament_match_ready"
	EventBothPlayersReady    TournamentEventType = "both_players_ready"
	EventMatchCompleted      TournamentEventType = "match_completed"
	EventRoundCompleted      TournamentEventType = "round_completed"
	EventTournamentCompleted TournamentEventType = "tournament_completed"
	EventTournamentsRemoved  TournamentEventType = "tournaments_removed"
	EventTournamentAck       TournamentEventType = "tournament_ack"
	EventTournamentError     TournamentEventType = "tournament_error"
)

// TournamentEvent is the envelope for every tournament push. Version is the
// tournament version the event was produced at.
type TournamentEvent struct {
	Type         TournamentEventType `json:"type"`
	TournamentID string              `json:"tournamentId,omitempty"`
	Version      uint64              `json:"version,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
	Tournament   *Tournament         `json:"tournament,omitempty"`
	Tournaments  []*Tournament       `json:"tournaments,omitempty"`
	// TournamentIDs lists the tournaments a tournaments_removed push drops
	TournamentIDs []string    `json:"tournamentIds,omitempty"`
	Match         *Match      `json:"match,omitempty"`
	Round         int         `json:"round,omitempty"`
	WinnerID      string      `json:"winnerId,omitempty"`
	Command       MessageType `json:"command,omitempty"`
	Cleared       int         `json:"cleared,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// IsSnapshot reports whether the event carries full authoritative state
func (e TournamentEvent) IsSnapshot() bool {
	return e.Tournament != nil &&
		(e.Type == EventTournamentUpdated || e.Type == EventTournamentSnapshot || e.Type == EventTournamentCreated)
}
