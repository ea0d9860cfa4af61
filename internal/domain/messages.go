package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageType is the discriminant of every frame on the socket
type MessageType string

// Presence and messaging variants
const (
	MsgPing           MessageType = "ping"
	MsgDirectMessage  MessageType = "direct-message"
	MsgFriendAccepted MessageType = "friend-accepted"
	MsgUserBlocked    MessageType = "user-blocked"
	MsgAvatarChanged  MessageType = "avatar-changed"
	MsgWelcome        MessageType = "welcome"
	MsgPong           MessageType = "pong"
	MsgError          MessageType = "error"
	MsgFriendOnline   MessageType = "friend-online"
	MsgFriendOffline  MessageType = "friend-offline"
)

// Tournament commands (client -> server)
const (
	CmdCreateTournament         MessageType = "create_tournament"
	CmdJoinTournament           MessageType = "join_tournament"
	CmdStartTournament          MessageType = "start_tournament"
	CmdCompleteTournamentMatch  MessageType = "complete_tournament_match"
	CmdMarkPlayerReady          MessageType = "mark_player_ready"
	CmdRequestTournaments       MessageType = "request_tournaments"
	CmdClearInactiveTournaments MessageType = "clear_inactive_tournaments"
)

// ErrMalformedMessage is returned when a frame is not a JSON object with a
// string discriminant.
var ErrMalformedMessage = errors.New("malformed message")

// ValidationError reports a structurally valid frame with missing or empty
// required fields.
type ValidationError struct {
	Type  MessageType
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s is required", e.Type, e.Field)
}

// Envelope is the outbound wire format for presence and messaging frames
type Envelope struct {
	Type        MessageType `json:"type"`
	ID          string      `json:"id,omitempty"`
	From        string      `json:"from,omitempty"`
	FromID      string      `json:"fromId,omitempty"`
	To          string      `json:"to,omitempty"`
	Text        string      `json:"text,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Username    string      `json:"username,omitempty"`
	Avatar      string      `json:"avatar,omitempty"`
	ProfilePath string      `json:"profilePath,omitempty"`
	Error       string      `json:"error,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"`
}

// ErrorEnvelope builds an error frame for the sender
func ErrorEnvelope(msg string) Envelope {
	return Envelope{Type: MsgError, Error: msg, Timestamp: time.Now().UnixMilli()}
}

// Inbound is one of the closed set of client -> server variants
type Inbound interface {
	Kind() MessageType
	validate() error
}

// Ping asks the gateway for a pong
type Ping struct{}

// DirectMessage carries text for a single friend
type DirectMessage struct {
	ID   string `json:"id,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

// FriendAccepted notifies a user that the sender accepted their request
type FriendAccepted struct {
	TargetUsername string `json:"targetUsername"`
}

// UserBlocked notifies a user that the sender blocked them
type UserBlocked struct {
	TargetUsername string `json:"targetUsername"`
}

// AvatarChanged announces a new avatar to the sender's friends
type AvatarChanged struct {
	Avatar string `json:"avatar"`
}

func (Ping) Kind() MessageType           { return MsgPing }
func (DirectMessage) Kind() MessageType  { return MsgDirectMessage }
func (FriendAccepted) Kind() MessageType { return MsgFriendAccepted }
func (UserBlocked) Kind() MessageType    { return MsgUserBlocked }
func (AvatarChanged) Kind() MessageType  { return MsgAvatarChanged }

func (Ping) validate() error { return nil }

func (m DirectMessage) validate() error {
	if strings.TrimSpace(m.To) == "" {
		return &ValidationError{Type: MsgDirectMessage, Field: "to"}
	}
	if strings.TrimSpace(m.Text) == "" {
		return &ValidationError{Type: MsgDirectMessage, Field: "text"}
	}
	return nil
}

func (m FriendAccepted) validate() error {
	if strings.TrimSpace(m.TargetUsername) == "" {
		return &ValidationError{Type: MsgFriendAccepted, Field: "targetUsername"}
	}
	return nil
}

func (m UserBlocked) validate() error {
	if strings.TrimSpace(m.TargetUsername) == "" {
		return &ValidationError{Type: MsgUserBlocked, Field: "targetUsername"}
	}
	return nil
}

func (m AvatarChanged) validate() error {
	if strings.TrimSpace(m.Avatar) == "" {
		return &ValidationError{Type: MsgAvatarChanged, Field: "avatar"}
	}
	return nil
}

// tag reads the discriminant; `t` wins over `type` when both are present
type tag struct {
	T    string `json:"t"`
	Type string `json:"type"`
}

// DecodeInbound parses and validates a client frame. An unknown discriminant
// yields (nil, nil) so callers can ignore it without replying.
func DecodeInbound(data []byte) (Inbound, error) {
	var tg tag
	if err := json.Unmarshal(data, &tg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	kind := tg.T
	if kind == "" {
		kind = tg.Type
	}
	if kind == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	var msg Inbound
	switch MessageType(kind) {
	case MsgPing:
		return Ping{}, nil
	case MsgDirectMessage:
		msg = decodeAs[DirectMessage](data)
	case MsgFriendAccepted:
		msg = decodeAs[FriendAccepted](data)
	case MsgUserBlocked:
		msg = decodeAs[UserBlocked](data)
	case MsgAvatarChanged:
		msg = decodeAs[AvatarChanged](data)
	case CmdCreateTournament:
		msg = decodeAs[CreateTournament](data)
	case CmdJoinTournament:
		msg = decodeAs[JoinTournament](data)
	case CmdStartTournament:
		msg = decodeAs[StartTournament](data)
	case CmdCompleteTournamentMatch:
		msg = decodeAs[CompleteTournamentMatch](data)
	case CmdMarkPlayerReady:
		msg = decodeAs[MarkPlayerReady](data)
	case CmdRequestTournaments:
		return RequestTournaments{}, nil
	case CmdClearInactiveTournaments:
		return ClearInactiveTournaments{}, nil
	default:
		return nil, nil
	}

	if msg == nil {
		return nil, fmt.Errorf("%w: invalid %s payload", ErrMalformedMessage, kind)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// decodeAs unmarshals into T, returning nil when a field has the wrong JSON type
func decodeAs[T Inbound](data []byte) Inbound {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
