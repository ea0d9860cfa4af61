// Package client is the Go side of a gateway consumer: a reconnecting socket
// manager, a duplicate filter for direct messages and the tournament state
// synchronizer.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ernie/pong-live/internal/domain"
	"github.com/gorilla/websocket"
)

var (
	ErrReconnectExhausted = errors.New("connection lost: reconnect attempts exhausted")
	ErrClosed             = errors.New("socket manager closed")
)

// State of the socket manager
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	// StateFailed is terminal until Connect is called again
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Frame is one decoded server push
type Frame struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	From string          `json:"from,omitempty"`
	Text string          `json:"text,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// Options configures a SocketManager
type Options struct {
	// URL is the gateway websocket endpoint without the token
	URL   string
	Token string

	MaxAttempts       int
	BaseDelay         time.Duration
	HeartbeatInterval time.Duration
	CheckInterval     time.Duration
	DialTimeout       time.Duration

	Dialer Dialer
	Logger *slog.Logger

	// OnFrame receives every push that survives the duplicate filter
	OnFrame func(Frame)
	// OnState observes state transitions
	OnState func(State)

	// Tournaments, when set, receives every tournament push
	Tournaments *SyncClient
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = 10 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// SocketManager keeps one connection to the gateway open. Abnormal closes
// are retried with exponential backoff; sends made while the socket is not
// open are queued and flushed in order on the next open.
type SocketManager struct {
	opts  Options
	dedup *Dedup

	mu         sync.Mutex
	state      State
	attempts   int
	connecting bool
	checking   bool
	// parked is set after a normal close so the checker leaves it alone
	parked     bool
	closed     bool
	ws         *websocket.Conn
	connDone   chan struct{}
	queue      [][]byte
	stop       chan struct{}

	writeMu sync.Mutex

	// afterFunc schedules reconnects; replaced in tests
	afterFunc func(time.Duration, func())
}

// NewSocketManager creates a manager. Nothing is dialed until Connect.
func NewSocketManager(opts Options) *SocketManager {
	opts.setDefaults()
	return &SocketManager{
		opts:  opts,
		dedup: NewDedup(),
		stop:  make(chan struct{}),
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// State returns the current state
func (m *SocketManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts made since the last
// successful open
func (m *SocketManager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect dials the gateway and starts the connection checker. A dial
// failure is retried with backoff like any abnormal close.
func (m *SocketManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateFailed {
		m.attempts = 0
		m.setStateLocked(StateDisconnected)
	}
	m.parked = false
	m.mu.Unlock()

	m.startChecker()
	return m.dial(ctx)
}

// Send encodes v and writes it, or queues it until the next open
func (m *SocketManager) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOpen {
		m.queue = append(m.queue, data)
		m.mu.Unlock()
		return nil
	}
	ws := m.ws
	m.mu.Unlock()

	if err := m.write(ws, data); err != nil {
		// The read loop notices the broken socket and reconnects
		m.mu.Lock()
		m.queue = append(m.queue, data)
		m.mu.Unlock()
	}
	return nil
}

// Close shuts the connection down with a normal close and stops
// reconnecting
func (m *SocketManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	ws := m.ws
	m.mu.Unlock()

	if ws == nil {
		return nil
	}
	m.writeMu.Lock()
	err := ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"), time.Now().Add(time.Second))
	m.writeMu.Unlock()
	ws.Close()
	return err
}

// dial opens a connection unless one is already open or being opened
func (m *SocketManager) dial(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.connecting || m.state == StateOpen || m.state == StateFailed {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	target, err := m.endpoint()
	if err != nil {
		m.mu.Lock()
		m.connecting = false
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	ws, _, err := m.opts.Dialer.DialContext(dctx, target, nil)
	cancel()
	if err != nil {
		m.opts.Logger.Warn("dial failed", "error", err)
		m.mu.Lock()
		m.connecting = false
		m.setStateLocked(StateDisconnected)
		m.mu.Unlock()
		m.scheduleReconnect()
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.connecting = false
		m.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	m.ws = ws
	m.connDone = make(chan struct{})
	m.connecting = false
	m.attempts = 0
	queued := m.queue
	m.queue = nil
	m.setStateLocked(StateOpen)
	done := m.connDone
	// Sends racing the flush wait on writeMu so the queue leaves first
	m.writeMu.Lock()
	m.mu.Unlock()

	m.opts.Logger.Info("connected", "url", m.opts.URL, "queued", len(queued))

	for i, data := range queued {
		if err := m.writeLocked(ws, data); err != nil {
			m.mu.Lock()
			m.queue = append(queued[i:], m.queue...)
			m.mu.Unlock()
			break
		}
	}
	m.writeMu.Unlock()

	go m.heartbeat(ws, done)
	go m.readLoop(ws, done)
	return nil
}

func (m *SocketManager) endpoint() (string, error) {
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parsing gateway url: %w", err)
	}
	q := u.Query()
	q.Set("token", m.opts.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (m *SocketManager) write(ws *websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.writeLocked(ws, data)
}

func (m *SocketManager) writeLocked(ws *websocket.Conn, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (m *SocketManager) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleClose(ws, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.opts.Logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		f.Raw = data

		if domain.MessageType(f.Type) == domain.MsgDirectMessage && m.dedup.Duplicate(f.From, f.ID, f.Text) {
			m.opts.Logger.Debug("dropped duplicate message", "id", f.ID, "from", f.From)
			continue
		}
		if m.opts.Tournaments != nil && isTournamentEvent(f.Type) {
			var ev domain.TournamentEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				m.opts.Logger.Debug("ignoring undecodable tournament event", "type", f.Type, "error", err)
			} else {
				m.opts.Tournaments.Apply(context.Background(), ev)
			}
		}
		if m.opts.OnFrame != nil {
			m.opts.OnFrame(f)
		}
	}
}

func isTournamentEvent(typ string) bool {
	switch domain.TournamentEventType(typ) {
	case domain.EventTournamentSnapshot, domain.EventTournamentCreated, domain.EventTournamentUpdated,
		domain.EventTournamentStarted, domain.EventMatchReady, domain.EventBothPlayersReady,
		domain.EventMatchCompleted, domain.EventRoundCompleted, domain.EventTournamentCompleted,
		domain.EventTournamentsRemoved, domain.EventTournamentAck:
		return true
	}
	return false
}

// handleClose decides between a clean stop and a backoff reconnect
func (m *SocketManager) handleClose(ws *websocket.Conn, err error) {
	ws.Close()

	m.mu.Lock()
	if m.ws == ws {
		m.ws = nil
	}
	closed := m.closed
	normal := websocket.IsCloseError(err, websocket.CloseNormalClosure)
	m.parked = normal
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if closed || normal {
		m.opts.Logger.Info("connection closed", "error", err)
		return
	}
	m.opts.Logger.Warn("connection lost", "error", err)
	m.scheduleReconnect()
}

// scheduleReconnect waits base * 2^(attempt-1) before the next dial and
// gives up after MaxAttempts
func (m *SocketManager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.opts.MaxAttempts {
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		m.opts.Logger.Error("giving up on gateway", "attempts", m.opts.MaxAttempts, "error", ErrReconnectExhausted)
		return
	}
	m.attempts++
	delay := m.opts.BaseDelay * time.Duration(1<<(m.attempts-1))
	attempt := m.attempts
	m.mu.Unlock()

	m.opts.Logger.Info("reconnecting", "attempt", attempt, "delay", delay)
	m.afterFunc(delay, func() {
		m.dial(context.Background())
	})
}

// heartbeat sends an application level ping while the connection is open
func (m *SocketManager) heartbeat(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if err := m.write(ws, []byte(`{"t":"ping"}`)); err != nil {
				m.opts.Logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// startChecker polls the state and forces a dial when the socket is not
// open and nothing is in flight
func (m *SocketManager) startChecker() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checking {
		return
	}
	m.checking = true

	go func() {
		ticker := time.NewTicker(m.opts.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.check()
			}
		}
	}()
}

func (m *SocketManager) check() {
	m.mu.Lock()
	idle := m.state == StateDisconnected && !m.connecting && !m.parked && m.attempts == 0
	m.mu.Unlock()
	if idle {
		m.dial(context.Background())
	}
}

func (m *SocketManager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.opts.OnState != nil {
		go m.opts.OnState(s)
	}
}
