package hub

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

const writeWait = 10 * time.Second

// ConnOptions tunes a single live connection
type ConnOptions struct {
	SendBuffer      int
	MaxMessageBytes int64
	MessageRate     float64
	MessageBurst    int
}

// Conn is one live socket of an identity. Writes go through a buffered
// channel drained by writePump so fan-out never blocks on a slow peer.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	opts     ConnOptions
	limiter  *rate.Limiter

	send      chan []byte
	done      chan struct{}
	alive     atomic.Bool
	closeOnce sync.Once
}

// NewConn wraps ws for identity. ws may be nil for connections that are
// never pumped, such as in unit tests.
func NewConn(ws *websocket.Conn, identity auth.Identity, opts ConnOptions) *Conn {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	limit := rate.Inf
	if opts.MessageRate > 0 {
		limit = rate.Limit(opts.MessageRate)
	}
	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, max(opts.MessageBurst, 1)),
		send:     make(chan []byte, opts.SendBuffer),
		done:     make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// ID returns the connection id
func (c *Conn) ID() string { return c.id }

// Identity returns the authenticated principal behind the connection
func (c *Conn) Identity() auth.Identity { return c.identity }

// Done is closed once the connection is closed
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues a frame without blocking
func (c *Conn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// SendJSON encodes v and queues it
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// MarkAlive records a sign of life from the peer
func (c *Conn) MarkAlive() { c.alive.Store(true) }

// expire clears the liveness flag and reports whether it was set
func (c *Conn) expire() bool { return c.alive.Swap(false) }

// ping sends a protocol level ping. WriteControl is safe to call
// concurrently with writePump.
func (c *Conn) ping() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// Close terminates the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// CloseWithReason sends a close frame before terminating the connection
func (c *Conn) CloseWithReason(code int, reason string) {
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	c.Close()
}

// readPump reads frames until the socket fails and hands each one to
// handle in receipt order
func (c *Conn) readPump(logger *slog.Logger, handle func([]byte)) {
	if c.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageBytes)
	}
	c.ws.SetPongHandler(func(string) error {
		c.MarkAlive()
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				logger.Info("websocket read error", "conn_id", c.id, "user_id", c.identity.ID, "error", err)
			}
			return
		}
		c.MarkAlive()

		if !c.limiter.Allow() {
			c.SendJSON(rateLimited)
			continue
		}
		handle(message)
	}
}

// writePump drains the send buffer into the socket. Each queued frame is
// written as its own message since clients parse one JSON object per frame.
func (c *Conn) writePump() {
	defer c.Close()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
