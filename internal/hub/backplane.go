package hub

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Backplane carries frames between gateway instances for users that are not
// connected locally. Presence transitions stay per instance.
type Backplane interface {
	// Deliver hands payload to userID's connections on other instances and
	// reports whether any instance delivered it
	Deliver(ctx context.Context, userID string, payload []byte) (bool, error)
	// Publish hands payload to userID's connections without waiting
	Publish(userID string, payload []byte) error
	// Broadcast hands payload to every connection on other instances
	Broadcast(payload []byte) error
}

// LocalDeliverer hands frames received from the backplane to local sockets
type LocalDeliverer interface {
	DeliverLocal(userID string, payload []byte) int
	BroadcastLocal(payload []byte) int
}

const originHeader = "Pong-Origin"

var delivered = []byte("ok")

// ErrEmptyUserID is returned when a delivery names no user
var ErrEmptyUserID = errors.New("empty user id")

// NATSBackplane implements Backplane with NATS subjects
// <prefix>.deliver.<token> (request/reply) and <prefix>.broadcast, where
// token is the user id in unpadded URL-safe base64 so ids containing '.',
// '*', '>' or whitespace stay a single literal subject token.
type NATSBackplane struct {
	nc       *nats.Conn
	prefix   string
	timeout  time.Duration
	instance string
	logger   *slog.Logger
	subs     []*nats.Subscription
}

// NewNATSBackplane creates a backplane over an established NATS connection
func NewNATSBackplane(nc *nats.Conn, prefix string, timeout time.Duration, logger *slog.Logger) *NATSBackplane {
	if prefix == "" {
		prefix = "pong"
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &NATSBackplane{
		nc:       nc,
		prefix:   prefix,
		timeout:  timeout,
		instance: uuid.NewString(),
		logger:   logger,
	}
}

// Start subscribes to the backplane subjects and hands matching frames to
// local
func (b *NATSBackplane) Start(local LocalDeliverer) error {
	deliverPrefix := b.prefix + ".deliver."

	sub, err := b.nc.Subscribe(deliverPrefix+"*", func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == b.instance {
			return
		}
		userID, err := decodeSubjectToken(strings.TrimPrefix(msg.Subject, deliverPrefix))
		if err != nil {
			b.logger.Debug("ignoring delivery with malformed subject", "subject", msg.Subject, "error", err)
			return
		}
		if local.DeliverLocal(userID, msg.Data) == 0 {
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(delivered); err != nil {
				b.logger.Debug("backplane respond failed", "user_id", userID, "error", err)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to deliveries: %w", err)
	}
	b.subs = append(b.subs, sub)

	sub, err = b.nc.Subscribe(b.prefix+".broadcast", func(msg *nats.Msg) {
		if msg.Header.Get(originHeader) == b.instance {
			return
		}
		local.BroadcastLocal(msg.Data)
	})
	if err != nil {
		b.Close()
		return fmt.Errorf("subscribing to broadcasts: %w", err)
	}
	b.subs = append(b.subs, sub)

	return b.nc.Flush()
}

// Deliver sends a request and waits for the first instance that delivered.
// No responder within the timeout means the user is offline everywhere.
func (b *NATSBackplane) Deliver(ctx context.Context, userID string, payload []byte) (bool, error) {
	if userID == "" {
		return false, ErrEmptyUserID
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	_, err := b.nc.RequestMsgWithContext(ctx, b.msg(b.deliverSubject(userID), payload))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, nats.ErrNoResponders), errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}

// Publish sends payload to userID's remote connections without waiting
func (b *NATSBackplane) Publish(userID string, payload []byte) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	return b.nc.PublishMsg(b.msg(b.deliverSubject(userID), payload))
}

// Broadcast sends payload to every remote connection
func (b *NATSBackplane) Broadcast(payload []byte) error {
	return b.nc.PublishMsg(b.msg(b.prefix+".broadcast", payload))
}

// Close removes the backplane subscriptions
func (b *NATSBackplane) Close() error {
	var errs []error
	for _, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.subs = nil
	return errors.Join(errs...)
}

func (b *NATSBackplane) deliverSubject(userID string) string {
	return b.prefix + ".deliver." + base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func decodeSubjectToken(token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (b *NATSBackplane) msg(subject string, payload []byte) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(originHeader, b.instance)
	m.Data = payload
	return m
}

// RunEmbeddedNATS starts an in-process single node NATS server listening on
// host:port. A port of -1 picks a random free port.
func RunEmbeddedNATS(host string, port int) (*server.Server, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server did not become ready")
	}
	return ns, nil
}

// ConnectNATS dials url with reconnects enabled
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return nc, nil
}
