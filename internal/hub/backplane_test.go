package hub

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ernie/pong-live/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// twoInstances starts an embedded NATS server and two hubs joined through it
func twoInstances(t *testing.T) (*Hub, *Hub) {
	t.Helper()
	ns, err := RunEmbeddedNATS("127.0.0.1", -1)
	require.NoError(t, err)
	t.Cleanup(ns.Shutdown)

	join := func(name string) *Hub {
		h := newTestHub(&fakeFriends{friends: map[string][]string{"S": {"R"}}}, nil)
		nc, err := ConnectNATS(ns.ClientURL(), name, discardLogger())
		require.NoError(t, err)
		t.Cleanup(nc.Close)

		bp := NewNATSBackplane(nc, "pongtest", 500*time.Millisecond, discardLogger())
		require.NoError(t, bp.Start(h.Local()))
		t.Cleanup(func() { bp.Close() })
		h.SetBackplane(bp)
		return h
	}
	return join("one"), join("two")
}

func TestBackplaneDirectMessage(t *testing.T) {
	one, two := twoInstances(t)

	sender := testConn("S", "sam")
	one.registry.Register(sender)
	recipient := testConn("R", "rita")
	two.registry.Register(recipient)

	one.router.Dispatch(context.Background(), sender, []byte(`{"type":"direct-message","to":"R","text":"across"}`))

	frame := recv(t, recipient)
	assert.Equal(t, "direct-message", frame["type"])
	assert.Equal(t, "across", frame["text"])
	assertNoFrame(t, sender)
}

func TestBackplaneOfflineEverywhere(t *testing.T) {
	one, _ := twoInstances(t)

	sender := testConn("S", "sam")
	one.registry.Register(sender)

	one.router.Dispatch(context.Background(), sender, []byte(`{"type":"direct-message","to":"R","text":"anyone?"}`))
	assert.Equal(t, ErrRecipientOffline.Error(), recv(t, sender)["error"])
}

func TestBackplaneBroadcastAndNotify(t *testing.T) {
	one, two := twoInstances(t)

	local := testConn("A", "a")
	remote := testConn("B", "b")
	one.registry.Register(local)
	two.registry.Register(remote)

	one.Broadcast(domain.TournamentEvent{Type: domain.EventTournamentCreated, TournamentID: "t1"})
	assert.Equal(t, "tournament_created", recv(t, local)["type"])
	assert.Equal(t, "tournament_created", recv(t, remote)["type"])

	one.Notify([]string{"B"}, domain.TournamentEvent{Type: domain.EventTournamentStarted, TournamentID: "t1"})
	assert.Equal(t, "tournament_started", recv(t, remote)["type"])
	assertNoFrame(t, local)
}

func TestBackplaneUserIDsWithSubjectSyntax(t *testing.T) {
	one, two := twoInstances(t)

	odd := testConn("team.blue>*", "blue")
	prefix := testConn("team", "team")
	two.registry.Register(odd)
	two.registry.Register(prefix)

	one.Notify([]string{"team.blue>*"}, domain.TournamentEvent{Type: domain.EventTournamentStarted, TournamentID: "t1"})
	assert.Equal(t, "tournament_started", recv(t, odd)["type"])
	assertNoFrame(t, prefix)
}

func TestBackplaneSubjectTokens(t *testing.T) {
	b := NewNATSBackplane(nil, "pong", 0, discardLogger())

	for _, id := range []string{"42", "a.b", "*", ">", "with space", "ü"} {
		subject := b.deliverSubject(id)
		token := strings.TrimPrefix(subject, "pong.deliver.")
		assert.NotContains(t, token, ".")
		assert.NotContains(t, token, "*")
		assert.NotContains(t, token, ">")
		assert.NotContains(t, token, " ")

		got, err := decodeSubjectToken(token)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	_, err := b.Deliver(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrEmptyUserID)
	assert.ErrorIs(t, b.Publish("", nil), ErrEmptyUserID)
}
