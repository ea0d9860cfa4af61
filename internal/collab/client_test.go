package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ernie/pong-live/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.CollaboratorConfig{
		UsersURL:     srv.URL + "/",
		RelationsURL: srv.URL,
		Timeout:      time.Second,
	})
}

func TestFriends(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/relation/friends/42", r.URL.Path)
		w.Write([]byte(`[{"id":7},{"id":"8","username":"bob"}]`))
	}))

	friends, err := c.Friends(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, ID("7"), friends[0].ID)
	assert.Equal(t, ID("8"), friends[1].ID)
	assert.Equal(t, "bob", friends[1].Username)
}

func TestSetOnline(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/users/42", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))

	require.NoError(t, c.SetOnline(context.Background(), "42", true))
	assert.Equal(t, true, got["isLoggedIn"])
	assert.Equal(t, "online", got["status"])

	require.NoError(t, c.SetOnline(context.Background(), "42", false))
	assert.Equal(t, false, got["isLoggedIn"])
	assert.Equal(t, "offline", got["status"])
}

func TestProfile(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/42", r.URL.Path)
		w.Write([]byte(`{"id":42,"username":"alice","profilePath":"/u/alice","email":"x"}`))
	}))

	p, err := c.Profile(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, ID("42"), p.ID)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, "/u/alice", p.ProfilePath)
}

func TestCollaboratorFailures(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/relation/friends/500":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "/relation/friends/garbage":
			w.Write([]byte(`{not json`))
		}
	}))

	_, err := c.Friends(context.Background(), "500")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = c.Friends(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrUnavailable)

	down := New(config.CollaboratorConfig{UsersURL: "http://127.0.0.1:1", Timeout: time.Second})
	err = down.SetOnline(context.Background(), "1", true)
	assert.ErrorIs(t, err, ErrUnavailable)
}
