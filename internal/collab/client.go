// Package collab talks to the profile and relationship services that own user
// and friendship records.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ernie/pong-live/internal/config"
)

// ErrUnavailable wraps every transport or status failure of a collaborator
var ErrUnavailable = errors.New("collaborator unavailable")

// Friend is one entry of a friend list
type Friend struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
}

// Profile is the subset of a user record the gateway needs
type Profile struct {
	ID          ID     `json:"id"`
	Username    string `json:"username"`
	ProfilePath string `json:"profilePath,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// ID accepts user ids encoded as JSON strings or numbers
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Client calls the collaborator services over HTTP
type Client struct {
	usersURL     string
	relationsURL string
	http         *http.Client
}

// New creates a collaborator client from config
func New(cfg config.CollaboratorConfig) *Client {
	return &Client{
		usersURL:     strings.TrimRight(cfg.UsersURL, "/"),
		relationsURL: strings.TrimRight(cfg.RelationsURL, "/"),
		http:         &http.Client{Timeout: cfg.Timeout},
	}
}

// SetOnline records the user's presence on their profile
func (c *Client) SetOnline(ctx context.Context, userID string, online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	body := map[string]any{"isLoggedIn": online, "status": status}
	return c.do(ctx, http.MethodPatch, c.usersURL+"/users/"+url.PathEscape(userID), body, nil)
}

// Friends returns the user's friend list
func (c *Client) Friends(ctx context.Context, userID string) ([]Friend, error) {
	var friends []Friend
	if err := c.do(ctx, http.MethodGet, c.relationsURL+"/relation/friends/"+url.PathEscape(userID), nil, &friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// Profile returns the user's public profile
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, c.usersURL+"/users/"+url.PathEscape(userID), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, target, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrUnavailable, target, err)
	}
	return nil
}
