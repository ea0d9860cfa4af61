package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ernie/pong-live/internal/auth"
	"github.com/ernie/pong-live/internal/domain"
	"github.com/gorilla/websocket"
)

// CloseInvalidToken is sent when the identity token cannot be verified
const CloseInvalidToken = 4001

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// handleWebSocket upgrades the request, verifies the identity token and then
// serves the connection until it closes. A bad token is reported with close
// code 4001 after the upgrade so browsers can see the reason.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	ws, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	claims, err := r.auth.ValidateToken(req.URL.Query().Get("token"))
	if err != nil {
		r.logger.Info("rejected websocket", "remote_addr", req.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(CloseInvalidToken, "invalid token")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		ws.Close()
		return
	}

	identity := claims.Identity()
	c := r.hub.Accept(ws, identity)
	if err := c.SendJSON(r.welcome(req.Context(), identity)); err != nil {
		r.logger.Warn("failed to queue welcome", "user_id", identity.ID, "error", err)
	}

	r.hub.Serve(req.Context(), c)
}

// welcome builds the first frame of a connection. Profile fields fall back
// to the token's claims when the profile service is unavailable.
func (r *Router) welcome(ctx context.Context, identity auth.Identity) domain.Envelope {
	env := domain.Envelope{
		Type:      domain.MsgWelcome,
		UserID:    identity.ID,
		Username:  identity.Username,
		Timestamp: time.Now().UnixMilli(),
	}
	if r.profiles == nil {
		return env
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	p, err := r.profiles.Profile(ctx, identity.ID)
	if err != nil {
		r.logger.Warn("failed to fetch profile", "user_id", identity.ID, "error", err)
		return env
	}
	if p.Username != "" {
		env.Username = p.Username
	}
	env.ProfilePath = p.ProfilePath
	env.Avatar = p.Avatar
	return env
}
