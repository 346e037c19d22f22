package api

import (
	"errors"
	"net/http"

	"github.com/gojolo/inbox/internal/auth"
	"github.com/gojolo/inbox/internal/mailerr"
	ws "github.com/gojolo/inbox/internal/websocket"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler handles the /api/v1/ws endpoint for inbox change events.
type WebSocketHandler struct {
	auth    *auth.Authenticator
	members auth.Membership
	hub     *ws.Hub
	logger  *zap.Logger
}

func NewWebSocketHandler(authenticator *auth.Authenticator, members auth.Membership, hub *ws.Hub, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, members: members, hub: hub, logger: logger.Named("api.ws")}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Served behind a reverse proxy that enforces origins.
		return true
	},
}

// Handle authenticates the caller, upgrades the connection and subscribes it
// to the organization named by ?orgId=. Browsers cannot set headers on
// WebSocket requests, so the token comes from ?token= with the Authorization
// header as a fallback. Failures happen before the upgrade and use plain HTTP
// status codes.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r)
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID, err := h.auth.ValidateToken(ctx, token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		http.Error(w, "orgId is required", http.StatusBadRequest)
		return
	}
	if err := auth.RequireMember(ctx, h.members, orgID, userID); err != nil {
		if errors.Is(err, mailerr.ErrForbidden) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		h.logger.Error("membership check failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.String("user_id", userID), zap.Error(err))
		return
	}

	client := h.hub.Register(orgID, userID, conn)
	if client == nil {
		return
	}
	h.logger.Debug("connection established", zap.String("org_id", orgID), zap.String("user_id", userID))

	go h.readLoop(orgID, client)
}

// readLoop reads until the connection closes, then unregisters the client.
func (h *WebSocketHandler) readLoop(orgID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(orgID, client)
}
