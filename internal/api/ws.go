package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/ashureev/delfos/internal/coordinator"
	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/identity"
)

// wsMessage is an inbound websocket frame. Type defaults to "chat".
type wsMessage struct {
	Type      string `json:"type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// HandleWebSocket serves chat over a websocket. Each text frame carries a
// ChatRequest and is answered with the Response JSON. A connection keeps the
// session of its first turn unless a frame names another.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.logger.Info("WebSocket chat connection request", "user_id", userID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(h.maxMessage)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sessionID := identity.SessionIDFromContext(ctx)
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}
		if typ != websocket.MessageText {
			h.writeJSON(ctx, ws, map[string]string{"error": "text frames only"})
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.writeJSON(ctx, ws, map[string]string{"error": "invalid message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.writeJSON(ctx, ws, map[string]string{"type": "pong"})
			continue
		case "", "chat":
		default:
			h.writeJSON(ctx, ws, map[string]string{"error": "unknown message type"})
			continue
		}

		if strings.TrimSpace(msg.Message) == "" {
			h.writeJSON(ctx, ws, map[string]string{"error": "message is required"})
			continue
		}
		named, err := identity.ParseSessionID(msg.SessionID)
		if err != nil {
			h.writeJSON(ctx, ws, map[string]string{"error": "invalid session id"})
			continue
		}
		if named != "" {
			sessionID = named
		}
		if h.limiter != nil && !h.limiter.Allow(rateKey(r)) {
			h.writeJSON(ctx, ws, map[string]string{"error": "rate limit exceeded"})
			continue
		}

		resp, err := h.pipeline.Handle(coordinator.WithChannel(ctx, "websocket"), sessionID, msg.Message)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Error("Chat turn failed", "error", err, "user_id", userID)
			h.writeJSON(ctx, ws, map[string]string{"error": domain.UserMessage(domain.KindOf(err))})
			continue
		}
		sessionID = resp.SessionID
		h.writeJSON(ctx, ws, resp)
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("Failed to encode websocket reply", "error", err)
		return
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("WebSocket write error", "error", err)
	}
}
