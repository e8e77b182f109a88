package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/delfos/internal/coordinator"
	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/identity"
)

// ChatRequest is the body of POST /api/chat and of websocket messages.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// SessionView is the read-only snapshot returned by GET /api/sessions/{id}.
type SessionView struct {
	SessionID  string              `json:"session_id"`
	History    []domain.Turn       `json:"history"`
	Tables     []string            `json:"tables"`
	LastResult *domain.QueryResult `json:"last_result,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// HandleChat runs one chat turn.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(r) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	sessionID, err := identity.ResolveSessionID(r.Context(), req.SessionID)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	resp, err := h.pipeline.Handle(coordinator.WithChannel(r.Context(), "http"), sessionID, req.Message)
	if err != nil {
		h.writePipelineError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// HandleTables lists the tables of the SQL server.
func (h *Handler) HandleTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.pipeline.Tables(r.Context())
	if err != nil {
		h.logger.Error("Failed to list tables", "error", err)
		Error(w, http.StatusBadGateway, coordinator.FailureMessage(domain.ErrExecutionFailed, err))
		return
	}
	if tables == nil {
		tables = []string{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"tables": tables})
}

// HandleTableSchema describes one table.
func (h *Handler) HandleTableSchema(w http.ResponseWriter, r *http.Request) {
	table := strings.TrimSpace(chi.URLParam(r, "table"))
	if table == "" {
		Error(w, http.StatusBadRequest, "table is required")
		return
	}

	ts, err := h.pipeline.TableSchema(r.Context(), table)
	if err != nil {
		if errors.Is(err, coordinator.ErrTableNotFound) {
			Error(w, http.StatusNotFound, "table not found")
			return
		}
		h.logger.Error("Failed to describe table", "table", table, "error", err)
		Error(w, http.StatusBadGateway, coordinator.FailureMessage(domain.ErrExecutionFailed, err))
		return
	}
	JSON(w, http.StatusOK, ts)
}

// HandleGetSession returns a snapshot of a session's history.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sess, err := h.pipeline.Session(r.Context(), id)
	if err != nil {
		if domain.KindOf(err) == domain.ErrSessionNotFound {
			Error(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	view := SessionView{
		SessionID:  sess.ID,
		History:    sess.History,
		Tables:     sess.Schema.Tables(),
		LastResult: sess.LastResult,
		CreatedAt:  sess.CreatedAt,
		UpdatedAt:  sess.UpdatedAt,
	}
	if view.History == nil {
		view.History = []domain.Turn{}
	}
	if view.Tables == nil {
		view.Tables = []string{}
	}
	JSON(w, http.StatusOK, view)
}

// HandleDeleteSession closes a session. Deleting an unknown session succeeds.
func (h *Handler) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := identity.ParseSessionID(chi.URLParam(r, "id"))
	if err != nil || id == "" {
		Error(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.pipeline.CloseSession(r.Context(), id); err != nil {
		if r.Context().Err() != nil {
			return
		}
		h.logger.Error("Failed to close session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to close session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.KindOf(err) == domain.ErrInvalidRequest:
		Error(w, http.StatusBadRequest, domain.UserMessage(domain.ErrInvalidRequest))
	case errors.Is(err, context.Canceled):
		h.logger.Debug("Client went away before the turn completed", "request_path", r.URL.Path)
	case errors.Is(err, context.DeadlineExceeded):
		Error(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.logger.Error("Chat turn failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// allow applies the rate limit keyed by anonymous user, falling back to the
// client address.
func (h *Handler) allow(r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	return h.limiter.Allow(rateKey(r))
}

func rateKey(r *http.Request) string {
	if userID := identity.UserIDFromContext(r.Context()); userID != "" {
		return userID
	}
	return identity.IPFromRequest(r)
}
