// Package api provides HTTP handlers for the chat API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/delfos/internal/domain"
)

// Pipeline is the coordinator surface the handlers depend on.
type Pipeline interface {
	Handle(ctx context.Context, sessionID, message string) (*domain.Response, error)
	Tables(ctx context.Context) ([]string, error)
	TableSchema(ctx context.Context, table string) (*domain.TableSchema, error)
	Session(ctx context.Context, id string) (*domain.Session, error)
	CloseSession(ctx context.Context, id string) error
}

// Options configures a Handler.
type Options struct {
	// AllowedOrigin is checked on websocket upgrades outside development.
	AllowedOrigin string
	IsDev         bool
	// MaxMessageBytes bounds a single websocket message.
	MaxMessageBytes int64
	Logger          *slog.Logger
}

// Handler serves the chat, schema and session endpoints.
type Handler struct {
	pipeline      Pipeline
	limiter       *RateLimiter
	allowedOrigin string
	isDev         bool
	maxMessage    int64
	logger        *slog.Logger
}

// NewHandler creates a new Handler. limiter may be nil to disable throttling.
func NewHandler(pipeline Pipeline, limiter *RateLimiter, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	return &Handler{
		pipeline:      pipeline,
		limiter:       limiter,
		allowedOrigin: opts.AllowedOrigin,
		isDev:         opts.IsDev,
		maxMessage:    opts.MaxMessageBytes,
		logger:        logger,
	}
}

// RegisterRoutes registers the chat API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/tables", h.HandleTables)
		r.Get("/schema/{table}", h.HandleTableSchema)
		r.Get("/sessions/{id}", h.HandleGetSession)
		r.Delete("/sessions/{id}", h.HandleDeleteSession)
		r.Get("/ws/chat", h.HandleWebSocket)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
