package api

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency whose reachability is reported by /api/health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthConfig describes what /api/health reports.
type HealthConfig struct {
	Version     string
	LLMProvider string
	Agents      []string
	Timeout     time.Duration
	// Checks are probed concurrently; any failure degrades the status.
	Checks map[string]Pinger
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	cfg HealthConfig
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(cfg HealthConfig) *HealthHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HealthHandler{cfg: cfg}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.Timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, p := range h.cfg.Checks {
		wg.Add(1)
		go func(name string, p Pinger) {
			defer wg.Done()
			result := "ok"
			if err := p.Ping(ctx); err != nil {
				result = "unreachable"
			}
			mu.Lock()
			checks[name] = result
			mu.Unlock()
		}(name, p)
	}
	wg.Wait()

	status := "healthy"
	statusCode := http.StatusOK
	var failed []string
	for name, result := range checks {
		if result != "ok" {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	agents := h.cfg.Agents
	if agents == nil {
		agents = []string{}
	}
	body := map[string]interface{}{
		"status":       status,
		"version":      h.cfg.Version,
		"llm_provider": h.cfg.LLMProvider,
		"agents":       agents,
		"checks":       checks,
	}
	if len(failed) > 0 {
		body["failed"] = failed
	}
	JSON(w, statusCode, body)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
