//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/delfos/internal/coordinator"
	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/identity"
	"github.com/ashureev/delfos/internal/middleware"
)

type fakePipeline struct {
	mu       sync.Mutex
	sessions []string
	messages []string
	handle   func(ctx context.Context, sessionID, message string) (*domain.Response, error)
	closed   []string
	stored   map[string]*domain.Session
}

func (f *fakePipeline) Handle(ctx context.Context, sessionID, message string) (*domain.Response, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, sessionID)
	f.messages = append(f.messages, message)
	f.mu.Unlock()
	if f.handle != nil {
		return f.handle(ctx, sessionID, message)
	}
	if sessionID == "" {
		sessionID = "generated-1"
	}
	return &domain.Response{SessionID: sessionID, Intent: domain.IntentConversational, Success: true, Message: "hi"}, nil
}

func (f *fakePipeline) Tables(context.Context) ([]string, error) {
	return []string{"accounts", "clients"}, nil
}

func (f *fakePipeline) TableSchema(_ context.Context, table string) (*domain.TableSchema, error) {
	if table != "clients" {
		return nil, coordinator.ErrTableNotFound
	}
	return &domain.TableSchema{Name: "clients", Columns: []domain.Column{{Name: "id"}, {Name: "type"}}}, nil
}

func (f *fakePipeline) Session(_ context.Context, id string) (*domain.Session, error) {
	if s, ok := f.stored[id]; ok {
		return s, nil
	}
	return nil, domain.Errorf(domain.ErrSessionNotFound, "session %s not found", id)
}

func (f *fakePipeline) CloseSession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func newTestRouter(p Pipeline, limiter *RateLimiter) http.Handler {
	h := NewHandler(p, limiter, Options{IsDev: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	r := chi.NewRouter()
	r.Use(middleware.MaxBody(1024))
	h.RegisterRoutes(r)
	return r
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestHandleChat(t *testing.T) {
	p := &fakePipeline{}
	router := newTestRouter(p, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"session_id":"s-1","message":"hello"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp domain.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s-1" || resp.Message != "hi" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if p.sessions[0] != "s-1" || p.messages[0] != "hello" {
		t.Fatalf("pipeline got session=%q message=%q", p.sessions[0], p.messages[0])
	}
}

func TestHandleChatFallsBackToSessionHeader(t *testing.T) {
	p := &fakePipeline{}
	h := NewHandler(p, nil, Options{IsDev: true})

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hello"}`))
	req.Header.Set(identity.SessionHeaderName, "from-header")
	rec := httptest.NewRecorder()
	identity.Middleware(&memUsers{}, true)(http.HandlerFunc(h.HandleChat)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if p.sessions[0] != "from-header" {
		t.Fatalf("session = %q, want from-header", p.sessions[0])
	}
}

func TestHandleChatRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"message":`, http.StatusBadRequest},
		{"empty message", `{"message":"   "}`, http.StatusBadRequest},
		{"bad session", `{"session_id":"../x","message":"hi"}`, http.StatusBadRequest},
		{"too large", `{"message":"` + strings.Repeat("a", 2048) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePipeline{}
			rec := httptest.NewRecorder()
			newTestRouter(p, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body)))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if len(p.messages) != 0 {
				t.Fatal("pipeline must not run on invalid input")
			}
		})
	}
}

func TestHandleChatMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{domain.Errorf(domain.ErrInvalidRequest, "message is empty"), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := &fakePipeline{handle: func(context.Context, string, string) (*domain.Response, error) {
			return nil, tt.err
		}}
		rec := httptest.NewRecorder()
		newTestRouter(p, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`)))
		if rec.Code != tt.code {
			t.Errorf("%v: status = %d, want %d", tt.err, rec.Code, tt.code)
		}
		if strings.Contains(rec.Body.String(), "boom") {
			t.Errorf("internal error leaked: %s", rec.Body.String())
		}
	}
}

func TestHandleChatRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	router := newTestRouter(&fakePipeline{}, NewRateLimiter(ctx, 2, time.Minute))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"message":"hi"}`))
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestHandleTablesAndSchema(t *testing.T) {
	router := newTestRouter(&fakePipeline{}, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tables", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"clients"`) {
		t.Fatalf("tables: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schema/clients", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("schema: %d", rec.Code)
	}
	var ts domain.TableSchema
	if err := json.NewDecoder(rec.Body).Decode(&ts); err != nil || len(ts.Columns) != 2 {
		t.Fatalf("schema body: %+v err=%v", ts, err)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/schema/ghosts", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown table: %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	sess := domain.NewSession("s-1", now)
	sess.AppendTurn(domain.RoleUser, "hello", domain.IntentConversational, now)
	p := &fakePipeline{stored: map[string]*domain.Session{"s-1": sess}}
	router := newTestRouter(p, nil)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/s-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	var view SessionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.SessionID != "s-1" || len(view.History) != 1 || view.Tables == nil {
		t.Fatalf("unexpected view: %+v", view)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/sessions/s-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if len(p.closed) != 1 || p.closed[0] != "s-1" {
		t.Fatalf("closed = %v", p.closed)
	}
}

func TestHealth(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	r := chi.NewRouter()
	NewHealthHandler(HealthConfig{
		Version:     "test",
		LLMProvider: "placeholder",
		Agents:      []string{"sql_agent", "viz_agent"},
		Checks:      map[string]Pinger{"database": ok, "sql_tools": ok},
	}).RegisterHealth(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy: %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "healthy" || body["version"] != "test" {
		t.Fatalf("body = %v", body)
	}

	r = chi.NewRouter()
	NewHealthHandler(HealthConfig{Checks: map[string]Pinger{"database": ok, "chart_tools": down}}).RegisterHealth(r)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"chart_tools":"unreachable"`) {
		t.Fatalf("degraded: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketChat(t *testing.T) {
	p := &fakePipeline{}
	srv := httptest.NewServer(newTestRouter(p, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	roundTrip := func(v interface{}) map[string]interface{} {
		t.Helper()
		data, _ := json.Marshal(v)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, reply, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var out map[string]interface{}
		if err := json.Unmarshal(reply, &out); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return out
	}

	if got := roundTrip(map[string]string{"type": "ping"}); got["type"] != "pong" {
		t.Fatalf("ping reply = %v", got)
	}
	first := roundTrip(ChatRequest{Message: "hello"})
	if first["session_id"] != "generated-1" {
		t.Fatalf("first reply = %v", first)
	}
	roundTrip(ChatRequest{Message: "again"})
	if got := roundTrip(ChatRequest{Message: ""}); got["error"] == nil {
		t.Fatalf("expected error for empty message, got %v", got)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) != 2 || p.sessions[1] != "generated-1" {
		t.Fatalf("connection should keep its session, got %v", p.sessions)
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Fatal("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Fatal("keys are independent")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("a") {
		t.Fatal("window should have slid")
	}
	rl.evict()
	if _, ok := rl.requests["b"]; ok {
		t.Fatal("expired keys should be evicted")
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type memUsers struct {
	mu      sync.Mutex
	users   map[string]*domain.User
	touched int
}

func (m *memUsers) GetUser(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func (m *memUsers) UpsertUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.users == nil {
		m.users = make(map[string]*domain.User)
	}
	m.users[u.UserID] = u
	return nil
}

func (m *memUsers) UpdateLastSeen(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastSeenAt = at
		m.touched++
	}
	return nil
}
