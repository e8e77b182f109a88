package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/delfos/internal/domain"
)

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

func TestMiddlewareIssuesAnonymousIdentity(t *testing.T) {
	users := &memUsers{}
	var gotUser, gotSession string
	h := Middleware(users, true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
	req.Header.Set(SessionHeaderName, "sess-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !isValidAnonID(gotUser) {
		t.Fatalf("expected anonymous id, got %q", gotUser)
	}
	if gotSession != "sess-42" {
		t.Fatalf("session id = %q, want sess-42", gotSession)
	}
	if _, ok := users.users[gotUser]; !ok {
		t.Fatal("expected user to be persisted")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != AnonCookieName || cookies[0].Value != gotUser {
		t.Fatalf("unexpected cookies: %v", cookies)
	}
}

func TestMiddlewareReusesCookieAndDropsBadSessionIDs(t *testing.T) {
	users := &memUsers{}
	const anon = "anon_0123456789abcdef0123456789abcdef"
	var gotUser, gotSession string
	h := Middleware(users, false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = UserIDFromContext(r.Context())
		gotSession = SessionIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/tables?session_id=../../etc/passwd", nil)
	req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: anon})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotUser != anon {
		t.Fatalf("user = %q, want %q", gotUser, anon)
	}
	if gotSession != "" {
		t.Fatalf("expected invalid session id to be dropped, got %q", gotSession)
	}
	if !rec.Result().Cookies()[0].Secure {
		t.Fatal("expected secure cookie outside development")
	}
}

func TestMiddlewareRefreshesLastSeen(t *testing.T) {
	const anon = "anon_0123456789abcdef0123456789abcdef"
	stale := time.Now().Add(-time.Hour)
	users := &memUsers{users: map[string]*domain.User{
		anon: {UserID: anon, LastSeenAt: stale, CreatedAt: stale},
	}}
	h := Middleware(users, true)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/tables", nil)
		req.AddCookie(&http.Cookie{Name: AnonCookieName, Value: anon})
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	if users.touched != 1 {
		t.Fatalf("last seen updated %d times, want 1", users.touched)
	}
	if !users.users[anon].LastSeenAt.After(stale) {
		t.Fatal("expected last seen to move forward")
	}
}
