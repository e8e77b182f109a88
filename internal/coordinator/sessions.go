package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/metrics"
)

// SessionStore persists sessions across restarts.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	UpsertSession(ctx context.Context, userID string, session *domain.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)
}

type sessionEntry struct {
	// lock has capacity one; holding a value in it owns the session.
	lock     chan struct{}
	session  *domain.Session
	leases   int
	lastUsed time.Time
	closed   bool
}

// SessionManager is the in-memory registry of sessions. Turns for one
// session are strictly sequential; different sessions never contend beyond
// the registry map.
type SessionManager struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	now     func() time.Time
}

// NewSessionManager creates an empty registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		entries: make(map[string]*sessionEntry),
		now:     time.Now,
	}
}

// Lease is exclusive ownership of a session for the duration of a turn.
type Lease struct {
	m        *SessionManager
	id       string
	entry    *sessionEntry
	released bool
}

// Acquire waits until no other turn holds the session. Waiting honours ctx.
func (m *SessionManager) Acquire(ctx context.Context, id string) (*Lease, error) {
	for {
		m.mu.Lock()
		e, ok := m.entries[id]
		if !ok || e.closed {
			e = &sessionEntry{lock: make(chan struct{}, 1), lastUsed: m.now()}
			m.entries[id] = e
			metrics.SetActiveSessions(len(m.entries))
		}
		e.leases++
		m.mu.Unlock()

		select {
		case e.lock <- struct{}{}:
		case <-ctx.Done():
			m.mu.Lock()
			e.leases--
			m.mu.Unlock()
			return nil, ctx.Err()
		}

		lease := &Lease{m: m, id: id, entry: e}
		m.mu.Lock()
		closed := e.closed
		m.mu.Unlock()
		if !closed {
			return lease, nil
		}
		// The session was closed while we waited; start over on a new entry.
		lease.Release()
	}
}

// Session returns a copy of the in-memory session, or nil when it has not
// been loaded yet.
func (l *Lease) Session() *domain.Session {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.entry.session == nil {
		return nil
	}
	return l.entry.session.Clone()
}

// Commit replaces the session state at the end of a turn.
func (l *Lease) Commit(s *domain.Session) {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.entry.session = s
	l.entry.lastUsed = l.m.now()
}

// Close marks the session as gone. The entry leaves the registry when the
// lease is released.
func (l *Lease) Close() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	l.entry.session = nil
	l.entry.closed = true
}

// Release gives up ownership. It is safe to call more than once.
func (l *Lease) Release() {
	if l.released {
		return
	}
	l.released = true

	l.m.mu.Lock()
	l.entry.leases--
	l.entry.lastUsed = l.m.now()
	if l.entry.closed && l.entry.leases == 0 && l.m.entries[l.id] == l.entry {
		delete(l.m.entries, l.id)
		metrics.SetActiveSessions(len(l.m.entries))
	}
	l.m.mu.Unlock()

	<-l.entry.lock
}

// Snapshot returns a copy of a loaded session.
func (m *SessionManager) Snapshot(id string) (*domain.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.closed || e.session == nil {
		return nil, false
	}
	return e.session.Clone(), true
}

// EvictIdle removes sessions unused for longer than ttl that no turn holds
// or waits for. It returns the evicted ids.
func (m *SessionManager) EvictIdle(ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-ttl)
	var evicted []string
	for id, e := range m.entries {
		if e.leases > 0 || e.lastUsed.After(cutoff) {
			continue
		}
		delete(m.entries, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		metrics.SetActiveSessions(len(m.entries))
	}
	return evicted
}

// Len returns the number of sessions in the registry.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
