package identity

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
)

// A chat session is named by the client so a conversation survives page
// reloads and websocket reconnects. The id travels in the chat message, the
// session header or the session_id query parameter; when none is given the
// coordinator starts a new session and returns its id.
const (
	SessionHeaderName = "X-Delfos-Session-ID"
	SessionQueryParam = "session_id"
	maxSessionIDLen   = 128
)

// ErrInvalidSessionID is returned for ids that cannot name a chat session.
var ErrInvalidSessionID = errors.New("invalid session id")

// Ids end up in log fields, store keys and URLs, so they are limited to a
// path-safe alphabet. Coordinator-issued UUIDs always match.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ParseSessionID trims raw and checks that it can name a chat session. An
// empty raw returns "" and no error, which means "start a new session".
func ParseSessionID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", nil
	}
	if len(id) > maxSessionIDLen || !sessionIDPattern.MatchString(id) {
		return "", ErrInvalidSessionID
	}
	return id, nil
}

// WithSessionID returns a context carrying the request's chat session id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext returns the chat session the request named in its
// header or query string, or "" when it named none.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// ResolveSessionID picks the session a chat turn belongs to. An id carried in
// the message wins over the one the request named; "" starts a new session.
func ResolveSessionID(ctx context.Context, fromMessage string) (string, error) {
	id, err := ParseSessionID(fromMessage)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	return SessionIDFromContext(ctx), nil
}

// sessionIDFromRequest reads the session header, then the query parameter.
// A malformed id is dropped so the turn opens a fresh session instead of
// failing the request.
func sessionIDFromRequest(r *http.Request) string {
	raw := r.Header.Get(SessionHeaderName)
	if strings.TrimSpace(raw) == "" {
		raw = r.URL.Query().Get(SessionQueryParam)
	}
	id, err := ParseSessionID(raw)
	if err != nil {
		return ""
	}
	return id
}
