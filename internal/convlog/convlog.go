// Package convlog writes conversation events as NDJSON, one file per session.
//
// Events are queued and written by a single background goroutine so callers
// on the request path never block on disk I/O. When the queue is full new
// events are dropped and counted.
package convlog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/ashureev/delfos/internal/domain"
)

// Event types.
const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventSessionClosed    = "session_closed"
	EventSessionEvicted   = "session_evicted"
)

// Directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
	DirectionInternal = "internal"
)

const maxContentLen = 4000

// Event is one line of a conversation log.
type Event struct {
	Timestamp  time.Time               `json:"ts"`
	UserID     string                  `json:"user_id,omitempty"`
	SessionID  string                  `json:"session_id"`
	TurnID     string                  `json:"turn_id,omitempty"`
	Channel    string                  `json:"channel,omitempty"`
	Direction  string                  `json:"direction,omitempty"`
	EventType  string                  `json:"event_type"`
	Intent     domain.Intent           `json:"intent,omitempty"`
	Content    string                  `json:"content,omitempty"`
	ContentRaw string                  `json:"content_raw,omitempty"`
	SQL        string                  `json:"sql,omitempty"`
	RowCount   int                     `json:"row_count,omitempty"`
	Success    *bool                   `json:"success,omitempty"`
	ErrorKind  domain.ErrorKind        `json:"error_kind,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Steps      []domain.Step           `json:"steps,omitempty"`
	ToolCalls  []domain.ToolCallRecord `json:"tool_calls,omitempty"`
	DurationMS int64                   `json:"duration_ms,omitempty"`
}

// Logger accepts conversation events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Noop discards every event.
type Noop struct{}

func (Noop) Log(Event)    {}
func (Noop) Close() error { return nil }

// FileLogger is the NDJSON implementation of Logger.
type FileLogger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// New returns a FileLogger, or Noop when logging is disabled.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o755); err != nil {
			return nil, fmt.Errorf("create global conversation log directory: %w", err)
		}
	}

	l := &FileLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log enqueues event. It never blocks.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Content == "" && event.ContentRaw != "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("conversation log queue full, dropping events", "dropped_total", n)
		}
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (l *FileLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close flushes queued events and stops the writer.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return nil
}

func (l *FileLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("failed to encode conversation event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := appendLine(l.sessionPath(event), line); err != nil {
			l.logger.Warn("failed to write conversation log", "session_id", event.SessionID, "error", err)
		}
		if l.cfg.GlobalEnabled {
			if err := appendLine(l.cfg.GlobalPath, line); err != nil {
				l.logger.Warn("failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *FileLogger) sessionPath(event Event) string {
	user := safeComponent(event.UserID, "anonymous")
	session := safeComponent(event.SessionID, "default")
	return filepath.Join(l.cfg.Dir, user, session+".ndjson")
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// safeComponent makes an identifier usable as a single path element.
func safeComponent(s, fallback string) string {
	s = unsafePathChars.ReplaceAllString(strings.TrimSpace(s), "_")
	s = strings.Trim(s, ".")
	if s == "" {
		return fallback
	}
	return s
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// cleanForReadability strips escape sequences and control characters and
// collapses whitespace.
func cleanForReadability(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxContentLen {
		s = s[:maxContentLen] + "..."
	}
	return s
}
