package toolclient

import (
	"context"
	"sync"

	"github.com/ashureev/delfos/internal/domain"
)

type traceKey struct{}

// Trace collects the tool calls made while handling one turn.
type Trace struct {
	mu      sync.Mutex
	records []domain.ToolCallRecord
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

// WithTrace attaches tr to ctx. Invocations made with the returned context
// are appended to tr.
func WithTrace(ctx context.Context, tr *Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, tr)
}

// TraceFrom returns the trace attached to ctx, or nil.
func TraceFrom(ctx context.Context) *Trace {
	tr, _ := ctx.Value(traceKey{}).(*Trace)
	return tr
}

func (t *Trace) add(r domain.ToolCallRecord) {
	t.mu.Lock()
	t.records = append(t.records, r)
	t.mu.Unlock()
}

// Records returns a copy of the recorded calls in invocation order.
func (t *Trace) Records() []domain.ToolCallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ToolCallRecord, len(t.records))
	copy(out, t.records)
	return out
}
