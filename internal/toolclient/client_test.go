package toolclient

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/delfos/internal/domain"
)

type fakeTransport struct {
	mu     sync.Mutex
	calls  int
	closed bool
	call   func(ctx context.Context, tool string, args map[string]any) (Result, error)
}

func (f *fakeTransport) ListTools(context.Context) ([]Descriptor, error) {
	return []Descriptor{{Name: "execute_sql_query"}}, nil
}

func (f *fakeTransport) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.call(ctx, tool, args)
}

func (f *fakeTransport) Ping(context.Context) error { return nil }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func countingDialer(transports ...*fakeTransport) (DialFunc, *int) {
	dials := 0
	return func(context.Context) (Transport, error) {
		if dials >= len(transports) {
			return nil, errors.New("connection refused")
		}
		t := transports[dials]
		dials++
		return t, nil
	}, &dials
}

func TestInvokeDialsLazilyAndReusesTransport(t *testing.T) {
	ft := &fakeTransport{call: func(context.Context, string, map[string]any) (Result, error) {
		return Result{Text: `{"ok":true}`}, nil
	}}
	dial, dials := countingDialer(ft)
	c := New(dial, Options{Name: "sql", Timeout: time.Second})

	assert.Equal(t, 0, *dials)
	for i := 0; i < 3; i++ {
		res, err := c.Invoke(context.Background(), "execute_sql_query", map[string]any{"query": "SELECT 1"})
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, res.Text)
	}
	assert.Equal(t, 1, *dials)
	assert.Equal(t, 3, ft.calls)
}

func TestInvokeDialFailureIsConnectionError(t *testing.T) {
	dial, _ := countingDialer()
	c := New(dial, Options{Name: "sql", Timeout: time.Second})

	_, err := c.Invoke(context.Background(), "execute_sql_query", nil)

	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.True(t, IsRetryable(err))
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "sql", te.Server)
	assert.Equal(t, "execute_sql_query", te.Tool)
}

func TestInvokeTimeout(t *testing.T) {
	ft := &fakeTransport{call: func(ctx context.Context, _ string, _ map[string]any) (Result, error) {
		<-ctx.Done()
		return Result{}, &Error{Kind: KindRemoteError, Err: ctx.Err()}
	}}
	dial, _ := countingDialer(ft)
	c := New(dial, Options{Name: "sql", Timeout: 20 * time.Millisecond})

	started := time.Now()
	_, err := c.Invoke(context.Background(), "execute_sql_query", nil)

	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(started), time.Second)
}

func TestInvokeCallerCancellationIsNotAToolError(t *testing.T) {
	ft := &fakeTransport{call: func(ctx context.Context, _ string, _ map[string]any) (Result, error) {
		<-ctx.Done()
		return Result{}, &Error{Kind: KindConnection, Err: ctx.Err()}
	}}
	dial, _ := countingDialer(ft)
	c := New(dial, Options{Name: "sql", Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Invoke(ctx, "execute_sql_query", nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, ErrorKind(""), KindOf(err))
}

func TestConnectionErrorDropsTransportAndRedials(t *testing.T) {
	broken := &fakeTransport{call: func(context.Context, string, map[string]any) (Result, error) {
		return Result{}, &Error{Kind: KindConnection, Err: errors.New("broken pipe")}
	}}
	healthy := &fakeTransport{call: func(context.Context, string, map[string]any) (Result, error) {
		return Result{Text: "[]"}, nil
	}}
	dial, dials := countingDialer(broken, healthy)
	c := New(dial, Options{Name: "sql", Timeout: time.Second})

	_, err := c.Invoke(context.Background(), "list_tables", nil)
	require.Error(t, err)
	assert.Equal(t, KindConnection, KindOf(err))
	assert.True(t, broken.closed)

	_, err = c.Invoke(context.Background(), "list_tables", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, *dials)
}

func TestRemoteRejectedKeepsTransportAndIsNotRetryable(t *testing.T) {
	ft := &fakeTransport{call: func(context.Context, string, map[string]any) (Result, error) {
		return Result{}, &Error{Kind: KindRemoteRejected, Err: errors.New("invalid arguments")}
	}}
	dial, dials := countingDialer(ft)
	c := New(dial, Options{Name: "chart", Timeout: time.Second})

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(context.Background(), "generate_chart", nil)
		require.Error(t, err)
		assert.Equal(t, KindRemoteRejected, KindOf(err))
		assert.False(t, IsRetryable(err))
	}
	assert.Equal(t, 1, *dials)
	assert.False(t, ft.closed)
}

func TestInvokeRecordsTrace(t *testing.T) {
	ft := &fakeTransport{call: func(_ context.Context, tool string, _ map[string]any) (Result, error) {
		if tool == "bad" {
			return Result{}, &Error{Kind: KindRemoteError, Err: errors.New("boom")}
		}
		return Result{Text: "{}"}, nil
	}}
	dial, _ := countingDialer(ft)
	c := New(dial, Options{Name: "sql", Timeout: time.Second})

	tr := NewTrace()
	ctx := WithTrace(context.Background(), tr)
	_, _ = c.Invoke(ctx, "good", map[string]any{"a": 1})
	_, _ = c.Invoke(ctx, "bad", nil)

	records := tr.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0].Tool)
	assert.Equal(t, domain.ToolCallOutcomeOK, records[0].Outcome)
	assert.Equal(t, map[string]any{"a": 1}, records[0].Arguments)
	assert.Equal(t, "bad", records[1].Tool)
	assert.Equal(t, string(KindRemoteError), records[1].Outcome)
	assert.Contains(t, records[1].Error, "boom")
}

func TestResultDecode(t *testing.T) {
	var out struct {
		Rows []map[string]any `json:"rows"`
	}
	require.NoError(t, Result{Text: ` {"rows":[{"n":1}]} `}.Decode(&out))
	assert.Len(t, out.Rows, 1)

	out.Rows = nil
	require.NoError(t, Result{Text: "ignored", Data: []byte(`{"rows":[{"n":1},{"n":2}]}`)}.Decode(&out))
	assert.Len(t, out.Rows, 2)

	assert.Error(t, Result{}.Decode(&out))
	assert.Error(t, Result{Text: "not json"}.Decode(&out))
}

func TestNewDialerSchemes(t *testing.T) {
	for _, endpoint := range []string{"http://localhost:8001/mcp", "https://tools.example.com/mcp", "grpc://localhost:50051"} {
		_, err := NewDialer(endpoint, DefaultDialConfig())
		assert.NoError(t, err, endpoint)
	}
	for _, endpoint := range []string{"ftp://x", "grpc://", "::bad"} {
		_, err := NewDialer(endpoint, DefaultDialConfig())
		assert.Error(t, err, endpoint)
	}
}
