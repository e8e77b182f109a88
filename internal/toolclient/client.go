// Package toolclient invokes tools exposed by remote tool servers.
//
// A Client owns one logical server. The transport is dialed lazily on first
// use and dropped after a connection failure, so the next invocation
// reconnects. Every invocation is bounded by a timeout and failures are
// reported as *Error with a kind that callers use to decide on retries.
package toolclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/delfos/internal/domain"
	"github.com/ashureev/delfos/internal/metrics"
)

// Invoker is the capability agents depend on.
type Invoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (Result, error)
}

// Options configures a Client.
type Options struct {
	// Name identifies the server in logs, metrics and call records.
	Name    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client invokes tools on a single remote server. It is safe for concurrent
// use.
type Client struct {
	name    string
	dial    DialFunc
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	transport Transport
}

// New creates a Client. No connection is made until the first invocation.
func New(dial DialFunc, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:    opts.Name,
		dial:    dial,
		timeout: defaultTimeout(opts.Timeout, 30*time.Second),
		logger:  logger,
	}
}

// Name returns the logical server name.
func (c *Client) Name() string {
	return c.name
}

// Invoke calls tool with args and returns its result.
func (c *Client) Invoke(ctx context.Context, tool string, args map[string]any) (Result, error) {
	started := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.call(callCtx, tool, args)
	if err != nil {
		err = c.annotate(ctx, callCtx, tool, err)
	}

	latency := time.Since(started)
	outcome := domain.ToolCallOutcomeOK
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "canceled"
		}
	}
	metrics.ObserveToolCall(c.name, tool, outcome, latency)

	record := domain.ToolCallRecord{
		Server:    c.name,
		Tool:      tool,
		Arguments: maps.Clone(args),
		Outcome:   outcome,
		Latency:   latency,
		StartedAt: started,
	}
	if err != nil {
		record.Error = err.Error()
		c.logger.Warn("tool invocation failed", "server", c.name, "tool", tool, "kind", outcome, "latency", latency, "error", err)
	} else {
		c.logger.Debug("tool invocation", "server", c.name, "tool", tool, "latency", latency)
	}
	if tr := TraceFrom(ctx); tr != nil {
		tr.add(record)
	}
	return res, err
}

// ListTools returns the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) ([]Descriptor, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	t, err := c.conn(callCtx)
	if err != nil {
		return nil, c.annotate(ctx, callCtx, "tools/list", err)
	}
	tools, err := t.ListTools(callCtx)
	if err != nil {
		c.dropOnConnectionError(t, err)
		return nil, c.annotate(ctx, callCtx, "tools/list", err)
	}
	return tools, nil
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	t, err := c.conn(callCtx)
	if err != nil {
		return c.annotate(ctx, callCtx, "ping", err)
	}
	if err := t.Ping(callCtx); err != nil {
		c.dropOnConnectionError(t, err)
		return c.annotate(ctx, callCtx, "ping", err)
	}
	return nil
}

// Close releases the underlying transport, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport == nil {
		return nil
	}
	err := c.transport.Close()
	c.transport = nil
	return err
}

func (c *Client) call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	t, err := c.conn(ctx)
	if err != nil {
		return Result{}, err
	}
	res, err := t.Call(ctx, tool, args)
	if err != nil {
		c.dropOnConnectionError(t, err)
		return Result{}, err
	}
	return res, nil
}

func (c *Client) conn(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != nil {
		return c.transport, nil
	}
	t, err := c.dial(ctx)
	if err != nil {
		var te *Error
		if !errors.As(err, &te) {
			err = &Error{Kind: KindConnection, Err: err}
		}
		return nil, err
	}
	c.logger.Info("connected to tool server", "server", c.name)
	c.transport = t
	return t, nil
}

func (c *Client) dropOnConnectionError(t Transport, err error) {
	if KindOf(err) != KindConnection {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != t {
		return
	}
	if closeErr := t.Close(); closeErr != nil {
		c.logger.Warn("failed to close tool transport", "server", c.name, "error", closeErr)
	}
	c.transport = nil
}

// annotate fills in server and tool and distinguishes our own deadline from
// cancellation by the caller.
func (c *Client) annotate(parent, callCtx context.Context, tool string, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("invoke %s/%s: %w", c.name, tool, parent.Err())
	}
	var te *Error
	if !errors.As(err, &te) {
		te = &Error{Kind: KindRemoteError, Err: err}
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		te.Kind = KindTimeout
	}
	out := *te
	out.Server = c.name
	out.Tool = tool
	return &out
}
