package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Descriptor describes a tool exposed by a remote server.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Result is the payload of a successful invocation.
type Result struct {
	Text string
	Data json.RawMessage
}

// Decode unmarshals the structured payload, falling back to the text content.
func (r Result) Decode(v any) error {
	raw := []byte(r.Data)
	if len(raw) == 0 {
		raw = []byte(strings.TrimSpace(r.Text))
	}
	if len(raw) == 0 {
		return errors.New("empty tool result")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	return nil
}

// Transport speaks one remote tool protocol. Implementations return *Error
// for protocol failures.
type Transport interface {
	ListTools(ctx context.Context) ([]Descriptor, error)
	Call(ctx context.Context, tool string, args map[string]any) (Result, error)
	Ping(ctx context.Context) error
	Close() error
}

// DialFunc opens a transport.
type DialFunc func(ctx context.Context) (Transport, error)

// DialConfig configures transports created by NewDialer.
type DialConfig struct {
	ClientName    string
	ClientVersion string
	GRPC          GRPCConfig
}

// NewDialer returns a DialFunc for endpoint. http and https endpoints use MCP
// over streamable HTTP; grpc://host:port uses the gRPC tool service.
func NewDialer(endpoint string, cfg DialConfig) (DialFunc, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse tool server url %q: %w", endpoint, err)
	}
	switch u.Scheme {
	case "http", "https":
		return func(ctx context.Context) (Transport, error) {
			return DialMCP(ctx, endpoint, cfg.ClientName, cfg.ClientVersion)
		}, nil
	case "grpc":
		if u.Host == "" {
			return nil, fmt.Errorf("tool server url %q has no host", endpoint)
		}
		return func(ctx context.Context) (Transport, error) {
			return DialGRPC(ctx, u.Host, cfg.GRPC)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported tool server scheme %q", u.Scheme)
	}
}

// DefaultDialConfig returns the configuration used when none is supplied.
func DefaultDialConfig() DialConfig {
	return DialConfig{
		ClientName:    "delfos",
		ClientVersion: "1.0.0",
		GRPC:          DefaultGRPCConfig(),
	}
}

func defaultTimeout(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
