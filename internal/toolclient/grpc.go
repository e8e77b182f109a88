package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Tool servers reachable over gRPC expose this service. Messages are
// google.protobuf.Struct in both directions:
//
//	ListTools: {} -> {"tools": [{"name", "description", "input_schema"}]}
//	CallTool:  {"name", "arguments"} -> {"content", "data", "is_error"}
const (
	grpcListToolsMethod = "/delfos.tools.v1.ToolService/ListTools"
	grpcCallToolMethod  = "/delfos.tools.v1.ToolService/CallTool"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GRPCConfig holds configuration for gRPC tool servers.
type GRPCConfig struct {
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	DialOptions      []grpc.DialOption
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

type grpcTransport struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
}

// DialGRPC connects to a gRPC tool server and waits until the connection is
// ready.
func DialGRPC(ctx context.Context, addr string, cfg GRPCConfig) (Transport, error) {
	kacp := keepalive.ClientParameters{
		Time:                defaultTimeout(cfg.KeepaliveTime, 2*time.Minute),
		Timeout:             defaultTimeout(cfg.KeepaliveTimeout, 10*time.Second),
		PermitWithoutStream: false,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}
	opts = append(opts, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Server: addr, Err: err}
	}

	// Force a connection attempt so a bad endpoint fails fast.
	connectCtx, cancel := context.WithTimeout(ctx, defaultTimeout(cfg.ConnectTimeout, 5*time.Second))
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		_ = conn.Close()
		return nil, &Error{Kind: KindConnection, Server: addr, Err: fmt.Errorf("not ready: %w", err)}
	}

	return &grpcTransport{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   addr,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

func (t *grpcTransport) ListTools(ctx context.Context) ([]Descriptor, error) {
	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, grpcListToolsMethod, &structpb.Struct{}, resp); err != nil {
		return nil, classifyStatus(err)
	}

	items := resp.GetFields()["tools"].GetListValue().GetValues()
	tools := make([]Descriptor, 0, len(items))
	for _, item := range items {
		fields := item.GetStructValue().GetFields()
		d := Descriptor{
			Name:        fields["name"].GetStringValue(),
			Description: fields["description"].GetStringValue(),
		}
		if schema, ok := fields["input_schema"]; ok {
			if raw, err := json.Marshal(schema.AsInterface()); err == nil {
				d.InputSchema = raw
			}
		}
		if d.Name != "" {
			tools = append(tools, d)
		}
	}
	return tools, nil
}

func (t *grpcTransport) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	// structpb only accepts plain JSON shapes, so typed slices and structs are
	// normalized through encoding/json first.
	plain, err := toPlainJSON(args)
	if err != nil {
		return Result{}, &Error{Kind: KindRemoteRejected, Err: fmt.Errorf("encode arguments: %w", err)}
	}
	req, err := structpb.NewStruct(map[string]any{"name": tool, "arguments": plain})
	if err != nil {
		return Result{}, &Error{Kind: KindRemoteRejected, Err: fmt.Errorf("encode arguments: %w", err)}
	}

	resp := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, grpcCallToolMethod, req, resp); err != nil {
		return Result{}, classifyStatus(err)
	}

	fields := resp.GetFields()
	text := fields["content"].GetStringValue()
	if fields["is_error"].GetBoolValue() {
		return Result{}, &Error{Kind: KindRemoteError, Err: errors.New(truncate(text, 512))}
	}

	out := Result{Text: text}
	if data, ok := fields["data"]; ok {
		if raw, err := json.Marshal(data.AsInterface()); err == nil {
			out.Data = raw
		}
	}
	return out, nil
}

func (t *grpcTransport) Ping(ctx context.Context) error {
	resp, err := t.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return classifyStatus(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return &Error{Kind: KindConnection, Err: fmt.Errorf("health status %s", resp.GetStatus())}
	}
	return nil
}

func (t *grpcTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

func classifyStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return &Error{Kind: KindRemoteError, Err: err}
	}
	var kind ErrorKind
	switch st.Code() {
	case codes.DeadlineExceeded:
		kind = KindTimeout
	case codes.Unavailable, codes.Canceled:
		kind = KindConnection
	case codes.InvalidArgument, codes.NotFound, codes.AlreadyExists, codes.PermissionDenied,
		codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented, codes.Unauthenticated:
		kind = KindRemoteRejected
	default:
		kind = KindRemoteError
	}
	return &Error{Kind: kind, Err: err}
}

func toPlainJSON(args map[string]any) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
