package toolclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"syscall"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

type mcpTransport struct {
	client *mcpclient.Client
}

// DialMCP connects to an MCP server over streamable HTTP and performs the
// initialize handshake.
func DialMCP(ctx context.Context, endpoint, clientName, clientVersion string) (Transport, error) {
	c, err := mcpclient.NewStreamableHttpClient(endpoint)
	if err != nil {
		return nil, &Error{Kind: KindConnection, Server: endpoint, Err: err}
	}
	return NewMCPTransport(ctx, c, clientName, clientVersion)
}

// NewMCPTransport starts and initializes an already constructed MCP client.
// It takes ownership of c and closes it on failure.
func NewMCPTransport(ctx context.Context, c *mcpclient.Client, clientName, clientVersion string) (Transport, error) {
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, &Error{Kind: KindConnection, Err: fmt.Errorf("start: %w", err)}
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		te := classifyMCPError(ctx, err)
		if te.Kind == KindRemoteRejected {
			te.Kind = KindConnection
		}
		return nil, te
	}
	return &mcpTransport{client: c}, nil
}

func (t *mcpTransport) ListTools(ctx context.Context) ([]Descriptor, error) {
	res, err := t.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, classifyMCPError(ctx, err)
	}
	tools := make([]Descriptor, 0, len(res.Tools))
	for _, tool := range res.Tools {
		d := Descriptor{Name: tool.Name, Description: tool.Description}
		if raw, err := json.Marshal(tool.InputSchema); err == nil {
			d.InputSchema = raw
		}
		tools = append(tools, d)
	}
	return tools, nil
}

func (t *mcpTransport) Call(ctx context.Context, tool string, args map[string]any) (Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return Result{}, classifyMCPError(ctx, err)
	}

	text := textContent(res.Content)
	if res.IsError {
		return Result{}, &Error{Kind: KindRemoteError, Err: errors.New(truncate(text, 512))}
	}
	return Result{Text: text}, nil
}

func (t *mcpTransport) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx); err != nil {
		return classifyMCPError(ctx, err)
	}
	return nil
}

func (t *mcpTransport) Close() error {
	return t.client.Close()
}

func textContent(content []mcp.Content) string {
	var b strings.Builder
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			b.WriteString(v.Text)
		case *mcp.TextContent:
			b.WriteString(v.Text)
		}
	}
	return b.String()
}

// classifyMCPError maps a JSON-RPC or transport failure to an error kind.
// Protocol level errors returned by the server are deterministic rejections.
func classifyMCPError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if isConnectionError(err) {
		return &Error{Kind: KindConnection, Err: err}
	}
	return &Error{Kind: KindRemoteRejected, Err: err}
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "transport error", "failed to send request", "no such host", "broken pipe"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
