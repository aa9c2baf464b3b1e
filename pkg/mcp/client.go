// Package mcp implements the client half of the Model Context Protocol as
// spoken by the calendar and date/time provider processes: a Content-Length
// framed JSON-RPC stream over the provider's stdin/stdout, an initialize
// handshake, and the tools/list + tools/call surface the agent loop needs.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

const defaultProtocolVersion = "2024-11-05"

// ErrClosed is returned for any call made after the channel has been closed
// or after its underlying process has gone away.
var ErrClosed = errors.New("mcp: channel closed")

// ClientInfo identifies this orchestrator to the provider during the
// handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo is the provider's self-description captured from the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Options tune the handshake. Zero values select sensible defaults.
type Options struct {
	ClientInfo      ClientInfo
	ProtocolVersion string
}

// ToolDescriptor is one tool advertised by a provider. InputSchema is the
// provider's raw JSON Schema for the tool's arguments; it is handed to the
// model's function-calling layer untouched.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Content is a single part of a tool invocation result.
type Content struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// CallResult is the structured outcome of a tool invocation.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Text joins the textual parts of the result with newlines, preserving order.
func (r CallResult) Text() string {
	var parts []string
	for _, c := range r.Content {
		if c.Type != "text" {
			continue
		}
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// Client is a connected channel to one tool provider. A Client owns its
// transport exclusively; one Client per provider process.
type Client struct {
	transport Transport
	info      ClientInfo
	proto     string

	callMu sync.Mutex
	nextID atomic.Uint64
	closed atomic.Bool
	server ServerInfo
}

// Connect performs the initialize handshake over the given transport and
// returns a usable channel. On handshake failure the transport is closed and
// the channel is unusable; callers must treat that as a connection error, not
// as a provider with zero tools.
func Connect(ctx context.Context, transport Transport, opts Options) (*Client, error) {
	if transport == nil {
		return nil, errors.New("mcp: transport is required")
	}

	info := opts.ClientInfo
	if strings.TrimSpace(info.Name) == "" {
		info.Name = "calagent"
	}
	if strings.TrimSpace(info.Version) == "" {
		info.Version = "dev"
	}
	proto := opts.ProtocolVersion
	if strings.TrimSpace(proto) == "" {
		proto = defaultProtocolVersion
	}

	c := &Client{transport: transport, info: info, proto: proto}
	if err := c.handshake(ctx); err != nil {
		transport.Close()
		return nil, fmt.Errorf("mcp: handshake: %w", err)
	}
	return c, nil
}

func (c *Client) handshake(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": c.proto,
		"clientInfo":      c.info,
		"capabilities": map[string]any{
			"tools": map[string]bool{"list": true, "call": true},
		},
	}

	var resp struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := c.call(ctx, "initialize", params, &resp); err != nil {
		return err
	}
	c.server = resp.ServerInfo

	// The initialized notification is fire-and-forget; providers never
	// respond to it.
	note, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err == nil {
		_ = c.transport.Send(ctx, note)
	}
	return nil
}

// Server reports the provider identity captured during the handshake.
func (c *Client) Server() ServerInfo {
	if c == nil {
		return ServerInfo{}
	}
	return c.server
}

// ListTools fetches every tool the provider advertises, following pagination
// cursors when the provider chooses to page the listing.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}

	var (
		tools  []ToolDescriptor
		cursor string
	)
	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var resp struct {
			Tools      []ToolDescriptor `json:"tools"`
			NextCursor string           `json:"nextCursor,omitempty"`
		}
		if err := c.call(ctx, "tools/list", params, &resp); err != nil {
			return nil, err
		}
		tools = append(tools, resp.Tools...)
		if strings.TrimSpace(resp.NextCursor) == "" {
			return tools, nil
		}
		cursor = resp.NextCursor
	}
}

// CallTool invokes one tool. There is no implicit retry: a provider-reported
// failure comes back as an error carrying the provider's own text, and the
// partial result is returned alongside it so callers can fold it into the
// conversation.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (CallResult, error) {
	if err := c.usable(); err != nil {
		return CallResult{}, err
	}
	if strings.TrimSpace(name) == "" {
		return CallResult{}, errors.New("mcp: tool name is required")
	}

	if arguments == nil {
		arguments = map[string]any{}
	}
	params := map[string]any{"name": name, "arguments": arguments}

	var result CallResult
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return CallResult{}, err
	}
	if result.IsError {
		msg := result.Text()
		if msg == "" {
			msg = "tool reported an error"
		}
		return result, fmt.Errorf("mcp: tool %s: %s", name, msg)
	}
	return result, nil
}

// Close releases the transport. Close is idempotent and safe to call from
// any goroutine.
func (c *Client) Close() error {
	if c == nil || c.closed.Swap(true) {
		return nil
	}
	return c.transport.Close()
}

func (c *Client) usable() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *string         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call sends one request and blocks until its response arrives. Calls are
// serialized: the providers this orchestrator talks to answer in order, and
// a single in-flight request keeps the read side trivial.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("mcp: marshal %s: %w", method, err)
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.transport.Send(ctx, payload); err != nil {
		return err
	}

	for {
		msg, err := c.receive(ctx)
		if err != nil {
			return err
		}

		var resp rpcResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			return fmt.Errorf("mcp: decode response: %w", err)
		}

		// Server-initiated notifications and stray replies are skipped until
		// the response matching our id shows up.
		if resp.Method != "" || resp.ID == nil || *resp.ID != id {
			continue
		}

		if resp.Error != nil {
			return fmt.Errorf("mcp: %s: %s", method, resp.Error.Message)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("mcp: decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// receive waits for the next frame, honoring the context even while the
// transport read is blocked on a silent provider. On expiry the channel is
// closed before returning: a reply arriving later would answer the wrong
// request, so the stream cannot be trusted again and subsequent calls must
// fail fast with ErrClosed instead of queueing behind a dead read.
func (c *Client) receive(ctx context.Context) ([]byte, error) {
	type received struct {
		msg []byte
		err error
	}
	ch := make(chan received, 1)
	go func() {
		msg, err := c.transport.Receive(ctx)
		ch <- received{msg, err}
	}()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}
