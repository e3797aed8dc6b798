package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"taskflow/internal/async"
	"taskflow/internal/logging"
)

// ProtocolVersion is the MCP protocol revision announced on initialize.
const ProtocolVersion = "2024-11-05"

// ErrTimeout is wrapped by every MCP operation that exceeds its bound.
var ErrTimeout = errors.New("mcp operation timed out")

// ErrClosed is returned once the provider connection has gone away.
var ErrClosed = errors.New("mcp connection closed")

// ServerInfo identifies the provider.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// ToolSchema is a tool as advertised by a provider.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCallResult is the result of calling a tool.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is one piece of tool output.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text flattens the content blocks into a single string.
func (r *ToolCallResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, block := range r.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, block.Text)
			}
		case "image":
			if block.MimeType != "" {
				parts = append(parts, fmt.Sprintf("[Image: %s]", block.MimeType))
			} else {
				parts = append(parts, "[Image]")
			}
		case "resource":
			parts = append(parts, fmt.Sprintf("[Resource: %s]", block.Text))
		default:
			parts = append(parts, fmt.Sprintf("[%s]", block.Type))
		}
	}
	return strings.Join(parts, "\n\n")
}

// Client is an MCP session over a Transport.
type Client struct {
	name         string
	transport    Transport
	idGen        *RequestIDGenerator
	pendingCalls map[string]chan *Response
	mu           sync.Mutex
	closed       chan struct{}
	closeOnce    sync.Once
	callTimeout  time.Duration
	logger       logging.Logger
}

// NewClient creates a session bound to transport. callTimeout bounds each
// request; zero disables the bound.
func NewClient(name string, transport Transport, callTimeout time.Duration) *Client {
	return &Client{
		name:         name,
		transport:    transport,
		idGen:        NewRequestIDGenerator(),
		pendingCalls: make(map[string]chan *Response),
		closed:       make(chan struct{}),
		callTimeout:  callTimeout,
		logger:       logging.NewComponentLogger(fmt.Sprintf("mcp[%s]", name)),
	}
}

// Start launches the transport and performs the initialize handshake. The
// handshake is bounded by ctx.
func (c *Client) Start(ctx context.Context) error {
	if err := c.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start provider: %w", err)
	}

	async.Go(c.logger, "mcp.client.readLoop", c.readLoop)

	if err := c.initialize(ctx); err != nil {
		_ = c.transport.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	return nil
}

// Close stops the transport.
func (c *Client) Close() error {
	c.logger.Debug("Closing session")
	return c.transport.Stop(5 * time.Second)
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "taskflow", "version": "0.1.0"},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("failed to parse initialize result: %w", err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("Protocol version mismatch: client=%s, server=%s", ProtocolVersion, result.ProtocolVersion)
	}
	c.logger.Info("Initialized with provider: %s %s", result.ServerInfo.Name, result.ServerInfo.Version)

	if err := c.notify("notifications/initialized", nil); err != nil {
		c.logger.Warn("Failed to send initialized notification: %v", err)
	}
	return nil
}

// ListTools retrieves the tools offered by the provider.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list failed: %w", err)
	}
	var response struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return response.Tools, nil
}

// CallTool invokes a tool on the provider.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, fmt.Errorf("tools/call %s failed: %w", name, err)
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.idGen.Next()
	data, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	data = append(data, '\n')

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pendingCalls[id] = respChan
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pendingCalls, id)
		c.mu.Unlock()
	}()

	c.logger.Debug("Sending request: method=%s, id=%s", method, id)
	if err := c.transport.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	var timeout <-chan time.Time
	if c.callTimeout > 0 {
		timer := time.NewTimer(c.callTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-c.closed:
		select {
		case resp := <-respChan:
			if resp.Error != nil {
				return nil, resp.Error
			}
			return resp.Result, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", method, ErrTimeout)
		}
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	case <-timeout:
		return nil, fmt.Errorf("%s after %v: %w", method, c.callTimeout, ErrTimeout)
	}
}

func (c *Client) notify(method string, params map[string]any) error {
	data, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	return c.transport.Write(append(data, '\n'))
}

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.closed) })

	scanner := bufio.NewScanner(c.transport.Reader())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		resp, err := UnmarshalResponse(scanner.Bytes())
		if err != nil {
			c.logger.Warn("Failed to unmarshal response: %v", err)
			continue
		}
		if resp.ID == nil {
			// server-initiated notification
			continue
		}

		key := responseKey(resp.ID)
		c.mu.Lock()
		ch, ok := c.pendingCalls[key]
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("No pending call found for response: id=%s", key)
			continue
		}
		select {
		case ch <- resp:
		default:
			c.logger.Warn("Response channel full, dropping response: id=%s", key)
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Read loop ended: %v", err)
	}
}
