package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tferrors "taskflow/internal/errors"
	"taskflow/internal/logging"
)

// ClientConfig configures the OpenAI-compatible HTTP client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
	// Timeout bounds non-streaming requests. Streams are bounded by ctx.
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     logging.Logger
}

// OpenAIClient speaks the /chat/completions protocol over HTTP and SSE.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	logger     logging.Logger
}

var _ Client = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(config ClientConfig) *OpenAIClient {
	baseURL := strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("llm")
	}
	return &OpenAIClient{
		baseURL:    baseURL,
		apiKey:     config.APIKey,
		headers:    config.Headers,
		timeout:    config.Timeout,
		httpClient: httpClient,
		logger:     logger,
	}
}

type wireMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

func (c *OpenAIClient) buildBody(req CompletionRequest, stream bool) ([]byte, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}

	messages := make([]wireMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		wire := wireMessage{Role: msg.Role, ToolCallID: msg.ToolCallID}
		if msg.Content != "" || len(msg.ToolCalls) == 0 {
			wire.Content = StringPtr(msg.Content)
		}
		wire.ToolCalls = msg.ToolCalls
		messages = append(messages, wire)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	if len(req.Tools) > 0 {
		tools := make([]wireTool, 0, len(req.Tools))
		for _, def := range req.Tools {
			tools = append(tools, wireTool{
				Type: "function",
				Function: wireFunction{
					Name:        def.Name,
					Description: def.Description,
					Parameters:  def.Parameters,
				},
			})
		}
		body["tools"] = tools
		choice := req.ToolChoice
		if choice == "" {
			choice = "auto"
		}
		body["tool_choice"] = choice
	}
	if s := req.Sampling; s.Temperature != nil {
		body["temperature"] = *s.Temperature
	}
	if s := req.Sampling; s.TopP != nil {
		body["top_p"] = *s.TopP
	}
	if s := req.Sampling; s.MaxTokens != nil {
		body["max_tokens"] = *s.MaxTokens
	}
	if s := req.Sampling; s.Seed != nil {
		body["seed"] = *s.Seed
	}

	return json.Marshal(body)
}

func (c *OpenAIClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	c.logger.Debug("POST %s (%d bytes)", endpoint, len(body))
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		c.logger.Debug("Error response %d: %s", resp.StatusCode, string(respBody))
		return nil, &tferrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
		}
	}
	return resp, nil
}

// Stream opens a streamed completion.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (*Stream, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	resp, err := c.post(streamCtx, body)
	if err != nil {
		cancel()
		return nil, err
	}

	events := make(chan StreamEvent)
	go c.pump(streamCtx, resp.Body, events)

	return NewStream(events, func() {
		cancel()
		_ = resp.Body.Close()
	}), nil
}

// pump decodes SSE payloads into events. A failure before the first chunk is
// reported as a *StreamDefectError; undecodable chunks after that are skipped.
func (c *OpenAIClient) pump(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer func() { _ = body.Close() }()

	produced := 0
	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var decodeErr error
	err := readSSE(body, func(payload string) bool {
		var chunk Chunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			if produced == 0 {
				decodeErr = fmt.Errorf("decode chunk: %w", err)
				return false
			}
			c.logger.Debug("Failed to decode stream chunk: %v", err)
			return true
		}
		produced++
		return send(StreamEvent{Chunk: &chunk})
	})

	switch {
	case decodeErr != nil:
		send(StreamEvent{Err: &StreamDefectError{Err: decodeErr}})
	case err != nil && produced == 0 && ctx.Err() == nil:
		send(StreamEvent{Err: &StreamDefectError{Err: err}})
	case err != nil && ctx.Err() == nil:
		send(StreamEvent{Err: fmt.Errorf("read stream: %w", err)})
	}
}

type completionResponse struct {
	Model   string `json:"model"`
	Usage   *Usage `json:"usage"`
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   *string    `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete performs a non-streaming completion.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var decoded completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	choice := decoded.Choices[0].Message
	calls := choice.ToolCalls
	if calls == nil {
		calls = []ToolCall{}
	}
	content := choice.Content
	if content != nil && *content == "" {
		content = nil
	}
	return &CompletionResponse{
		Model:   decoded.Model,
		Usage:   decoded.Usage,
		Message: AssistantMessage{Role: RoleAssistant, Content: content, ToolCalls: calls},
	}, nil
}
