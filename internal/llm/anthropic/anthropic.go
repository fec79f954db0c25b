// Package anthropic implements llm.Completer for the Anthropic Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jkaninda/kazi/internal/llm"
)

const (
	defaultBaseURL  = "https://api.anthropic.com"
	messagesPath    = "/v1/messages"
	apiVersion      = "2023-06-01"
	defaultMaxToken = 4096
)

// Client implements llm.Completer using the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	caps       llm.Capabilities
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ llm.Completer = (*Client)(nil)

// Option configures the Anthropic client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an Anthropic completer.
func NewClient(apiKey string, caps llm.Capabilities, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      caps.Model,
		caps:       caps,
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Capabilities() llm.Capabilities { return c.caps }

// Complete sends the conversation to the Messages API.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	httpResp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := c.toResponse(&apiResp)
	c.logCompletion(ctx, resp)
	return resp, nil
}

// CompleteStructured forces a single tool call matching schema.
func (c *Client) CompleteStructured(ctx context.Context, req *llm.Request, schema llm.Schema, out any) (*llm.Response, error) {
	return llm.CompleteStructured(ctx, c.Complete, req, schema, out)
}

func (c *Client) post(ctx context.Context, apiReq apiRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", apiVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, llm.NewAPIError("anthropic", httpResp)
	}
	return httpResp, nil
}

func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	messages := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		if len(m.ContentBlocks) > 0 {
			blocks := make([]apiContentBlock, len(m.ContentBlocks))
			for j, b := range m.ContentBlocks {
				blocks[j] = toAPIContentBlock(b)
			}
			messages[i] = apiMessage{Role: string(m.Role), Content: blocks}
		} else {
			messages[i] = apiMessage{Role: string(m.Role), Content: m.Content}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxToken
	}
	if c.caps.MaxOutputTokens > 0 && maxTokens > c.caps.MaxOutputTokens {
		maxTokens = c.caps.MaxOutputTokens
	}

	apiReq := apiRequest{
		Model:     c.model,
		System:    req.SystemPrompt,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	if req.ToolChoice != "" {
		apiReq.ToolChoice = &apiToolChoice{Type: "tool", Name: req.ToolChoice}
	}
	return apiReq
}

func (c *Client) toResponse(apiResp *apiResponse) *llm.Response {
	var textContent string
	var blocks []llm.ContentBlock

	for _, block := range apiResp.Content {
		switch block.Type {
		case llm.BlockText:
			textContent += block.Text
			blocks = append(blocks, llm.TextBlock(block.Text))
		case llm.BlockToolUse:
			blocks = append(blocks, llm.ToolUseBlock(block.ID, block.Name, block.Input))
		}
	}

	return &llm.Response{
		Content:       textContent,
		ContentBlocks: blocks,
		StopReason:    apiResp.StopReason,
		Model:         apiResp.Model,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}
}

// toAPIContentBlock converts an llm.ContentBlock to the Anthropic API format.
func toAPIContentBlock(b llm.ContentBlock) apiContentBlock {
	block := apiContentBlock{Type: b.Type}
	switch b.Type {
	case llm.BlockText:
		block.Text = b.Text
	case llm.BlockToolUse:
		block.ID = b.ID
		block.Name = b.Name
		block.Input = b.Input
	case llm.BlockToolResult:
		block.ToolUseID = b.ToolUseID
		block.Content = b.Text
		block.IsError = b.IsError
	}
	return block
}

// Stream uses the streaming Messages API. Text deltas are forwarded to out;
// tool inputs are accumulated and returned in the assembled response.
func (c *Client) Stream(ctx context.Context, req *llm.Request, out chan<- llm.StreamEvent) (*llm.Response, error) {
	httpResp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var (
		resp    = &llm.Response{Model: c.model}
		blocks  = map[int]*apiContentBlock{}
		inputs  = map[int]*strings.Builder{}
		order   []int
		text    strings.Builder
		scanner = bufio.NewScanner(httpResp.Body)
	)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		var ev apiStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				resp.Usage.InputTokens = ev.Message.Usage.InputTokens
				if ev.Message.Model != "" {
					resp.Model = ev.Message.Model
				}
			}
		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			b := *ev.ContentBlock
			blocks[ev.Index] = &b
			order = append(order, ev.Index)
			if b.Type == llm.BlockToolUse {
				inputs[ev.Index] = &strings.Builder{}
				tu := llm.ContentBlock{Type: llm.BlockToolUse, ID: b.ID, Name: b.Name}
				if err := llm.Send(ctx, out, llm.StreamEvent{Type: "tool_use_start", ToolUse: &tu}); err != nil {
					return nil, err
				}
			}
		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				if b, ok := blocks[ev.Index]; ok {
					b.Text += ev.Delta.Text
				}
				text.WriteString(ev.Delta.Text)
				if err := llm.Send(ctx, out, llm.StreamEvent{Type: "text", Content: ev.Delta.Text}); err != nil {
					return nil, err
				}
			case "input_json_delta":
				if sb, ok := inputs[ev.Index]; ok {
					sb.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				resp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				resp.Usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "error":
			return nil, &llm.APIError{Provider: "anthropic", StatusCode: http.StatusServiceUnavailable, Body: data}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	for _, idx := range order {
		b := blocks[idx]
		switch b.Type {
		case llm.BlockText:
			resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(b.Text))
		case llm.BlockToolUse:
			input := json.RawMessage(inputs[idx].String())
			if len(input) == 0 || !json.Valid(input) {
				input = json.RawMessage(`{}`)
			}
			resp.ContentBlocks = append(resp.ContentBlocks, llm.ToolUseBlock(b.ID, b.Name, input))
		}
	}
	resp.Content = text.String()
	c.logCompletion(ctx, resp)
	return resp, nil
}

func (c *Client) logCompletion(ctx context.Context, resp *llm.Response) {
	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", "anthropic"),
		slog.String("model", c.model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
}

// --- Anthropic API wire types (unexported) ---

type apiRequest struct {
	Model      string         `json:"model"`
	System     string         `json:"system,omitempty"`
	Messages   []apiMessage   `json:"messages"`
	MaxTokens  int            `json:"max_tokens"`
	Tools      []apiTool      `json:"tools,omitempty"`
	ToolChoice *apiToolChoice `json:"tool_choice,omitempty"`
	Stream     bool           `json:"stream,omitempty"`
}

type apiToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type apiStreamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *apiResponse     `json:"message,omitempty"`
	ContentBlock *apiContentBlock `json:"content_block,omitempty"`
	Delta        *apiStreamDelta  `json:"delta,omitempty"`
	Usage        *apiUsage        `json:"usage,omitempty"`
}

type apiStreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type apiTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// apiMessage content is either a string or []apiContentBlock.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type apiContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type apiResponse struct {
	Model      string            `json:"model"`
	Content    []apiContentBlock `json:"content"`
	StopReason string            `json:"stop_reason"`
	Usage      apiUsage          `json:"usage"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
