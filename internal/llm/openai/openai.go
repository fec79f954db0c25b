// Package openai implements llm.Completer for the Chat Completions API of
// OpenAI and compatible servers (Ollama, vLLM) selected through WithBaseURL.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/jkaninda/kazi/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	completionsPath  = "/v1/chat/completions"
	defaultMaxTokens = 4096
	doneMarker       = "[DONE]"
)

type Client struct {
	apiKey     string
	caps       llm.Capabilities
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ llm.Completer = (*Client)(nil)

type Option func(*Client)

// WithBaseURL points the client at a compatible server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a completer for caps.Model. An empty apiKey sends no
// Authorization header, which local servers accept.
func NewClient(apiKey string, caps llm.Capabilities, logger *slog.Logger, opts ...Option) *Client {
	if caps.Provider == "" {
		caps.Provider = "openai"
	}
	c := &Client{
		apiKey:     apiKey,
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

// Complete waits for the whole completion.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	httpResp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	resp := toResponse(&apiResp)
	c.logCompletion(ctx, resp)
	return resp, nil
}

// CompleteStructured forces a single function call matching schema.
func (c *Client) CompleteStructured(ctx context.Context, req *llm.Request, schema llm.Schema, out any) (*llm.Response, error) {
	return llm.CompleteStructured(ctx, c.Complete, req, schema, out)
}

// Stream reads server-sent chunks. Text deltas are forwarded as they
// arrive; tool call arguments are accumulated per call index and returned
// in the assembled response.
func (c *Client) Stream(ctx context.Context, req *llm.Request, out chan<- llm.StreamEvent) (*llm.Response, error) {
	httpResp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	acc := newAccumulator()
	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == doneMarker {
			break
		}
		var chunk apiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, &llm.APIError{Provider: c.caps.Provider, StatusCode: http.StatusServiceUnavailable, Body: chunk.Error.Message}
		}
		events := acc.add(&chunk)
		for _, ev := range events {
			if err := llm.Send(ctx, out, ev); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading stream: %w", err)
	}

	resp := acc.response()
	c.logCompletion(ctx, resp)
	return resp, nil
}

func (c *Client) post(ctx context.Context, apiReq apiRequest) (*http.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiReq.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		return nil, llm.NewAPIError(c.caps.Provider, httpResp)
	}
	return httpResp, nil
}

func (c *Client) logCompletion(ctx context.Context, resp *llm.Response) {
	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.caps.Provider),
		slog.String("model", c.caps.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.String("stop_reason", resp.StopReason),
	)
}

func (c *Client) buildRequest(req *llm.Request, stream bool) apiRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if c.caps.MaxOutputTokens > 0 {
		maxTokens = min(maxTokens, c.caps.MaxOutputTokens)
	}

	apiReq := apiRequest{
		Model:     c.caps.Model,
		Messages:  toAPIMessages(req),
		MaxTokens: maxTokens,
		Stream:    stream,
	}
	if stream {
		apiReq.StreamOptions = &apiStreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		apiReq.Tools = append(apiReq.Tools, apiTool{
			Type:     "function",
			Function: apiFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if req.ToolChoice != "" {
		apiReq.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]string{"name": req.ToolChoice},
		}
	}
	return apiReq
}

// toAPIMessages flattens the conversation into chat messages. Tool calls
// ride on the assistant message; each tool result becomes its own "tool"
// message following any user text.
func toAPIMessages(req *llm.Request) []apiMessage {
	var msgs []apiMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, apiMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		if len(m.ContentBlocks) == 0 {
			msgs = append(msgs, apiMessage{Role: string(m.Role), Content: m.Content})
			continue
		}

		var text strings.Builder
		var calls []apiToolCall
		var results []apiMessage
		for _, b := range m.ContentBlocks {
			switch b.Type {
			case llm.BlockText:
				text.WriteString(b.Text)
			case llm.BlockToolUse:
				args := string(b.Input)
				if args == "" {
					args = "{}"
				}
				calls = append(calls, apiToolCall{
					ID:       b.ID,
					Type:     "function",
					Function: apiToolCallFunction{Name: b.Name, Arguments: args},
				})
			case llm.BlockToolResult:
				results = append(results, apiMessage{Role: "tool", Content: b.Text, ToolCallID: b.ToolUseID})
			}
		}

		if m.Role == llm.RoleAssistant {
			msgs = append(msgs, apiMessage{Role: "assistant", Content: text.String(), ToolCalls: calls})
			continue
		}
		if text.Len() > 0 {
			msgs = append(msgs, apiMessage{Role: "user", Content: text.String()})
		}
		msgs = append(msgs, results...)
	}
	return msgs
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{
		Model: apiResp.Model,
		Usage: llm.Usage{InputTokens: apiResp.Usage.PromptTokens, OutputTokens: apiResp.Usage.CompletionTokens},
	}
	if len(apiResp.Choices) == 0 {
		return resp
	}

	choice := apiResp.Choices[0]
	if choice.Message.Content != "" {
		resp.Content = choice.Message.Content
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ContentBlocks = append(resp.ContentBlocks, toolUse(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	resp.StopReason = normalizeFinishReason(choice.FinishReason)
	return resp
}

// toolUse drops arguments that are not valid JSON; the executor then
// reports the missing fields to the model.
func toolUse(id, name, args string) llm.ContentBlock {
	input := json.RawMessage(args)
	if !json.Valid(input) {
		input = nil
	}
	return llm.ToolUseBlock(id, name, input)
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "stop":
		return llm.StopEndTurn
	case "tool_calls":
		return llm.StopToolUse
	case "length":
		return llm.StopMaxTokens
	default:
		return reason
	}
}

// accumulator assembles a streamed completion.
type accumulator struct {
	model  string
	text   strings.Builder
	calls  map[int]*apiToolCall
	args   map[int]*strings.Builder
	finish string
	usage  apiUsage
}

func newAccumulator() *accumulator {
	return &accumulator{calls: map[int]*apiToolCall{}, args: map[int]*strings.Builder{}}
}

// add folds one chunk in and returns the events to forward.
func (a *accumulator) add(chunk *apiChunk) []llm.StreamEvent {
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		a.usage = *chunk.Usage
	}
	var events []llm.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			a.finish = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			a.text.WriteString(choice.Delta.Content)
			events = append(events, llm.StreamEvent{Type: "text", Content: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			call, ok := a.calls[tc.Index]
			if !ok {
				call = &apiToolCall{ID: tc.ID, Type: "function", Function: apiToolCallFunction{Name: tc.Function.Name}}
				a.calls[tc.Index] = call
				a.args[tc.Index] = &strings.Builder{}
				events = append(events, llm.StreamEvent{
					Type:    "tool_use_start",
					ToolUse: &llm.ContentBlock{Type: llm.BlockToolUse, ID: tc.ID, Name: tc.Function.Name},
				})
			}
			a.args[tc.Index].WriteString(tc.Function.Arguments)
		}
	}
	return events
}

func (a *accumulator) response() *llm.Response {
	resp := &llm.Response{
		Content:    a.text.String(),
		Model:      a.model,
		StopReason: normalizeFinishReason(a.finish),
		Usage:      llm.Usage{InputTokens: a.usage.PromptTokens, OutputTokens: a.usage.CompletionTokens},
	}
	if resp.Content != "" {
		resp.ContentBlocks = append(resp.ContentBlocks, llm.TextBlock(resp.Content))
	}
	indexes := make([]int, 0, len(a.calls))
	for i := range a.calls {
		indexes = append(indexes, i)
	}
	slices.Sort(indexes)
	for _, i := range indexes {
		call := a.calls[i]
		resp.ContentBlocks = append(resp.ContentBlocks, toolUse(call.ID, call.Function.Name, a.args[i].String()))
	}
	return resp
}

// Wire types.

type apiRequest struct {
	Model         string            `json:"model"`
	Messages      []apiMessage      `json:"messages"`
	MaxTokens     int               `json:"max_tokens"`
	Tools         []apiTool         `json:"tools,omitempty"`
	ToolChoice    any               `json:"tool_choice,omitempty"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *apiStreamOptions `json:"stream_options,omitempty"`
}

type apiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []apiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type apiTool struct {
	Type     string      `json:"type"`
	Function apiFunction `json:"function"`
}

type apiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type apiToolCall struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Function apiToolCallFunction `json:"function"`
}

type apiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type apiResponse struct {
	Model   string      `json:"model"`
	Choices []apiChoice `json:"choices"`
	Usage   apiUsage    `json:"usage"`
}

type apiChoice struct {
	Message      apiChoiceMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type apiChoiceMessage struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	ToolCalls []apiToolCall `json:"tool_calls,omitempty"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type apiChunk struct {
	Model   string           `json:"model"`
	Choices []apiChunkChoice `json:"choices"`
	Usage   *apiUsage        `json:"usage,omitempty"`
	Error   *apiChunkError   `json:"error,omitempty"`
}

type apiChunkChoice struct {
	Delta        apiDelta `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

type apiDelta struct {
	Content   string             `json:"content"`
	ToolCalls []apiToolCallDelta `json:"tool_calls"`
}

type apiToolCallDelta struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id"`
	Function apiToolCallFunction `json:"function"`
}

type apiChunkError struct {
	Message string `json:"message"`
}
