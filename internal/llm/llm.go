// Package llm defines the provider-agnostic completion service used by the
// agent loop: one Completer interface, a closed set of provider variants and
// an immutable capability table built once at startup.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Completer is the completion service. Implementations must be safe for
// concurrent use.
type Completer interface {
	// Complete sends a conversation and waits for the full response.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// CompleteStructured forces the model to answer through a single tool whose
	// input matches schema and decodes that input into out.
	CompleteStructured(ctx context.Context, req *Request, schema Schema, out any) (*Response, error)
	// Stream sends text deltas to out as they arrive and returns the assembled
	// response. It blocks on out like any producer; it never closes out.
	Stream(ctx context.Context, req *Request, out chan<- StreamEvent) (*Response, error)
	// Capabilities describes the configured provider and model.
	Capabilities() Capabilities
}

// Request represents a full conversation sent to the model.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Tools        []ToolDefinition // nil = no tool use
	// ToolChoice forces a specific tool when non-empty.
	ToolChoice string
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Schema is a named JSON schema for CompleteStructured.
type Schema struct {
	Name        string
	Description string
	Properties  map[string]any
	Required    []string
}

func (s Schema) tool() ToolDefinition {
	return ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": s.Properties,
			"required":   s.Required,
		},
	}
}

// Message is a single turn in the conversation.
// Either Content (plain text) or ContentBlocks (structured) should be set, not both.
type Message struct {
	Role          Role
	Content       string
	ContentBlocks []ContentBlock
}

// TextContent returns the concatenated text from all text blocks,
// or the plain Content field if no blocks are present.
func (m *Message) TextContent() string {
	if len(m.ContentBlocks) == 0 {
		return m.Content
	}
	var s string
	for _, b := range m.ContentBlocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is a tagged union representing a piece of message content.
// The Type field determines which other fields are meaningful.
type ContentBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: content, IsError: isError}
}

// Role identifies who sent a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Stop reasons, normalized across providers.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Response is what the model returns.
type Response struct {
	Content       string
	ContentBlocks []ContentBlock
	Usage         Usage
	StopReason    string
	Model         string
	Latency       time.Duration
}

// HasToolUse reports whether the response requests tool execution.
func (r *Response) HasToolUse() bool {
	return len(r.ToolUseBlocks()) > 0
}

// ToolUseBlocks returns only the tool_use content blocks from the response.
func (r *Response) ToolUseBlocks() []ContentBlock {
	var blocks []ContentBlock
	for _, b := range r.ContentBlocks {
		if b.Type == BlockToolUse {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// EstimateTokens approximates the token count of text when a provider does
// not report usage (roughly four characters per token).
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 1
}

// APIError is a non-success HTTP response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Body)
}

const maxErrorBody = 64 << 10

// NewAPIError drains a failed response. It does not close the body.
func NewAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := &APIError{Provider: provider, StatusCode: resp.StatusCode, Body: string(body)}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// IsRetryable reports whether err is transient: rate limits, overload,
// server errors and network failures.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode == 529, // Anthropic overloaded
			apiErr.StatusCode >= 500:
			return true
		}
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CompleteStructured implements Completer.CompleteStructured on top of a
// plain complete function.
func CompleteStructured(ctx context.Context, complete func(context.Context, *Request) (*Response, error), req *Request, schema Schema, out any) (*Response, error) {
	structured := *req
	structured.Tools = []ToolDefinition{schema.tool()}
	structured.ToolChoice = schema.Name

	resp, err := complete(ctx, &structured)
	if err != nil {
		return nil, err
	}
	for _, b := range resp.ToolUseBlocks() {
		if b.Name != schema.Name {
			continue
		}
		if err := json.Unmarshal(b.Input, out); err != nil {
			return resp, fmt.Errorf("decoding %s output: %w", schema.Name, err)
		}
		return resp, nil
	}
	return resp, fmt.Errorf("model did not call %s", schema.Name)
}

// Send delivers ev to out unless ctx ends first.
func Send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) error {
	if out == nil {
		return nil
	}
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
