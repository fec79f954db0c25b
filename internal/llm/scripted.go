package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ScriptFunc produces the next response from the request and the number of
// calls made so far (starting at 0).
type ScriptFunc func(req *Request, call int) (*Response, error)

// Scripted is a deterministic Completer for tests and offline demos.
type Scripted struct {
	mu     sync.Mutex
	script ScriptFunc
	calls  int
	reqs   []*Request
}

var _ Completer = (*Scripted)(nil)

// NewScripted replays responses in order and repeats the last one once the
// script runs out.
func NewScripted(responses ...*Response) *Scripted {
	return NewScriptFunc(func(_ *Request, call int) (*Response, error) {
		if len(responses) == 0 {
			return TextResponse("ok"), nil
		}
		if call >= len(responses) {
			call = len(responses) - 1
		}
		return responses[call], nil
	})
}

// NewScriptFunc creates a Scripted completer driven by fn.
func NewScriptFunc(fn ScriptFunc) *Scripted {
	return &Scripted{script: fn}
}

// NewEcho answers every request with the text of the last user message.
// It is the "scripted" provider of the factory.
func NewEcho() *Scripted {
	return NewScriptFunc(func(req *Request, _ int) (*Response, error) {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == RoleUser {
				if text := strings.TrimSpace(req.Messages[i].TextContent()); text != "" {
					return TextResponse(text), nil
				}
			}
		}
		return TextResponse("ok"), nil
	})
}

// TextResponse builds a final text answer.
func TextResponse(text string) *Response {
	return &Response{
		Content:       text,
		ContentBlocks: []ContentBlock{TextBlock(text)},
		StopReason:    StopEndTurn,
		Usage:         Usage{OutputTokens: EstimateTokens(text)},
	}
}

// ToolCallResponse builds a response requesting one tool call.
func ToolCallResponse(id, name string, input any) *Response {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(fmt.Sprintf("marshal tool input: %v", err))
	}
	return &Response{
		ContentBlocks: []ContentBlock{ToolUseBlock(id, name, raw)},
		StopReason:    StopToolUse,
		Usage:         Usage{OutputTokens: EstimateTokens(string(raw))},
	}
}

// Calls returns the number of completed calls.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.reqs...)
}

func (s *Scripted) Capabilities() Capabilities {
	return Capabilities{Provider: "scripted", Model: "scripted", ToolCalling: true, Streaming: true, ContextWindow: 200_000, MaxOutputTokens: 4096}
}

func (s *Scripted) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	call := s.calls
	s.calls++
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()

	resp, err := s.script(req, call)
	if err != nil {
		return nil, err
	}
	// Copy so callers cannot mutate the script.
	cp := *resp
	cp.ContentBlocks = append([]ContentBlock(nil), resp.ContentBlocks...)
	return &cp, nil
}

func (s *Scripted) CompleteStructured(ctx context.Context, req *Request, schema Schema, out any) (*Response, error) {
	return CompleteStructured(ctx, s.Complete, req, schema, out)
}

// Stream forwards the scripted text word by word.
func (s *Scripted) Stream(ctx context.Context, req *Request, out chan<- StreamEvent) (*Response, error) {
	resp, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, word := range strings.SplitAfter(resp.Content, " ") {
		if word == "" {
			continue
		}
		if err := Send(ctx, out, StreamEvent{Type: "text", Content: word}); err != nil {
			return nil, err
		}
	}
	for _, block := range resp.ToolUseBlocks() {
		b := block
		if err := Send(ctx, out, StreamEvent{Type: "tool_use_start", ToolUse: &b}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
