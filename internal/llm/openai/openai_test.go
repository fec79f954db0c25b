package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/kazi/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCaps(model string) llm.Capabilities {
	return llm.Capabilities{Provider: "openai", Model: model, ToolCalling: true, MaxOutputTokens: 4096}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestComplete_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "gpt-4o" {
			t.Errorf("expected model gpt-4o, got %q", req.Model)
		}
		if req.MaxTokens != 4096 {
			t.Errorf("expected max_tokens clamped to 4096, got %d", req.MaxTokens)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		writeJSON(w, apiResponse{
			Model: "gpt-4o-2024-08-06",
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "Hello!"},
				FinishReason: "stop",
			}},
			Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL+"/"))
	resp, err := client.Complete(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
		MaxTokens:    100_000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected content Hello!, got %q", resp.Content)
	}
	if resp.StopReason != llm.StopEndTurn {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("expected served model, got %q", resp.Model)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if len(req.Tools) != 1 || req.Tools[0].Function.Name != "run_command" {
			t.Errorf("unexpected tools: %+v", req.Tools)
		}

		writeJSON(w, apiResponse{
			Choices: []apiChoice{{
				Message: apiChoiceMessage{
					Role: "assistant",
					ToolCalls: []apiToolCall{{
						ID:   "call_123",
						Type: "function",
						Function: apiToolCallFunction{
							Name:      "run_command",
							Arguments: `{"command":"ls -la"}`,
						},
					}},
				},
				FinishReason: "tool_calls",
			}},
			Usage: apiUsage{PromptTokens: 20, CompletionTokens: 15},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "list files"}},
		Tools: []llm.ToolDefinition{{
			Name:        "run_command",
			Description: "Execute a shell command",
			InputSchema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StopReason != llm.StopToolUse {
		t.Errorf("expected stop reason tool_use, got %q", resp.StopReason)
	}
	blocks := resp.ToolUseBlocks()
	if len(blocks) != 1 {
		t.Fatalf("expected 1 tool use block, got %d", len(blocks))
	}
	if blocks[0].Name != "run_command" || blocks[0].ID != "call_123" {
		t.Errorf("unexpected block: %+v", blocks[0])
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(blocks[0].Input, &input); err != nil || input.Command != "ls -la" {
		t.Errorf("unexpected input %s: %v", blocks[0].Input, err)
	}
}

func TestComplete_InvalidArgumentsBecomeEmptyObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, apiResponse{
			Choices: []apiChoice{{
				Message: apiChoiceMessage{ToolCalls: []apiToolCall{{
					ID: "c1", Type: "function",
					Function: apiToolCallFunction{Name: "git_status", Arguments: `{"broken`},
				}}},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient("k", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "status"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := string(resp.ToolUseBlocks()[0].Input); got != "{}" {
		t.Errorf("expected {}, got %s", got)
	}
}

func TestComplete_ToolResultRoundTrip(t *testing.T) {
	var capturedReq apiRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&capturedReq); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		writeJSON(w, apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "Done."},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient("test-key", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		SystemPrompt: "You are helpful.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "list files"},
			{
				Role: llm.RoleAssistant,
				ContentBlocks: []llm.ContentBlock{
					llm.ToolUseBlock("call_1", "run_command", json.RawMessage(`{"command":"ls"}`)),
				},
			},
			{
				Role: llm.RoleUser,
				ContentBlocks: []llm.ContentBlock{
					llm.ToolResultBlock("call_1", "file1.txt\nfile2.txt", false),
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// system + user + assistant (with tool_calls) + tool result.
	if len(capturedReq.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(capturedReq.Messages))
	}
	assistant := capturedReq.Messages[2]
	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 1 {
		t.Fatalf("unexpected assistant message: %+v", assistant)
	}
	if assistant.ToolCalls[0].Function.Arguments != `{"command":"ls"}` {
		t.Errorf("unexpected arguments %q", assistant.ToolCalls[0].Function.Arguments)
	}
	toolMsg := capturedReq.Messages[3]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_1" {
		t.Errorf("unexpected tool message: %+v", toolMsg)
	}
}

func TestCompleteStructured_ForcesFunction(t *testing.T) {
	var choice map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		choice, _ = raw["tool_choice"].(map[string]any)
		writeJSON(w, apiResponse{
			Choices: []apiChoice{{
				Message: apiChoiceMessage{ToolCalls: []apiToolCall{{
					ID: "c1", Type: "function",
					Function: apiToolCallFunction{Name: "session_title", Arguments: `{"title":"Fix login"}`},
				}}},
				FinishReason: "tool_calls",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient("k", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	var out struct {
		Title string `json:"title"`
	}
	_, err := client.CompleteStructured(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "the login form is broken"}},
	}, llm.Schema{
		Name:       "session_title",
		Properties: map[string]any{"title": map[string]any{"type": "string"}},
		Required:   []string{"title"},
	}, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Title != "Fix login" {
		t.Errorf("expected decoded title, got %q", out.Title)
	}
	fn, _ := choice["function"].(map[string]any)
	if choice["type"] != "function" || fn["name"] != "session_title" {
		t.Errorf("unexpected tool_choice: %v", choice)
	}
}

func TestComplete_NoAuth(t *testing.T) {
	// Ollama scenario: no API key.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		writeJSON(w, apiResponse{
			Choices: []apiChoice{{
				Message:      apiChoiceMessage{Role: "assistant", Content: "OK"},
				FinishReason: "stop",
			}},
		})
	}))
	defer srv.Close()

	client := NewClient("", llm.Capabilities{Model: "llama3.1"}, discardLogger(), WithBaseURL(srv.URL))
	if client.Capabilities().Provider != "openai" {
		t.Errorf("expected provider openai, got %q", client.Capabilities().Provider)
	}
	resp, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "OK" {
		t.Errorf("expected content OK, got %q", resp.Content)
	}
}

func TestComplete_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Complete(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "Hi"}},
	})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || !llm.IsRetryable(err) {
		t.Errorf("expected retryable 429, got %+v", apiErr)
	}
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range chunks {
		_, _ = io.WriteString(w, "data: "+c+"\n\n")
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
}

func TestStream_TextAndToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if !req.Stream || req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Errorf("expected streaming request with usage, got %+v", req)
		}
		writeSSE(w,
			`{"model":"gpt-4o","choices":[{"delta":{"role":"assistant","content":"Running "}}]}`,
			`{"choices":[{"delta":{"content":"tests."}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"run_command","arguments":""}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"command\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go test ./...\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7}}`,
		)
	}))
	defer srv.Close()

	client := NewClient("k", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	out := make(chan llm.StreamEvent, 16)
	resp, err := client.Stream(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "run tests"}},
	}, out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(out)

	var text string
	var starts int
	for ev := range out {
		switch ev.Type {
		case "text":
			text += ev.Content
		case "tool_use_start":
			starts++
			if ev.ToolUse.Name != "run_command" || ev.ToolUse.ID != "call_1" {
				t.Errorf("tool start = %+v", ev.ToolUse)
			}
		}
	}
	if text != "Running tests." || starts != 1 {
		t.Errorf("events: text %q, tool starts %d", text, starts)
	}

	if resp.Content != "Running tests." || resp.StopReason != llm.StopToolUse || resp.Model != "gpt-4o" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	calls := resp.ToolUseBlocks()
	if len(calls) != 1 || string(calls[0].Input) != `{"command":"go test ./..."}` {
		t.Fatalf("tool calls = %+v", calls)
	}
}

func TestStream_ErrorChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w, `{"error":{"message":"model overloaded"}}`)
	}))
	defer srv.Close()

	client := NewClient("k", testCaps("gpt-4o"), discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Stream(context.Background(), &llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}, nil)
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || !llm.IsRetryable(err) {
		t.Fatalf("expected retryable APIError, got %v", err)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"stop", "end_turn"},
		{"tool_calls", "tool_use"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.input); got != tt.want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
