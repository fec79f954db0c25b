package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jkaninda/kazi/internal/llm"
)

func chatHistory(n int) []llm.Message {
	out := make([]llm.Message, 0, n)
	for i := range n {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return out
}

func TestSummarizeHistory(t *testing.T) {
	completer := llm.NewScripted(llm.TextResponse("User wants tests fixed."))
	history := chatHistory(10)

	got := summarizeHistory(context.Background(), completer, history, 10, testLogger())
	if completer.Calls() != 1 {
		t.Fatalf("completer calls = %d, want 1", completer.Calls())
	}
	// The summary merges with the first kept user message.
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	first := got[0]
	if first.Role != llm.RoleUser || !strings.Contains(first.TextContent(), "User wants tests fixed.") {
		t.Errorf("first message = %+v", first)
	}
	if !strings.Contains(first.TextContent(), "message 6") {
		t.Errorf("first kept message lost: %q", first.TextContent())
	}
	if got[3].Content != "message 9" {
		t.Errorf("last message = %q", got[3].Content)
	}

	transcript := completer.Requests()[0].Messages[0].Content
	if !strings.Contains(transcript, "[user]: message 0") || strings.Contains(transcript, "message 6") {
		t.Errorf("transcript = %q", transcript)
	}
}

func TestSummarizeHistoryBelowThreshold(t *testing.T) {
	completer := llm.NewScripted()
	history := chatHistory(5)
	got := summarizeHistory(context.Background(), completer, history, 10, testLogger())
	if len(got) != 5 || completer.Calls() != 0 {
		t.Errorf("expected untouched history, got %d messages and %d calls", len(got), completer.Calls())
	}
}

func TestSummarizeHistoryFailureKeepsHistory(t *testing.T) {
	completer := llm.NewScriptFunc(func(*llm.Request, int) (*llm.Response, error) {
		return nil, errors.New("provider down")
	})
	history := chatHistory(10)
	got := summarizeHistory(context.Background(), completer, history, 10, testLogger())
	if len(got) != 10 {
		t.Errorf("len = %d, want 10", len(got))
	}
}

func TestSummaryCutKeepsToolPairs(t *testing.T) {
	history := chatHistory(6)
	history = append(history,
		llm.Message{Role: llm.RoleAssistant, ContentBlocks: []llm.ContentBlock{
			llm.ToolUseBlock("t1", "read_file", json.RawMessage(`{"path":"main.go"}`)),
		}},
		llm.Message{Role: llm.RoleUser, ContentBlocks: []llm.ContentBlock{
			{Type: llm.BlockToolResult, ToolUseID: "t1", Text: "boom", IsError: true},
		}},
		llm.Message{Role: llm.RoleAssistant, Content: "the file is missing"},
		llm.Message{Role: llm.RoleUser, Content: "create it"},
	)

	cut := summaryCut(history, 10)
	if cut != 9 {
		t.Fatalf("cut = %d, want 9", cut)
	}
	transcript := renderTranscript(history[:cut])
	for _, want := range []string{`[called read_file {"path":"main.go"}]`, "[error: boom]"} {
		if !strings.Contains(transcript, want) {
			t.Errorf("transcript missing %q:\n%s", want, transcript)
		}
	}
}
