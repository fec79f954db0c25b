package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kazi/internal/llm"
)

const (
	// Summarizing starts once history fills this share of MaxHistoryMessages
	// and keeps the newest keepShare of it verbatim.
	summarizeShare = 0.8
	keepShare      = 0.4

	minSummarized     = 4
	summaryMaxTokens  = 1024
	summaryResultSize = 200
	summaryPrefix     = "[Earlier in this session]\n"
)

const summarizationPrompt = `You compress the history of a coding session in a sandboxed repository.
Write a short paragraph that keeps: the user's goals, files read or changed, commands run and whether they failed, decisions taken and anything still unresolved.
Drop pleasantries and long tool output.`

// summarizeHistory replaces the older part of history with one summary
// message. It returns history unchanged when there is nothing worth
// compressing or the completion fails.
func summarizeHistory(ctx context.Context, completer llm.Completer, history []llm.Message, maxMessages int, logger *slog.Logger) []llm.Message {
	cut := summaryCut(history, maxMessages)
	if cut < minSummarized {
		return history
	}
	transcript := renderTranscript(history[:cut])
	if transcript == "" {
		return history
	}

	resp, err := completer.Complete(ctx, &llm.Request{
		SystemPrompt: summarizationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: transcript}},
		MaxTokens:    summaryMaxTokens,
	})
	if err != nil {
		logger.WarnContext(ctx, "history summarization failed", slog.String("error", err.Error()))
		return history
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return history
	}

	out := []llm.Message{{Role: llm.RoleUser, Content: summaryPrefix + summary}}
	for _, m := range history[cut:] {
		out = appendMessage(out, m)
	}
	logger.DebugContext(ctx, "history summarized",
		slog.Int("before", len(history)),
		slog.Int("summarized", cut),
		slog.Int("after", len(out)),
	)
	return out
}

// summaryCut returns the index of the first message kept verbatim, or 0
// when history is below the threshold. The kept tail always starts at a
// plain user message so no tool_use is separated from its tool_result.
func summaryCut(history []llm.Message, maxMessages int) int {
	if len(history) < int(float64(maxMessages)*summarizeShare) {
		return 0
	}
	cut := len(history) - max(int(float64(maxMessages)*keepShare), 2)
	for cut < len(history) && (history[cut].Role != llm.RoleUser || hasToolResult(history[cut])) {
		cut++
	}
	if cut >= len(history) {
		return 0
	}
	return cut
}

func renderTranscript(msgs []llm.Message) string {
	var sb strings.Builder
	for _, m := range msgs {
		var line strings.Builder
		line.WriteString(m.TextContent())
		for _, b := range m.ContentBlocks {
			switch b.Type {
			case llm.BlockToolUse:
				fmt.Fprintf(&line, " [called %s %s]", b.Name, b.Input)
			case llm.BlockToolResult:
				status := "result"
				if b.IsError {
					status = "error"
				}
				fmt.Fprintf(&line, " [%s: %s]", status, truncateEvent(b.Text, summaryResultSize))
			}
		}
		if line.Len() == 0 {
			continue
		}
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, strings.TrimSpace(line.String()))
	}
	return sb.String()
}
