package agent

import (
	"encoding/json"
	"log/slog"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/llm"
)

// toLLMMessages converts stored messages to provider messages. Tool
// messages carry tool_result blocks and are sent with the user role, as are
// system notices.
func toLLMMessages(msgs []domain.ChatMessage, logger *slog.Logger) []llm.Message {
	// A window cut by the history limit may start inside a tool exchange.
	for len(msgs) > 0 && (msgs[0].Role == domain.RoleAssistant || msgs[0].Role == domain.RoleTool) {
		msgs = msgs[1:]
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		var blocks []llm.ContentBlock
		if len(m.ContentBlocks) > 0 {
			if err := json.Unmarshal(m.ContentBlocks, &blocks); err != nil {
				logger.Warn("skipping undecodable content blocks",
					slog.String("message_id", m.ID.String()),
					slog.String("error", err.Error()),
				)
				blocks = nil
			}
		}
		switch m.Role {
		case domain.RoleUser:
			out = appendMessage(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAssistant:
			if len(blocks) == 0 {
				if m.Content == "" {
					continue
				}
				out = appendMessage(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
				continue
			}
			out = appendMessage(out, llm.Message{Role: llm.RoleAssistant, ContentBlocks: blocks})
		case domain.RoleTool:
			if len(blocks) == 0 {
				continue
			}
			out = appendMessage(out, llm.Message{Role: llm.RoleUser, ContentBlocks: blocks})
		case domain.RoleSystem:
			out = appendMessage(out, llm.Message{Role: llm.RoleUser, Content: "[notice] " + m.Content})
		}
	}
	return repairToolPairs(out)
}

// appendMessage merges consecutive messages of the same role, which occur
// when a user writes while tool results are still awaiting approval.
func appendMessage(history []llm.Message, msg llm.Message) []llm.Message {
	if len(history) == 0 || history[len(history)-1].Role != msg.Role {
		return append(history, msg)
	}
	last := &history[len(history)-1]
	last.ContentBlocks = append(asBlocks(*last), asBlocks(msg)...)
	last.Content = ""
	return history
}

func asBlocks(m llm.Message) []llm.ContentBlock {
	if len(m.ContentBlocks) > 0 {
		return m.ContentBlocks
	}
	if m.Content == "" {
		return nil
	}
	return []llm.ContentBlock{llm.TextBlock(m.Content)}
}

// repairToolPairs drops a leading message that cannot start a conversation
// after truncation: an assistant message, or tool results whose tool_use
// was cut off.
func repairToolPairs(history []llm.Message) []llm.Message {
	for len(history) > 0 {
		first := history[0]
		if first.Role == llm.RoleAssistant || hasToolResult(first) {
			history = history[1:]
			continue
		}
		break
	}
	return history
}

func hasToolResult(m llm.Message) bool {
	for _, b := range m.ContentBlocks {
		if b.Type == llm.BlockToolResult {
			return true
		}
	}
	return false
}

func estimateMessageTokens(msg llm.Message) int {
	tokens := llm.EstimateTokens(string(msg.Role)) + 4
	tokens += llm.EstimateTokens(msg.Content)
	for _, b := range msg.ContentBlocks {
		tokens += llm.EstimateTokens(b.Text)
		tokens += llm.EstimateTokens(string(b.Input))
		tokens += llm.EstimateTokens(b.Name) + llm.EstimateTokens(b.ToolUseID)
	}
	return tokens
}

func estimateToolDefTokens(defs []llm.ToolDefinition) int {
	tokens := 0
	for _, td := range defs {
		tokens += llm.EstimateTokens(td.Name) + llm.EstimateTokens(td.Description)
		if raw, err := json.Marshal(td.InputSchema); err == nil {
			tokens += llm.EstimateTokens(string(raw))
		}
	}
	return tokens
}

// trimToTokenBudget drops the oldest messages until the estimate fits into
// budget, always keeping the last message.
func trimToTokenBudget(history []llm.Message, budget int) []llm.Message {
	if budget <= 0 {
		budget = 2000
	}
	total := 0
	for _, m := range history {
		total += estimateMessageTokens(m)
	}
	for len(history) > 1 && total > budget {
		total -= estimateMessageTokens(history[0])
		history = history[1:]
	}
	return repairToolPairs(history)
}

// truncateContent enforces the per-message size limit.
func truncateContent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[message truncated]"
}

func truncateEvent(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func marshalBlocks(blocks []llm.ContentBlock) json.RawMessage {
	raw, err := json.Marshal(blocks)
	if err != nil {
		return nil
	}
	return raw
}
