package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/llm"
)

const (
	maxTitleLength = 80
	titleTimeout   = 15 * time.Second
)

var titleSchema = llm.Schema{
	Name:        "set_title",
	Description: "Set a short title for the conversation.",
	Properties: map[string]any{
		"title": map[string]any{
			"type":        "string",
			"description": "A title of at most eight words describing the user's request.",
		},
	},
	Required: []string{"title"},
}

// generateTitle names a session after its first message. It is best
// effort: any failure keeps the default title.
func (a *Agent) generateTitle(ctx context.Context, sessionID uuid.UUID, message string) {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	var out struct {
		Title string `json:"title"`
	}
	_, err := a.completer.CompleteStructured(ctx, &llm.Request{
		SystemPrompt: "You name chat conversations about software projects.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: truncateContent(message, 2000)}},
		MaxTokens:    64,
	}, titleSchema, &out)
	if err != nil {
		a.logger.DebugContext(ctx, "title generation failed", slog.String("error", err.Error()))
		return
	}
	title := cleanTitle(out.Title)
	if title == "" {
		return
	}
	if err := a.store.UpdateSessionTitle(ctx, sessionID, title); err != nil {
		a.logger.WarnContext(ctx, "failed to store session title",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func cleanTitle(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, `"'.`)
	if len(s) > maxTitleLength {
		s = strings.TrimSpace(s[:maxTitleLength])
	}
	return s
}
