package llm

import "context"

// StreamEvent is a single event of a streaming response.
type StreamEvent struct {
	Type    string        // "text", "tool_use_start"
	Content string        // Text delta for "text" events.
	ToolUse *ContentBlock // Tool name and id for "tool_use_start" events.
}

// StreamBuffered implements Completer.Stream for providers without a
// streaming endpoint: it waits for the full response and forwards it as
// one text event followed by the tool calls.
func StreamBuffered(ctx context.Context, complete func(context.Context, *Request) (*Response, error), req *Request, out chan<- StreamEvent) (*Response, error) {
	resp, err := complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Content != "" {
		if err := Send(ctx, out, StreamEvent{Type: "text", Content: resp.Content}); err != nil {
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
