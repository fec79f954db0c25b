// Package protocol defines the frames exchanged on a session WebSocket.
// Clients send ClientFrames; the server answers with the session's stream
// events and, for transport problems, ErrorFrames.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FrameType identifies the kind of frame.
type FrameType string

const (
	// Client → server
	FrameMessage  FrameType = "message"
	FrameCancel   FrameType = "cancel"
	FrameApproval FrameType = "approval"
	FramePing     FrameType = "ping"

	// Server → client, besides stream events
	FramePong  FrameType = "pong"
	FrameError FrameType = "error"
)

// Error codes carried by ErrorFrame.
const (
	CodeInvalidFrame = "invalid_frame"
	CodeBusy         = "busy"
	CodeIdle         = "idle"
	CodeRateLimited  = "rate_limited"
	CodeNotFound     = "not_found"
	CodeRejected     = "rejected"
)

// ErrInvalidFrame is returned by Decode for malformed client frames.
var ErrInvalidFrame = errors.New("invalid frame")

// ClientFrame is a frame sent by the client.
type ClientFrame struct {
	Type       FrameType `json:"type"`
	Content    string    `json:"content,omitempty"`     // message
	ApprovalID string    `json:"approval_id,omitempty"` // approval
	Decision   string    `json:"decision,omitempty"`    // approval: "approve" or "deny"
}

// Approved reports whether an approval frame approves.
func (f ClientFrame) Approved() bool { return f.Decision == "approve" }

// Decode parses and validates a client frame.
func Decode(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	switch f.Type {
	case FrameMessage:
		if strings.TrimSpace(f.Content) == "" {
			return f, fmt.Errorf("%w: message content is empty", ErrInvalidFrame)
		}
	case FrameApproval:
		if f.ApprovalID == "" {
			return f, fmt.Errorf("%w: approval_id is required", ErrInvalidFrame)
		}
		if f.Decision != "approve" && f.Decision != "deny" {
			return f, fmt.Errorf("%w: decision must be \"approve\" or \"deny\"", ErrInvalidFrame)
		}
	case FrameCancel, FramePing:
	case "":
		return f, fmt.Errorf("%w: type is required", ErrInvalidFrame)
	default:
		return f, fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return f, nil
}

// ErrorFrame reports a problem with a client frame. It has no sequence
// number, which distinguishes it from a turn's error event.
type ErrorFrame struct {
	Type      FrameType `json:"type"`
	Code      string    `json:"code"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewError builds an ErrorFrame.
func NewError(code, content string) ErrorFrame {
	return ErrorFrame{Type: FrameError, Code: code, Content: content, Timestamp: time.Now().UTC()}
}

// Pong answers a ping frame.
type Pong struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPong builds a Pong.
func NewPong() Pong {
	return Pong{Type: FramePong, Timestamp: time.Now().UTC()}
}
