// Package stream carries agent events from the loop to a transport.
// A Stream is a bounded channel with per-session sequence numbers: Emit
// blocks while the buffer is full and never drops an event.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// EventType identifies an event.
type EventType string

const (
	EventText          EventType = "text"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventDiff          EventType = "diff"
	EventFileCreated   EventType = "file_created"
	EventCommandOutput EventType = "command_output"
	EventStatus        EventType = "status"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Terminal reports whether no event follows t in a turn.
func (t EventType) Terminal() bool { return t == EventDone || t == EventError }

// Done reasons.
const (
	ReasonCompleted         = "completed"
	ReasonLoopLimitExceeded = "loop_limit_exceeded"
	ReasonCanceled          = "canceled"
	ReasonAwaitingApproval  = "awaiting_approval"
)

// Event is one message of a session stream.
type Event struct {
	Type          EventType       `json:"type"`
	Seq           int64           `json:"seq"`
	SessionID     uuid.UUID       `json:"session_id"`
	Content       string          `json:"content,omitempty"`
	Tool          string          `json:"tool,omitempty"`
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Result        string          `json:"result,omitempty"`
	IsError       bool            `json:"is_error,omitempty"`
	File          string          `json:"file,omitempty"`
	Old           string          `json:"old,omitempty"`
	New           string          `json:"new,omitempty"`
	Command       string          `json:"command,omitempty"`
	Output        string          `json:"output,omitempty"`
	FilesModified []string        `json:"filesModified,omitempty"`
	FilesCreated  []string        `json:"filesCreated,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	ApprovalID    string          `json:"approvalId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ErrClosed is returned by Emit after the stream was closed.
var ErrClosed = errors.New("stream closed")

// DefaultBuffer is the channel capacity used when none is given.
const DefaultBuffer = 64

// Stream is the event channel of one running turn. Emit may be called from
// several goroutines; sequence numbers follow delivery order.
type Stream struct {
	sessionID uuid.UUID
	ch        chan Event
	stop      chan struct{}
	stopOnce  sync.Once

	mu     sync.Mutex
	seq    int64
	closed bool

	onClose func(lastSeq int64)
}

// New creates a stream whose first event gets sequence number firstSeq.
func New(sessionID uuid.UUID, buffer int, firstSeq int64) *Stream {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if firstSeq < 1 {
		firstSeq = 1
	}
	return &Stream{
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
		stop:      make(chan struct{}),
		seq:       firstSeq - 1,
	}
}

// SessionID returns the session the stream belongs to.
func (s *Stream) SessionID() uuid.UUID { return s.sessionID }

// Events returns the receive side. It is closed by Close.
func (s *Stream) Events() <-chan Event { return s.ch }

// Emit assigns the next sequence number and delivers ev, blocking while the
// buffer is full. It fails only when ctx ends or the stream is closed; the
// sequence number is not consumed in that case.
func (s *Stream) Emit(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	ev.Seq = s.seq + 1
	ev.SessionID = s.sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.ch <- ev:
		s.seq = ev.Seq
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	}
}

// LastSeq returns the sequence number of the last delivered event.
func (s *Stream) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close unblocks pending emitters and closes the channel. Buffered events
// remain readable. Close is idempotent.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		last := s.seq
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(last)
		}
	})
}

// Emitter is the producer side used by the agent loop.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

var _ Emitter = (*Stream)(nil)

// Discard accepts and drops every event. It backs turns nobody listens to,
// such as approvals resolved by the expiry job.
type Discard struct{}

func (Discard) Emit(context.Context, Event) error { return nil }

// Hub tracks the open stream of every session so that sequence numbers
// continue across turns and a session runs at most one turn at a time.
type Hub struct {
	mu      sync.Mutex
	buffer  int
	open    map[uuid.UUID]*Stream
	lastSeq map[uuid.UUID]int64
	// forget holds sessions to drop once their open stream closes.
	forget  map[uuid.UUID]struct{}
	onCount func(active int)
}

// NewHub creates a hub whose streams use the given buffer size.
func NewHub(buffer int) *Hub {
	return &Hub{
		buffer:  buffer,
		open:    make(map[uuid.UUID]*Stream),
		lastSeq: make(map[uuid.UUID]int64),
		forget:  make(map[uuid.UUID]struct{}),
	}
}

// WithObserver reports the number of open streams after every change.
func (h *Hub) WithObserver(fn func(active int)) *Hub {
	h.onCount = fn
	return h
}

// Open creates the stream of a session's next turn. It fails with
// domain.ErrInvalidState while a previous stream is still open.
func (h *Hub) Open(sessionID uuid.UUID) (*Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.open[sessionID]; busy {
		return nil, fmt.Errorf("%w: session %s already has a running turn", domain.ErrInvalidState, sessionID)
	}
	s := New(sessionID, h.buffer, h.lastSeq[sessionID]+1)
	s.onClose = func(last int64) { h.release(sessionID, s, last) }
	h.open[sessionID] = s
	h.notify()
	return s, nil
}

func (h *Hub) release(sessionID uuid.UUID, s *Stream, last int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.open[sessionID] == s {
		delete(h.open, sessionID)
	}
	if _, ok := h.forget[sessionID]; ok {
		delete(h.forget, sessionID)
		delete(h.lastSeq, sessionID)
	} else if last > h.lastSeq[sessionID] {
		h.lastSeq[sessionID] = last
	}
	h.notify()
}

// Forget drops the sequence counter of a session that will not run again.
// An open stream keeps its counter until it closes.
func (h *Hub) Forget(sessionID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.open[sessionID]; open {
		h.forget[sessionID] = struct{}{}
		return
	}
	delete(h.lastSeq, sessionID)
}

// Idle returns the sessions holding a sequence counter without an open stream.
func (h *Hub) Idle() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(h.lastSeq))
	for id := range h.lastSeq {
		if _, open := h.open[id]; !open {
			ids = append(ids, id)
		}
	}
	return ids
}

// Active returns the number of open streams.
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.open)
}

// Busy reports whether the session has an open stream.
func (h *Hub) Busy(sessionID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.open[sessionID]
	return ok
}

func (h *Hub) notify() {
	if h.onCount != nil {
		h.onCount(len(h.open))
	}
}

// Collect reads events until the channel closes or a terminal event
// arrives. It is a convenience for tests and buffered transports.
func Collect(ctx context.Context, events <-chan Event) ([]Event, error) {
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
			if ev.Type.Terminal() {
				return out, nil
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
