package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/stream"
)

type fakeSessions map[uuid.UUID]*domain.ChatSession

func (f fakeSessions) GetSession(_ context.Context, id uuid.UUID) (*domain.ChatSession, error) {
	s, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("session %w", domain.ErrNotFound)
	}
	return s, nil
}

type fakeApprovals map[string]*approval.PendingApproval

func (f fakeApprovals) Get(_ context.Context, id string) (*approval.PendingApproval, error) {
	pa, ok := f[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	return pa, nil
}

// fakeTurns echoes messages. The message "block" waits for cancellation.
type fakeTurns struct {
	hub      *stream.Hub
	once     sync.Once
	canceled chan struct{}
	resumed  chan agent.ResumeRequest
}

func newFakeTurns() *fakeTurns {
	return &fakeTurns{
		hub:      stream.NewHub(16),
		canceled: make(chan struct{}),
		resumed:  make(chan agent.ResumeRequest, 1),
	}
}

func (f *fakeTurns) Turn(ctx context.Context, req agent.TurnRequest) (*stream.Stream, error) {
	s, err := f.hub.Open(req.SessionID)
	if err != nil {
		return nil, err
	}
	go func() {
		defer s.Close()
		bg := context.Background()
		if req.Message == "block" {
			_ = s.Emit(bg, stream.Event{Type: stream.EventStatus, Content: "running"})
			<-ctx.Done()
			f.once.Do(func() { close(f.canceled) })
			_ = s.Emit(bg, stream.Event{Type: stream.EventDone, Reason: stream.ReasonCanceled})
			return
		}
		_ = s.Emit(bg, stream.Event{Type: stream.EventText, Content: "echo: " + req.Message})
		_ = s.Emit(bg, stream.Event{Type: stream.EventDone, Reason: stream.ReasonCompleted})
	}()
	return s, nil
}

func (f *fakeTurns) Resume(_ context.Context, sessionID uuid.UUID, req agent.ResumeRequest) (*stream.Stream, error) {
	s, err := f.hub.Open(sessionID)
	if err != nil {
		return nil, err
	}
	f.resumed <- req
	go func() {
		defer s.Close()
		_ = s.Emit(context.Background(), stream.Event{Type: stream.EventDone, Reason: stream.ReasonCompleted})
	}()
	return s, nil
}

func (f *fakeTurns) Busy(sessionID uuid.UUID) bool { return f.hub.Busy(sessionID) }

func (f *fakeTurns) Forget(sessionID uuid.UUID) { f.hub.Forget(sessionID) }

type harness struct {
	srv       *httptest.Server
	session   *domain.ChatSession
	turns     *fakeTurns
	approvals fakeApprovals
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sess := &domain.ChatSession{ID: uuid.New(), SandboxID: uuid.New(), UserID: "alice", IsActive: true}
	h := &harness{
		session:   sess,
		turns:     newFakeTurns(),
		approvals: fakeApprovals{},
	}
	s := NewServer(Config{APIKeys: map[string]string{"secret": "alice", "other": "bob"}},
		fakeSessions{sess.ID: sess}, h.approvals, h.turns, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	mux := http.NewServeMux()
	mux.Handle("/v1/sessions/", s.Handler())
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) url(id uuid.UUID, token string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/sessions/" + id.String() + "/ws?token=" + token
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, h.url(h.session.ID, "secret"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

type frame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	Code    string `json:"code"`
	Content string `json:"content"`
	Reason  string `json:"reason"`
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestUnauthorized(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, h.url(h.session.ID, "wrong"), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v, want 401", resp)
	}

	// Another user's session looks missing.
	_, resp, err = websocket.Dial(ctx, h.url(h.session.ID, "other"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("foreign session: err=%v resp=%v, want 404", err, resp)
	}

	_, resp, err = websocket.Dial(ctx, h.url(uuid.New(), "secret"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: err=%v resp=%v, want 404", err, resp)
	}
}

func TestMessageStreamsEvents(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "message", "content": "hello"})
	text := read(t, conn)
	if text.Type != "text" || text.Content != "echo: hello" || text.Seq != 1 {
		t.Errorf("first frame = %+v", text)
	}
	done := read(t, conn)
	if done.Type != "done" || done.Reason != stream.ReasonCompleted || done.Seq != 2 {
		t.Errorf("second frame = %+v", done)
	}
}

func TestInvalidFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "launch"})
	f := read(t, conn)
	if f.Type != "error" || f.Code != "invalid_frame" || f.Seq != 0 {
		t.Errorf("frame = %+v", f)
	}

	send(t, conn, map[string]string{"type": "ping"})
	if f := read(t, conn); f.Type != "pong" {
		t.Errorf("frame = %+v, want pong", f)
	}
}

func TestCancelFrame(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "cancel"})
	if f := read(t, conn); f.Code != "idle" {
		t.Errorf("cancel while idle = %+v", f)
	}

	send(t, conn, map[string]string{"type": "message", "content": "block"})
	if f := read(t, conn); f.Type != "status" {
		t.Fatalf("frame = %+v, want status", f)
	}

	send(t, conn, map[string]string{"type": "message", "content": "again"})
	if f := read(t, conn); f.Code != "busy" {
		t.Errorf("second message = %+v, want busy", f)
	}

	send(t, conn, map[string]string{"type": "cancel"})
	f := read(t, conn)
	if f.Type != "done" || f.Reason != stream.ReasonCanceled {
		t.Errorf("frame = %+v, want canceled done", f)
	}
}

func TestDisconnectCancelsTurn(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "message", "content": "block"})
	if f := read(t, conn); f.Type != "status" {
		t.Fatalf("frame = %+v, want status", f)
	}
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-h.turns.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("turn was not canceled after disconnect")
	}
}

func TestApprovalFrame(t *testing.T) {
	h := newHarness(t)
	h.approvals["pending"] = &approval.PendingApproval{ID: "pending", SessionID: h.session.ID, Status: approval.StatusPending}
	h.approvals["done"] = &approval.PendingApproval{ID: "done", SessionID: h.session.ID, Status: approval.StatusDenied}
	h.approvals["foreign"] = &approval.PendingApproval{ID: "foreign", SessionID: uuid.New(), Status: approval.StatusPending}
	conn := h.dial(t)

	send(t, conn, map[string]string{"type": "approval", "approval_id": "foreign", "decision": "approve"})
	if f := read(t, conn); f.Code != "not_found" {
		t.Errorf("foreign approval = %+v", f)
	}
	send(t, conn, map[string]string{"type": "approval", "approval_id": "done", "decision": "approve"})
	if f := read(t, conn); f.Code != "rejected" {
		t.Errorf("resolved approval = %+v", f)
	}

	send(t, conn, map[string]string{"type": "approval", "approval_id": "pending", "decision": "approve"})
	if f := read(t, conn); f.Type != "done" {
		t.Errorf("frame = %+v, want done", f)
	}
	select {
	case req := <-h.turns.resumed:
		if req.ApprovalID != "pending" || !req.Approved || req.Resolver != "alice" {
			t.Errorf("resume request = %+v", req)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("resume not called")
	}
}

func TestSessionIDFromPath(t *testing.T) {
	id := uuid.New()
	got, err := SessionIDFromPath("/v1/sessions/" + id.String() + "/ws")
	if err != nil || got != id {
		t.Errorf("got %s, %v", got, err)
	}
	for _, bad := range []string{"/v1/sessions/nope/ws", "/v1/sessions/" + id.String(), "/ws"} {
		if _, err := SessionIDFromPath(bad); err == nil {
			t.Errorf("SessionIDFromPath(%q) expected error", bad)
		}
	}
}
