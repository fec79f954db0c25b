// Package ws serves interactive agent sessions over WebSocket. A client
// connects to /v1/sessions/{id}/ws, sends message, cancel and approval
// frames, and receives the session's stream events as they happen.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/approval"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/gateway"
	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/protocol"
	"github.com/jkaninda/kazi/internal/ratelimit"
	"github.com/jkaninda/kazi/internal/stream"
)

// Pattern is the route the handler expects to be mounted on.
const Pattern = "/v1/sessions/{id}/ws"

const (
	defaultPingInterval = 30 * time.Second
	defaultReadLimit    = 1 << 20
	writeTimeout        = 10 * time.Second
)

// Config configures the WebSocket server.
type Config struct {
	APIKeys        map[string]string // API key -> user ID mapping.
	OriginPatterns []string          // Allowed browser origins. Empty = same origin only.
	PingInterval   time.Duration     // 0 = 30s.
	ReadLimit      int64             // Maximum client frame size. 0 = 1 MB.
}

// Sessions looks up chat sessions.
type Sessions interface {
	GetSession(ctx context.Context, id uuid.UUID) (*domain.ChatSession, error)
}

// Approvals looks up pending approvals.
type Approvals interface {
	Get(ctx context.Context, id string) (*approval.PendingApproval, error)
}

// Server upgrades session connections and runs their turns.
type Server struct {
	cfg       Config
	sessions  Sessions
	approvals Approvals
	turns     gateway.Turns
	limiter   *ratelimit.Limiter
	logger    *slog.Logger
}

// NewServer creates a WebSocket server.
func NewServer(cfg Config, sessions Sessions, approvals Approvals, turns gateway.Turns, rl *ratelimit.Limiter, logger *slog.Logger) *Server {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		approvals: approvals,
		turns:     turns,
		limiter:   rl,
		logger:    logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Browsers cannot set headers on a WebSocket handshake, so the key may
	// also come as ?token=.
	token := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	}
	userID := httpapi.LookupAPIKey(s.cfg.APIKeys, token)
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID, err := SessionIDFromPath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.GetSession(r.Context(), sessionID)
	if err == nil && sess.UserID != "" && sess.UserID != userID {
		err = fmt.Errorf("session %w", domain.ErrNotFound)
	}
	if err != nil {
		http.Error(w, err.Error(), httpapi.StatusFor(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.logger.Info("session connected",
		slog.String("session_id", sessionID.String()),
		slog.String("user_id", userID),
	)
	c := &connection{srv: s, conn: conn, session: sess, userID: userID}
	c.serve(r.Context())
}

// SessionIDFromPath extracts the session ID from /v1/sessions/{id}/ws.
func SessionIDFromPath(path string) (uuid.UUID, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "sessions" && parts[i+2] == "ws" {
			id, err := uuid.Parse(parts[i+1])
			if err != nil {
				return uuid.Nil, fmt.Errorf("invalid session ID")
			}
			return id, nil
		}
	}
	return uuid.Nil, fmt.Errorf("path %q is not a session socket", path)
}

// connection is one client socket. At most one turn runs at a time.
type connection struct {
	srv     *Server
	conn    *websocket.Conn
	session *domain.ChatSession
	userID  string

	mu         sync.Mutex
	cancelTurn context.CancelFunc // nil while idle
	turns      sync.WaitGroup
}

func (c *connection) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	logger := c.srv.logger.With(slog.String("session_id", c.session.ID.String()))
	defer func() {
		// Disconnecting cancels the running turn; wait for its stream to
		// drain before closing.
		cancel()
		c.turns.Wait()
		c.conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	go c.pingLoop(ctx, logger)

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				logger.Info("session disconnected normally")
			} else if !errors.Is(err, context.Canceled) {
				logger.Debug("session connection error", slog.String("error", err.Error()))
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.write(ctx, protocol.NewError(protocol.CodeInvalidFrame, err.Error()))
			continue
		}
		c.handleFrame(ctx, logger, frame)
	}
}

func (c *connection) handleFrame(ctx context.Context, logger *slog.Logger, f protocol.ClientFrame) {
	switch f.Type {
	case protocol.FramePing:
		c.write(ctx, protocol.NewPong())

	case protocol.FrameCancel:
		c.mu.Lock()
		cancel := c.cancelTurn
		c.mu.Unlock()
		if cancel == nil {
			c.write(ctx, protocol.NewError(protocol.CodeIdle, "no turn is running"))
			return
		}
		logger.Info("turn cancel requested", slog.String("user_id", c.userID))
		cancel()

	case protocol.FrameMessage:
		if !c.allow(ctx) {
			return
		}
		c.start(ctx, logger, func(turnCtx context.Context) (*stream.Stream, error) {
			return c.srv.turns.Turn(turnCtx, agent.TurnRequest{
				SessionID: c.session.ID,
				UserID:    c.userID,
				Message:   f.Content,
			})
		})

	case protocol.FrameApproval:
		if !c.allow(ctx) {
			return
		}
		pa, err := c.srv.approvals.Get(ctx, f.ApprovalID)
		if err != nil || pa.SessionID != c.session.ID {
			c.write(ctx, protocol.NewError(protocol.CodeNotFound, "approval not found"))
			return
		}
		if pa.Status != approval.StatusPending {
			c.write(ctx, protocol.NewError(protocol.CodeRejected, "approval is "+pa.Status.String()))
			return
		}
		c.start(ctx, logger, func(turnCtx context.Context) (*stream.Stream, error) {
			return c.srv.turns.Resume(turnCtx, c.session.ID, agent.ResumeRequest{
				ApprovalID: f.ApprovalID,
				Approved:   f.Approved(),
				Resolver:   c.userID,
			})
		})
	}
}

func (c *connection) allow(ctx context.Context) bool {
	if c.srv.limiter == nil {
		return true
	}
	if err := c.srv.limiter.Allow(c.userID); err != nil {
		c.write(ctx, protocol.NewError(protocol.CodeRateLimited, err.Error()))
		return false
	}
	return true
}

// start opens a turn and forwards its events until the stream closes.
func (c *connection) start(ctx context.Context, logger *slog.Logger, open func(context.Context) (*stream.Stream, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelTurn != nil {
		c.write(ctx, protocol.NewError(protocol.CodeBusy, "a turn is already running"))
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s, err := open(turnCtx)
	if err != nil {
		cancel()
		code := protocol.CodeRejected
		if errors.Is(err, domain.ErrInvalidState) {
			code = protocol.CodeBusy
		}
		c.write(ctx, protocol.NewError(code, err.Error()))
		return
	}
	c.cancelTurn = cancel
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		defer func() {
			c.mu.Lock()
			c.cancelTurn = nil
			c.mu.Unlock()
			cancel()
		}()
		writeFailed := false
		for ev := range s.Events() {
			if writeFailed {
				continue
			}
			if err := c.write(ctx, ev); err != nil {
				writeFailed = true
				logger.Debug("event write failed", slog.String("error", err.Error()))
			}
		}
	}()
}

// write sends v as a JSON text frame. Conn writes are safe for concurrent use.
func (c *connection) write(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *connection) pingLoop(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Debug("heartbeat ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
