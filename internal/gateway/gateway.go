// Package gateway defines the interface for user-facing entry points and
// the turn runner they share.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/agent"
	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/stream"
)

// Gateway is a user-facing interface (HTTP, WebSocket, MCP).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// TurnAgent is the part of the agent loop transports drive.
type TurnAgent interface {
	Run(ctx context.Context, req agent.TurnRequest, out stream.Emitter) (*agent.TurnResult, error)
	Resume(ctx context.Context, req agent.ResumeRequest, out stream.Emitter) (*agent.TurnResult, error)
}

var _ TurnAgent = (*agent.Agent)(nil)

// Turns starts agent turns and returns their event stream. Transports
// depend on it rather than on *Runner.
type Turns interface {
	Turn(ctx context.Context, req agent.TurnRequest) (*stream.Stream, error)
	Resume(ctx context.Context, sessionID uuid.UUID, req agent.ResumeRequest) (*stream.Stream, error)
	// Busy reports whether the session has a running turn.
	Busy(sessionID uuid.UUID) bool
	// Forget releases the stream state of a deleted session.
	Forget(sessionID uuid.UUID)
}

var _ Turns = (*Runner)(nil)

// Runner starts agent turns in the background on a session's stream. The
// transport consumes the stream's events until the channel closes.
type Runner struct {
	agent  TurnAgent
	hub    *stream.Hub
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(a TurnAgent, hub *stream.Hub, logger *slog.Logger) *Runner {
	return &Runner{agent: a, hub: hub, logger: logger}
}

// Turn runs a user message. Cancelling ctx cancels the turn.
func (r *Runner) Turn(ctx context.Context, req agent.TurnRequest) (*stream.Stream, error) {
	return r.start(ctx, req.SessionID, func(ctx context.Context, out stream.Emitter) error {
		_, err := r.agent.Run(ctx, req, out)
		return err
	})
}

// Resume applies an approval decision and continues the session's turn.
func (r *Runner) Resume(ctx context.Context, sessionID uuid.UUID, req agent.ResumeRequest) (*stream.Stream, error) {
	return r.start(ctx, sessionID, func(ctx context.Context, out stream.Emitter) error {
		_, err := r.agent.Resume(ctx, req, out)
		return err
	})
}

// Busy reports whether the session has a running turn.
func (r *Runner) Busy(sessionID uuid.UUID) bool { return r.hub.Busy(sessionID) }

// Forget drops the session's event sequence once no turn is running.
func (r *Runner) Forget(sessionID uuid.UUID) { r.hub.Forget(sessionID) }

// Wait blocks until every started turn has returned.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) start(ctx context.Context, sessionID uuid.UUID, fn func(context.Context, stream.Emitter) error) (*stream.Stream, error) {
	s, err := r.hub.Open(sessionID)
	if err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer s.Close()
		if err := fn(ctx, s); err != nil && !expected(err) {
			r.logger.DebugContext(ctx, "turn ended with error",
				slog.String("session_id", sessionID.String()),
				slog.String("error", err.Error()),
			)
		}
	}()
	return s, nil
}

// expected reports errors that are part of normal operation.
func expected(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrLoopLimitExceeded) ||
		errors.Is(err, stream.ErrClosed)
}
