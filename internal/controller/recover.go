package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
)

// Recover reloads persisted sandboxes after a restart. Records left in
// provisioning or destroying were interrupted mid-operation and move to error.
func (c *Controller) Recover(ctx context.Context) error {
	restored, err := c.load(ctx)
	if err != nil {
		return err
	}

	interrupted := 0
	for _, e := range restored {
		switch e.snapshot().State {
		case domain.StateProvisioning, domain.StateDestroying:
			interrupted++
			_, _ = c.transition(ctx, e, domain.StateError, func(s *domain.Sandbox) {
				s.ErrorReason = interruptedReason
			})
		}
	}

	c.logger.InfoContext(ctx, "sandboxes recovered",
		slog.Int("count", len(restored)),
		slog.Int("interrupted", interrupted),
	)
	return nil
}

// Attach loads persisted sandboxes without touching their state. It is used
// by processes that share sandboxes with a running server, such as the MCP
// command.
func (c *Controller) Attach(ctx context.Context) error {
	restored, err := c.load(ctx)
	if err != nil {
		return err
	}
	c.logger.DebugContext(ctx, "sandboxes attached", slog.Int("count", len(restored)))
	return nil
}

func (c *Controller) load(ctx context.Context) ([]*entry, error) {
	if c.store == nil {
		return nil, nil
	}
	list, err := c.store.ListSandboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sandboxes: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	restored := make([]*entry, 0, len(list))
	for _, sb := range list {
		if sb.State == domain.StateDestroyed {
			continue
		}
		if _, exists := c.entries[sb.ID]; exists {
			continue
		}
		e := newEntry(sb)
		c.entries[sb.ID] = e
		c.byProject[sb.ProjectID] = sb.ID
		restored = append(restored, e)
	}
	return restored, nil
}

// Reconcile compares running sandboxes with the runtime. A container that
// stopped is restarted; one that vanished is recreated on its volume. If
// either fails the sandbox moves to error. Sandboxes busy with another
// operation are skipped until the next pass.
func (c *Controller) Reconcile(ctx context.Context) (repaired, failed int) {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if e.snapshot().State != domain.StateRunning || !e.tryAcquire() {
			continue
		}
		ok, err := c.reconcileOne(ctx, e)
		e.release()
		switch {
		case err != nil:
			failed++
		case ok:
			repaired++
		}
	}
	if repaired > 0 || failed > 0 {
		c.logger.InfoContext(ctx, "sandbox reconcile finished",
			slog.Int("repaired", repaired),
			slog.Int("failed", failed),
		)
	}
	return repaired, failed
}

// reconcileOne returns true when the container needed repair. Caller holds the lock.
func (c *Controller) reconcileOne(ctx context.Context, e *entry) (bool, error) {
	sb := e.snapshot()
	if sb.State != domain.StateRunning {
		return false, nil
	}
	info, err := c.runtime.Inspect(ctx, sb.ContainerRef)
	switch {
	case err == nil && info.Running:
		return false, nil
	case err != nil && !errors.Is(err, sandbox.ErrNoSuchContainer):
		// Runtime unreachable: leave state alone and retry next pass.
		c.logger.WarnContext(ctx, "reconcile inspect failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
		return false, nil
	}

	if err := c.ensureContainer(ctx, sb); err != nil {
		c.fail(ctx, e, "sandbox.reconcile", err)
		return true, err
	}
	c.logger.WarnContext(ctx, "sandbox container repaired",
		slog.String("sandbox_id", sb.ID.String()),
	)
	c.auditor.Record(ctx, sb.ID, "sandbox.reconcile", sb.ProjectID, domain.OutcomeSuccess, nil)
	return true, nil
}
