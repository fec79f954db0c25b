// Package controller implements the sandbox lifecycle state machine and the
// command executor. All operations on one sandbox are serialized by a
// per-sandbox lock; different sandboxes never contend.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/sandbox"
	"github.com/jkaninda/kazi/internal/security"
)

const (
	defaultMaxSandboxes   = 20
	defaultBranch         = "main"
	defaultCloneTimeout   = 120 * time.Second
	defaultExecTimeout    = 30 * time.Second
	maxExecTimeout        = 300 * time.Second
	defaultNamePrefix     = "kazi"
	statusHeadTimeout     = 5 * time.Second
	teardownTimeout       = 60 * time.Second
	interruptedReason     = "interrupted by restart"
	defaultDestroyTimeout = 2 * time.Minute
)

// Config tunes the controller.
type Config struct {
	MaxSandboxes       int           // pool capacity; create fails fast beyond it
	DefaultBranch      string        // branch for blank repositories and clones without one
	CloneTimeout       time.Duration // git clone / fetch timeout
	DefaultExecTimeout time.Duration // applied when a request has none
	MaxExecTimeout     time.Duration // hard cap for any request
	NamePrefix         string        // prefix of container and volume names
	GitToken           string        // optional HTTPS token for clone/fetch/push
}

func (c Config) withDefaults() Config {
	if c.MaxSandboxes <= 0 {
		c.MaxSandboxes = defaultMaxSandboxes
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = defaultBranch
	}
	if c.CloneTimeout <= 0 {
		c.CloneTimeout = defaultCloneTimeout
	}
	if c.DefaultExecTimeout <= 0 {
		c.DefaultExecTimeout = defaultExecTimeout
	}
	if c.MaxExecTimeout <= 0 || c.MaxExecTimeout > maxExecTimeout {
		c.MaxExecTimeout = maxExecTimeout
	}
	if c.NamePrefix == "" {
		c.NamePrefix = defaultNamePrefix
	}
	return c
}

// Store persists sandbox records. Implementations must be safe for concurrent use.
type Store interface {
	SaveSandbox(ctx context.Context, sb *domain.Sandbox) error
	// ListSandboxes returns every sandbox not yet destroyed.
	ListSandboxes(ctx context.Context) ([]domain.Sandbox, error)
	DeactivateSessions(ctx context.Context, sandboxID uuid.UUID) error
}

// PolicySource resolves the effective policy of a project.
type PolicySource interface {
	Resolve(ctx context.Context, projectID string) (domain.Policy, error)
}

// Observer receives lifecycle and execution events (metrics hook).
type Observer interface {
	SandboxTransition(from, to domain.SandboxState)
	CommandExecuted(duration time.Duration, exitCode int, timedOut bool)
}

// CreateRequest describes a new sandbox.
type CreateRequest struct {
	ProjectID string                `json:"project_id"`
	Mode      domain.SandboxMode    `json:"mode"`
	RepoURL   string                `json:"repo_url,omitempty"`
	Branch    string                `json:"branch,omitempty"`
	Limits    domain.ResourceLimits `json:"limits"`
}

// Status is a sandbox snapshot enriched with live runtime data.
type Status struct {
	Sandbox   domain.Sandbox         `json:"sandbox"`
	Container *sandbox.ContainerInfo `json:"container,omitempty"`
	Head      string                 `json:"head,omitempty"`
}

// Controller owns every sandbox and its runtime resources.
type Controller struct {
	cfg      Config
	runtime  sandbox.Runtime
	store    Store
	policies PolicySource
	auditor  *security.Auditor
	observer Observer
	logger   *slog.Logger

	// baseCtx outlives requests; provisioning runs under it.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.Mutex
	entries   map[uuid.UUID]*entry
	byProject map[string]uuid.UUID
}

// entry is the in-memory record of one sandbox.
type entry struct {
	// lock is the per-sandbox exclusive lock (capacity 1, context-aware).
	lock chan struct{}

	mu       sync.Mutex
	sb       domain.Sandbox
	binds    map[uint64]context.CancelFunc
	nextBind uint64
}

func newEntry(sb domain.Sandbox) *entry {
	return &entry{
		lock:  make(chan struct{}, 1),
		sb:    sb,
		binds: make(map[uint64]context.CancelFunc),
	}
}

func (e *entry) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) tryAcquire() bool {
	select {
	case e.lock <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) release() { <-e.lock }

func (e *entry) snapshot() domain.Sandbox {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sb
}

// cancelBinds cancels every context handed out by Bind.
func (e *entry) cancelBinds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.binds)
	for k, cancel := range e.binds {
		cancel()
		delete(e.binds, k)
	}
	return n
}

// New creates a controller. store may be nil for an in-memory controller.
func New(cfg Config, runtime sandbox.Runtime, store Store, logger *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg.withDefaults(),
		runtime:    runtime,
		store:      store,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		entries:    make(map[uuid.UUID]*entry),
		byProject:  make(map[string]uuid.UUID),
	}
}

// WithPolicies sets the policy source used by Exec.
func (c *Controller) WithPolicies(p PolicySource) *Controller {
	c.policies = p
	return c
}

// WithAuditor sets the audit sink for lifecycle and exec operations.
func (c *Controller) WithAuditor(a *security.Auditor) *Controller {
	c.auditor = a
	return c
}

// WithObserver sets a metrics observer.
func (c *Controller) WithObserver(o Observer) *Controller {
	c.observer = o
	return c
}

// Runtime returns the underlying container runtime.
func (c *Controller) Runtime() sandbox.Runtime { return c.runtime }

// Close cancels background provisioning and waits for it to finish.
func (c *Controller) Close() {
	c.baseCancel()
	c.wg.Wait()
}

// Create registers a sandbox in provisioning and returns immediately.
// Provisioning continues in the background while holding the sandbox lock.
func (c *Controller) Create(ctx context.Context, req CreateRequest) (domain.Sandbox, error) {
	if req.ProjectID == "" {
		return domain.Sandbox{}, fmt.Errorf("project_id is required")
	}
	switch req.Mode {
	case "":
		req.Mode = domain.ModeBlank
		if req.RepoURL != "" {
			req.Mode = domain.ModeClone
		}
	case domain.ModeClone, domain.ModeBlank:
	default:
		return domain.Sandbox{}, fmt.Errorf("invalid mode %q", req.Mode)
	}
	if req.Mode == domain.ModeClone && req.RepoURL == "" {
		return domain.Sandbox{}, fmt.Errorf("repo_url is required in clone mode")
	}
	if req.Branch != "" {
		if err := ValidateBranch(req.Branch); err != nil {
			return domain.Sandbox{}, err
		}
	}

	c.mu.Lock()
	if id, ok := c.byProject[req.ProjectID]; ok {
		existing := c.entries[id].snapshot()
		c.mu.Unlock()
		if existing.State == domain.StateError {
			return existing, &domain.TransitionError{Op: "create", State: existing.State}
		}
		return existing, fmt.Errorf("sandbox for project %s is %s: %w", req.ProjectID, existing.State, domain.ErrAlreadyExists)
	}
	if len(c.entries) >= c.cfg.MaxSandboxes {
		c.mu.Unlock()
		c.auditor.Record(ctx, uuid.Nil, "sandbox.create", req.ProjectID, domain.OutcomeFailure,
			map[string]any{"error": domain.ErrResourceExhausted.Error()})
		return domain.Sandbox{}, fmt.Errorf("%d sandboxes live: %w", c.cfg.MaxSandboxes, domain.ErrResourceExhausted)
	}

	now := time.Now().UTC()
	id := domain.NewID()
	short := id.String()[:12]
	branch := req.Branch
	if branch == "" && req.Mode == domain.ModeBlank {
		branch = c.cfg.DefaultBranch
	}
	sb := domain.Sandbox{
		ID:           id,
		ProjectID:    req.ProjectID,
		State:        domain.StateProvisioning,
		Mode:         req.Mode,
		RepoURL:      req.RepoURL,
		GitBranch:    branch,
		ContainerRef: c.cfg.NamePrefix + "-sbx-" + short,
		VolumeRef:    c.cfg.NamePrefix + "-vol-" + short,
		Limits:       req.Limits.WithDefaults(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e := newEntry(sb)
	e.lock <- struct{}{} // held by provisioning; destroy waits on it
	c.entries[id] = e
	c.byProject[req.ProjectID] = id
	c.mu.Unlock()

	c.persist(ctx, sb)
	c.observe("", domain.StateProvisioning)
	c.logger.InfoContext(ctx, "sandbox provisioning",
		slog.String("sandbox_id", id.String()),
		slog.String("project_id", req.ProjectID),
		slog.String("mode", string(req.Mode)),
	)

	actor := security.ActorFrom(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer e.release()
		c.provision(security.WithActor(c.baseCtx, actor), e)
	}()

	return sb, nil
}

// provision creates the volume and container and initializes the repository.
// The caller holds the sandbox lock.
func (c *Controller) provision(ctx context.Context, e *entry) {
	sb := e.snapshot()
	start := time.Now()

	err := c.provisionResources(ctx, sb)
	if err == nil {
		var branch string
		branch, err = c.initRepository(ctx, e, sb)
		if err == nil {
			if _, terr := c.transition(ctx, e, domain.StateRunning, func(s *domain.Sandbox) {
				s.GitBranch = branch
			}); terr != nil {
				err = terr
			}
		}
	}

	if err != nil {
		c.logger.ErrorContext(ctx, "sandbox provisioning failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
		c.teardown(ctx, sb)
		_, _ = c.transition(ctx, e, domain.StateError, func(s *domain.Sandbox) {
			s.ErrorReason = err.Error()
		})
		c.auditor.Record(ctx, sb.ID, "sandbox.create", sb.ProjectID, domain.OutcomeFailure,
			map[string]any{"error": err.Error()})
		return
	}

	c.logger.InfoContext(ctx, "sandbox running",
		slog.String("sandbox_id", sb.ID.String()),
		slog.Duration("duration", time.Since(start)),
	)
	c.auditor.Record(ctx, sb.ID, "sandbox.create", sb.ProjectID, domain.OutcomeSuccess,
		map[string]any{"mode": string(sb.Mode), "repo_url": sb.RepoURL})
}

func (c *Controller) provisionResources(ctx context.Context, sb domain.Sandbox) error {
	if err := c.runtime.CreateVolume(ctx, sb.VolumeRef); err != nil {
		return fmt.Errorf("%w: creating volume: %v", domain.ErrProvisioning, err)
	}
	if _, err := c.runtime.CreateContainer(ctx, c.containerSpec(sb)); err != nil {
		return fmt.Errorf("%w: creating container: %v", domain.ErrProvisioning, err)
	}
	return nil
}

func (c *Controller) containerSpec(sb domain.Sandbox) sandbox.ContainerSpec {
	return sandbox.ContainerSpec{
		Name:   sb.ContainerRef,
		Volume: sb.VolumeRef,
		Limits: sb.Limits,
		Labels: map[string]string{
			"kazi.sandbox": sb.ID.String(),
			"kazi.project": sb.ProjectID,
		},
	}
}

// initRepository clones or initializes the workspace and returns the checked-out branch.
func (c *Controller) initRepository(ctx context.Context, e *entry, sb domain.Sandbox) (string, error) {
	sh := &Shell{c: c, e: e}
	if sb.Mode == domain.ModeBlank {
		if _, err := sh.mustRun(ctx, GitCommand("init", "--quiet"), 0); err != nil {
			return "", fmt.Errorf("%w: git init: %v", domain.ErrProvisioning, err)
		}
		if _, err := sh.mustRun(ctx, GitCommand("symbolic-ref", "HEAD", "refs/heads/"+sb.GitBranch), 0); err != nil {
			return "", fmt.Errorf("%w: setting branch: %v", domain.ErrProvisioning, err)
		}
		return sb.GitBranch, nil
	}

	args := []string{"clone", "--quiet"}
	if sb.GitBranch != "" {
		args = append(args, "--branch", sb.GitBranch)
	}
	args = append(args, "--", sb.RepoURL, ".")
	if _, err := sh.run(ctx, sandbox.ExecRequest{
		Command: GitCommand(args...),
		Env:     c.GitEnv(),
		Timeout: c.cfg.CloneTimeout,
	}, true); err != nil {
		return "", fmt.Errorf("%w: git clone: %v", domain.ErrProvisioning, err)
	}
	res, err := sh.mustRun(ctx, GitCommand("rev-parse", "--abbrev-ref", "HEAD"), 0)
	if err != nil {
		return "", fmt.Errorf("%w: resolving branch: %v", domain.ErrProvisioning, err)
	}
	return trimLine(res.Stdout), nil
}

// teardown removes container and volume, best effort.
func (c *Controller) teardown(ctx context.Context, sb domain.Sandbox) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := c.runtime.RemoveContainer(ctx, sb.ContainerRef); err != nil {
		c.logger.WarnContext(ctx, "removing container failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if err := c.runtime.RemoveVolume(ctx, sb.VolumeRef); err != nil {
		c.logger.WarnContext(ctx, "removing volume failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// lookup returns the entry of a live sandbox or ErrNotFound.
func (c *Controller) lookup(id uuid.UUID) (*entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// lockSandbox acquires the sandbox lock, re-checking that it still exists.
func (c *Controller) lockSandbox(ctx context.Context, id uuid.UUID) (*entry, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := e.acquire(ctx); err != nil {
		return nil, err
	}
	if e.snapshot().State == domain.StateDestroyed {
		e.release()
		return nil, fmt.Errorf("sandbox %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Get returns the sandbox record.
func (c *Controller) Get(_ context.Context, id uuid.UUID) (domain.Sandbox, error) {
	e, err := c.lookup(id)
	if err != nil {
		return domain.Sandbox{}, err
	}
	return e.snapshot(), nil
}

// GetByProject returns the sandbox of a project.
func (c *Controller) GetByProject(_ context.Context, projectID string) (domain.Sandbox, error) {
	c.mu.Lock()
	id, ok := c.byProject[projectID]
	var e *entry
	if ok {
		e = c.entries[id]
	}
	c.mu.Unlock()
	if !ok {
		return domain.Sandbox{}, fmt.Errorf("sandbox for project %s: %w", projectID, domain.ErrNotFound)
	}
	return e.snapshot(), nil
}

// List returns every sandbox not yet destroyed.
func (c *Controller) List(_ context.Context) []domain.Sandbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Sandbox, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.snapshot())
	}
	return out
}

// Status returns state, resource usage and git HEAD. HEAD is omitted while
// another operation holds the sandbox lock.
func (c *Controller) Status(ctx context.Context, id uuid.UUID) (*Status, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	sb := e.snapshot()
	st := &Status{Sandbox: sb}
	if sb.State != domain.StateRunning && sb.State != domain.StateStopped {
		return st, nil
	}

	info, err := c.runtime.Inspect(ctx, sb.ContainerRef)
	if err != nil {
		c.logger.WarnContext(ctx, "inspect failed",
			slog.String("sandbox_id", id.String()),
			slog.String("error", err.Error()),
		)
	} else {
		st.Container = info
	}

	if sb.State == domain.StateRunning && e.tryAcquire() {
		defer e.release()
		sh := &Shell{c: c, e: e}
		if res, err := sh.mustRun(ctx, GitCommand("rev-parse", "HEAD"), statusHeadTimeout); err == nil {
			st.Head = trimLine(res.Stdout)
		}
	}
	return st, nil
}

// Start resumes a stopped sandbox. Starting a running sandbox is a no-op.
func (c *Controller) Start(ctx context.Context, id uuid.UUID) (domain.Sandbox, error) {
	e, err := c.lockSandbox(ctx, id)
	if err != nil {
		return domain.Sandbox{}, err
	}
	defer e.release()

	sb := e.snapshot()
	switch sb.State {
	case domain.StateRunning:
		return sb, nil
	case domain.StateStopped:
	default:
		return sb, &domain.TransitionError{Op: "start", State: sb.State}
	}

	if err := c.ensureContainer(ctx, sb); err != nil {
		c.fail(ctx, e, "sandbox.start", err)
		return e.snapshot(), err
	}
	sb, err = c.transition(ctx, e, domain.StateRunning, nil)
	c.auditor.Record(ctx, id, "sandbox.start", sb.ProjectID, security.Outcome(err), nil)
	return sb, err
}

// ensureContainer starts the container, recreating it on the existing volume
// if the runtime lost it.
func (c *Controller) ensureContainer(ctx context.Context, sb domain.Sandbox) error {
	err := c.runtime.StartContainer(ctx, sb.ContainerRef)
	if errors.Is(err, sandbox.ErrNoSuchContainer) {
		c.logger.WarnContext(ctx, "container missing, recreating",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("container", sb.ContainerRef),
		)
		_, err = c.runtime.CreateContainer(ctx, c.containerSpec(sb))
	}
	return err
}

// Stop cancels bound agent loops and stops the container, preserving the volume.
func (c *Controller) Stop(ctx context.Context, id uuid.UUID) (domain.Sandbox, error) {
	e, err := c.lookup(id)
	if err != nil {
		return domain.Sandbox{}, err
	}
	if n := e.cancelBinds(); n > 0 {
		c.logger.InfoContext(ctx, "cancelled bound agent loops",
			slog.String("sandbox_id", id.String()),
			slog.Int("count", n),
		)
	}

	e, err = c.lockSandbox(ctx, id)
	if err != nil {
		return domain.Sandbox{}, err
	}
	defer e.release()

	sb := e.snapshot()
	switch sb.State {
	case domain.StateStopped:
		return sb, nil
	case domain.StateRunning:
	default:
		return sb, &domain.TransitionError{Op: "stop", State: sb.State}
	}

	if err := c.runtime.StopContainer(ctx, sb.ContainerRef); err != nil && !errors.Is(err, sandbox.ErrNoSuchContainer) {
		c.fail(ctx, e, "sandbox.stop", err)
		return e.snapshot(), err
	}
	sb, err = c.transition(ctx, e, domain.StateStopped, nil)
	// Binds taken while waiting for the lock saw a running sandbox.
	e.cancelBinds()
	c.auditor.Record(ctx, id, "sandbox.stop", sb.ProjectID, security.Outcome(err), nil)
	return sb, err
}

// Destroy cancels bound loops, waits for in-flight operations, removes
// container and volume and deactivates the sandbox's chat sessions.
// A destroyed sandbox is gone: later lookups return ErrNotFound.
func (c *Controller) Destroy(ctx context.Context, id uuid.UUID) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	e.cancelBinds()

	e, err = c.lockSandbox(ctx, id)
	if err != nil {
		return err
	}
	defer e.release()

	sb := e.snapshot()
	if sb.State == domain.StateProvisioning {
		// Unreachable while provisioning holds the lock; kept for interrupted records.
		if _, err := c.transition(ctx, e, domain.StateError, func(s *domain.Sandbox) { s.ErrorReason = interruptedReason }); err != nil {
			return err
		}
	}
	if _, err := c.transition(ctx, e, domain.StateDestroying, nil); err != nil {
		return err
	}
	e.cancelBinds()

	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDestroyTimeout)
	defer cancel()
	if err := c.runtime.RemoveContainer(tctx, sb.ContainerRef); err != nil {
		c.fail(ctx, e, "sandbox.destroy", err)
		return fmt.Errorf("removing container: %w", err)
	}
	if err := c.runtime.RemoveVolume(tctx, sb.VolumeRef); err != nil {
		c.fail(ctx, e, "sandbox.destroy", err)
		return fmt.Errorf("removing volume: %w", err)
	}

	if _, err := c.transition(ctx, e, domain.StateDestroyed, nil); err != nil {
		return err
	}
	if c.store != nil {
		if err := c.store.DeactivateSessions(tctx, id); err != nil {
			c.logger.WarnContext(ctx, "deactivating sessions failed",
				slog.String("sandbox_id", id.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	c.mu.Lock()
	delete(c.entries, id)
	if c.byProject[sb.ProjectID] == id {
		delete(c.byProject, sb.ProjectID)
	}
	c.mu.Unlock()

	c.auditor.Record(ctx, id, "sandbox.destroy", sb.ProjectID, domain.OutcomeSuccess, nil)
	c.logger.InfoContext(ctx, "sandbox destroyed", slog.String("sandbox_id", id.String()))
	return nil
}

// fail moves the sandbox to error and audits the failed operation.
func (c *Controller) fail(ctx context.Context, e *entry, action string, cause error) {
	sb, err := c.transition(ctx, e, domain.StateError, func(s *domain.Sandbox) {
		s.ErrorReason = cause.Error()
	})
	if err != nil {
		sb = e.snapshot()
	}
	c.auditor.Record(ctx, sb.ID, action, sb.ProjectID, domain.OutcomeFailure,
		map[string]any{"error": cause.Error()})
}

// transition applies a lifecycle edge, persists the record and notifies observers.
func (c *Controller) transition(ctx context.Context, e *entry, to domain.SandboxState, mutate func(*domain.Sandbox)) (domain.Sandbox, error) {
	e.mu.Lock()
	from := e.sb.State
	if !from.CanTransition(to) {
		sb := e.sb
		e.mu.Unlock()
		return sb, &domain.TransitionError{Op: "transition to " + string(to), State: from}
	}
	e.sb.State = to
	if to != domain.StateError {
		e.sb.ErrorReason = ""
	}
	if mutate != nil {
		mutate(&e.sb)
	}
	e.sb.UpdatedAt = time.Now().UTC()
	sb := e.sb
	e.mu.Unlock()

	c.persist(ctx, sb)
	c.observe(from, to)
	c.logger.InfoContext(ctx, "sandbox state changed",
		slog.String("sandbox_id", sb.ID.String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return sb, nil
}

func (c *Controller) persist(ctx context.Context, sb domain.Sandbox) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSandbox(context.WithoutCancel(ctx), &sb); err != nil {
		c.logger.ErrorContext(ctx, "persisting sandbox failed",
			slog.String("sandbox_id", sb.ID.String()),
			slog.String("state", string(sb.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) observe(from, to domain.SandboxState) {
	if c.observer != nil {
		c.observer.SandboxTransition(from, to)
	}
}
