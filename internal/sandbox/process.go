package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
)

const defaultCPUSeconds = 300

// ProcessConfig configures the process-based runtime.
type ProcessConfig struct {
	// VolumesDir holds one host directory per volume.
	VolumesDir     string
	DefaultTimeout time.Duration
	MaxCPUSeconds  int
}

// ProcessRuntime emulates containers with host directories and process groups.
// It is meant for development and tests where Docker is unavailable.
//
// Guarantees per exec:
//   - working directory resolved inside the volume with symlink-safe joins
//   - process runs in its own process group, killed as a whole on timeout
//   - no environment inheritance from the host
//   - CPU time and virtual memory capped via ulimit
//   - stdout/stderr capped
type ProcessRuntime struct {
	config ProcessConfig
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*procContainer
}

type procContainer struct {
	volume  string
	limits  domain.ResourceLimits
	running bool
}

var _ Runtime = (*ProcessRuntime)(nil)

// NewProcessRuntime creates a process-based runtime rooted at cfg.VolumesDir.
func NewProcessRuntime(cfg ProcessConfig, logger *slog.Logger) (*ProcessRuntime, error) {
	if cfg.VolumesDir == "" {
		return nil, fmt.Errorf("process runtime: volumes dir is required")
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxCPUSeconds == 0 {
		cfg.MaxCPUSeconds = defaultCPUSeconds
	}
	if err := os.MkdirAll(cfg.VolumesDir, 0750); err != nil {
		return nil, fmt.Errorf("creating volumes dir: %w", err)
	}
	return &ProcessRuntime{
		config:     cfg,
		logger:     logger,
		containers: make(map[string]*procContainer),
	}, nil
}

func (r *ProcessRuntime) Name() string { return "process" }

// volumePath resolves a volume name to its host directory.
func (r *ProcessRuntime) volumePath(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid volume name %q", name)
	}
	return securejoin.SecureJoin(r.config.VolumesDir, name)
}

func (r *ProcessRuntime) homePath(ref string) (string, error) {
	return securejoin.SecureJoin(r.config.VolumesDir, filepath.Join(".home", ref))
}

func (r *ProcessRuntime) CreateVolume(_ context.Context, name string) error {
	p, err := r.volumePath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0750); err != nil {
		return fmt.Errorf("creating volume %s: %w", name, err)
	}
	return nil
}

func (r *ProcessRuntime) RemoveVolume(_ context.Context, name string) error {
	p, err := r.volumePath(name)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

func (r *ProcessRuntime) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	if _, err := r.volumePath(spec.Volume); err != nil {
		return "", err
	}
	home, err := r.homePath(spec.Name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(home, 0750); err != nil {
		return "", fmt.Errorf("creating home dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.containers[spec.Name]; exists {
		return "", fmt.Errorf("container %s already exists", spec.Name)
	}
	r.containers[spec.Name] = &procContainer{
		volume:  spec.Volume,
		limits:  spec.Limits.WithDefaults(),
		running: true,
	}
	return spec.Name, nil
}

func (r *ProcessRuntime) setRunning(ref string, running bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[ref]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	c.running = running
	return nil
}

func (r *ProcessRuntime) StartContainer(_ context.Context, ref string) error {
	return r.setRunning(ref, true)
}

func (r *ProcessRuntime) StopContainer(_ context.Context, ref string) error {
	return r.setRunning(ref, false)
}

func (r *ProcessRuntime) RemoveContainer(_ context.Context, ref string) error {
	r.mu.Lock()
	delete(r.containers, ref)
	r.mu.Unlock()

	if home, err := r.homePath(ref); err == nil {
		_ = os.RemoveAll(home)
	}
	return nil
}

func (r *ProcessRuntime) Inspect(_ context.Context, ref string) (*ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	return &ContainerInfo{Ref: ref, Running: c.running}, nil
}

// Exec runs a command with the container's volume as /workspace.
func (r *ProcessRuntime) Exec(ctx context.Context, ref string, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	r.mu.Lock()
	c, ok := r.containers[ref]
	var container procContainer
	if ok {
		container = *c
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchContainer, ref)
	}
	if !container.running {
		return nil, fmt.Errorf("container %s is not running", ref)
	}

	volume, err := r.volumePath(container.volume)
	if err != nil {
		return nil, err
	}
	dir, err := mapWorkingDir(volume, req.WorkingDir)
	if err != nil {
		return nil, err
	}
	home, err := r.homePath(ref)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The user's command is never interpolated into the shell string.
	memKB := container.limits.MemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, r.config.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(req.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, req.Command...)

	cmd := exec.CommandContext(runCtx, "/bin/sh", args...)
	cmd.Dir = dir
	cmd.Stdin = req.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second
	cmd.Env = buildEnv(home, volume, req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.DebugContext(ctx, "process exec",
		slog.String("container", ref),
		slog.String("command", shellquote.Join(req.Command...)),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	timedOut := false
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case runCtx.Err() != nil:
			timedOut = true
			exitCode = -1
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}
	if timedOut {
		r.logger.WarnContext(ctx, "process exec timed out",
			slog.String("container", ref),
			slog.Duration("timeout", timeout),
		)
	}

	return &ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
		TimedOut: timedOut,
	}, nil
}

// mapWorkingDir translates an in-container path under /workspace to a host
// path inside the volume.
func mapWorkingDir(volume, workdir string) (string, error) {
	if workdir == "" || workdir == domain.WorkspaceRoot {
		return volume, nil
	}
	rel, ok := strings.CutPrefix(workdir, domain.WorkspaceRoot+"/")
	if !ok {
		return "", fmt.Errorf("%w: working dir %q", domain.ErrPathViolation, workdir)
	}
	return securejoin.SecureJoin(volume, rel)
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is never inherited.
func buildEnv(home, volume string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"KAZI_WORKSPACE=" + volume,
		"GIT_CONFIG_NOSYSTEM=1",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
