package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/jkaninda/kazi/internal/domain"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerImage     = "jkaninda/kazi-runtime:latest"

	// dockerGrace is added to the in-container timeout before the docker
	// client itself is killed.
	dockerGrace = 5 * time.Second

	cliTimeout = 60 * time.Second
)

// DockerConfig configures the Docker-based runtime.
type DockerConfig struct {
	Image          string        // Container image with git and a POSIX shell.
	DefaultTimeout time.Duration // Wall-clock timeout per exec.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none. Clone mode needs network.
	User           string        // --user; empty = image default.
}

// DockerRuntime drives the docker CLI. Each sandbox is one long-lived
// container ("sleep infinity") with a named volume at /workspace.
//
// Containers are hardened with --cap-drop=ALL, no-new-privileges,
// a read-only root filesystem, memory/cpu/pids limits and tmpfs scratch dirs.
type DockerRuntime struct {
	config DockerConfig
	logger *slog.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-based runtime.
func NewDockerRuntime(cfg DockerConfig, logger *slog.Logger) *DockerRuntime {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerRuntime{config: cfg, logger: logger}
}

func (r *DockerRuntime) Name() string { return "docker" }

func (r *DockerRuntime) CreateVolume(ctx context.Context, name string) error {
	_, err := r.docker(ctx, "volume", "create", "--label", "kazi.managed=true", name)
	return err
}

func (r *DockerRuntime) RemoveVolume(ctx context.Context, name string) error {
	out, err := r.docker(ctx, "volume", "rm", "-f", name)
	if err != nil && !strings.Contains(strings.ToLower(out), "no such volume") {
		return err
	}
	return nil
}

func (r *DockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := r.buildRunArgs(spec)
	r.logger.InfoContext(ctx, "docker container creating",
		slog.String("container", spec.Name),
		slog.String("image", r.config.Image),
		slog.String("volume", spec.Volume),
		slog.Int("memory_mb", spec.Limits.MemoryMB),
		slog.Float64("cpu", spec.Limits.CPU),
	)
	if _, err := r.docker(ctx, args...); err != nil {
		// A half-created container would block the name on retry.
		r.forceRemoveContainer(spec.Name)
		return "", err
	}
	return spec.Name, nil
}

// buildRunArgs constructs the docker run argument list with all hardening flags.
func (r *DockerRuntime) buildRunArgs(spec ContainerSpec) []string {
	limits := spec.Limits.WithDefaults()
	memoryFlag := strconv.Itoa(limits.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(limits.CPU, 'f', 2, 64)
	pidsFlag := strconv.Itoa(r.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--label", "kazi.managed=true",

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--tmpfs", "/home/sandbox:rw,nosuid,size=64m",

		"--env", "HOME=/home/sandbox",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",

		"-v", spec.Volume + ":" + domain.WorkspaceRoot,
		"--workdir", domain.WorkspaceRoot,
	}
	if r.config.User != "" {
		args = append(args, "--user="+r.config.User)
	}
	if r.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	args = append(args, r.config.Image, "sleep", "infinity")
	return args
}

func (r *DockerRuntime) StartContainer(ctx context.Context, ref string) error {
	_, err := r.docker(ctx, "start", ref)
	return r.mapMissing(err)
}

func (r *DockerRuntime) StopContainer(ctx context.Context, ref string) error {
	_, err := r.docker(ctx, "stop", "--time", "5", ref)
	return r.mapMissing(err)
}

func (r *DockerRuntime) RemoveContainer(ctx context.Context, ref string) error {
	_, err := r.docker(ctx, "rm", "-f", ref)
	if err = r.mapMissing(err); errors.Is(err, ErrNoSuchContainer) {
		return nil
	}
	return err
}

func (r *DockerRuntime) Inspect(ctx context.Context, ref string) (*ContainerInfo, error) {
	out, err := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", ref)
	if err != nil {
		return nil, r.mapMissing(err)
	}
	info := &ContainerInfo{Ref: ref, Running: strings.TrimSpace(out) == "true"}
	if !info.Running {
		return info, nil
	}
	stats, err := r.docker(ctx, "stats", "--no-stream", "--format", "{{.CPUPerc}}|{{.MemUsage}}", ref)
	if err != nil {
		r.logger.WarnContext(ctx, "docker stats failed",
			slog.String("container", ref),
			slog.String("error", err.Error()),
		)
		return info, nil
	}
	if cpu, mem, ok := strings.Cut(strings.TrimSpace(stats), "|"); ok {
		info.CPUPercent = strings.TrimSpace(cpu)
		info.MemoryUsage = strings.TrimSpace(mem)
	}
	return info, nil
}

// Exec runs the command through `docker exec`. The in-container `timeout`
// kills the process tree; the docker client is killed after a short grace.
func (r *DockerRuntime) Exec(ctx context.Context, ref string, req ExecRequest) (*ExecResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.config.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout+dockerGrace)
	defer cancel()

	args := r.buildExecArgs(ref, timeout, req)
	cmd := exec.CommandContext(runCtx, "docker", args...)
	cmd.Stdin = req.Stdin

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	r.logger.DebugContext(ctx, "docker exec",
		slog.String("container", ref),
		slog.String("command", shellquote.Join(req.Command...)),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case runCtx.Err() != nil:
			exitCode = -1
		case errors.As(runErr, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
	}

	// coreutils/busybox timeout with -s KILL exits 137 once the deadline fires.
	timedOut := runCtx.Err() != nil || (exitCode == 137 && duration >= timeout)
	if timedOut {
		r.logger.WarnContext(ctx, "docker exec timed out",
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

func (r *DockerRuntime) buildExecArgs(ref string, timeout time.Duration, req ExecRequest) []string {
	args := []string{"exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}
	workdir := req.WorkingDir
	if workdir == "" {
		workdir = domain.WorkspaceRoot
	}
	args = append(args, "--workdir", workdir)

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+req.Env[k])
	}

	secs := int(timeout.Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	args = append(args, ref, "timeout", "-s", "KILL", strconv.Itoa(secs))
	return append(args, req.Command...)
}

// docker runs a short CLI call and returns combined output.
func (r *DockerRuntime) docker(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *DockerRuntime) mapMissing(err error) error {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return fmt.Errorf("%w: %v", ErrNoSuchContainer, err)
	}
	return err
}

// forceRemoveContainer is a best-effort cleanup; errors are logged only.
func (r *DockerRuntime) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		r.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}
