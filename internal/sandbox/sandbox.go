// Package sandbox provides the container runtime backing each project sandbox.
// A runtime owns long-lived containers with a persistent volume mounted at
// /workspace; commands run inside them through Exec, never directly on the host.
package sandbox

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jkaninda/kazi/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 30 * time.Second
)

// ErrNoSuchContainer is returned when the runtime has no record of a container.
var ErrNoSuchContainer = errors.New("no such container")

// Runtime is the ContainerRuntimeClient used by the sandbox controller.
// Implementations must be safe for concurrent use; per-sandbox serialization
// is the controller's job.
type Runtime interface {
	// Name identifies the runtime ("docker", "process").
	Name() string

	CreateVolume(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error

	// CreateContainer creates and starts a container with the volume mounted
	// at domain.WorkspaceRoot and returns its reference.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, ref string) error
	StopContainer(ctx context.Context, ref string) error
	RemoveContainer(ctx context.Context, ref string) error

	// Inspect returns the live state of a container, or ErrNoSuchContainer.
	Inspect(ctx context.Context, ref string) (*ContainerInfo, error)

	// Exec runs a command inside a running container. A timeout is a
	// result (TimedOut=true), not an error; the process is killed first.
	Exec(ctx context.Context, ref string, req ExecRequest) (*ExecResult, error)
}

// ContainerSpec describes the container to create for a sandbox.
type ContainerSpec struct {
	Name   string
	Volume string
	Limits domain.ResourceLimits
	Labels map[string]string
}

// ContainerInfo is a point-in-time snapshot of a container.
type ContainerInfo struct {
	Ref         string `json:"ref"`
	Running     bool   `json:"running"`
	CPUPercent  string `json:"cpu_percent,omitempty"`
	MemoryUsage string `json:"memory_usage,omitempty"`
}

// ExecRequest defines what to run and under what constraints.
type ExecRequest struct {
	// Command is the program and arguments to execute (e.g. ["ls", "-la"]).
	Command []string

	// Stdin is streamed to the process when non-nil.
	Stdin io.Reader

	// WorkingDir is an absolute path under /workspace. Empty = /workspace.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the runtime default. Zero = use default.
	Timeout time.Duration
}

// ExecResult captures the outcome of a command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
