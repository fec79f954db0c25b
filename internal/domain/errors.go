package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the controller, gateways and agent loop.
// Callers match them with errors.Is; wrapping adds context.
var (
	ErrProvisioning          = errors.New("sandbox provisioning failed")
	ErrPathViolation         = errors.New("path escapes workspace root")
	ErrPolicyDenied          = errors.New("denied by policy")
	ErrCommandTimeout        = errors.New("command timed out")
	ErrSizeLimitExceeded     = errors.New("size limit exceeded")
	ErrMergeConflict         = errors.New("merge conflict")
	ErrCompletionUnavailable = errors.New("completion service unavailable")
	ErrResourceExhausted     = errors.New("sandbox pool capacity reached")
	ErrLoopLimitExceeded     = errors.New("agent loop limit exceeded")
	ErrAlreadyExists         = errors.New("already exists")
	ErrNotFound              = errors.New("not found")
	ErrInvalidState          = errors.New("invalid sandbox state")
	ErrBinaryFile            = errors.New("binary file")
	ErrUnknownTool           = errors.New("unknown tool")
)

// DeniedError carries the policy reason for a denial. It matches ErrPolicyDenied.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return fmt.Sprintf("%s: %s", ErrPolicyDenied, e.Reason) }

func (e *DeniedError) Unwrap() error { return ErrPolicyDenied }

// Denied returns a *DeniedError with a formatted reason.
func Denied(format string, args ...any) error {
	return &DeniedError{Reason: fmt.Sprintf(format, args...)}
}

// TransitionError reports a lifecycle operation attempted from the wrong state.
type TransitionError struct {
	Op    string
	State SandboxState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s sandbox in state %s", ErrInvalidState, e.Op, e.State)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidState }
