package slot

import (
	"context"
	"errors"
	"fmt"

	"github.com/loykin/joinkeeper/internal/process"
	"github.com/loykin/joinkeeper/internal/profile"
	"github.com/loykin/joinkeeper/internal/script"
)

var (
	ErrLaunchTimeout  = errors.New("launch timeout")
	ErrConnectTimeout = errors.New("connect timeout")
	ErrLoadFailure    = errors.New("load failure")
	ErrSetupFailure   = errors.New("setup failure")

	errNotIdle = errors.New("slot is not idle")
)

// TransitionError reports the stage at which a slot transition failed.
type TransitionError struct {
	Slot  string
	Stage State
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("slot %s: %s: %v", e.Slot, e.Stage, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// FailureKind maps a transition error to a stable label for logs and metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLaunchTimeout):
		return "launch_timeout"
	case errors.Is(err, ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, ErrLoadFailure):
		return "load_failure"
	case errors.Is(err, ErrSetupFailure):
		return "setup_failure"
	case errors.Is(err, script.ErrExecutionTimeout):
		return "execution_timeout"
	case errors.Is(err, script.ErrSpawnFailure), errors.Is(err, process.ErrSpawnFailure),
		errors.Is(err, profile.ErrMissingProfile):
		return "spawn_failure"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}
