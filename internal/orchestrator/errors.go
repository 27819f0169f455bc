package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by Start while a run owns the project.
	ErrAlreadyRunning = errors.New("analysis already running")
	// ErrNotRunning is returned by Cancel when no run owns the project.
	ErrNotRunning = errors.New("analysis not running")
	// ErrCancelled is the outcome of a cancelled run. It is never an error status.
	ErrCancelled = errors.New("analysis cancelled")
	// ErrProjectNotFound is returned for unknown project ids.
	ErrProjectNotFound = errors.New("project not found")
	// ErrInvalidInput rejects a malformed Start request.
	ErrInvalidInput = errors.New("invalid analysis input")
	// ErrHeavyTimeout ends a heavy run that outlived its watchdog.
	ErrHeavyTimeout = errors.New("heavy scoring exceeded its time limit")
	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Cancel reasons.
const (
	ReasonUser     = "user"
	ReasonShutdown = "shutdown"
)

// cancelError is the cause attached to a run's context on cancellation.
type cancelError struct{ reason string }

func (e *cancelError) Error() string        { return fmt.Sprintf("%s: %s", ErrCancelled, e.reason) }
func (e *cancelError) Is(target error) bool { return target == ErrCancelled }

func cancelReason(err error) string {
	var ce *cancelError
	if errors.As(err, &ce) {
		return ce.reason
	}
	return ReasonUser
}
