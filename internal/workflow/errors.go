package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoTemplates rejects a run when no detection templates are loaded.
	ErrNoTemplates = errors.New("no detection templates configured")
	// ErrNoTask rejects a run without a task id.
	ErrNoTask = errors.New("no test task selected")
	// ErrNoCases rejects a run with an empty case list.
	ErrNoCases = errors.New("test task has no cases")
	// ErrBackendUnavailable fails the active run.
	ErrBackendUnavailable = errors.New("detection backend unavailable")
	// ErrRunCancelled is returned when the operator cancels at the existing-results prompt.
	ErrRunCancelled = errors.New("run cancelled by operator")
	// ErrCoordinatorClosed is returned after Run has exited.
	ErrCoordinatorClosed = errors.New("workflow coordinator stopped")
)

// ChannelTimeoutError reports a channel forced to failed at the ceiling. It is not fatal.
type ChannelTimeoutError struct {
	Channel   Channel
	CaseIndex int
	Ceiling   time.Duration
}

func (e *ChannelTimeoutError) Error() string {
	return fmt.Sprintf("%s channel for case %d did not finish within %s", e.Channel, e.CaseIndex, e.Ceiling)
}

// IsBackendUnavailable reports whether err ended a run because the backend was lost.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
