package engine

import (
	"errors"
	"fmt"

	"signoff/internal/repo"
)

// ErrConflict is returned when an open process already exists for the
// artifact and stage, or the artifact is otherwise not in a state that
// allows the operation.
var ErrConflict = errors.New("conflict")

// ErrNoSuchTask is returned when the caller has no pending task to act on.
var ErrNoSuchTask = fmt.Errorf("no such task: %w", repo.ErrNotFound)

// ConfigurationError reports missing workflow configuration, such as an
// empty approver pool.
type ConfigurationError struct {
	Msg string
}

func (e ConfigurationError) Error() string { return "configuration: " + e.Msg }

// ValidationError reports invalid input.
type ValidationError struct {
	Field string
	Msg   string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
