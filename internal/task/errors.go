package task

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSpec indicates a rejected task submission.
	ErrInvalidSpec = errors.New("invalid task spec")

	// ErrNotFound indicates an unknown task id.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates an operation illegal in the task's current state.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InvalidSpecError describes why a spec was rejected.
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid task spec: %s %s", e.Field, e.Reason)
}

// Is matches ErrInvalidSpec.
func (e *InvalidSpecError) Is(target error) bool {
	return target == ErrInvalidSpec
}

// NotFoundError names the unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidTransitionError names the rejected operation and the state it was
// attempted from.
type InvalidTransitionError struct {
	ID     string
	From   State
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s in state %s", e.Action, e.ID, e.From)
}

// Is matches ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
