package pipeline

import (
	"errors"
	"fmt"
)

// ErrStageFailed matches every *StageExecutionError.
var ErrStageFailed = errors.New("stage execution failed")

// StageExecutionError records which stage failed a task. It wraps the error
// returned by the stage.
type StageExecutionError struct {
	TaskID string
	Stage  string
	Index  int
	Err    error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %q (%d) of task %s failed: %v", e.Stage, e.Index, e.TaskID, e.Err)
}

// Unwrap returns the stage's error.
func (e *StageExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrStageFailed.
func (e *StageExecutionError) Is(target error) bool {
	return target == ErrStageFailed
}
