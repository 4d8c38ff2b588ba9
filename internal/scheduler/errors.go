package scheduler

import (
	"errors"
	"fmt"
)

// ErrQueueFull is returned by Submit when the queue is at its maximum depth.
var ErrQueueFull = errors.New("scheduler queue full")

// QueueFullError reports the depth limit that rejected a submission.
type QueueFullError struct {
	MaxDepth int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("scheduler queue full (max depth %d)", e.MaxDepth)
}

// Is allows errors.Is(err, ErrQueueFull).
func (e *QueueFullError) Is(target error) bool {
	return target == ErrQueueFull
}
