package pipeline

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// Default stage names, in execution order.
const (
	StageRequirements   = "requirements"
	StageDesign         = "design"
	StageImplementation = "implementation"
	StageVerification   = "verification"
	StageReview         = "review"
)

// DefaultStageNames returns the default stage sequence.
func DefaultStageNames() []string {
	return []string{StageRequirements, StageDesign, StageImplementation, StageVerification, StageReview}
}

// StageFunc is a stage's unit of work. It must return before the engine
// proceeds; the returned output is recorded under the stage's name.
type StageFunc func(ctx context.Context, sc StageContext) (any, error)

// Stage is a named step in a pipeline.
type Stage struct {
	Name string
	Run  StageFunc
}

// Pipeline is a fixed sequence of stages. A stage's ordinal is its index.
type Pipeline []Stage

// Names returns the stage names in order.
func (p Pipeline) Names() []string {
	names := make([]string, len(p))
	for i, s := range p {
		names[i] = s.Name
	}
	return names
}

// StageContext is what a stage sees when invoked.
type StageContext struct {
	// Task is a snapshot taken just before the stage started.
	Task task.Task
	// Stage is the stage name.
	Stage string
	// Index is the zero-based position of the stage.
	Index int
	// Total is the number of stages in the pipeline.
	Total int
	// Outputs holds the outputs of previously completed stages.
	Outputs map[string]any
	// Interrupted is closed once pause or cancel has been requested.
	Interrupted <-chan struct{}
}

// EventKind identifies a task event.
type EventKind string

const (
	EventCreated        EventKind = "created"
	EventStarted        EventKind = "started"
	EventResumed        EventKind = "resumed"
	EventPaused         EventKind = "paused"
	EventCompleted      EventKind = "completed"
	EventFailed         EventKind = "failed"
	EventCancelled      EventKind = "cancelled"
	EventStageStarted   EventKind = "stage_started"
	EventStageCompleted EventKind = "stage_completed"
)

// TaskEvent is published on TopicLifecycle and TopicProgress.
type TaskEvent struct {
	Kind      EventKind `json:"kind"`
	Task      task.Task `json:"task"`
	Stage     string    `json:"stage,omitempty"`
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether the event records a terminal transition.
func (e TaskEvent) Terminal() bool {
	return e.Task.State.IsTerminal()
}

var (
	// TopicLifecycle carries state transitions.
	TopicLifecycle = bus.NewTopic[TaskEvent]("task.lifecycle")

	// TopicProgress carries per-stage progress.
	TopicProgress = bus.NewTopic[TaskEvent]("task.progress")
)
