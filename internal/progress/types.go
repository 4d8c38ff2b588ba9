package progress

import (
	"time"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// Action is a discrete step reported by a stage, such as a file written.
type Action struct {
	TaskID    string    `json:"task_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Update is a partial set of detail fields for a task.
type Update map[string]any

// Report carries an Update over the bus.
type Report struct {
	TaskID string `json:"task_id"`
	Fields Update `json:"fields"`
}

// TaskDetail is a tracked task plus the details reported for it.
type TaskDetail struct {
	Task      task.Task      `json:"task"`
	Details   map[string]any `json:"details,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Metrics are derived from the tracked task set.
type Metrics struct {
	// ThroughputPerMinute is the number of tasks completed in the last minute.
	ThroughputPerMinute float64 `json:"throughput_per_minute"`
	// Elapsed is the time since the aggregator was created.
	Elapsed time.Duration `json:"elapsed"`
	// MeanTaskDuration averages run time over tracked terminal tasks.
	MeanTaskDuration time.Duration `json:"mean_task_duration"`
}

// Snapshot is the consolidated view of tracked work. Snapshots are
// recomputed from scratch and must be treated as read-only.
type Snapshot struct {
	GeneratedAt time.Time `json:"generated_at"`

	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`

	// Latest is the most recently updated task, nil when nothing is tracked.
	Latest *TaskDetail `json:"latest,omitempty"`
	// Tasks lists every tracked task in creation order.
	Tasks []TaskDetail `json:"tasks"`
	// RecentActions holds the action ring contents, oldest first.
	RecentActions []Action `json:"recent_actions"`

	Metrics Metrics `json:"metrics"`
}

var (
	// TopicAction carries actions reported by stages.
	TopicAction = bus.NewTopic[Action]("progress.action")

	// TopicReport carries partial detail updates reported by stages.
	TopicReport = bus.NewTopic[Report]("progress.report")

	// TopicSnapshot carries each periodically computed snapshot.
	TopicSnapshot = bus.NewTopic[*Snapshot]("progress.snapshot")
)
