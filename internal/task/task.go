// Package task defines the unit of agent work tracked by the pipeline engine.
//
// A Task is owned by the engine execution driving it. Every value handed to
// other components is a copy produced by Clone, so callers never observe a
// task mid-mutation.
package task

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Type classifies the work a task performs.
type Type string

const (
	TypeCodeGeneration  Type = "code_generation"
	TypeCodeRefactoring Type = "code_refactoring"
	TypeBugFix          Type = "bug_fix"
	TypeTestGeneration  Type = "test_generation"
	TypeDocumentation   Type = "documentation"
	TypeCodeReview      Type = "code_review"
	TypeResearch        Type = "research"
	TypeCustom          Type = "custom"
)

// AllTypes returns every supported task type.
func AllTypes() []Type {
	return []Type{
		TypeCodeGeneration, TypeCodeRefactoring, TypeBugFix, TypeTestGeneration,
		TypeDocumentation, TypeCodeReview, TypeResearch, TypeCustom,
	}
}

// Valid reports whether t is one of AllTypes.
func (t Type) Valid() bool {
	for _, v := range AllTypes() {
		if t == v {
			return true
		}
	}
	return false
}

// Priority orders pending tasks. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

var priorityNames = map[Priority]string{
	PriorityLow:    "low",
	PriorityNormal: "normal",
	PriorityHigh:   "high",
	PriorityUrgent: "urgent",
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalText encodes the priority by name. The zero value, meaning unset,
// encodes as an empty string.
func (p Priority) MarshalText() ([]byte, error) {
	if p == 0 {
		return []byte{}, nil
	}
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*p = 0
		return nil
	}
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Failure codes.
const (
	CodeStageFailed = "stage_failed"
	CodeCancelled   = "cancelled"
)

// Failure is the structured error recorded on a failed or cancelled task.
type Failure struct {
	Code    string `json:"code"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// Result is the output recorded on a completed task.
type Result struct {
	// Output is the value returned by the final stage.
	Output any `json:"output,omitempty"`
	// StageOutputs holds every stage's output keyed by stage name.
	StageOutputs map[string]any `json:"stage_outputs,omitempty"`
}

// Task is a unit of agent work.
type Task struct {
	ID          string            `json:"id"`
	Type        Type              `json:"type"`
	Priority    Priority          `json:"priority"`
	State       State             `json:"state"`
	Description string            `json:"description"`
	Input       map[string]any    `json:"input,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`

	CurrentStage    string  `json:"current_stage,omitempty"`
	CompletedStages int     `json:"completed_stages"`
	TotalStages     int     `json:"total_stages"`
	Progress        float64 `json:"progress"`

	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`

	Result *Result  `json:"result,omitempty"`
	Error  *Failure `json:"error,omitempty"`
}

// New allocates a pending task from a validated spec.
func New(spec Spec, now time.Time) *Task {
	priority := spec.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	return &Task{
		ID:          uuid.NewString(),
		Type:        spec.Type,
		Priority:    priority,
		State:       StatePending,
		Description: spec.Description,
		Input:       maps.Clone(spec.Input),
		Labels:      maps.Clone(spec.Labels),
		CreatedAt:   now,
	}
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() Task {
	c := *t
	c.Input = maps.Clone(t.Input)
	c.Labels = maps.Clone(t.Labels)
	if t.Result != nil {
		r := *t.Result
		r.StageOutputs = maps.Clone(t.Result.StageOutputs)
		c.Result = &r
	}
	if t.Error != nil {
		f := *t.Error
		c.Error = &f
	}
	return c
}

// Duration returns how long the task ran. Zero until the task has ended.
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return 0
	}
	return t.EndedAt.Sub(t.StartedAt)
}
