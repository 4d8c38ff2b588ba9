package task

import "strings"

// Spec describes a task submission.
type Spec struct {
	Type        Type              `json:"type"`
	Priority    Priority          `json:"priority,omitempty"` // zero means normal
	Description string            `json:"description"`
	Input       map[string]any    `json:"input,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Validate checks the spec and returns an *InvalidSpecError describing the
// first problem found.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Description) == "" {
		return &InvalidSpecError{Field: "description", Reason: "must not be empty"}
	}
	if !s.Type.Valid() {
		return &InvalidSpecError{Field: "type", Reason: "unknown task type " + string(s.Type)}
	}
	if s.Priority != 0 && !s.Priority.Valid() {
		return &InvalidSpecError{Field: "priority", Reason: "unknown priority " + s.Priority.String()}
	}
	return nil
}
