package task

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      Spec
		wantField string
	}{
		{"valid", Spec{Type: TypeBugFix, Description: "fix nil deref"}, ""},
		{"valid with priority", Spec{Type: TypeResearch, Priority: PriorityUrgent, Description: "x"}, ""},
		{"empty description", Spec{Type: TypeBugFix, Description: "   "}, "description"},
		{"unknown type", Spec{Type: "poetry", Description: "x"}, "type"},
		{"missing type", Spec{Description: "x"}, "type"},
		{"priority out of range", Spec{Type: TypeCustom, Priority: 9, Description: "x"}, "priority"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidSpec)

			var specErr *InvalidSpecError
			require.True(t, errors.As(err, &specErr))
			assert.Equal(t, tt.wantField, specErr.Field)
		})
	}
}

func TestNew(t *testing.T) {
	now := time.Now()
	input := map[string]any{"file": "main.go"}
	tk := New(Spec{Type: TypeCodeGeneration, Description: "gen", Input: input}, now)

	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, StatePending, tk.State)
	assert.Equal(t, PriorityNormal, tk.Priority)
	assert.Equal(t, now, tk.CreatedAt)
	assert.True(t, tk.StartedAt.IsZero())
	assert.Empty(t, tk.CurrentStage)

	input["file"] = "other.go"
	assert.Equal(t, "main.go", tk.Input["file"], "spec input must be copied")

	other := New(Spec{Type: TypeCodeGeneration, Description: "gen"}, now)
	assert.NotEqual(t, tk.ID, other.ID)
}

func TestTask_Clone(t *testing.T) {
	orig := &Task{
		ID:     "t1",
		Labels: map[string]string{"team": "core"},
		Result: &Result{Output: "done", StageOutputs: map[string]any{"design": "doc"}},
		Error:  nil,
	}

	c := orig.Clone()
	c.Labels["team"] = "other"
	c.Result.StageOutputs["design"] = "changed"
	c.Result.Output = "changed"

	assert.Equal(t, "core", orig.Labels["team"])
	assert.Equal(t, "doc", orig.Result.StageOutputs["design"])
	assert.Equal(t, "done", orig.Result.Output)

	orig.Error = &Failure{Code: CodeCancelled}
	c = orig.Clone()
	c.Error.Code = CodeStageFailed
	assert.Equal(t, CodeCancelled, orig.Error.Code)
}

func TestCanTransition(t *testing.T) {
	legal := map[State][]State{
		StatePending: {StateRunning, StateCancelled},
		StateRunning: {StatePaused, StateCompleted, StateFailed, StateCancelled},
		StatePaused:  {StateRunning, StateCancelled},
	}

	for _, from := range AllStates() {
		for _, to := range AllStates() {
			want := false
			for _, s := range legal[from] {
				if s == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.False(t, CanTransition(StatePending, StateCompleted))
	assert.False(t, CanTransition(StatePending, StateFailed))
}

func TestState_IsTerminal(t *testing.T) {
	assert.False(t, StatePending.IsTerminal())
	assert.False(t, StateRunning.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
}

func TestPriority_Ordering(t *testing.T) {
	assert.True(t, PriorityLow < PriorityNormal)
	assert.True(t, PriorityNormal < PriorityHigh)
	assert.True(t, PriorityHigh < PriorityUrgent)
}

func TestPriority_JSON(t *testing.T) {
	var spec Spec
	require.NoError(t, json.Unmarshal([]byte(`{"type":"bug_fix","priority":"urgent","description":"x"}`), &spec))
	assert.Equal(t, PriorityUrgent, spec.Priority)

	data, err := json.Marshal(Task{ID: "t1", Priority: PriorityHigh})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"priority":"high"`)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"meh"}`), &spec))

	data, err = json.Marshal(Task{ID: "report-only"})
	require.NoError(t, err, "unset priority must still encode")
	var back Task
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Priority(0), back.Priority)
}

func TestErrors(t *testing.T) {
	var err error = &NotFoundError{ID: "abc"}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "abc")

	err = &InvalidTransitionError{ID: "abc", From: StatePending, Action: "pause"}
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "cannot pause task abc in state pending", err.Error())
}

func TestTask_Duration(t *testing.T) {
	start := time.Now()
	tk := &Task{StartedAt: start}
	assert.Zero(t, tk.Duration())
	tk.EndedAt = start.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, tk.Duration())
}

func TestTask_JSONOmitsUnsetTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tk := New(Spec{Type: TypeBugFix, Description: "fix"}, now)

	data, err := json.Marshal(tk)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "created_at")
	assert.NotContains(t, fields, "started_at")
	assert.NotContains(t, fields, "ended_at")

	tk.StartedAt = now.Add(time.Second)
	data, err = json.Marshal(tk)
	require.NoError(t, err)
	fields = nil
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "2026-03-01T09:00:01Z", fields["started_at"])
	assert.NotContains(t, fields, "ended_at")

	var back Task
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.EndedAt.IsZero())
}
