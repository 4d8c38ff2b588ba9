package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func finished(id string, state task.State, ended time.Time) task.Task {
	return task.Task{
		ID:              id,
		Type:            task.TypeDocumentation,
		Priority:        task.PriorityHigh,
		State:           state,
		Description:     "write docs for " + id,
		Labels:          map[string]string{"team": "platform"},
		CompletedStages: 5,
		TotalStages:     5,
		Progress:        1,
		CreatedAt:       ended.Add(-time.Minute),
		StartedAt:       ended.Add(-30 * time.Second),
		EndedAt:         ended,
		Result:          &task.Result{Output: "ok"},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ended := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, finished("t-1", task.StateCompleted, ended)))

	got, err := store.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got.ID)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, task.PriorityHigh, got.Priority)
	assert.Equal(t, "platform", got.Labels["team"])
	assert.True(t, ended.Equal(got.EndedAt))
	assert.Equal(t, 30*time.Second, got.Duration())
	require.NotNil(t, got.Result)
	assert.Equal(t, "ok", got.Result.Output)
}

func TestStore_SaveUpserts(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	ended := time.Now().UTC()

	tk := finished("t-1", task.StateFailed, ended)
	tk.Error = &task.Failure{Code: task.CodeStageFailed, Stage: "testing", Message: "boom"}
	require.NoError(t, store.Save(ctx, tk))

	tk.State = task.StateCancelled
	tk.Error = &task.Failure{Code: task.CodeCancelled, Message: "task cancelled"}
	require.NoError(t, store.Save(ctx, tk))

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, task.StateCancelled, all[0].State)
	assert.Equal(t, task.CodeCancelled, all[0].Error.Code)
}

func TestStore_RejectsNonTerminal(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	err := store.Save(ctx, task.Task{ID: "t-1", State: task.StateRunning})
	assert.Error(t, err)
	err = store.Save(ctx, task.Task{State: task.StateCompleted})
	assert.Error(t, err)
}

func TestStore_GetNotFound(t *testing.T) {
	store := openStore(t)

	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrNotFound))
}

func TestStore_List(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, finished("a", task.StateCompleted, base)))
	require.NoError(t, store.Save(ctx, finished("b", task.StateFailed, base.Add(time.Hour))))
	require.NoError(t, store.Save(ctx, finished("c", task.StateCompleted, base.Add(2*time.Hour))))

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	completed, err := store.List(ctx, ListOptions{State: task.StateCompleted})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(completed))

	limited, err := store.List(ctx, ListOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(limited))
}

func TestStore_Prune(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, finished("old", task.StateCompleted, base)))
	require.NoError(t, store.Save(ctx, finished("new", task.StateCompleted, base.Add(48*time.Hour))))

	n, err := store.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	all, err := store.List(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(all))
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, finished("kept", task.StateCompleted, time.Now())))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept", got.ID)
}

func TestRecorder_SavesTerminalTasks(t *testing.T) {
	store := openStore(t)
	b := bus.New(nil)
	defer b.Close()
	tl := logging.NewTestLogger()

	rec := NewRecorder(b, store, tl.Logger)
	defer rec.Close()

	e := pipeline.NewEngine(b, pipeline.WithDefaultPipeline(pipeline.Pipeline{{Name: "one"}, {Name: "two"}}))
	ctx := context.Background()

	done, err := e.Create(ctx, task.Spec{Type: task.TypeResearch, Description: "survey"})
	require.NoError(t, err)
	_, err = e.Execute(ctx, done.ID)
	require.NoError(t, err)

	cancelled, err := e.Create(ctx, task.Spec{Type: task.TypeResearch, Description: "dropped"})
	require.NoError(t, err)
	_, err = e.Cancel(ctx, cancelled.ID)
	require.NoError(t, err)

	pending, err := e.Create(ctx, task.Spec{Type: task.TypeResearch, Description: "waiting"})
	require.NoError(t, err)

	got, err := store.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCompleted, got.State)
	assert.Equal(t, 2, got.CompletedStages)

	got, err = store.Get(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)

	_, err = store.Get(ctx, pending.ID)
	assert.True(t, errors.Is(err, task.ErrNotFound))

	tl.AssertNotLogged(t, zapcore.ErrorLevel, "failed to record task history")
}

func TestRecorder_SavesWhenPublisherContextDone(t *testing.T) {
	store := openStore(t)
	b := bus.New(nil)
	defer b.Close()
	tl := logging.NewTestLogger()
	rec := NewRecorder(b, store, tl.Logger)
	defer rec.Close()

	e := pipeline.NewEngine(b, pipeline.WithDefaultPipeline(pipeline.Pipeline{{Name: "one"}}))
	tk, err := e.Create(context.Background(), task.Spec{Type: task.TypeResearch, Description: "late"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Cancel(ctx, tk.ID)
	require.NoError(t, err)

	got, err := store.Get(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StateCancelled, got.State)
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "failed to record task history")
}

func TestRecorder_LogsStoreFailure(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.Close())

	b := bus.New(nil)
	defer b.Close()
	tl := logging.NewTestLogger()
	rec := NewRecorder(b, store, tl.Logger)
	defer rec.Close()

	e := pipeline.NewEngine(b, pipeline.WithDefaultPipeline(pipeline.Pipeline{{Name: "one"}}))
	tk, err := e.Create(context.Background(), task.Spec{Type: task.TypeResearch, Description: "x"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), tk.ID)
	require.NoError(t, err, "history failures do not affect execution")

	tl.AssertLogged(t, zapcore.ErrorLevel, "failed to record task history")
}

func ids(tasks []task.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
