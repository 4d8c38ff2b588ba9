package pipeline

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// InstrumentationName is the OpenTelemetry scope used by the engine.
const InstrumentationName = "github.com/fyrsmithlabs/agentflow/internal/pipeline"

// entry is the engine's private record for a task. Only the goroutine
// running the task's current execution mutates it outside of Create/Cancel,
// and always under Engine.mu.
type entry struct {
	task      *task.Task
	pipeline  Pipeline
	outputs   map[string]any
	executing bool
	intr      *interrupt
}

// Engine creates tasks and drives them through their pipelines.
type Engine struct {
	bus    *bus.Bus
	logger *logging.Logger
	tracer trace.Tracer
	now    func() time.Time

	defaultPipeline Pipeline
	pipelines       map[task.Type]Pipeline

	mu    sync.Mutex
	tasks map[string]*entry
	order []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for execution and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithPipeline overrides the stage sequence for one task type.
func WithPipeline(t task.Type, p Pipeline) Option {
	return func(e *Engine) {
		e.pipelines[t] = p
	}
}

// WithDefaultPipeline sets the stage sequence for types without an override.
func WithDefaultPipeline(p Pipeline) Option {
	return func(e *Engine) {
		e.defaultPipeline = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an engine publishing on b. Without WithDefaultPipeline
// the default stages are answered by bus responders (see BusStage).
func NewEngine(b *bus.Bus, opts ...Option) *Engine {
	e := &Engine{
		bus:       b,
		logger:    logging.NewNop(),
		tracer:    otel.Tracer(InstrumentationName),
		now:       time.Now,
		pipelines: make(map[task.Type]Pipeline),
		tasks:     make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultPipeline == nil {
		e.defaultPipeline = DefaultPipeline(b, 0)
	}
	e.logger = e.logger.Named("pipeline")
	return e
}

func (e *Engine) pipelineFor(t task.Type) Pipeline {
	if p, ok := e.pipelines[t]; ok {
		return p
	}
	return e.defaultPipeline
}

// Create validates spec and registers a pending task.
func (e *Engine) Create(ctx context.Context, spec task.Spec) (task.Task, error) {
	if err := spec.Validate(); err != nil {
		return task.Task{}, err
	}
	p := e.pipelineFor(spec.Type)
	if len(p) == 0 {
		return task.Task{}, &task.InvalidSpecError{Field: "type", Reason: "has no stages configured"}
	}

	t := task.New(spec, e.now())
	t.TotalStages = len(p)

	e.mu.Lock()
	e.tasks[t.ID] = &entry{task: t, pipeline: p, outputs: make(map[string]any, len(p))}
	e.order = append(e.order, t.ID)
	snap := t.Clone()
	e.mu.Unlock()

	e.logger.Info(logging.WithTaskID(ctx, t.ID), "task created",
		zap.String("type", string(t.Type)),
		zap.Stringer("priority", t.Priority),
		zap.Int("stages", t.TotalStages),
	)
	e.publish(ctx, TopicLifecycle, EventCreated, snap, "", -1)
	return snap, nil
}

// Execute starts a pending task and blocks until it settles into paused,
// completed, failed or cancelled. A stage failure is returned as a
// *StageExecutionError alongside the failed task.
func (e *Engine) Execute(ctx context.Context, id string) (task.Task, error) {
	en, snap, err := e.begin(id, task.StatePending, "execute")
	if err != nil {
		return task.Task{}, err
	}
	e.publish(ctx, TopicLifecycle, EventStarted, snap, "", -1)
	return e.run(ctx, en)
}

// Resume continues a paused task from its first incomplete stage. It blocks
// like Execute.
func (e *Engine) Resume(ctx context.Context, id string) (task.Task, error) {
	en, snap, err := e.begin(id, task.StatePaused, "resume")
	if err != nil {
		return task.Task{}, err
	}
	e.publish(ctx, TopicLifecycle, EventResumed, snap, snap.CurrentStage, snap.CompletedStages)
	return e.run(ctx, en)
}

// begin moves a task from the required state to running and hands out a
// fresh interrupt token.
func (e *Engine) begin(id string, from task.State, action string) (*entry, task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	en, ok := e.tasks[id]
	if !ok {
		return nil, task.Task{}, &task.NotFoundError{ID: id}
	}
	if en.task.State != from || en.executing {
		return nil, task.Task{}, &task.InvalidTransitionError{ID: id, From: en.task.State, Action: action}
	}

	en.task.State = task.StateRunning
	if en.task.StartedAt.IsZero() {
		en.task.StartedAt = e.now()
	}
	en.executing = true
	en.intr = newInterrupt()
	return en, en.task.Clone(), nil
}

// Pause asks a running task to settle into paused at the next stage
// boundary. The stage in flight is allowed to finish.
func (e *Engine) Pause(ctx context.Context, id string) (task.Task, error) {
	e.mu.Lock()
	en, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return task.Task{}, &task.NotFoundError{ID: id}
	}
	if en.task.State != task.StateRunning {
		state := en.task.State
		e.mu.Unlock()
		return task.Task{}, &task.InvalidTransitionError{ID: id, From: state, Action: "pause"}
	}
	en.intr.request(interruptPause)
	snap := en.task.Clone()
	e.mu.Unlock()

	e.logger.Info(logging.WithTaskID(ctx, id), "pause requested", zap.String("stage", snap.CurrentStage))
	return snap, nil
}

// Cancel stops a task. Pending and paused tasks are cancelled immediately;
// a running task is cancelled at the next stage boundary and the returned
// snapshot is still running.
//
// Nothing a stage has already done is rolled back.
func (e *Engine) Cancel(ctx context.Context, id string) (task.Task, error) {
	e.mu.Lock()
	en, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return task.Task{}, &task.NotFoundError{ID: id}
	}

	switch en.task.State {
	case task.StateRunning:
		en.intr.request(interruptCancel)
		snap := en.task.Clone()
		e.mu.Unlock()
		e.logger.Info(logging.WithTaskID(ctx, id), "cancel requested", zap.String("stage", snap.CurrentStage))
		return snap, nil

	case task.StatePending, task.StatePaused:
		e.settleCancelled(en)
		snap := en.task.Clone()
		e.mu.Unlock()
		TaskOutcomes.WithLabelValues(string(task.StateCancelled)).Inc()
		e.logger.Info(logging.WithTaskID(ctx, id), "task cancelled")
		e.publish(ctx, TopicLifecycle, EventCancelled, snap, snap.CurrentStage, snap.CompletedStages)
		return snap, nil

	default:
		state := en.task.State
		e.mu.Unlock()
		return task.Task{}, &task.InvalidTransitionError{ID: id, From: state, Action: "cancel"}
	}
}

// Get returns a snapshot of the task.
func (e *Engine) Get(id string) (task.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.tasks[id]
	if !ok {
		return task.Task{}, &task.NotFoundError{ID: id}
	}
	return en.task.Clone(), nil
}

// List returns snapshots of every task in creation order.
func (e *Engine) List() []task.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]task.Task, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.tasks[id].task.Clone())
	}
	return out
}

// Prune forgets terminal tasks that ended before cutoff and returns how many
// were removed.
func (e *Engine) Prune(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.order[:0]
	removed := 0
	for _, id := range e.order {
		t := e.tasks[id].task
		if t.State.IsTerminal() && t.EndedAt.Before(cutoff) {
			delete(e.tasks, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	e.order = kept
	return removed
}

// run iterates the task's stages from the first incomplete one.
func (e *Engine) run(ctx context.Context, en *entry) (task.Task, error) {
	ActiveExecutions.Inc()
	defer ActiveExecutions.Dec()

	e.mu.Lock()
	id := en.task.ID
	total := len(en.pipeline)
	startIndex := en.task.CompletedStages
	intr := en.intr
	e.mu.Unlock()

	ctx = logging.WithTaskID(ctx, id)
	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.type", string(en.task.Type)),
		attribute.Int("pipeline.start_index", startIndex),
		attribute.Int("pipeline.total", total),
	))
	defer span.End()

	for {
		e.mu.Lock()
		index := en.task.CompletedStages

		if index >= total {
			return e.finishCompleted(ctx, span, en)
		}

		// Stage boundary: consult the interrupt token and the caller.
		switch {
		case intr.load() == interruptCancel:
			e.settleCancelled(en)
			return e.finishInterrupted(ctx, span, en, EventCancelled)
		case intr.load() == interruptPause:
			return e.finishPaused(ctx, span, en, nil)
		case ctx.Err() != nil:
			return e.finishPaused(ctx, span, en, ctx.Err())
		}

		stage := en.pipeline[index]
		en.task.CurrentStage = stage.Name
		sc := StageContext{
			Task:        en.task.Clone(),
			Stage:       stage.Name,
			Index:       index,
			Total:       total,
			Outputs:     maps.Clone(en.outputs),
			Interrupted: intr.done,
		}
		e.mu.Unlock()

		e.logger.Trace(ctx, "stage started", zap.String("stage", stage.Name), zap.Int("index", index))
		e.publish(ctx, TopicProgress, EventStageStarted, sc.Task, stage.Name, index)

		// The caller's cancellation is observed only at the boundary above.
		output, err := e.invoke(context.WithoutCancel(ctx), stage, sc)
		if err != nil {
			stageErr := &StageExecutionError{TaskID: id, Stage: stage.Name, Index: index, Err: err}
			e.mu.Lock()
			return e.finishFailed(ctx, span, en, stageErr)
		}

		e.mu.Lock()
		en.outputs[stage.Name] = output
		en.task.CompletedStages = index + 1
		if p := float64(en.task.CompletedStages) / float64(total); p > en.task.Progress {
			en.task.Progress = p
		}
		snap := en.task.Clone()
		e.mu.Unlock()

		e.logger.Debug(ctx, "stage completed",
			zap.String("stage", stage.Name),
			zap.Int("index", index),
			zap.Float64("progress", snap.Progress),
		)
		e.publish(ctx, TopicProgress, EventStageCompleted, snap, stage.Name, index)
	}
}

// invoke runs one stage inside its own span, converting panics to errors.
func (e *Engine) invoke(ctx context.Context, stage Stage, sc StageContext) (output any, err error) {
	ctx = logging.WithStage(ctx, stage.Name)
	ctx, span := e.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", stage.Name),
		attribute.Int("stage.index", sc.Index),
	))
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		StageDuration.WithLabelValues(stage.Name, outcome).Observe(e.now().Sub(start).Seconds())
		span.End()
	}()

	if stage.Run == nil {
		return nil, nil
	}
	return stage.Run(ctx, sc)
}

// The finish helpers are called with e.mu held and release it.

func (e *Engine) finishCompleted(ctx context.Context, span trace.Span, en *entry) (task.Task, error) {
	t := en.task
	t.State = task.StateCompleted
	t.Progress = 1
	t.EndedAt = e.now()
	var last any
	if n := len(en.pipeline); n > 0 {
		last = en.outputs[en.pipeline[n-1].Name]
	}
	t.Result = &task.Result{Output: last, StageOutputs: maps.Clone(en.outputs)}
	en.executing = false
	en.intr = nil
	snap := t.Clone()
	e.mu.Unlock()

	TaskOutcomes.WithLabelValues(string(task.StateCompleted)).Inc()
	span.SetAttributes(attribute.String("task.state", string(task.StateCompleted)))
	e.logger.Info(ctx, "task completed", zap.Duration("duration", snap.Duration()))
	e.publish(ctx, TopicLifecycle, EventCompleted, snap, snap.CurrentStage, snap.CompletedStages-1)
	return snap, nil
}

func (e *Engine) finishFailed(ctx context.Context, span trace.Span, en *entry, stageErr *StageExecutionError) (task.Task, error) {
	t := en.task
	t.State = task.StateFailed
	t.EndedAt = e.now()
	t.Error = &task.Failure{
		Code:    task.CodeStageFailed,
		Stage:   stageErr.Stage,
		Message: stageErr.Err.Error(),
	}
	en.executing = false
	en.intr = nil
	snap := t.Clone()
	e.mu.Unlock()

	TaskOutcomes.WithLabelValues(string(task.StateFailed)).Inc()
	span.RecordError(stageErr)
	span.SetStatus(codes.Error, stageErr.Error())
	e.logger.Error(ctx, "task failed", zap.String("stage", stageErr.Stage), zap.Error(stageErr.Err))
	e.publish(ctx, TopicLifecycle, EventFailed, snap, stageErr.Stage, stageErr.Index)
	return snap, stageErr
}

func (e *Engine) finishPaused(ctx context.Context, span trace.Span, en *entry, cause error) (task.Task, error) {
	en.task.State = task.StatePaused
	en.executing = false
	en.intr = nil
	snap := en.task.Clone()
	e.mu.Unlock()

	TaskOutcomes.WithLabelValues(string(task.StatePaused)).Inc()
	span.SetAttributes(attribute.String("task.state", string(task.StatePaused)))
	if cause != nil {
		e.logger.Warn(ctx, "execution context done, task paused", zap.Error(cause))
	} else {
		e.logger.Info(ctx, "task paused", zap.String("stage", snap.CurrentStage), zap.Float64("progress", snap.Progress))
	}
	e.publish(ctx, TopicLifecycle, EventPaused, snap, snap.CurrentStage, snap.CompletedStages-1)
	if cause != nil {
		return snap, fmt.Errorf("task %s paused: %w", snap.ID, cause)
	}
	return snap, nil
}

func (e *Engine) finishInterrupted(ctx context.Context, span trace.Span, en *entry, kind EventKind) (task.Task, error) {
	snap := en.task.Clone()
	e.mu.Unlock()

	TaskOutcomes.WithLabelValues(string(snap.State)).Inc()
	span.SetAttributes(attribute.String("task.state", string(snap.State)))
	e.logger.Info(ctx, "task cancelled", zap.String("stage", snap.CurrentStage))
	e.publish(ctx, TopicLifecycle, kind, snap, snap.CurrentStage, snap.CompletedStages-1)
	return snap, nil
}

// settleCancelled records the cancelled terminal state. Caller holds e.mu.
func (e *Engine) settleCancelled(en *entry) {
	t := en.task
	t.State = task.StateCancelled
	t.EndedAt = e.now()
	t.Error = &task.Failure{
		Code:    task.CodeCancelled,
		Stage:   t.CurrentStage,
		Message: "task cancelled",
	}
	en.executing = false
	en.intr = nil
}

func (e *Engine) publish(ctx context.Context, topic bus.Topic[TaskEvent], kind EventKind, snap task.Task, stage string, index int) {
	bus.Publish(ctx, e.bus, topic, TaskEvent{
		Kind:      kind,
		Task:      snap,
		Stage:     stage,
		Index:     index,
		Timestamp: e.now(),
	})
}
