// Package progress maintains a consolidated view of in-flight and recently
// finished tasks.
//
// The Aggregator observes task events and stage reports on the bus and
// recomputes a Snapshot on a fixed interval. Snapshots are rebuilt from the
// tracked state every time rather than patched, so they cannot drift.
package progress

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

const (
	DefaultInterval       = 500 * time.Millisecond
	DefaultActionCapacity = 50
	DefaultRetention      = 10 * time.Minute
)

type tracked struct {
	task      task.Task
	details   map[string]any
	updatedAt time.Time
}

// Aggregator consumes bus events and produces Snapshots.
type Aggregator struct {
	bus       *bus.Bus
	logger    *logging.Logger
	interval  time.Duration
	capacity  int
	retention time.Duration
	now       func() time.Time

	mu        sync.Mutex
	tasks     map[string]*tracked
	actions   *Ring[Action]
	callbacks []func(*Snapshot)
	createdAt time.Time

	subs []*bus.Subscription

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithInterval sets the recomputation interval.
func WithInterval(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// WithActionCapacity sets the size of the recent-actions ring.
func WithActionCapacity(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.capacity = n
		}
	}
}

// WithRetention sets how long terminal tasks stay tracked.
func WithRetention(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithLogger sets the aggregator logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		a.now = now
	}
}

// NewAggregator creates an aggregator and subscribes it to the task and
// progress topics on b. Call Close to unsubscribe.
func NewAggregator(b *bus.Bus, opts ...Option) *Aggregator {
	a := &Aggregator{
		bus:       b,
		logger:    logging.NewNop(),
		interval:  DefaultInterval,
		capacity:  DefaultActionCapacity,
		retention: DefaultRetention,
		now:       time.Now,
		tasks:     make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("progress")
	a.actions = NewRing[Action](a.capacity)
	a.createdAt = a.now()

	a.subs = []*bus.Subscription{
		bus.Subscribe(b, pipeline.TopicLifecycle, a.onTaskEvent),
		bus.Subscribe(b, pipeline.TopicProgress, a.onTaskEvent),
		bus.Subscribe(b, TopicAction, func(_ context.Context, ev bus.Event[Action]) error {
			a.RecordAction(ev.Payload)
			return nil
		}),
		bus.Subscribe(b, TopicReport, func(_ context.Context, ev bus.Event[Report]) error {
			a.ReportProgress(ev.Payload.TaskID, ev.Payload.Fields)
			return nil
		}),
	}
	return a
}

func (a *Aggregator) onTaskEvent(_ context.Context, ev bus.Event[pipeline.TaskEvent]) error {
	t := ev.Payload.Task
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.tasks[t.ID]
	if !ok {
		tr = &tracked{details: make(map[string]any)}
		a.tasks[t.ID] = tr
	}
	tr.task = t
	tr.updatedAt = ev.Payload.Timestamp
	if tr.updatedAt.IsZero() {
		tr.updatedAt = ev.Timestamp
	}
	return nil
}

// Start begins periodic recomputation. Calling Start while running is a no-op.
func (a *Aggregator) Start(ctx context.Context) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.loop(ctx, a.done)
	a.logger.Debug(ctx, "progress aggregator started", zap.Duration("interval", a.interval))
}

// Stop ends periodic recomputation and waits for the loop to exit. It is safe
// to call when not started.
func (a *Aggregator) Stop() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel == nil {
		return
	}
	a.cancel()
	<-a.done
	a.cancel = nil
	a.done = nil
}

// Close stops the aggregator and releases its bus subscriptions.
func (a *Aggregator) Close() {
	a.Stop()
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
}

func (a *Aggregator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Aggregator) tick(ctx context.Context) {
	snap := a.Snapshot()

	a.mu.Lock()
	callbacks := append(([]func(*Snapshot))(nil), a.callbacks...)
	a.mu.Unlock()

	for _, cb := range callbacks {
		a.safeCallback(ctx, cb, snap)
	}
	bus.Publish(ctx, a.bus, TopicSnapshot, snap)
}

func (a *Aggregator) safeCallback(ctx context.Context, cb func(*Snapshot), snap *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error(ctx, "progress callback panicked", zap.Any("panic", r))
		}
	}()
	cb(snap)
}

// OnProgress registers a callback invoked with every periodic snapshot.
// Callbacks run in registration order and share the same snapshot.
func (a *Aggregator) OnProgress(cb func(*Snapshot)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callbacks = append(a.callbacks, cb)
}

// ReportProgress merges update into the details tracked for taskID. Unknown
// ids are tracked from the first report on.
func (a *Aggregator) ReportProgress(taskID string, update Update) {
	if taskID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	tr, ok := a.tasks[taskID]
	if !ok {
		tr = &tracked{task: task.Task{ID: taskID}, details: make(map[string]any)}
		a.tasks[taskID] = tr
	}
	maps.Copy(tr.details, update)
	tr.updatedAt = a.now()
}

// RecordAction appends an action to the recent-actions ring.
func (a *Aggregator) RecordAction(action Action) {
	if action.Timestamp.IsZero() {
		action.Timestamp = a.now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions.Push(action)
}

// Snapshot recomputes the consolidated view now.
func (a *Aggregator) Snapshot() *Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.pruneLocked(now)

	snap := &Snapshot{
		GeneratedAt:   now,
		Tasks:         make([]TaskDetail, 0, len(a.tasks)),
		RecentActions: a.actions.Items(),
	}

	var (
		latest          *tracked
		completedRecent int
		durationSum     time.Duration
		durationCount   int
	)
	for _, tr := range a.tasks {
		switch tr.task.State {
		case task.StatePending:
			snap.Pending++
		case task.StateRunning:
			snap.Running++
		case task.StatePaused:
			snap.Paused++
		case task.StateCompleted:
			snap.Completed++
			if now.Sub(tr.task.EndedAt) <= time.Minute {
				completedRecent++
			}
		case task.StateFailed:
			snap.Failed++
		case task.StateCancelled:
			snap.Cancelled++
		default:
			// Only reported on, never seen on the task topics.
		}
		if tr.task.State.IsTerminal() && tr.task.State != "" {
			if d := tr.task.Duration(); d > 0 {
				durationSum += d
				durationCount++
			}
		}
		if latest == nil || tr.updatedAt.After(latest.updatedAt) {
			latest = tr
		}
		snap.Tasks = append(snap.Tasks, detail(tr))
	}
	snap.Total = snap.Pending + snap.Running + snap.Paused + snap.Completed + snap.Failed + snap.Cancelled

	sort.SliceStable(snap.Tasks, func(i, j int) bool {
		return snap.Tasks[i].Task.CreatedAt.Before(snap.Tasks[j].Task.CreatedAt)
	})
	if latest != nil {
		d := detail(latest)
		snap.Latest = &d
	}

	snap.Metrics.Elapsed = now.Sub(a.createdAt)
	snap.Metrics.ThroughputPerMinute = float64(completedRecent)
	if durationCount > 0 {
		snap.Metrics.MeanTaskDuration = durationSum / time.Duration(durationCount)
	}
	return snap
}

// pruneLocked drops terminal tasks that ended more than retention ago, and
// report-only entries that have gone quiet for as long.
func (a *Aggregator) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.retention)
	for id, tr := range a.tasks {
		var last time.Time
		switch {
		case tr.task.State == "":
			last = tr.updatedAt
		case tr.task.State.IsTerminal():
			last = tr.task.EndedAt
			if last.IsZero() {
				last = tr.updatedAt
			}
		default:
			continue
		}
		if last.Before(cutoff) {
			delete(a.tasks, id)
		}
	}
}

func detail(tr *tracked) TaskDetail {
	return TaskDetail{
		Task:      tr.task.Clone(),
		Details:   maps.Clone(tr.details),
		UpdatedAt: tr.updatedAt,
	}
}
