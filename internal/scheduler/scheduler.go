// Package scheduler queues task submissions and runs them on a fixed pool of
// workers.
//
// Jobs are dequeued highest priority first; jobs of equal priority run in
// submission order. Idle workers wait on a condition variable, so a worker
// holds no resources while the queue is empty. Dispatch can optionally be
// throttled with a token bucket.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// DefaultConcurrency is the worker count used when none is configured.
const DefaultConcurrency = 4

// Engine is the subset of the pipeline engine the scheduler drives.
type Engine interface {
	Create(ctx context.Context, spec task.Spec) (task.Task, error)
	Execute(ctx context.Context, id string) (task.Task, error)
	Resume(ctx context.Context, id string) (task.Task, error)
	Get(id string) (task.Task, error)
}

var _ Engine = (*pipeline.Engine)(nil)

// Config configures a Scheduler.
type Config struct {
	// Concurrency is the number of workers. Defaults to DefaultConcurrency.
	Concurrency int
	// MaxQueueDepth bounds the queue. Zero means unbounded.
	MaxQueueDepth int
	// DispatchRate limits dispatches per second. Zero disables throttling.
	DispatchRate float64
	// DispatchBurst is the token bucket size when DispatchRate is set.
	DispatchBurst int
}

// run is one Start/Stop cycle of the worker pool.
type run struct {
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

// Scheduler feeds queued tasks to the engine.
type Scheduler struct {
	engine  Engine
	logger  *logging.Logger
	config  Config
	limiter *rate.Limiter

	mu       sync.Mutex
	cond     *sync.Cond
	queue    jobQueue
	queued   map[string]struct{}
	reserved int
	seq      uint64
	active   int
	current  *run
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a scheduler over engine. Workers do not run until Start.
func New(engine Engine, cfg Config, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Scheduler{
		engine: engine,
		logger: logging.NewNop(),
		config: cfg,
		queued: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	if cfg.DispatchRate > 0 {
		burst := cfg.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler")
	return s
}

// Submit creates a task from spec and queues it for execution. It never
// blocks on workers; it fails with *QueueFullError when the queue is at its
// maximum depth, in which case no task is created.
func (s *Scheduler) Submit(ctx context.Context, spec task.Spec) (task.Task, error) {
	s.mu.Lock()
	if limit := s.config.MaxQueueDepth; limit > 0 && len(s.queue)+s.reserved >= limit {
		s.mu.Unlock()
		Rejected.Inc()
		return task.Task{}, &QueueFullError{MaxDepth: limit}
	}
	s.reserved++
	s.mu.Unlock()

	t, err := s.engine.Create(ctx, spec)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved--
	if err != nil {
		return task.Task{}, err
	}
	s.enqueueLocked(t.ID, jobExecute, t.Priority)
	s.logger.Debug(logging.WithTaskID(ctx, t.ID), "task queued",
		zap.String("priority", t.Priority.String()),
		zap.Int("depth", len(s.queue)))
	return t, nil
}

// Resume queues a paused task to continue from its next stage. Resuming a
// task that is already queued is a no-op.
func (s *Scheduler) Resume(ctx context.Context, id string) (task.Task, error) {
	t, err := s.engine.Get(id)
	if err != nil {
		return task.Task{}, err
	}
	if t.State != task.StatePaused {
		return task.Task{}, &task.InvalidTransitionError{ID: id, From: t.State, Action: "resume"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queued[id]; ok {
		return t, nil
	}
	s.enqueueLocked(id, jobResume, t.Priority)
	s.logger.Debug(logging.WithTaskID(ctx, id), "task queued for resume")
	return t, nil
}

func (s *Scheduler) enqueueLocked(id string, kind jobKind, p task.Priority) {
	s.seq++
	heap.Push(&s.queue, &job{taskID: id, kind: kind, priority: p, seq: s.seq})
	s.queued[id] = struct{}{}
	QueueDepth.Set(float64(len(s.queue)))
	s.cond.Signal()
}

// Start launches the worker pool. Calling Start while running is a no-op.
// Executions run under a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel}
	s.current = r
	for i := 0; i < s.config.Concurrency; i++ {
		r.wg.Add(1)
		go s.worker(ctx, r, i)
	}
	s.logger.Info(ctx, "scheduler started",
		zap.Int("concurrency", s.config.Concurrency),
		zap.Int("max_queue_depth", s.config.MaxQueueDepth),
		zap.Float64("dispatch_rate", s.config.DispatchRate))
}

// Stop halts dispatch and waits for in-flight executions to return. If ctx
// ends first, running executions are interrupted so their tasks pause at the
// next stage boundary, and ctx's error is returned. Queued jobs stay queued
// for a later Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	r := s.current
	if r == nil {
		s.mu.Unlock()
		return nil
	}
	r.stopped = true
	s.current = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	defer r.cancel()
	select {
	case <-done:
		s.logger.Info(ctx, "scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn(ctx, "scheduler stop deadline reached, interrupting executions")
		return ctx.Err()
	}
}

// Len returns the number of queued jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Active returns the number of jobs being executed.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Scheduler) worker(ctx context.Context, r *run, id int) {
	defer r.wg.Done()
	logger := s.logger.With(zap.Int("worker", id))

	for {
		j, ok := s.next(r)
		if !ok {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil || s.isStopped(r) {
				s.requeue(j)
				return
			}
		}
		s.dispatch(ctx, logger, j)

		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}
}

// next blocks until a job is available or r is stopped.
func (s *Scheduler) next(r *run) (*job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !r.stopped {
		s.cond.Wait()
	}
	if r.stopped {
		return nil, false
	}
	j := heap.Pop(&s.queue).(*job)
	delete(s.queued, j.taskID)
	s.active++
	QueueDepth.Set(float64(len(s.queue)))
	return j, true
}

func (s *Scheduler) isStopped(r *run) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.stopped
}

func (s *Scheduler) requeue(j *job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active--
	heap.Push(&s.queue, j)
	s.queued[j.taskID] = struct{}{}
	QueueDepth.Set(float64(len(s.queue)))
	// Workers of a later run may already be waiting.
	s.cond.Signal()
}

func (s *Scheduler) dispatch(ctx context.Context, logger *logging.Logger, j *job) {
	ctx = logging.WithTaskID(ctx, j.taskID)
	Dispatched.WithLabelValues(string(j.kind)).Inc()

	var err error
	switch j.kind {
	case jobResume:
		_, err = s.engine.Resume(ctx, j.taskID)
	default:
		_, err = s.engine.Execute(ctx, j.taskID)
	}

	switch {
	case err == nil:
	case errors.Is(err, task.ErrInvalidTransition), errors.Is(err, task.ErrNotFound):
		// Cancelled or pruned while queued.
		logger.Info(ctx, "skipping queued task", zap.String("kind", string(j.kind)), zap.Error(err))
	case errors.Is(err, pipeline.ErrStageFailed):
		logger.Debug(ctx, "task execution failed", zap.Error(err))
	default:
		logger.Warn(ctx, "task execution interrupted", zap.Error(err))
	}
}
