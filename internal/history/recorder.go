package history

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
)

// Recorded counts terminal task snapshots written to the store.
var Recorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentflow",
	Subsystem: "history",
	Name:      "recorded_total",
	Help:      "Total number of terminal tasks written to history",
}, []string{"outcome"})

const saveTimeout = 5 * time.Second

// Recorder writes terminal task events to a Store.
type Recorder struct {
	store  *Store
	logger *logging.Logger
	sub    *bus.Subscription
}

// NewRecorder subscribes a recorder to the task lifecycle topic on b.
func NewRecorder(b *bus.Bus, store *Store, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Recorder{store: store, logger: logger.Named("history")}
	r.sub = bus.Subscribe(b, pipeline.TopicLifecycle, r.onEvent)
	return r
}

func (r *Recorder) onEvent(ctx context.Context, ev bus.Event[pipeline.TaskEvent]) error {
	if !ev.Payload.Terminal() {
		return nil
	}
	t := ev.Payload.Task
	ctx = logging.WithTaskID(ctx, t.ID)

	// Terminal events are often published on a context that is already done.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := r.store.Save(saveCtx, t); err != nil {
		Recorded.WithLabelValues("error").Inc()
		r.logger.Error(ctx, "failed to record task history", zap.Error(err))
		return err
	}
	Recorded.WithLabelValues("ok").Inc()
	r.logger.Debug(ctx, "task history recorded", zap.String("state", string(t.State)))
	return nil
}

// Close stops recording.
func (r *Recorder) Close() {
	r.sub.Unsubscribe()
}
