// Package relay republishes bus events to NATS so that processes outside
// agentflow can follow task progress.
//
// Subjects:
//
//	{prefix}.tasks.{task_id}.{kind}   task lifecycle and stage events
//	{prefix}.actions                  actions reported by stages
//	{prefix}.progress                 periodic progress snapshots
//
// Payloads are JSON. Relaying is fire-and-forget: a failed publish is logged
// and counted but never surfaces to the bus publisher.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/config"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/progress"
)

// DefaultPrefix is the subject prefix used when none is configured.
const DefaultPrefix = "agentflow"

// Publisher is the subset of *nats.Conn used by the relay.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// Connect dials NATS using the relay configuration.
func Connect(cfg config.NATSConfig, logger *logging.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	opts := []nats.Option{
		nats.Name("agentflow"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(context.Background(), "nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info(context.Background(), "connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

// Relay forwards bus traffic to a Publisher.
type Relay struct {
	conn   Publisher
	prefix string
	logger *logging.Logger
	subs   []*bus.Subscription
}

// Option configures a Relay.
type Option func(*Relay)

// WithPrefix sets the subject prefix.
func WithPrefix(prefix string) Option {
	return func(r *Relay) {
		if p := strings.Trim(prefix, "."); p != "" {
			r.prefix = p
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.logger = l
		}
	}
}

// New subscribes a relay to b. Call Close to detach it.
func New(b *bus.Bus, conn Publisher, opts ...Option) *Relay {
	r := &Relay{
		conn:   conn,
		prefix: DefaultPrefix,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("relay")

	r.subs = []*bus.Subscription{
		bus.Subscribe(b, pipeline.TopicLifecycle, r.onTaskEvent),
		bus.Subscribe(b, pipeline.TopicProgress, r.onTaskEvent),
		bus.Subscribe(b, progress.TopicAction, func(ctx context.Context, ev bus.Event[progress.Action]) error {
			r.forward(ctx, "action", r.prefix+".actions", ev.Payload)
			return nil
		}),
		bus.Subscribe(b, progress.TopicSnapshot, func(ctx context.Context, ev bus.Event[*progress.Snapshot]) error {
			r.forward(ctx, "snapshot", r.prefix+".progress", ev.Payload)
			return nil
		}),
	}
	return r
}

// TaskSubject returns the subject a task event of kind is relayed to.
func (r *Relay) TaskSubject(taskID string, kind pipeline.EventKind) string {
	return fmt.Sprintf("%s.tasks.%s.%s", r.prefix, taskID, kind)
}

// Close detaches the relay from the bus. The connection is owned by the
// caller.
func (r *Relay) Close() {
	for _, sub := range r.subs {
		sub.Unsubscribe()
	}
}

func (r *Relay) onTaskEvent(ctx context.Context, ev bus.Event[pipeline.TaskEvent]) error {
	r.forward(logging.WithTaskID(ctx, ev.Payload.Task.ID), string(ev.Payload.Kind),
		r.TaskSubject(ev.Payload.Task.ID, ev.Payload.Kind), ev.Payload)
	return nil
}

func (r *Relay) forward(ctx context.Context, kind, subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		Failures.WithLabelValues(kind).Inc()
		r.logger.Error(ctx, "relay marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := r.conn.Publish(subject, data); err != nil {
		Failures.WithLabelValues(kind).Inc()
		r.logger.Warn(ctx, "relay publish failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	Published.WithLabelValues(kind).Inc()
}
