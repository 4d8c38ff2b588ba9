// Package bus provides the in-process event bus.
//
// Topics carry synchronous publish/subscribe delivery. Endpoints carry
// request/response with exactly one responder per channel and a per-request
// timeout. A Bus is constructed explicitly and handed to every component that
// needs it; there is no package-level instance.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentflow/internal/logging"
)

// DefaultRequestTimeout applies to requests made with a zero timeout when the
// bus was built without WithRequestTimeout.
const DefaultRequestTimeout = 30 * time.Second

type deliverFunc func(ctx context.Context, channel string, payload any, ts time.Time) error

type respondFunc func(ctx context.Context, req any) (any, error)

type subscriber struct {
	id      uint64
	deliver deliverFunc
}

type responder struct {
	id     uint64
	handle respondFunc
}

// Bus routes events and requests between components.
type Bus struct {
	logger         *logging.Logger
	requestTimeout time.Duration
	now            func() time.Time

	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID atomic.Uint64

	respMu     sync.Mutex
	responders map[string]responder

	closed atomic.Bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithRequestTimeout sets the timeout used by requests that pass zero.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.requestTimeout = d
		}
	}
}

// New creates a bus. A nil logger discards delivery failures.
func New(logger *logging.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Bus{
		logger:         logger.Named("bus"),
		requestTimeout: DefaultRequestTimeout,
		now:            time.Now,
		subs:           make(map[string][]subscriber),
		responders:     make(map[string]responder),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RequestTimeout returns the timeout applied to zero-timeout requests.
func (b *Bus) RequestTimeout() time.Duration {
	return b.requestTimeout
}

// Close releases every subscription and responder. After Close, publishing
// is a no-op and request operations fail with ErrClosed.
func (b *Bus) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()

	b.respMu.Lock()
	b.responders = make(map[string]responder)
	b.respMu.Unlock()
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// SubscriberCount returns the number of handlers registered on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// HasResponder reports whether channel has a registered responder.
func (b *Bus) HasResponder(channel string) bool {
	b.respMu.Lock()
	defer b.respMu.Unlock()
	_, ok := b.responders[channel]
	return ok
}

// PublishRaw delivers an untyped payload to every subscriber of channel.
// Subscribers whose topic type does not match the payload see a delivery error.
func (b *Bus) PublishRaw(ctx context.Context, channel string, payload any) {
	if b.closed.Load() {
		return
	}
	EventsPublished.WithLabelValues(channel).Inc()

	// Snapshot so handlers may subscribe or unsubscribe during delivery.
	b.mu.RLock()
	snapshot := append([]subscriber(nil), b.subs[channel]...)
	b.mu.RUnlock()

	ts := b.now()
	for _, sub := range snapshot {
		b.safeDeliver(ctx, channel, sub, payload, ts)
	}
}

func (b *Bus) safeDeliver(ctx context.Context, channel string, sub subscriber, payload any, ts time.Time) {
	defer func() {
		if r := recover(); r != nil {
			HandlerFailures.WithLabelValues(channel).Inc()
			b.logger.Error(ctx, "bus handler panicked",
				zap.String("channel", channel),
				zap.Uint64("subscriber", sub.id),
				zap.Any("panic", r),
			)
		}
	}()

	if err := sub.deliver(ctx, channel, payload, ts); err != nil {
		HandlerFailures.WithLabelValues(channel).Inc()
		b.logger.Error(ctx, "bus handler failed",
			zap.String("channel", channel),
			zap.Uint64("subscriber", sub.id),
			zap.Error(err),
		)
	}
}

func (b *Bus) subscribe(channel string, id uint64, deliver deliverFunc) *Subscription {
	sub := &Subscription{channel: channel}
	if b.closed.Load() {
		sub.released.Store(true)
		return sub
	}

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], subscriber{id: id, deliver: deliver})
	b.mu.Unlock()

	sub.release = func() { b.unsubscribe(channel, id) }
	return sub
}

func (b *Bus) unsubscribe(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := b.subs[channel]
	kept := make([]subscriber, 0, len(current))
	for _, s := range current {
		if s.id != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, channel)
		return
	}
	b.subs[channel] = kept
}

// Subscription is the handle returned by Subscribe, SubscribeOnce and
// Respond. Unsubscribe is the only way to deregister.
type Subscription struct {
	channel  string
	release  func()
	released atomic.Bool
}

// Channel returns the channel the subscription is bound to.
func (s *Subscription) Channel() string { return s.channel }

// Unsubscribe removes the registration. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || !s.released.CompareAndSwap(false, true) {
		return
	}
	if s.release != nil {
		s.release()
	}
}

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool {
	return s != nil && !s.released.Load()
}

// Publish delivers payload synchronously to every subscriber of topic in
// subscription order. Handler errors and panics are logged and never reach
// the publisher.
func Publish[T any](ctx context.Context, b *Bus, topic Topic[T], payload T) {
	b.PublishRaw(ctx, topic.name, payload)
}

// Subscribe registers handler on topic. Subscribing before any publisher
// exists is legal.
func Subscribe[T any](b *Bus, topic Topic[T], handler Handler[T]) *Subscription {
	id := b.nextID.Add(1)
	return b.subscribe(topic.name, id, typedDeliver(handler))
}

// SubscribeOnce registers handler for a single delivery. The subscription is
// released before the handler runs, so a publish from inside the handler
// does not reach it again.
func SubscribeOnce[T any](b *Bus, topic Topic[T], handler Handler[T]) *Subscription {
	id := b.nextID.Add(1)
	var (
		fired atomic.Bool
		sub   *Subscription
		ready = make(chan struct{})
	)
	deliver := typedDeliver(func(ctx context.Context, ev Event[T]) error {
		if !fired.CompareAndSwap(false, true) {
			return nil
		}
		<-ready
		sub.Unsubscribe()
		return handler(ctx, ev)
	})
	sub = b.subscribe(topic.name, id, deliver)
	close(ready)
	return sub
}

func typedDeliver[T any](handler Handler[T]) deliverFunc {
	return func(ctx context.Context, channel string, payload any, ts time.Time) error {
		typed, ok := payload.(T)
		if !ok {
			var want T
			return payloadTypeError(channel, want, payload)
		}
		return handler(ctx, Event[T]{Channel: channel, Payload: typed, Timestamp: ts})
	}
}

// Respond registers the single responder for endpoint.
func Respond[Req, Resp any](b *Bus, endpoint Endpoint[Req, Resp], handler ResponderFunc[Req, Resp]) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	channel := endpoint.name
	id := b.nextID.Add(1)

	b.respMu.Lock()
	defer b.respMu.Unlock()
	if _, exists := b.responders[channel]; exists {
		return nil, &DuplicateResponderError{Channel: channel}
	}
	b.responders[channel] = responder{
		id: id,
		handle: func(ctx context.Context, req any) (any, error) {
			typed, ok := req.(Req)
			if !ok {
				var want Req
				return nil, payloadTypeError(channel, want, req)
			}
			resp, err := handler(ctx, typed)
			return resp, err
		},
	}

	sub := &Subscription{channel: channel}
	sub.release = func() {
		b.respMu.Lock()
		defer b.respMu.Unlock()
		// A later registration on the same channel is not ours to remove.
		if r, ok := b.responders[channel]; ok && r.id == id {
			delete(b.responders, channel)
		}
	}
	return sub, nil
}

type response struct {
	value any
	err   error
}

// Request sends req to the endpoint's responder and waits for its answer.
//
// A zero timeout uses the bus default. If the timer fires first the call
// returns a *RequestTimeoutError and the responder's eventual result is
// discarded; the responder's context is cancelled and the endpoint remains
// usable.
func Request[Req, Resp any](ctx context.Context, b *Bus, endpoint Endpoint[Req, Resp], req Req, timeout time.Duration) (Resp, error) {
	var zero Resp
	channel := endpoint.name

	if b.closed.Load() {
		return zero, ErrClosed
	}
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	b.respMu.Lock()
	r, ok := b.responders[channel]
	b.respMu.Unlock()
	if !ok {
		Requests.WithLabelValues(channel, "no_responder").Inc()
		return zero, &NoResponderError{Channel: channel}
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late responder never blocks.
	done := make(chan response, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- response{err: fmt.Errorf("responder on channel %q panicked: %v", channel, p)}
			}
		}()
		v, err := r.handle(reqCtx, req)
		done <- response{value: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.err != nil {
			Requests.WithLabelValues(channel, "error").Inc()
			return zero, res.err
		}
		if res.value == nil {
			Requests.WithLabelValues(channel, "ok").Inc()
			return zero, nil
		}
		typed, ok := res.value.(Resp)
		if !ok {
			Requests.WithLabelValues(channel, "error").Inc()
			return zero, payloadTypeError(channel, zero, res.value)
		}
		Requests.WithLabelValues(channel, "ok").Inc()
		return typed, nil
	case <-timer.C:
		Requests.WithLabelValues(channel, "timeout").Inc()
		b.logger.Warn(ctx, "bus request timed out",
			zap.String("channel", channel),
			zap.Duration("timeout", timeout),
		)
		return zero, &RequestTimeoutError{Channel: channel, Timeout: timeout}
	case <-ctx.Done():
		Requests.WithLabelValues(channel, "error").Inc()
		return zero, ctx.Err()
	}
}
