package bus

import (
	"context"
	"time"
)

// Topic is a publish/subscribe channel carrying payloads of type T.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed channel.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the channel name.
func (t Topic[T]) Name() string { return t.name }

// Endpoint is a request/response channel with a single responder.
type Endpoint[Req, Resp any] struct {
	name string
}

// NewEndpoint declares a typed request/response channel.
func NewEndpoint[Req, Resp any](name string) Endpoint[Req, Resp] {
	return Endpoint[Req, Resp]{name: name}
}

// Name returns the channel name.
func (e Endpoint[Req, Resp]) Name() string { return e.name }

// Event is a published payload. Events are immutable once published.
type Event[T any] struct {
	Channel   string
	Payload   T
	Timestamp time.Time
}

// Handler receives events from a Topic.
type Handler[T any] func(ctx context.Context, ev Event[T]) error

// ResponderFunc answers requests on an Endpoint.
type ResponderFunc[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)
