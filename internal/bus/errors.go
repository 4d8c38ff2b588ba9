package bus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by request operations on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrNoResponder indicates a request on a channel without a responder.
	ErrNoResponder = errors.New("no responder registered")

	// ErrDuplicateResponder indicates a second responder registration.
	ErrDuplicateResponder = errors.New("responder already registered")

	// ErrRequestTimeout indicates the responder did not answer in time.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrPayloadType indicates a payload that does not match the channel's declared type.
	ErrPayloadType = errors.New("payload type mismatch")
)

// NoResponderError names the channel that had no responder.
type NoResponderError struct {
	Channel string
}

func (e *NoResponderError) Error() string {
	return fmt.Sprintf("no responder registered for channel %q", e.Channel)
}

// Is matches ErrNoResponder.
func (e *NoResponderError) Is(target error) bool { return target == ErrNoResponder }

// DuplicateResponderError names the channel that already has a responder.
type DuplicateResponderError struct {
	Channel string
}

func (e *DuplicateResponderError) Error() string {
	return fmt.Sprintf("responder already registered for channel %q", e.Channel)
}

// Is matches ErrDuplicateResponder.
func (e *DuplicateResponderError) Is(target error) bool { return target == ErrDuplicateResponder }

// RequestTimeoutError names the channel and the timeout that elapsed.
type RequestTimeoutError struct {
	Channel string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("request on channel %q timed out after %s", e.Channel, e.Timeout)
}

// Is matches ErrRequestTimeout.
func (e *RequestTimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

func payloadTypeError(channel string, want, got any) error {
	return fmt.Errorf("%w on channel %q: want %T, got %T", ErrPayloadType, channel, want, got)
}
