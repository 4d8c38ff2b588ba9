package bus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEndpoint = NewEndpoint[string, int]("test.endpoint")

func TestRequest_Success(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, err := Respond(b, testEndpoint, func(_ context.Context, req string) (int, error) {
		return len(req), nil
	})
	require.NoError(t, err)

	n, err := Request(context.Background(), b, testEndpoint, "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestRequest_NoResponder(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, err := Request(context.Background(), b, NewEndpoint[string, int]("x"), "hi", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoResponder)

	var nre *NoResponderError
	require.True(t, errors.As(err, &nre))
	assert.Equal(t, "x", nre.Channel)
}

func TestRequest_ResponderError(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sentinel := errors.New("model unavailable")
	_, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) {
		return 0, sentinel
	})
	require.NoError(t, err)

	_, err = Request(context.Background(), b, testEndpoint, "x", time.Second)
	assert.ErrorIs(t, err, sentinel)
}

func TestRequest_ResponderPanic(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) {
		panic("kaboom")
	})
	require.NoError(t, err)

	_, err = Request(context.Background(), b, testEndpoint, "x", time.Second)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "panicked"))
}

func TestRequest_TimeoutThenUsable(t *testing.T) {
	b := New(nil)
	defer b.Close()

	release := make(chan struct{})
	defer close(release)

	_, err := Respond(b, testEndpoint, func(ctx context.Context, req string) (int, error) {
		if req == "hang" {
			<-release
			return 99, nil
		}
		return 1, nil
	})
	require.NoError(t, err)

	timeout := 50 * time.Millisecond
	start := time.Now()
	_, err = Request(context.Background(), b, testEndpoint, "hang", timeout)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	var rte *RequestTimeoutError
	require.True(t, errors.As(err, &rte))
	assert.Equal(t, "test.endpoint", rte.Channel)
	assert.Equal(t, timeout, rte.Timeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	n, err := Request(context.Background(), b, testEndpoint, "fast", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "late result from the timed-out request must be discarded")
}

func TestRequest_ResponderContextCancelledOnTimeout(t *testing.T) {
	b := New(nil)
	defer b.Close()

	cancelled := make(chan struct{})
	_, err := Respond(b, testEndpoint, func(ctx context.Context, _ string) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})
	require.NoError(t, err)

	_, err = Request(context.Background(), b, testEndpoint, "x", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrRequestTimeout)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("responder context was not cancelled")
	}
}

func TestRequest_ZeroTimeoutUsesDefault(t *testing.T) {
	b := New(nil, WithRequestTimeout(30*time.Millisecond))
	defer b.Close()

	release := make(chan struct{})
	defer close(release)
	_, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	_, err = Request(context.Background(), b, testEndpoint, "x", 0)
	var rte *RequestTimeoutError
	require.True(t, errors.As(err, &rte))
	assert.Equal(t, 30*time.Millisecond, rte.Timeout)
}

func TestRequest_CallerContextCancelled(t *testing.T) {
	b := New(nil)
	defer b.Close()

	release := make(chan struct{})
	defer close(release)
	_, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) {
		<-release
		return 0, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Request(ctx, b, testEndpoint, "x", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRespond_Duplicate(t *testing.T) {
	b := New(nil)
	defer b.Close()

	first, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) { return 1, nil })
	require.NoError(t, err)

	_, err = Respond(b, testEndpoint, func(context.Context, string) (int, error) { return 2, nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateResponder)

	var dre *DuplicateResponderError
	require.True(t, errors.As(err, &dre))
	assert.Equal(t, "test.endpoint", dre.Channel)

	first.Unsubscribe()
	assert.False(t, b.HasResponder("test.endpoint"))

	second, err := Respond(b, testEndpoint, func(context.Context, string) (int, error) { return 2, nil })
	require.NoError(t, err)

	// Releasing the stale handle again must not remove the new responder.
	first.Unsubscribe()
	assert.True(t, b.HasResponder("test.endpoint"))

	n, err := Request(context.Background(), b, testEndpoint, "x", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second.Unsubscribe()
	_, err = Request(context.Background(), b, testEndpoint, "x", time.Second)
	assert.ErrorIs(t, err, ErrNoResponder)
}

func TestRequest_MismatchedEndpointTypes(t *testing.T) {
	b := New(nil)
	defer b.Close()

	_, err := Respond(b, NewEndpoint[string, string]("shared"), func(_ context.Context, req string) (string, error) {
		return req, nil
	})
	require.NoError(t, err)

	_, err = Request(context.Background(), b, NewEndpoint[string, int]("shared"), "x", time.Second)
	assert.ErrorIs(t, err, ErrPayloadType)

	_, err = Request(context.Background(), b, NewEndpoint[int, string]("shared"), 1, time.Second)
	assert.ErrorIs(t, err, ErrPayloadType)
}
