package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentflow/internal/bus"
	"github.com/fyrsmithlabs/agentflow/internal/config"
	"github.com/fyrsmithlabs/agentflow/internal/logging"
	"github.com/fyrsmithlabs/agentflow/internal/pipeline"
	"github.com/fyrsmithlabs/agentflow/internal/progress"
	"github.com/fyrsmithlabs/agentflow/internal/task"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(config.NATSConfig{URL: server.ClientURL()}, nil)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func receive(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed message")
		return nil
	}
}

func TestRelay_TaskEvents(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	b := bus.New(nil)
	defer b.Close()
	r := New(b, nc)
	defer r.Close()

	ch := make(chan *nats.Msg, 32)
	sub, err := nc.ChanSubscribe("agentflow.tasks.>", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	e := pipeline.NewEngine(b, pipeline.WithDefaultPipeline(pipeline.Pipeline{{Name: "only"}}))
	tk, err := e.Create(context.Background(), task.Spec{Type: task.TypeBugFix, Description: "fix"})
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), tk.ID)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	want := []pipeline.EventKind{
		pipeline.EventCreated,
		pipeline.EventStarted,
		pipeline.EventStageStarted,
		pipeline.EventStageCompleted,
		pipeline.EventCompleted,
	}
	for _, kind := range want {
		msg := receive(t, ch)
		assert.Equal(t, r.TaskSubject(tk.ID, kind), msg.Subject)

		var ev pipeline.TaskEvent
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, kind, ev.Kind)
		assert.Equal(t, tk.ID, ev.Task.ID)
	}
}

func TestRelay_ActionsWithPrefix(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	b := bus.New(nil)
	defer b.Close()
	r := New(b, nc, WithPrefix("ci.agents."))
	defer r.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("ci.agents.actions", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	bus.Publish(context.Background(), b, progress.TopicAction, progress.Action{
		TaskID:  "t-1",
		Kind:    "file_written",
		Message: "main.go",
	})

	msg := receive(t, ch)
	var action progress.Action
	require.NoError(t, json.Unmarshal(msg.Data, &action))
	assert.Equal(t, "t-1", action.TaskID)
	assert.Equal(t, "main.go", action.Message)
	assert.Equal(t, "ci.agents.tasks.t-1.paused", r.TaskSubject("t-1", pipeline.EventPaused))
}

func TestRelay_Snapshots(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	b := bus.New(nil)
	defer b.Close()
	r := New(b, nc)
	defer r.Close()

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("agentflow.progress", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	bus.Publish(context.Background(), b, progress.TopicSnapshot, &progress.Snapshot{Total: 3, Completed: 2})

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(receive(t, ch).Data, &snap))
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, 2, snap.Completed)
}

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(string, []byte) error {
	f.calls++
	return errors.New("connection closed")
}

func TestRelay_PublishFailureIsContained(t *testing.T) {
	tl := logging.NewTestLogger()
	b := bus.New(nil)
	defer b.Close()

	pub := &failingPublisher{}
	r := New(b, pub, WithLogger(tl.Logger))
	defer r.Close()

	delivered := false
	bus.Subscribe(b, progress.TopicAction, func(context.Context, bus.Event[progress.Action]) error {
		delivered = true
		return nil
	})

	bus.Publish(context.Background(), b, progress.TopicAction, progress.Action{Kind: "note"})

	assert.Equal(t, 1, pub.calls)
	assert.True(t, delivered, "later subscribers still receive the event")
	tl.AssertLogged(t, zapcore.WarnLevel, "relay publish failed")
}

func TestRelay_Close(t *testing.T) {
	b := bus.New(nil)
	defer b.Close()

	pub := &failingPublisher{}
	r := New(b, pub)
	r.Close()
	r.Close()

	bus.Publish(context.Background(), b, progress.TopicAction, progress.Action{Kind: "note"})
	assert.Zero(t, pub.calls)
	assert.Zero(t, b.SubscriberCount(progress.TopicAction.Name()))
}
