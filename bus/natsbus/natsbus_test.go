package natsbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
)

func startServer(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("embedded NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func newBus(t *testing.T) *Bus {
	t.Helper()
	nc := startServer(t)
	b, err := New(context.Background(), nc, DefaultConfig("semflowtest"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

type inbox struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (i *inbox) handle(ctx context.Context, msg *bus.Message) error {
	i.mu.Lock()
	i.msgs = append(i.msgs, msg)
	i.mu.Unlock()
	return msg.Ack()
}

func (i *inbox) len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.msgs)
}

func (i *inbox) at(n int) *bus.Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.msgs[n]
}

func TestSubjects(t *testing.T) {
	b := &Bus{cfg: DefaultConfig("semflow")}
	assert.Equal(t, "semflow.agent.scaffold.tasks", b.Subject(bus.TaskTopic("scaffold")))
	assert.Equal(t, "semflow.stream.orchestrator.results", b.StreamSubject(bus.TopicResults))
	assert.Equal(t, "semflow.dlq", b.Subject(bus.TopicDeadLetter))
	assert.Equal(t, "orchestrator-reconciler_orchestrator_results", ConsumerName("orchestrator-reconciler", bus.TopicResults))
	assert.Equal(t, "SEMFLOW", DefaultConfig("semflow").StreamName)
}

func TestCorePublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	in := &inbox{}
	_, err := b.Subscribe(ctx, bus.TopicResults, in.handle)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, bus.TopicResults, []byte(`{"ok":true}`),
		bus.WithMessageID("m-1"), bus.WithPartitionKey("w-1")))

	require.Eventually(t, func() bool { return in.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	msg := in.at(0)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "w-1", msg.PartitionKey)
	assert.JSONEq(t, `{"ok":true}`, string(msg.Data))
}

func TestDurableGroupReceivesMessagesPublishedWhileDown(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	// Create the durable consumer, then go away.
	first := &inbox{}
	sub, err := b.Subscribe(ctx, bus.TaskTopic("scaffold"), first.handle, bus.WithConsumerGroup("scaffold"))
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	for i := range 3 {
		require.NoError(t, b.Publish(ctx, bus.TaskTopic("scaffold"), []byte(`{}`),
			bus.WithMessageID(fmt.Sprintf("m-%d", i)), bus.WithStreamMirror()))
	}

	second := &inbox{}
	_, err = b.Subscribe(ctx, bus.TaskTopic("scaffold"), second.handle, bus.WithConsumerGroup("scaffold"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.len() == 3 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, first.len())
}

func TestMirrorDeduplicatesByMessageID(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	in := &inbox{}
	_, err := b.Subscribe(ctx, bus.TopicResults, in.handle, bus.WithConsumerGroup("reconciler"))
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, b.Publish(ctx, bus.TopicResults, []byte(`{}`),
			bus.WithMessageID("same-id"), bus.WithStreamMirror()))
	}

	require.Eventually(t, func() bool { return in.len() >= 1 }, 5*time.Second, 20*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, in.len())
}

func TestHandlerErrorRedelivers(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)

	var mu sync.Mutex
	var seen []int
	_, err := b.Subscribe(ctx, bus.TopicResults, func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		seen = append(seen, msg.Deliveries)
		mu.Unlock()
		if msg.Deliveries == 1 {
			return fmt.Errorf("transient")
		}
		return msg.Ack()
	}, bus.WithConsumerGroup("reconciler"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, bus.TopicResults, []byte(`{}`), bus.WithStreamMirror()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, seen)
	mu.Unlock()
}

func TestHealth(t *testing.T) {
	b := newBus(t)
	h := b.Health(context.Background())
	assert.True(t, h.OK)
	assert.Greater(t, h.Latency, time.Duration(0))
}
