package membus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
)

type collector struct {
	mu   sync.Mutex
	msgs []*bus.Message
}

func (c *collector) handler(ctx context.Context, msg *bus.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return msg.Ack()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestPlainSubscriberSeesAllPublishes(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	c := &collector{}
	_, err := b.Subscribe(ctx, "orchestrator:results", c.handler)
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`), bus.WithMessageID("a")))
	require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`), bus.WithMessageID("b"), bus.WithStreamMirror()))

	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, c.ids())
}

func TestGroupSeesOnlyMirroredMessages(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	c := &collector{}
	_, err := b.Subscribe(ctx, "agent:scaffold:tasks", c.handler, bus.WithConsumerGroup("scaffold"))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "agent:scaffold:tasks", []byte(`1`), bus.WithMessageID("ephemeral")))
	require.NoError(t, b.Publish(ctx, "agent:scaffold:tasks", []byte(`2`), bus.WithMessageID("durable"), bus.WithStreamMirror()))

	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"durable"}, c.ids())
	assert.Len(t, b.Mirrored("agent:scaffold:tasks"), 1)
}

func TestNewGroupReplaysMirrorLog(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	for i := range 3 {
		require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`),
			bus.WithMessageID(fmt.Sprintf("m-%d", i)), bus.WithStreamMirror()))
	}

	c := &collector{}
	_, err := b.Subscribe(ctx, "orchestrator:results", c.handler, bus.WithConsumerGroup("reconciler"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.count() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m-0", "m-1", "m-2"}, c.ids())
}

func TestGroupBacklogSurvivesSubscriberOutage(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	first := &collector{}
	sub, err := b.Subscribe(ctx, "orchestrator:results", first.handler, bus.WithConsumerGroup("reconciler"))
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`), bus.WithMessageID("while-down"), bus.WithStreamMirror()))

	second := &collector{}
	_, err = b.Subscribe(ctx, "orchestrator:results", second.handler, bus.WithConsumerGroup("reconciler"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return second.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, first.count())
}

func TestNakRedelivers(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	var mu sync.Mutex
	var deliveries []int
	_, err := b.Subscribe(ctx, "orchestrator:results", func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		deliveries = append(deliveries, msg.Deliveries)
		mu.Unlock()
		if msg.Deliveries < 3 {
			return fmt.Errorf("not yet")
		}
		return msg.Ack()
	}, bus.WithConsumerGroup("reconciler"), bus.WithMaxDeliver(5))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`), bus.WithStreamMirror()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deliveries) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, deliveries)
	mu.Unlock()
}

func TestMaxDeliverStopsRedelivery(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe(ctx, "orchestrator:results", func(ctx context.Context, msg *bus.Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return fmt.Errorf("always")
	}, bus.WithConsumerGroup("reconciler"), bus.WithMaxDeliver(2))
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "orchestrator:results", []byte(`{}`), bus.WithStreamMirror()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, count)
	mu.Unlock()
}

func TestGroupMembersShareDelivery(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	a, c := &collector{}, &collector{}
	_, err := b.Subscribe(ctx, "agent:e2e:tasks", a.handler, bus.WithConsumerGroup("e2e"), bus.WithConsumerID("a"))
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "agent:e2e:tasks", c.handler, bus.WithConsumerGroup("e2e"), bus.WithConsumerID("c"))
	require.NoError(t, err)

	const n = 50
	for i := range n {
		require.NoError(t, b.Publish(ctx, "agent:e2e:tasks", []byte(`{}`),
			bus.WithPartitionKey(fmt.Sprintf("wf-%d", i)), bus.WithStreamMirror()))
	}

	require.Eventually(t, func() bool { return a.count()+c.count() == n }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, a.count()+c.count())
}

func TestPartitionKeySticksToOneMember(t *testing.T) {
	ctx := context.Background()
	b := New(nil)
	defer b.Close(ctx)

	a, c := &collector{}, &collector{}
	_, err := b.Subscribe(ctx, "agent:e2e:tasks", a.handler, bus.WithConsumerGroup("e2e"))
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "agent:e2e:tasks", c.handler, bus.WithConsumerGroup("e2e"))
	require.NoError(t, err)

	for i := range 10 {
		require.NoError(t, b.Publish(ctx, "agent:e2e:tasks", []byte(`{}`),
			bus.WithMessageID(fmt.Sprintf("m-%d", i)), bus.WithPartitionKey("wf-1"), bus.WithStreamMirror()))
	}

	require.Eventually(t, func() bool { return a.count()+c.count() == 10 }, time.Second, 5*time.Millisecond)
	assert.True(t, a.count() == 0 || c.count() == 0, "one key must be served by one member")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b := New(nil)

	_, err := b.Subscribe(ctx, "orchestrator:results", (&collector{}).handler)
	require.NoError(t, err)
	assert.True(t, b.Health(ctx).OK)

	closeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, b.Close(closeCtx))

	assert.False(t, b.Health(ctx).OK)
	assert.ErrorIs(t, b.Publish(ctx, "orchestrator:results", nil), bus.ErrClosed)
	_, err = b.Subscribe(ctx, "orchestrator:results", (&collector{}).handler)
	assert.ErrorIs(t, err, bus.ErrClosed)
}

func TestInvalidTopic(t *testing.T) {
	b := New(nil)
	assert.Error(t, b.Publish(context.Background(), "bad topic", nil))
}
