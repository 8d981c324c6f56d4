package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRegistry(t *testing.T) (*Registry, *clock, *metrics.Collector) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := metrics.NewCollector()
	r := New(memkv.NewWithClock(clk.Now), WithTTL(10*time.Second), WithMetrics(m), WithClock(clk.Now))
	return r, clk, m
}

func TestRegisterAndLive(t *testing.T) {
	ctx := context.Background()
	r, clk, m := newRegistry(t)

	require.NoError(t, r.Register(ctx, &Agent{ID: "scaffold-1", AgentType: "scaffold"}))
	clk.Advance(time.Second)
	require.NoError(t, r.Register(ctx, &Agent{ID: "scaffold-2", AgentType: "scaffold"}))
	require.NoError(t, r.Register(ctx, &Agent{ID: "validator-1", AgentType: "validator"}))

	live, err := r.Live(ctx, "scaffold")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "scaffold-1", live[0].ID)
	assert.Equal(t, "scaffold-2", live[1].ID)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AgentsLive.WithLabelValues("scaffold")))

	ok, err := r.HasLive(ctx, "deployer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterRejectsBadIdentity(t *testing.T) {
	r, _, _ := newRegistry(t)
	assert.Error(t, r.Register(context.Background(), &Agent{AgentType: "scaffold"}))
	assert.Error(t, r.Register(context.Background(), &Agent{ID: "a.b", AgentType: "scaffold"}))
}

func TestRegistrationExpiresWithoutHeartbeat(t *testing.T) {
	ctx := context.Background()
	r, clk, _ := newRegistry(t)

	require.NoError(t, r.Register(ctx, &Agent{ID: "e2e-1", AgentType: "e2e"}))
	clk.Advance(11 * time.Second)

	ok, err := r.HasLive(ctx, "e2e")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeregister(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t)

	require.NoError(t, r.Register(ctx, &Agent{ID: "d-1", AgentType: "deployer"}))
	require.NoError(t, r.Deregister(ctx, "deployer", "d-1"))
	require.NoError(t, r.Deregister(ctx, "deployer", "d-1"))

	ok, err := r.HasLive(ctx, "deployer")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHeartbeatCircuit(t *testing.T) {
	ctx := context.Background()
	r, clk, _ := newRegistry(t)

	hb := NewHeartbeat(r, Agent{ID: "v-1", AgentType: "validator"}, HealthConfig{FailureThreshold: 2, RecoveryTimeout: 5 * time.Second})
	other := NewHeartbeat(r, Agent{ID: "v-2", AgentType: "validator"}, HealthConfig{})
	require.NoError(t, other.Beat(ctx))

	hb.MarkFailure()
	require.NoError(t, hb.Beat(ctx))
	avail, err := r.Available(ctx, "validator")
	require.NoError(t, err)
	assert.Len(t, avail, 2)

	hb.MarkFailure()
	require.NoError(t, hb.Beat(ctx))
	avail, err = r.Available(ctx, "validator")
	require.NoError(t, err)
	require.Len(t, avail, 1)
	assert.Equal(t, "v-2", avail[0].ID)

	clk.Advance(6 * time.Second)
	require.NoError(t, other.Beat(ctx))
	require.NoError(t, hb.Beat(ctx))
	avail, err = r.Available(ctx, "validator")
	require.NoError(t, err)
	assert.Len(t, avail, 2, "circuit half-opens after the recovery timeout")

	hb.MarkSuccess()
	snap := hb.Snapshot()
	assert.False(t, snap.Health.CircuitOpen)
	assert.Zero(t, snap.Health.FailureCount)
}

func TestAvailableFallsBackWhenAllCircuitsOpen(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRegistry(t)

	hb := NewHeartbeat(r, Agent{ID: "i-1", AgentType: "integrator"}, HealthConfig{FailureThreshold: 1})
	hb.MarkFailure()
	require.NoError(t, hb.Beat(ctx))

	avail, err := r.Available(ctx, "integrator")
	require.NoError(t, err)
	assert.Len(t, avail, 1)
}

func TestHeartbeatRunDeregistersOnStop(t *testing.T) {
	r := New(memkv.New(), WithTTL(time.Second))
	hb := NewHeartbeat(r, Agent{ID: "s-1", AgentType: "scaffold"}, HealthConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hb.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		ok, _ := r.HasLive(context.Background(), "scaffold")
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	ok, err := r.HasLive(context.Background(), "scaffold")
	require.NoError(t, err)
	assert.False(t, ok)
}
