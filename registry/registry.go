// Package registry tracks which agents are alive. Agents write a record
// under agent:{type}:{id} with a TTL and refresh it on every heartbeat; a
// record that stops being refreshed expires on its own.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
)

// DefaultTTL is how long a registration survives without a heartbeat.
const DefaultTTL = 30 * time.Second

// Agent is one registered agent process.
type Agent struct {
	ID        string    `json:"id"`
	AgentType string    `json:"agent_type"`
	Host      string    `json:"host,omitempty"`
	Version   string    `json:"version,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`

	// Health as reported by the agent itself.
	Health Health `json:"health"`
}

// Registry reads and writes agent records in a kv.Store.
type Registry struct {
	store   kv.Store
	ttl     time.Duration
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithTTL sets the registration lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMetrics reports live agents per type.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over store.
func New(store kv.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the registration lifetime.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

func agentKey(agentType, id string) string {
	return kv.Key("agent", agentType, id)
}

// Register writes a and stamps LastSeen. It is also the heartbeat.
func (r *Registry) Register(ctx context.Context, a *Agent) error {
	if a.ID == "" || a.AgentType == "" {
		return fmt.Errorf("register agent: id and agent type are required")
	}
	key := agentKey(a.AgentType, a.ID)
	if err := kv.ValidateKey(key); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}

	now := r.now()
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	a.LastSeen = now

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent %s: %w", a.ID, err)
	}
	if err := r.store.Set(ctx, key, data, r.ttl); err != nil {
		return fmt.Errorf("register agent %s: %w", a.ID, err)
	}
	return nil
}

// Deregister removes the record for an agent.
func (r *Registry) Deregister(ctx context.Context, agentType, id string) error {
	if err := r.store.Delete(ctx, agentKey(agentType, id)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return fmt.Errorf("deregister agent %s: %w", id, err)
	}
	return nil
}

// Live returns the registered agents of agentType, oldest first. Records
// whose LastSeen is older than the TTL are skipped even if the backend has
// not expired them yet.
func (r *Registry) Live(ctx context.Context, agentType string) ([]*Agent, error) {
	prefix := kv.Key("agent", agentType) + ":"
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list agents %s: %w", agentType, err)
	}

	cutoff := r.now().Add(-r.ttl)
	agents := make([]*Agent, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		data, err := r.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get agent %s: %w", key, err)
		}
		var a Agent
		if err := json.Unmarshal(data, &a); err != nil {
			r.logger.Warn("Skipping unreadable agent record", "key", key, "error", err)
			continue
		}
		if a.LastSeen.Before(cutoff) {
			continue
		}
		agents = append(agents, &a)
	}

	sort.Slice(agents, func(i, j int) bool {
		if agents[i].StartedAt.Equal(agents[j].StartedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].StartedAt.Before(agents[j].StartedAt)
	})

	if r.metrics != nil {
		r.metrics.AgentsLive.WithLabelValues(agentType).Set(float64(len(agents)))
	}
	return agents, nil
}

// Available returns the live agents of agentType that are accepting work.
// When every live agent has its circuit open the full list is returned,
// since trying one beats stranding the stage.
func (r *Registry) Available(ctx context.Context, agentType string) ([]*Agent, error) {
	live, err := r.Live(ctx, agentType)
	if err != nil {
		return nil, err
	}
	now := r.now()
	available := make([]*Agent, 0, len(live))
	for _, a := range live {
		if a.Health.Accepting(now) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return live, nil
	}
	return available, nil
}

// HasLive reports whether at least one agent of agentType is registered.
func (r *Registry) HasLive(ctx context.Context, agentType string) (bool, error) {
	live, err := r.Live(ctx, agentType)
	if err != nil {
		return false, err
	}
	return len(live) > 0, nil
}
