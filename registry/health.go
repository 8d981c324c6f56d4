package registry

import (
	"context"
	"sync"
	"time"
)

// HealthConfig controls the agent-side circuit breaker.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive task failures before
	// the circuit opens.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit stays closed to new work.
	RecoveryTimeout time.Duration
}

// DefaultHealthConfig returns defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Health is the self-reported health of an agent.
type Health struct {
	LastSuccess     time.Time     `json:"last_success,omitempty"`
	LastFailure     time.Time     `json:"last_failure,omitempty"`
	FailureCount    int           `json:"failure_count"`
	CircuitOpen     bool          `json:"circuit_open"`
	CircuitOpenedAt time.Time     `json:"circuit_opened_at,omitempty"`
	RecoveryTimeout time.Duration `json:"recovery_timeout,omitempty"`
}

// Accepting reports whether the agent should get work at now. An open
// circuit accepts again once its recovery timeout has passed.
func (h Health) Accepting(now time.Time) bool {
	if !h.CircuitOpen {
		return true
	}
	return now.Sub(h.CircuitOpenedAt) > h.RecoveryTimeout
}

// Heartbeat keeps one agent registered and tracks its health.
type Heartbeat struct {
	registry *Registry
	config   HealthConfig

	mu    sync.Mutex
	agent Agent
}

// NewHeartbeat prepares a heartbeat for a.
func NewHeartbeat(r *Registry, a Agent, cfg HealthConfig) *Heartbeat {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultHealthConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultHealthConfig().RecoveryTimeout
	}
	a.Health.RecoveryTimeout = cfg.RecoveryTimeout
	return &Heartbeat{registry: r, config: cfg, agent: a}
}

// MarkSuccess records a completed task and closes the circuit.
func (h *Heartbeat) MarkSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.agent.Health.LastSuccess = h.registry.now()
	h.agent.Health.FailureCount = 0
	h.agent.Health.CircuitOpen = false
}

// MarkFailure records a failed task and opens the circuit at the threshold.
func (h *Heartbeat) MarkFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.registry.now()
	h.agent.Health.LastFailure = now
	h.agent.Health.FailureCount++
	if h.agent.Health.FailureCount >= h.config.FailureThreshold && !h.agent.Health.CircuitOpen {
		h.agent.Health.CircuitOpen = true
		h.agent.Health.CircuitOpenedAt = now
	}
}

// Snapshot returns the current record.
func (h *Heartbeat) Snapshot() Agent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agent
}

// Beat writes the current record once.
func (h *Heartbeat) Beat(ctx context.Context) error {
	h.mu.Lock()
	a := h.agent
	h.mu.Unlock()

	if err := h.registry.Register(ctx, &a); err != nil {
		return err
	}

	h.mu.Lock()
	h.agent.StartedAt = a.StartedAt
	h.agent.LastSeen = a.LastSeen
	h.mu.Unlock()
	return nil
}

// Run beats every interval until ctx is done, then deregisters. The first
// beat happens immediately and its error is returned.
func (h *Heartbeat) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = h.registry.ttl / 3
	}
	if err := h.Beat(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a := h.Snapshot()
			cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := h.registry.Deregister(cleanup, a.AgentType, a.ID); err != nil {
				h.registry.logger.Warn("Failed to deregister agent", "agent_id", a.ID, "error", err)
			}
			return nil
		case <-ticker.C:
			if err := h.Beat(ctx); err != nil && ctx.Err() == nil {
				h.registry.logger.Warn("Agent heartbeat failed", "agent_id", h.agent.ID, "error", err)
			}
		}
	}
}
