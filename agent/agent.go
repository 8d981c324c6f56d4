// Package agent runs a pluggable Executor behind the coordinator loop: it
// consumes agent:{type}:tasks, executes each task at most once, and
// publishes a result to orchestrator:results.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/contract"
	"github.com/c360studio/semflow/coordinator"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/registry"
	"github.com/c360studio/semflow/reliability"
)

// Executor does the work of one task. Returning *errs.AgentExecutionError
// controls the reported code and whether the attempt is retried.
type Executor interface {
	Execute(ctx context.Context, task *envelope.Envelope) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task *envelope.Envelope) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, task *envelope.Envelope) (json.RawMessage, error) {
	return f(ctx, task)
}

// Config configures a Runner.
type Config struct {
	AgentType string
	// AgentID identifies this process in the registry. Generated when empty.
	AgentID           string
	Version           string
	Concurrency       int
	Retry             reliability.Policy
	IdempotencyTTL    time.Duration
	DrainTimeout      time.Duration
	HeartbeatInterval time.Duration
	Health            registry.HealthConfig
	MaxDeliver        int
	AckWait           time.Duration
}

// Deps holds the collaborators of a Runner. Registry is optional.
type Deps struct {
	Bus         bus.Bus
	KV          kv.Store
	Validator   *contract.Validator
	Registry    *registry.Registry
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	DeadLetters coordinator.DeadLetterSink
}

// Runner is one agent process.
type Runner struct {
	cfg       Config
	executor  Executor
	logger    *slog.Logger
	loop      *coordinator.Coordinator[*envelope.Envelope]
	heartbeat *registry.Heartbeat

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the coordinator name for an agent type.
func Name(agentType string) string {
	return "agent-" + agentType
}

// New creates a Runner for cfg.AgentType.
func New(cfg Config, deps Deps, executor Executor) (*Runner, error) {
	if cfg.AgentType == "" {
		return nil, fmt.Errorf("agent type required")
	}
	if executor == nil {
		return nil, fmt.Errorf("agent %s: executor required", cfg.AgentType)
	}
	if cfg.AgentID == "" {
		cfg.AgentID = fmt.Sprintf("%s-%s", cfg.AgentType, uuid.New().String()[:8])
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	validator := deps.Validator
	if validator == nil {
		v, err := contract.New()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", cfg.AgentType, err)
		}
		validator = v
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_type", cfg.AgentType, "agent_id", cfg.AgentID)

	r := &Runner{
		cfg:      cfg,
		executor: executor,
		logger:   logger,
	}
	if deps.Registry != nil {
		host, _ := os.Hostname()
		r.heartbeat = registry.NewHeartbeat(deps.Registry, registry.Agent{
			ID:        cfg.AgentID,
			AgentType: cfg.AgentType,
			Host:      host,
			Version:   cfg.Version,
		}, cfg.Health)
	}

	decode := func(data []byte) (*envelope.Envelope, error) {
		env, err := validator.DecodeEnvelope(data)
		if err != nil {
			return nil, err
		}
		if env.AgentType != cfg.AgentType {
			return nil, errs.NewValidationError("agent_type",
				fmt.Sprintf("task for %q delivered to %q", env.AgentType, cfg.AgentType))
		}
		return env, nil
	}

	loop, err := coordinator.New[*envelope.Envelope](coordinator.Config{
		Name:           Name(cfg.AgentType),
		Topic:          bus.TaskTopic(cfg.AgentType),
		OutputTopic:    bus.TopicResults,
		ConsumerGroup:  Name(cfg.AgentType),
		ConsumerID:     cfg.AgentID,
		Concurrency:    cfg.Concurrency,
		Retry:          cfg.Retry,
		IdempotencyTTL: cfg.IdempotencyTTL,
		DrainTimeout:   cfg.DrainTimeout,
		MaxDeliver:     cfg.MaxDeliver,
		AckWait:        cfg.AckWait,
	}, coordinator.Deps{
		Bus:         deps.Bus,
		KV:          deps.KV,
		Logger:      logger,
		Metrics:     deps.Metrics,
		Tracer:      deps.Tracer,
		DeadLetters: deps.DeadLetters,
	}, decode, r.handle, r.respond)
	if err != nil {
		return nil, err
	}
	r.loop = loop
	return r, nil
}

// ID returns the agent id.
func (r *Runner) ID() string {
	return r.cfg.AgentID
}

// Stats returns the loop counters.
func (r *Runner) Stats() coordinator.Stats {
	return r.loop.Stats()
}

// Start registers the agent and starts consuming tasks.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return fmt.Errorf("agent %s already running", r.cfg.AgentID)
	}

	hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	if r.heartbeat != nil {
		if err := r.heartbeat.Beat(ctx); err != nil {
			cancel()
			return fmt.Errorf("register agent: %w", err)
		}
		go func() {
			defer close(done)
			if err := r.heartbeat.Run(hbCtx, r.cfg.HeartbeatInterval); err != nil {
				r.logger.Warn("Agent heartbeat stopped", "error", err)
			}
		}()
	} else {
		close(done)
	}

	if err := r.loop.Start(ctx); err != nil {
		cancel()
		<-done
		return err
	}
	r.cancel = cancel
	r.done = done

	r.logger.Info("Agent started", "topic", bus.TaskTopic(r.cfg.AgentType))
	return nil
}

// Stop drains the loop, then deregisters.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	err := r.loop.Stop(ctx)
	cancel()
	<-done
	r.logger.Info("Agent stopped", "stats", r.loop.Stats())
	return err
}

func (r *Runner) handle(ctx context.Context, task *envelope.Envelope, attempt int) (json.RawMessage, error) {
	r.logger.Debug("Executing task",
		"task_id", task.TaskID,
		"workflow_id", task.WorkflowID,
		"stage", task.WorkflowContext.CurrentStage,
		"attempt", attempt)
	return r.executor.Execute(ctx, task)
}

// respond builds the result for task. The result continues the task's
// trace, so its span becomes the parent of the next stage.
func (r *Runner) respond(task *envelope.Envelope, out coordinator.Outcome) *envelope.Result {
	res := envelope.NewResult(task, r.cfg.AgentID)
	res.Metrics = envelope.ResultMetrics{
		DurationMS: out.Duration.Milliseconds(),
		Attempts:   out.Attempts,
	}
	if out.Err == nil {
		res.Data = out.Data
		if r.heartbeat != nil {
			r.heartbeat.MarkSuccess()
		}
		return res
	}

	if r.heartbeat != nil {
		r.heartbeat.MarkFailure()
	}
	message := out.Err.Error()
	var agentErr *errs.AgentExecutionError
	if errors.As(out.Err, &agentErr) && agentErr.Message != "" {
		message = agentErr.Message
	}
	return res.Fail(errs.Code(out.Err), message, false)
}
