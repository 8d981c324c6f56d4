package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/reliability"
)

const (
	defaultConflictRetries = 1
	defaultLockTTL         = 10 * time.Second
)

// Hook is called after a transition is committed. prev is the state the
// event was applied to and next the stored result.
type Hook func(ctx context.Context, prev, next *Workflow, ev Event)

// Engine binds Transition to a Store. Every accepted event is committed
// with a compare-and-swap on the workflow version.
type Engine struct {
	defs            Definitions
	store           Store
	events          EventLog
	locks           kv.Store
	lockTTL         time.Duration
	conflictRetries int
	hooks           []Hook
	metrics         *metrics.Collector
	logger          *slog.Logger
	now             func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithEventLog records every accepted transition.
func WithEventLog(log EventLog) Option {
	return func(e *Engine) { e.events = log }
}

// WithLocks serializes Apply per workflow with a short-lived KV lock. The
// lock narrows contention; the version check still decides every write.
func WithLocks(store kv.Store, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locks = store
		if ttl > 0 {
			e.lockTTL = ttl
		}
	}
}

// WithConflictRetries sets how many times Apply reloads after losing a
// version race before giving up.
func WithConflictRetries(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.conflictRetries = n
		}
	}
}

// WithHook registers fn to run after each committed transition.
func WithHook(fn Hook) Option {
	return func(e *Engine) { e.hooks = append(e.hooks, fn) }
}

// WithMetrics records transition counters.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine over store for the workflow types in defs.
func NewEngine(defs Definitions, store Store, opts ...Option) *Engine {
	e := &Engine{
		defs:            defs,
		store:           store,
		lockTTL:         defaultLockTTL,
		conflictRetries: defaultConflictRetries,
		logger:          slog.Default(),
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddHook registers fn after construction, for components that need the
// engine before they can hook into it.
func (e *Engine) AddHook(fn Hook) {
	e.hooks = append(e.hooks, fn)
}

// Definitions returns the workflow types the engine runs.
func (e *Engine) Definitions() Definitions {
	return e.defs
}

// Definition returns the definition for wf's type.
func (e *Engine) Definition(wf *Workflow) (Definition, error) {
	return e.defs.Lookup(wf.Type)
}

// Create stores a new initiated workflow. ID, trace and timestamps are
// filled in when empty.
func (e *Engine) Create(ctx context.Context, wf *Workflow) (*Workflow, error) {
	if _, err := e.defs.Lookup(wf.Type); err != nil {
		return nil, err
	}

	now := e.now()
	created := wf.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	if created.TraceID == "" {
		tr := envelope.NewTrace()
		created.TraceID = tr.TraceID
		created.CurrentSpanID = tr.SpanID
	}
	if created.Priority == "" {
		created.Priority = envelope.PriorityMedium
	}
	created.Status = StatusInitiated
	created.CurrentStage = ""
	created.ProgressPercentage = 0
	created.Version = 1
	created.CreatedAt = now
	created.UpdatedAt = now

	if err := e.store.CreateWorkflow(ctx, created); err != nil {
		return nil, fmt.Errorf("create workflow %s: %w", created.ID, err)
	}
	if e.metrics != nil {
		e.metrics.WorkflowsCreatedTotal.WithLabelValues(created.Type).Inc()
	}

	e.logger.Info("Workflow created",
		"workflow_id", created.ID,
		"type", created.Type,
		"trace_id", created.TraceID)
	return created, nil
}

// Get returns the stored workflow.
func (e *Engine) Get(ctx context.Context, id string) (*Workflow, error) {
	return e.store.GetWorkflow(ctx, id)
}

// Apply loads workflow id, applies ev and commits the result. When a
// concurrent writer wins the version race, Apply reloads and re-applies up
// to the configured bound, then returns *errs.ConcurrencyConflictError.
// Rejections from Transition match the package sentinels with errors.Is
// and leave the workflow untouched.
func (e *Engine) Apply(ctx context.Context, id string, ev Event) (*Workflow, error) {
	if e.locks != nil {
		lockCtx, cancel := context.WithTimeout(ctx, e.lockTTL)
		release, err := reliability.Lock(lockCtx, e.locks, reliability.LockKey("wf="+id), e.lockTTL)
		cancel()
		if err != nil {
			e.logger.Debug("Applying without workflow lock", "workflow_id", id, "error", err)
		} else {
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					e.logger.Warn("Failed to release workflow lock", "workflow_id", id, "error", err)
				}
			}()
		}
	}

	var lastVersion int64
	for attempt := 0; attempt <= e.conflictRetries; attempt++ {
		prev, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load workflow %s: %w", id, err)
		}
		lastVersion = prev.Version

		def, err := e.defs.Lookup(prev.Type)
		if err != nil {
			return nil, err
		}

		next, err := Transition(def, prev, ev, e.now())
		if err != nil {
			e.record(prev.Type, ev.Type, rejection(err))
			return nil, err
		}

		err = e.store.UpdateWorkflow(ctx, next, prev.Version)
		if errors.Is(err, ErrVersionConflict) {
			e.record(prev.Type, ev.Type, metrics.TransitionConflict)
			e.logger.Debug("Workflow version conflict, reloading",
				"workflow_id", id,
				"expected_version", prev.Version,
				"attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update workflow %s: %w", id, err)
		}

		e.record(prev.Type, ev.Type, metrics.TransitionApplied)
		e.logger.Debug("Workflow transition applied",
			"workflow_id", id,
			"event", ev.Type,
			"stage", ev.Stage,
			"from_status", prev.Status,
			"to_status", next.Status,
			"current_stage", next.CurrentStage,
			"version", next.Version)

		if e.events != nil {
			if err := e.events.AppendEvent(ctx, NewEventRecord(prev, next, ev)); err != nil {
				e.logger.Warn("Failed to append workflow event",
					"workflow_id", id,
					"version", next.Version,
					"error", err)
			}
		}
		for _, hook := range e.hooks {
			hook(ctx, prev, next, ev)
		}
		return next, nil
	}

	return nil, &errs.ConcurrencyConflictError{
		Key:             id,
		ExpectedVersion: lastVersion,
		Err:             ErrVersionConflict,
	}
}

func (e *Engine) record(workflowType string, ev EventType, result string) {
	if e.metrics == nil {
		return
	}
	e.metrics.TransitionsTotal.WithLabelValues(workflowType, string(ev), result).Inc()
}

func rejection(err error) string {
	if errors.Is(err, ErrStaleEvent) {
		return metrics.TransitionStale
	}
	return metrics.TransitionRejected
}

// IsIgnorable reports whether err is a rejection that callers acting on
// asynchronous results should treat as a no-op: a duplicate or late event,
// or any event on a finished workflow.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrTerminal)
}
