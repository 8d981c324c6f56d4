// Package reconciler folds agent results back into workflow state. It owns
// the single persistent subscription to orchestrator:results.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/contract"
	"github.com/c360studio/semflow/coordinator"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/reliability"
	"github.com/c360studio/semflow/workflow"
)

// Coordinator name and consumer group.
const (
	Name          = "reconciler"
	ConsumerGroup = "orchestrator-reconciler"
)

// Config configures a Reconciler.
type Config struct {
	ConsumerID     string
	Concurrency    int
	Retry          reliability.Policy
	IdempotencyTTL time.Duration
	DrainTimeout   time.Duration
	MaxDeliver     int
	AckWait        time.Duration
}

// Deps holds the collaborators of a Reconciler.
type Deps struct {
	Bus         bus.Bus
	KV          kv.Store
	Tasks       workflow.TaskStore
	Validator   *contract.Validator
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	DeadLetters coordinator.DeadLetterSink
}

// Reconciler applies results to tasks and workflows.
type Reconciler struct {
	engine *workflow.Engine
	tasks  workflow.TaskStore
	logger *slog.Logger
	loop   *coordinator.Coordinator[*envelope.Result]
	now    func() time.Time
}

// New creates a Reconciler over engine.
func New(cfg Config, deps Deps, engine *workflow.Engine) (*Reconciler, error) {
	if engine == nil || deps.Tasks == nil {
		return nil, fmt.Errorf("reconciler: engine and task store required")
	}
	validator := deps.Validator
	if validator == nil {
		v, err := contract.New()
		if err != nil {
			return nil, fmt.Errorf("reconciler: %w", err)
		}
		validator = v
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Reconciler{
		engine: engine,
		tasks:  deps.Tasks,
		logger: logger.With("component", Name),
		now:    func() time.Time { return time.Now().UTC() },
	}

	loop, err := coordinator.New[*envelope.Result](coordinator.Config{
		Name:           Name,
		Topic:          bus.TopicResults,
		ConsumerGroup:  ConsumerGroup,
		ConsumerID:     cfg.ConsumerID,
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
	}, validator.DecodeResult, r.handle, nil)
	if err != nil {
		return nil, err
	}
	r.loop = loop
	return r, nil
}

// Start subscribes to the results topic.
func (r *Reconciler) Start(ctx context.Context) error {
	return r.loop.Start(ctx)
}

// Stop drains in-flight results.
func (r *Reconciler) Stop(ctx context.Context) error {
	return r.loop.Stop(ctx)
}

// Stats returns the loop counters.
func (r *Reconciler) Stats() coordinator.Stats {
	return r.loop.Stats()
}

func (r *Reconciler) handle(ctx context.Context, res *envelope.Result, _ int) (json.RawMessage, error) {
	return nil, r.Reconcile(ctx, res)
}

// Reconcile applies one result. The workflow event is applied before the
// task is closed, so a retry after a partial failure finds the task still
// open and the event already recorded.
func (r *Reconciler) Reconcile(ctx context.Context, res *envelope.Result) error {
	task, err := r.tasks.GetTask(ctx, res.TaskID)
	if err != nil {
		// Not found is retried too: the dispatcher may not have committed
		// the task yet.
		return errs.NewTransientError("lookup task "+res.TaskID, err)
	}
	if task.WorkflowID != res.WorkflowID {
		return errs.NewValidationError("workflow_id",
			fmt.Sprintf("result for task %s names workflow %s, task belongs to %s", task.ID, res.WorkflowID, task.WorkflowID))
	}

	log := r.logger.With(
		"workflow_id", task.WorkflowID,
		"task_id", task.ID,
		"stage", task.Stage,
		"trace_id", res.Trace.TraceID)

	if task.Status.IsTerminal() {
		log.Debug("Ignoring result for closed task", "task_status", task.Status)
		return nil
	}

	var ev workflow.Event
	status := workflow.TaskStatusSucceeded
	code := ""
	if res.Status == envelope.ResultSuccess {
		ev = workflow.StageComplete(task.Stage, res.Data)
	} else {
		status = workflow.TaskStatusFailed
		first := res.FirstError()
		code = first.Code
		if code == "" {
			code = errs.CodeAgentExecution
		}
		ev = workflow.StageFailed(task.Stage, code, first.Message)
	}
	ev = ev.WithSpan(res.Trace.SpanID)

	wf, err := r.engine.Apply(ctx, task.WorkflowID, ev)
	switch {
	case err == nil:
		log.Info("Result applied",
			"result_status", res.Status,
			"workflow_status", wf.Status,
			"current_stage", wf.CurrentStage,
			"progress", wf.ProgressPercentage)
	case workflow.IsIgnorable(err):
		log.Debug("Result has no effect on workflow", "reason", err)
	case errors.Is(err, workflow.ErrNotFound):
		return errs.NewValidationError("workflow_id", err.Error())
	case errors.Is(err, workflow.ErrOutOfOrder), errors.Is(err, workflow.ErrInvalidEvent):
		return &errs.ValidationError{Field: "stage", Reason: "result does not fit workflow state", Err: err}
	default:
		return err
	}

	_, err = r.tasks.UpdateTask(ctx, task.ID,
		[]workflow.TaskStatus{workflow.TaskStatusPending, workflow.TaskStatusDispatched},
		status,
		workflow.MarkTerminal(r.now(), code))
	if errors.Is(err, workflow.ErrTaskStatus) {
		return nil
	}
	if err != nil {
		return errs.NewTransientError("close task "+task.ID, err)
	}
	return nil
}
