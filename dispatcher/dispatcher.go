// Package dispatcher turns stage entry into work: when a workflow enters a
// stage it records a Task, publishes the task envelope to the stage's agent
// topic and marks the task dispatched.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/observability"
	"github.com/c360studio/semflow/registry"
	"github.com/c360studio/semflow/reliability"
	"github.com/c360studio/semflow/workflow"
)

// CreatedBy is stamped on every envelope the dispatcher publishes.
const CreatedBy = "orchestrator"

// ClaimLease is how long a dispatch claim outlives a dispatcher that died
// while holding it. The deadline sweeper can redispatch after that.
const ClaimLease = 10 * time.Second

// ErrorCodeAbandoned marks a pending task whose stage the workflow has
// already left.
const ErrorCodeAbandoned = "ABANDONED"

// Payload is the task payload sent to agents.
type Payload struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	Requirements string `json:"requirements,omitempty"`
	RetryOf      string `json:"retry_of,omitempty"`
}

// Deps holds the collaborators of a Dispatcher. Registry, Metrics and
// Tracer are optional.
type Deps struct {
	Bus      bus.Bus
	KV       kv.Store
	Tasks    workflow.TaskStore
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Collector
	Tracer   trace.Tracer
}

// Dispatcher publishes stage tasks.
type Dispatcher struct {
	engine   *workflow.Engine
	bus      bus.Bus
	kv       kv.Store
	tasks    workflow.TaskStore
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Collector
	tracer   trace.Tracer
	ttl      time.Duration
	now      func() time.Time
}

// New creates a Dispatcher and hooks it into engine, so every transition
// that enters a stage of a running workflow dispatches that stage.
func New(engine *workflow.Engine, deps Deps, idempotencyTTL time.Duration) (*Dispatcher, error) {
	if engine == nil || deps.Bus == nil || deps.KV == nil || deps.Tasks == nil {
		return nil, fmt.Errorf("dispatcher: engine, bus, kv and task store required")
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	d := &Dispatcher{
		engine:   engine,
		bus:      deps.Bus,
		kv:       deps.KV,
		tasks:    deps.Tasks,
		registry: deps.Registry,
		logger:   logger.With("component", "dispatcher"),
		metrics:  deps.Metrics,
		tracer:   tracer,
		ttl:      idempotencyTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}
	engine.AddHook(d.onTransition)
	return d, nil
}

// EntersStage reports whether the move from prev to next enters a stage
// that needs dispatching.
func EntersStage(prev, next *workflow.Workflow) bool {
	if next.Status != workflow.StatusRunning || next.CurrentStage == "" {
		return false
	}
	return prev.Status != workflow.StatusRunning || prev.CurrentStage != next.CurrentStage
}

func (d *Dispatcher) onTransition(ctx context.Context, prev, next *workflow.Workflow, _ workflow.Event) {
	if !EntersStage(prev, next) {
		return
	}
	if _, err := d.Dispatch(ctx, next); err != nil {
		// The sweeper redispatches stages left without a task.
		d.logger.Error("Failed to dispatch stage",
			"workflow_id", next.ID,
			"stage", next.CurrentStage,
			"version", next.Version,
			"error", err)
	}
}

// Dispatch publishes the task for wf's current stage. It runs at most once
// per workflow, stage and version, and does nothing when the stage already
// has a task in flight. It returns the task, or nil when nothing was sent.
func (d *Dispatcher) Dispatch(ctx context.Context, wf *workflow.Workflow) (*workflow.Task, error) {
	if wf.Status != workflow.StatusRunning {
		d.logger.Debug("Skipping dispatch for workflow that is not running",
			"workflow_id", wf.ID,
			"status", wf.Status)
		return nil, nil
	}
	def, err := d.engine.Definition(wf)
	if err != nil {
		return nil, err
	}
	stage, ok := def.Stage(wf.CurrentStage)
	if !ok {
		return nil, fmt.Errorf("%w: stage %s is not part of %s", workflow.ErrInvalidEvent, wf.CurrentStage, wf.Type)
	}

	var task *workflow.Task
	_, err = reliability.OnceWithLease(ctx, d.kv, ClaimKey(wf), ClaimLease, d.ttl, func(ctx context.Context) error {
		active, err := d.activeTask(ctx, wf.ID, stage.Name)
		if err != nil {
			return err
		}
		switch {
		case active == nil:
			task, err = d.dispatchNew(ctx, wf, stage)
		case active.Status == workflow.TaskStatusPending:
			task, err = active, d.publish(ctx, wf, active)
		default:
			d.logger.Debug("Stage already has a task in flight",
				"workflow_id", wf.ID,
				"stage", stage.Name,
				"task_id", active.ID)
		}
		return err
	})
	return task, err
}

// ClaimKey returns the idempotency key guarding dispatch of wf's current
// stage at its current version.
func ClaimKey(wf *workflow.Workflow) string {
	return reliability.IdempotencyKey("dispatch", wf.ID+"="+wf.CurrentStage+"="+strconv.FormatInt(wf.Version, 10))
}

// activeTask returns the non-terminal task for stage, if any.
func (d *Dispatcher) activeTask(ctx context.Context, workflowID, stage string) (*workflow.Task, error) {
	tasks, err := d.tasks.ListTasks(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, t := range tasks {
		if t.Stage == stage && !t.Status.IsTerminal() {
			return t, nil
		}
	}
	return nil, nil
}

func (d *Dispatcher) dispatchNew(ctx context.Context, wf *workflow.Workflow, stage workflow.Stage) (*workflow.Task, error) {
	tr := wf.Trace().Child()
	task := &workflow.Task{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		AgentType:       stage.AgentType,
		Stage:           stage.Name,
		Status:          workflow.TaskStatusPending,
		MessageID:       envelope.NewMessageID(),
		TimeoutMS:       stage.TimeoutMS,
		TraceID:         tr.TraceID,
		SpanID:          tr.SpanID,
		ParentSpanID:    tr.ParentSpanID,
		WorkflowVersion: wf.Version,
		CreatedAt:       d.now(),
	}
	if err := d.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := d.publish(ctx, wf, task); err != nil {
		return task, err
	}
	return task, nil
}

// Republish sends a pending task again, or abandons it when its workflow
// has moved past the task's stage.
func (d *Dispatcher) Republish(ctx context.Context, task *workflow.Task) error {
	wf, err := d.engine.Get(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() || wf.CurrentStage != task.Stage {
		_, err := d.tasks.UpdateTask(ctx, task.ID,
			[]workflow.TaskStatus{workflow.TaskStatusPending},
			workflow.TaskStatusFailed,
			workflow.MarkTerminal(d.now(), ErrorCodeAbandoned))
		if err != nil && !errors.Is(err, workflow.ErrTaskStatus) {
			return fmt.Errorf("abandon task %s: %w", task.ID, err)
		}
		d.logger.Info("Abandoned pending task",
			"workflow_id", wf.ID,
			"task_id", task.ID,
			"stage", task.Stage,
			"workflow_status", wf.Status)
		return nil
	}
	if wf.Status != workflow.StatusRunning {
		return nil
	}
	return d.publish(ctx, wf, task)
}

// publish sends task and marks it dispatched.
func (d *Dispatcher) publish(ctx context.Context, wf *workflow.Workflow, task *workflow.Task) error {
	env, err := d.Envelope(wf, task)
	if err != nil {
		return err
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			observability.AttrWorkflowID.String(wf.ID),
			observability.AttrTaskID.String(task.ID),
			observability.AttrAgentType.String(task.AgentType),
			observability.AttrStage.String(task.Stage),
		))
	defer span.End()

	if d.registry != nil {
		live, err := d.registry.HasLive(ctx, task.AgentType)
		switch {
		case err != nil:
			d.logger.Warn("Agent registry lookup failed", "agent_type", task.AgentType, "error", err)
		case !live:
			d.logger.Warn("No live agent for stage, task will wait on the topic",
				"workflow_id", wf.ID,
				"stage", task.Stage,
				"agent_type", task.AgentType)
		}
	}

	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, bus.TaskTopic(task.AgentType), data,
		bus.WithStreamMirror(),
		bus.WithMessageID(env.MessageID),
		bus.WithPartitionKey(wf.ID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}

	assigned := d.now()
	_, err = d.tasks.UpdateTask(ctx, task.ID,
		[]workflow.TaskStatus{workflow.TaskStatusPending},
		workflow.TaskStatusDispatched,
		func(t *workflow.Task) { t.AssignedAt = &assigned })
	if errors.Is(err, workflow.ErrTaskStatus) {
		// The agent answered before we got here.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("mark task %s dispatched: %w", task.ID, err)
	}

	if d.metrics != nil {
		d.metrics.TasksDispatchedTotal.WithLabelValues(task.AgentType).Inc()
	}
	d.logger.Info("Task dispatched",
		"workflow_id", wf.ID,
		"task_id", task.ID,
		"stage", task.Stage,
		"agent_type", task.AgentType,
		"trace_id", task.TraceID)
	return nil
}

// Envelope builds the task envelope for task from the workflow's current
// state. Republishing the same task yields the same message id.
func (d *Dispatcher) Envelope(wf *workflow.Workflow, task *workflow.Task) (*envelope.Envelope, error) {
	def, err := d.engine.Definition(wf)
	if err != nil {
		return nil, err
	}
	stage, ok := def.Stage(task.Stage)
	if !ok {
		return nil, fmt.Errorf("%w: stage %s is not part of %s", workflow.ErrInvalidEvent, task.Stage, wf.Type)
	}

	payload, err := json.Marshal(Payload{
		Name:         wf.Name,
		Description:  wf.Description,
		Requirements: wf.Requirements,
		RetryOf:      wf.RetryOf,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	outputs := make(map[string]json.RawMessage, len(wf.StageOutputs))
	for k, v := range wf.StageOutputs {
		outputs[k] = v
	}

	return &envelope.Envelope{
		MessageID:  task.MessageID,
		TaskID:     task.ID,
		WorkflowID: wf.ID,
		AgentType:  task.AgentType,
		Priority:   wf.Priority,
		Status:     envelope.TaskStatusDispatched,
		Constraints: envelope.Constraints{
			TimeoutMS:  stage.TimeoutMS,
			MaxRetries: stage.MaxRetries,
		},
		Metadata: envelope.NewMetadata(CreatedBy),
		Trace: envelope.Trace{
			TraceID:      task.TraceID,
			SpanID:       task.SpanID,
			ParentSpanID: task.ParentSpanID,
		},
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: wf.Type,
			WorkflowName: wf.Name,
			CurrentStage: task.Stage,
			StageOutputs: outputs,
		},
		Payload: payload,
	}, nil
}
