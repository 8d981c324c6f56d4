// Package workflow provides the Semflow workflow state machine: fixed stage
// sequences per workflow type, a pure transition function, and an Engine
// that binds transitions to persistence with optimistic concurrency.
package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/c360studio/semflow/envelope"
)

// Status represents the lifecycle state of a workflow.
type Status string

const (
	// StatusInitiated indicates the workflow was created but not started.
	StatusInitiated Status = "initiated"
	// StatusRunning indicates a stage is in progress.
	StatusRunning Status = "running"
	// StatusPaused indicates an operator paused the workflow.
	StatusPaused Status = "paused"
	// StatusCompleted indicates every stage completed.
	StatusCompleted Status = "completed"
	// StatusFailed indicates a stage failed without continue_on_failure.
	StatusFailed Status = "failed"
	// StatusCancelled indicates an operator cancelled the workflow.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a valid workflow status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitiated, StatusRunning, StatusPaused,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for states that accept no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns true if the status can move to target.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusInitiated:
		return target == StatusRunning || target == StatusPaused || target == StatusCancelled
	case StatusRunning:
		return target == StatusRunning || target == StatusPaused || target == StatusCompleted ||
			target == StatusFailed || target == StatusCancelled
	case StatusPaused:
		// A stage result arriving while paused still advances the stage.
		return target == StatusPaused || target == StatusRunning || target == StatusInitiated ||
			target == StatusCompleted || target == StatusFailed || target == StatusCancelled
	default:
		return false
	}
}

// Errors returned by Transition and the Engine.
var (
	// ErrNotFound is returned when a workflow or task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a record whose id is taken.
	ErrExists = errors.New("workflow already exists")
	// ErrVersionConflict is returned by a store when the expected version
	// no longer matches.
	ErrVersionConflict = errors.New("workflow version conflict")
	// ErrTaskStatus is returned when a task is not in an expected status.
	ErrTaskStatus = errors.New("task status mismatch")
	// ErrUnknownType is returned for a workflow type with no definition.
	ErrUnknownType = errors.New("unknown workflow type")

	// ErrOutOfOrder rejects an event for a stage the workflow has not
	// reached. The workflow is not mutated.
	ErrOutOfOrder = errors.New("event out of order")
	// ErrStaleEvent rejects an event for a stage already passed, or an
	// operator command that is already in effect. Callers treat it as a
	// no-op.
	ErrStaleEvent = errors.New("stale event")
	// ErrTerminal rejects any event on a completed, failed or cancelled
	// workflow.
	ErrTerminal = errors.New("workflow is terminal")
	// ErrInvalidEvent rejects an event that can never apply, such as an
	// unknown stage or RESUME on a workflow that is not paused.
	ErrInvalidEvent = errors.New("invalid event")
)

// Workflow is one pipeline run.
type Workflow struct {
	ID                 string                     `json:"id"`
	Type               string                     `json:"type"`
	Name               string                     `json:"name"`
	Description        string                     `json:"description,omitempty"`
	Requirements       string                     `json:"requirements,omitempty"`
	Priority           envelope.Priority          `json:"priority"`
	CurrentStage       string                     `json:"current_stage"`
	Status             Status                     `json:"status"`
	ProgressPercentage int                        `json:"progress_percentage"`
	StageOutputs       map[string]json.RawMessage `json:"stage_outputs"`
	Version            int64                      `json:"version"`
	TraceID            string                     `json:"trace_id"`
	CurrentSpanID      string                     `json:"current_span_id"`
	ErrorCode          string                     `json:"error_code,omitempty"`
	PausedFrom         Status                     `json:"paused_from,omitempty"`
	RetryOf            string                     `json:"retry_of,omitempty"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy of w.
func (w *Workflow) Clone() *Workflow {
	c := *w
	c.StageOutputs = make(map[string]json.RawMessage, len(w.StageOutputs))
	for k, v := range w.StageOutputs {
		c.StageOutputs[k] = append(json.RawMessage(nil), v...)
	}
	return &c
}

// Trace returns the trace position of the workflow: the trace it belongs to
// and the span that caused its current state.
func (w *Workflow) Trace() envelope.Trace {
	return envelope.Trace{TraceID: w.TraceID, SpanID: w.CurrentSpanID}
}

// TaskStatus is the status of a dispatched unit of work.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusSucceeded  TaskStatus = "succeeded"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true once the task has a result.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// Task records one dispatch of a stage to an agent. It is kept after it
// reaches a terminal status.
type Task struct {
	ID           string     `json:"task_id"`
	WorkflowID   string     `json:"workflow_id"`
	AgentType    string     `json:"agent_type"`
	Stage        string     `json:"stage"`
	Status       TaskStatus `json:"status"`
	MessageID    string     `json:"message_id"`
	TimeoutMS    int64      `json:"timeout_ms"`
	TraceID      string     `json:"trace_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	// WorkflowVersion is the workflow version the task was dispatched at.
	WorkflowVersion int64      `json:"workflow_version"`
	CreatedAt       time.Time  `json:"created_at"`
	AssignedAt      *time.Time `json:"assigned_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ErrorCode       string     `json:"error_code,omitempty"`
}

// Deadline returns when a dispatched task times out, or false if it has no
// timeout or was never assigned.
func (t *Task) Deadline() (time.Time, bool) {
	if t.AssignedAt == nil || t.TimeoutMS <= 0 {
		return time.Time{}, false
	}
	return t.AssignedAt.Add(time.Duration(t.TimeoutMS) * time.Millisecond), true
}

// EventRecord is one row of the append-only audit log, written for every
// accepted transition.
type EventRecord struct {
	WorkflowID string          `json:"workflow_id"`
	Type       EventType       `json:"event_type"`
	Stage      string          `json:"stage,omitempty"`
	FromStatus Status          `json:"from_status"`
	ToStatus   Status          `json:"to_status"`
	FromStage  string          `json:"from_stage,omitempty"`
	ToStage    string          `json:"to_stage,omitempty"`
	Version    int64           `json:"version"`
	TraceID    string          `json:"trace_id"`
	SpanID     string          `json:"span_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

// NewEventRecord describes the transition from prev to next caused by ev.
func NewEventRecord(prev, next *Workflow, ev Event) *EventRecord {
	rec := &EventRecord{
		WorkflowID: next.ID,
		Type:       ev.Type,
		Stage:      ev.Stage,
		FromStatus: prev.Status,
		ToStatus:   next.Status,
		FromStage:  prev.CurrentStage,
		ToStage:    next.CurrentStage,
		Version:    next.Version,
		TraceID:    next.TraceID,
		SpanID:     ev.SpanID,
		OccurredAt: next.UpdatedAt,
	}
	if ev.Error != nil {
		rec.Detail, _ = json.Marshal(map[string]any{"error": ev.Error})
	}
	return rec
}
