package workflow

import (
	"context"
	"time"
)

// Store persists workflow snapshots.
type Store interface {
	// CreateWorkflow inserts wf. It returns ErrExists when the id is taken.
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	// GetWorkflow returns ErrNotFound for an unknown id.
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// UpdateWorkflow replaces the stored workflow only if its version is
	// still expectedVersion, and returns ErrVersionConflict otherwise.
	UpdateWorkflow(ctx context.Context, wf *Workflow, expectedVersion int64) error
	// ListWorkflows returns workflows in any of statuses, or all of them
	// when none are given.
	ListWorkflows(ctx context.Context, statuses ...Status) ([]*Workflow, error)
}

// TaskStore persists dispatched tasks.
type TaskStore interface {
	// CreateTask inserts t. It returns ErrExists when the id is taken.
	CreateTask(ctx context.Context, t *Task) error
	// GetTask returns ErrNotFound for an unknown id.
	GetTask(ctx context.Context, id string) (*Task, error)
	// UpdateTask moves a task whose status is one of from to status to,
	// applying mutate to the loaded copy first. It returns ErrTaskStatus
	// when the stored status is not in from, including when a concurrent
	// writer moved it first.
	UpdateTask(ctx context.Context, id string, from []TaskStatus, to TaskStatus, mutate func(*Task)) (*Task, error)
	ListTasks(ctx context.Context, workflowID string) ([]*Task, error)
	ListTasksByStatus(ctx context.Context, status TaskStatus) ([]*Task, error)
}

// EventLog is the append-only transition audit log.
type EventLog interface {
	AppendEvent(ctx context.Context, rec *EventRecord) error
	// ListEvents returns a workflow's records in the order they were
	// appended.
	ListEvents(ctx context.Context, workflowID string) ([]*EventRecord, error)
}

// Repository bundles the persistence a running orchestrator needs.
type Repository interface {
	Store
	TaskStore
	EventLog
}

// hasStatus reports whether s is one of statuses.
func hasStatus[S comparable](s S, statuses []S) bool {
	for _, candidate := range statuses {
		if s == candidate {
			return true
		}
	}
	return false
}

// MatchStatus reports whether s is in statuses, treating none as all.
func MatchStatus(s Status, statuses []Status) bool {
	return len(statuses) == 0 || hasStatus(s, statuses)
}

// AllowsTask reports whether a task in status s may move under from.
func AllowsTask(s TaskStatus, from []TaskStatus) bool {
	return hasStatus(s, from)
}

// MarkTerminal returns a mutate func for UpdateTask that records completion.
func MarkTerminal(at time.Time, errorCode string) func(*Task) {
	return func(t *Task) {
		t.CompletedAt = &at
		t.ErrorCode = errorCode
	}
}
