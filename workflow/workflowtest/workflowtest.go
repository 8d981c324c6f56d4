// Package workflowtest holds the behaviour every workflow.Repository
// adapter must share. Adapter test files call Run with a constructor for a
// fresh, empty repository.
package workflowtest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/workflow"
)

// NewWorkflow returns an initiated app workflow at version 1.
func NewWorkflow(created time.Time) *workflow.Workflow {
	tr := envelope.NewTrace()
	return &workflow.Workflow{
		ID:            uuid.New().String(),
		Type:          workflow.TypeApp,
		Name:          "hello-world-api",
		Priority:      envelope.PriorityMedium,
		Status:        workflow.StatusInitiated,
		StageOutputs:  map[string]json.RawMessage{},
		Version:       1,
		TraceID:       tr.TraceID,
		CurrentSpanID: tr.SpanID,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

// NewTask returns a pending task for wf's stage.
func NewTask(wf *workflow.Workflow, stage string, created time.Time) *workflow.Task {
	return &workflow.Task{
		ID:              uuid.New().String(),
		WorkflowID:      wf.ID,
		AgentType:       workflow.StageAgents[stage],
		Stage:           stage,
		Status:          workflow.TaskStatusPending,
		MessageID:       envelope.NewMessageID(),
		TimeoutMS:       60_000,
		TraceID:         wf.TraceID,
		SpanID:          "00f067aa0ba902b7",
		WorkflowVersion: wf.Version,
		CreatedAt:       created,
	}
}

// Run exercises repository semantics against repositories built by newRepo.
func Run(t *testing.T, newRepo func(t *testing.T) workflow.Repository) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("create and get workflow", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		wf.StageOutputs["initialization"] = json.RawMessage(`{"ok":true}`)
		require.NoError(t, r.CreateWorkflow(ctx, wf))

		got, err := r.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, wf.ID, got.ID)
		assert.Equal(t, wf.TraceID, got.TraceID)
		assert.Equal(t, workflow.StatusInitiated, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.JSONEq(t, `{"ok":true}`, string(got.StageOutputs["initialization"]))
		assert.True(t, wf.CreatedAt.Equal(got.CreatedAt))
	})

	t.Run("create duplicate workflow", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, wf))
		assert.ErrorIs(t, r.CreateWorkflow(ctx, wf), workflow.ErrExists)
	})

	t.Run("get missing workflow", func(t *testing.T) {
		r := newRepo(t)
		_, err := r.GetWorkflow(ctx, uuid.New().String())
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("update checks version", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, wf))

		next := wf.Clone()
		next.Status = workflow.StatusRunning
		next.CurrentStage = workflow.StageInitialization
		next.Version = 2
		require.NoError(t, r.UpdateWorkflow(ctx, next, 1))

		stale := wf.Clone()
		stale.Status = workflow.StatusCancelled
		stale.Version = 2
		assert.ErrorIs(t, r.UpdateWorkflow(ctx, stale, 1), workflow.ErrVersionConflict)

		got, err := r.GetWorkflow(ctx, wf.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusRunning, got.Status)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("concurrent updates have one winner", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, wf))

		const writers = 8
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				next := wf.Clone()
				next.Version = 2
				if err := r.UpdateWorkflow(ctx, next, 1); err == nil {
					wins.Add(1)
				} else {
					assert.ErrorIs(t, err, workflow.ErrVersionConflict)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("list workflows by status", func(t *testing.T) {
		r := newRepo(t)
		running := NewWorkflow(base)
		running.Status = workflow.StatusRunning
		paused := NewWorkflow(base.Add(time.Minute))
		paused.Status = workflow.StatusPaused
		done := NewWorkflow(base.Add(2 * time.Minute))
		done.Status = workflow.StatusCompleted
		for _, wf := range []*workflow.Workflow{running, paused, done} {
			require.NoError(t, r.CreateWorkflow(ctx, wf))
		}

		all, err := r.ListWorkflows(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		active, err := r.ListWorkflows(ctx, workflow.StatusRunning, workflow.StatusPaused)
		require.NoError(t, err)
		ids := []string{}
		for _, wf := range active {
			ids = append(ids, wf.ID)
		}
		assert.ElementsMatch(t, []string{running.ID, paused.ID}, ids)
	})

	t.Run("task lifecycle", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, wf))

		task := NewTask(wf, workflow.StageInitialization, base)
		require.NoError(t, r.CreateTask(ctx, task))
		assert.ErrorIs(t, r.CreateTask(ctx, task), workflow.ErrExists)

		assigned := base.Add(time.Second)
		got, err := r.UpdateTask(ctx, task.ID,
			[]workflow.TaskStatus{workflow.TaskStatusPending},
			workflow.TaskStatusDispatched,
			func(t *workflow.Task) { t.AssignedAt = &assigned })
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusDispatched, got.Status)

		_, err = r.UpdateTask(ctx, task.ID,
			[]workflow.TaskStatus{workflow.TaskStatusPending},
			workflow.TaskStatusDispatched, nil)
		assert.ErrorIs(t, err, workflow.ErrTaskStatus)

		_, err = r.UpdateTask(ctx, task.ID,
			[]workflow.TaskStatus{workflow.TaskStatusPending, workflow.TaskStatusDispatched},
			workflow.TaskStatusFailed,
			workflow.MarkTerminal(base.Add(2*time.Second), "TIMEOUT"))
		require.NoError(t, err)

		stored, err := r.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, workflow.TaskStatusFailed, stored.Status)
		assert.Equal(t, "TIMEOUT", stored.ErrorCode)
		require.NotNil(t, stored.AssignedAt)
		require.NotNil(t, stored.CompletedAt)
		assert.True(t, assigned.Equal(*stored.AssignedAt))

		_, err = r.GetTask(ctx, uuid.New().String())
		assert.ErrorIs(t, err, workflow.ErrNotFound)
		_, err = r.UpdateTask(ctx, uuid.New().String(), nil, workflow.TaskStatusFailed, nil)
		assert.ErrorIs(t, err, workflow.ErrNotFound)
	})

	t.Run("list tasks", func(t *testing.T) {
		r := newRepo(t)
		a := NewWorkflow(base)
		b := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, a))
		require.NoError(t, r.CreateWorkflow(ctx, b))

		first := NewTask(a, workflow.StageInitialization, base)
		second := NewTask(a, workflow.StageScaffolding, base.Add(time.Minute))
		other := NewTask(b, workflow.StageInitialization, base)
		for _, task := range []*workflow.Task{second, first, other} {
			require.NoError(t, r.CreateTask(ctx, task))
		}
		_, err := r.UpdateTask(ctx, other.ID,
			[]workflow.TaskStatus{workflow.TaskStatusPending}, workflow.TaskStatusDispatched, nil)
		require.NoError(t, err)

		tasks, err := r.ListTasks(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, first.ID, tasks[0].ID)
		assert.Equal(t, second.ID, tasks[1].ID)

		pending, err := r.ListTasksByStatus(ctx, workflow.TaskStatusPending)
		require.NoError(t, err)
		assert.Len(t, pending, 2)

		dispatched, err := r.ListTasksByStatus(ctx, workflow.TaskStatusDispatched)
		require.NoError(t, err)
		require.Len(t, dispatched, 1)
		assert.Equal(t, other.ID, dispatched[0].ID)
	})

	t.Run("events keep append order", func(t *testing.T) {
		r := newRepo(t)
		wf := NewWorkflow(base)
		require.NoError(t, r.CreateWorkflow(ctx, wf))

		types := []workflow.EventType{
			workflow.EventStart,
			workflow.EventStageComplete,
			workflow.EventPause,
			workflow.EventResume,
			workflow.EventCancel,
		}
		for i, et := range types {
			require.NoError(t, r.AppendEvent(ctx, &workflow.EventRecord{
				WorkflowID: wf.ID,
				Type:       et,
				Version:    int64(i + 2),
				TraceID:    wf.TraceID,
				OccurredAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		events, err := r.ListEvents(ctx, wf.ID)
		require.NoError(t, err)
		require.Len(t, events, len(types))
		for i, rec := range events {
			assert.Equal(t, types[i], rec.Type)
			assert.Equal(t, int64(i+2), rec.Version)
		}

		none, err := r.ListEvents(ctx, uuid.New().String())
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
