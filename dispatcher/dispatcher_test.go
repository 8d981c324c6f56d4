package dispatcher_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/membus"
	"github.com/c360studio/semflow/contract"
	"github.com/c360studio/semflow/dispatcher"
	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/registry"
	"github.com/c360studio/semflow/storage/kvstore"
	"github.com/c360studio/semflow/workflow"
)

type fixture struct {
	engine     *workflow.Engine
	repo       *kvstore.Store
	bus        *membus.Bus
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memkv.New()
	repo := kvstore.New(store, nil)
	m := metrics.NewCollector()
	engine := workflow.NewEngine(workflow.DefaultDefinitions(), repo, workflow.WithEventLog(repo))
	b := membus.New(nil)
	d, err := dispatcher.New(engine, dispatcher.Deps{
		Bus:      b,
		KV:       store,
		Tasks:    repo,
		Registry: registry.New(store),
		Metrics:  m,
	}, 0)
	require.NoError(t, err)
	return &fixture{engine: engine, repo: repo, bus: b, dispatcher: d, metrics: m}
}

func (f *fixture) start(t *testing.T, wfType string) *workflow.Workflow {
	t.Helper()
	ctx := context.Background()
	wf, err := f.engine.Create(ctx, &workflow.Workflow{
		Type:         wfType,
		Name:         "hello-world-api",
		Requirements: "GET /hello returns 200",
	})
	require.NoError(t, err)
	wf, err = f.engine.Apply(ctx, wf.ID, workflow.Start())
	require.NoError(t, err)
	return wf
}

func TestStageEntryDispatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.start(t, workflow.TypeApp)

	published := f.bus.Mirrored(bus.TaskTopic("scaffold"))
	require.Len(t, published, 1)

	env, err := contract.MustNew().DecodeEnvelope(published[0])
	require.NoError(t, err)
	assert.Equal(t, wf.ID, env.WorkflowID)
	assert.Equal(t, "scaffold", env.AgentType)
	assert.Equal(t, workflow.StageInitialization, env.WorkflowContext.CurrentStage)
	assert.Equal(t, int64(60_000), env.Constraints.TimeoutMS)
	assert.Equal(t, 2, env.Constraints.MaxRetries)
	assert.Equal(t, wf.TraceID, env.Trace.TraceID)
	assert.Equal(t, wf.CurrentSpanID, env.Trace.ParentSpanID)
	assert.Contains(t, string(env.Payload), "GET /hello returns 200")

	tasks, err := f.repo.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, env.TaskID, task.ID)
	assert.Equal(t, env.MessageID, task.MessageID)
	assert.Equal(t, workflow.TaskStatusDispatched, task.Status)
	assert.NotNil(t, task.AssignedAt)
	assert.Equal(t, wf.Version, task.WorkflowVersion)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TasksDispatchedTotal.WithLabelValues("scaffold")))
}

func TestDispatchIsOncePerVersion(t *testing.T) {
	f := newFixture(t)
	wf := f.start(t, workflow.TypeBugfix)

	task, err := f.dispatcher.Dispatch(context.Background(), wf)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Len(t, f.bus.Mirrored(bus.TaskTopic("validator")), 1)
}

func TestActiveTaskBlocksRedispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.start(t, workflow.TypeBugfix)

	// A pause and resume re-enters the same stage at a new version.
	_, err := f.engine.Apply(ctx, wf.ID, workflow.Pause())
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, wf.ID, workflow.Resume())
	require.NoError(t, err)

	assert.Len(t, f.bus.Mirrored(bus.TaskTopic("validator")), 1)
	tasks, err := f.repo.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestNextStageDispatchedAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.start(t, workflow.TypeBugfix)

	tasks, err := f.repo.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	_, err = f.repo.UpdateTask(ctx, tasks[0].ID,
		[]workflow.TaskStatus{workflow.TaskStatusDispatched}, workflow.TaskStatusSucceeded,
		workflow.MarkTerminal(tasks[0].CreatedAt, ""))
	require.NoError(t, err)

	resultSpan := "00f067aa0ba902b7"
	wf, err = f.engine.Apply(ctx, wf.ID,
		workflow.StageComplete(workflow.StageValidation, []byte(`{"passed":true}`)).WithSpan(resultSpan))
	require.NoError(t, err)

	published := f.bus.Mirrored(bus.TaskTopic("e2e"))
	require.Len(t, published, 1)
	env, err := contract.MustNew().DecodeEnvelope(published[0])
	require.NoError(t, err)
	assert.Equal(t, resultSpan, env.Trace.ParentSpanID)
	assert.JSONEq(t, `{"passed":true}`, string(env.WorkflowContext.StageOutputs[workflow.StageValidation]))
	assert.Equal(t, workflow.StageE2ETesting, wf.CurrentStage)
}

func TestPausedAndCancelledWorkflowsAreNotDispatched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	wf, err := f.engine.Create(ctx, &workflow.Workflow{Type: workflow.TypeBugfix, Name: "fix"})
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, wf.ID, workflow.Pause())
	require.NoError(t, err)
	assert.Empty(t, f.bus.Mirrored(bus.TaskTopic("validator")))

	cancelled, err := f.engine.Apply(ctx, wf.ID, workflow.Cancel())
	require.NoError(t, err)
	task, err := f.dispatcher.Dispatch(ctx, cancelled)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Empty(t, f.bus.Mirrored(bus.TaskTopic("validator")))
}

func TestRepublishAbandonsTaskForLeftStage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.start(t, workflow.TypeBugfix)

	stale := &workflow.Task{
		ID:         "task-stale",
		WorkflowID: wf.ID,
		AgentType:  "deployer",
		Stage:      workflow.StageDeployment,
		Status:     workflow.TaskStatusPending,
		MessageID:  "msg-stale",
		TraceID:    wf.TraceID,
		SpanID:     "00f067aa0ba902b8",
	}
	require.NoError(t, f.repo.CreateTask(ctx, stale))

	require.NoError(t, f.dispatcher.Republish(ctx, stale))
	got, err := f.repo.GetTask(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusFailed, got.Status)
	assert.Equal(t, dispatcher.ErrorCodeAbandoned, got.ErrorCode)
	assert.Empty(t, f.bus.Mirrored(bus.TaskTopic("deployer")))
}

func TestRepublishPendingTaskKeepsMessageID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wf := f.start(t, workflow.TypeBugfix)

	tasks, err := f.repo.ListTasks(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	original := tasks[0]
	_, err = f.repo.UpdateTask(ctx, original.ID,
		[]workflow.TaskStatus{workflow.TaskStatusDispatched}, workflow.TaskStatusFailed,
		workflow.MarkTerminal(original.CreatedAt, "TEST"))
	require.NoError(t, err)

	// A task created but never published, as after a crash.
	pending := *original
	pending.ID = "task-pending"
	pending.Status = workflow.TaskStatusPending
	pending.AssignedAt = nil
	require.NoError(t, f.repo.CreateTask(ctx, &pending))

	require.NoError(t, f.dispatcher.Republish(ctx, &pending))
	published := f.bus.Mirrored(bus.TaskTopic("validator"))
	require.Len(t, published, 2)
	env, err := contract.MustNew().DecodeEnvelope(published[1])
	require.NoError(t, err)
	assert.Equal(t, pending.MessageID, env.MessageID)
	assert.Equal(t, "task-pending", env.TaskID)

	got, err := f.repo.GetTask(ctx, "task-pending")
	require.NoError(t, err)
	assert.Equal(t, workflow.TaskStatusDispatched, got.Status)
}

func TestEntersStage(t *testing.T) {
	running := &workflow.Workflow{Status: workflow.StatusRunning, CurrentStage: "a"}
	tests := []struct {
		name       string
		prev, next *workflow.Workflow
		want       bool
	}{
		{"start", &workflow.Workflow{Status: workflow.StatusInitiated}, running, true},
		{"advance", running, &workflow.Workflow{Status: workflow.StatusRunning, CurrentStage: "b"}, true},
		{"resume", &workflow.Workflow{Status: workflow.StatusPaused, CurrentStage: "a"}, running, true},
		{"pause", running, &workflow.Workflow{Status: workflow.StatusPaused, CurrentStage: "a"}, false},
		{"complete", running, &workflow.Workflow{Status: workflow.StatusCompleted, CurrentStage: "a"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dispatcher.EntersStage(tt.prev, tt.next))
		})
	}
}
