package control_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/control"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/storage/kvstore"
	"github.com/c360studio/semflow/workflow"
)

func newService(t *testing.T) (*control.Service, *workflow.Engine) {
	t.Helper()
	repo := kvstore.New(memkv.New(), nil)
	engine := workflow.NewEngine(workflow.DefaultDefinitions(), repo, workflow.WithEventLog(repo))
	return control.New(engine, repo, repo, nil), engine
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		req   control.CreateRequest
		field string
	}{
		{"missing name", control.CreateRequest{Type: workflow.TypeApp}, "name"},
		{"unknown type", control.CreateRequest{Type: "migration", Name: "x"}, "type"},
		{"unknown priority", control.CreateRequest{Type: workflow.TypeApp, Name: "x", Priority: "urgent"}, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			require.Error(t, err)
			var verr *errs.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateStartsWorkflow(t *testing.T) {
	svc, engine := newService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, control.CreateRequest{
		Type:         workflow.TypeApp,
		Name:         "hello-world-api",
		Requirements: "GET /hello",
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, resp.Status)
	assert.Equal(t, workflow.StageInitialization, resp.CurrentStage)

	wf, err := engine.Get(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, envelope.PriorityMedium, wf.Priority)

	snap, err := svc.Get(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, control.Snapshot{
		WorkflowID:   resp.WorkflowID,
		Type:         workflow.TypeApp,
		Name:         "hello-world-api",
		Status:       workflow.StatusRunning,
		CurrentStage: workflow.StageInitialization,
		UpdatedAt:    wf.UpdatedAt,
	}, *snap)

	_, err = svc.Get(ctx, "nope")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestPauseResumeCancel(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, control.CreateRequest{Type: workflow.TypeBugfix, Name: "fix"})
	require.NoError(t, err)

	snap, err := svc.Pause(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusPaused, snap.Status)

	_, err = svc.Pause(ctx, resp.WorkflowID)
	assert.ErrorIs(t, err, workflow.ErrStaleEvent)

	snap, err = svc.Resume(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusRunning, snap.Status)

	snap, err = svc.Cancel(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCancelled, snap.Status)

	_, err = svc.Resume(ctx, resp.WorkflowID)
	assert.ErrorIs(t, err, workflow.ErrTerminal)

	events, err := svc.Events(ctx, resp.WorkflowID)
	require.NoError(t, err)
	types := make([]workflow.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []workflow.EventType{
		workflow.EventStart, workflow.EventPause, workflow.EventResume, workflow.EventCancel,
	}, types)

	list, err := svc.List(ctx, workflow.StatusCancelled)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, resp.WorkflowID, list[0].WorkflowID)
}

func TestRetryCarriesCompletedStages(t *testing.T) {
	svc, engine := newService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, control.CreateRequest{Type: workflow.TypeApp, Name: "hello-world-api", Priority: envelope.PriorityHigh})
	require.NoError(t, err)
	id := resp.WorkflowID

	_, err = engine.Apply(ctx, id, workflow.StageComplete(workflow.StageInitialization, json.RawMessage(`{"repo":"hello"}`)))
	require.NoError(t, err)
	_, err = engine.Apply(ctx, id, workflow.StageFailed(workflow.StageScaffolding, "COMPILE_ERROR", "boom"))
	require.NoError(t, err)

	_, err = svc.Retry(ctx, id, workflow.StageValidation)
	assert.True(t, errs.IsValidation(err), "scaffolding never completed")

	retry, err := svc.Retry(ctx, id, "")
	require.NoError(t, err)
	assert.NotEqual(t, id, retry.WorkflowID)
	assert.Equal(t, workflow.StageScaffolding, retry.CurrentStage)

	wf, err := engine.Get(ctx, retry.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, id, wf.RetryOf)
	assert.Equal(t, envelope.PriorityHigh, wf.Priority)
	assert.JSONEq(t, `{"repo":"hello"}`, string(wf.StageOutputs[workflow.StageInitialization]))
	assert.Equal(t, 16, wf.ProgressPercentage)

	fresh, err := svc.Retry(ctx, id, workflow.StageInitialization)
	require.NoError(t, err)
	assert.Equal(t, workflow.StageInitialization, fresh.CurrentStage)
}

func TestRetryRejectsActiveWorkflow(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	resp, err := svc.Create(ctx, control.CreateRequest{Type: workflow.TypeBugfix, Name: "fix"})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, resp.WorkflowID, "")
	assert.True(t, errs.IsValidation(err))

	_, err = svc.Retry(ctx, resp.WorkflowID, "nowhere")
	assert.True(t, errs.IsValidation(err))
}
