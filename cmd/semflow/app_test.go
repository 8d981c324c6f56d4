package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/control"
	"github.com/c360studio/semflow/workflow"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Namespace = "semflow-test"
	cfg.NATS.StoreDir = t.TempDir()
	cfg.KV.Backend = config.KVBackendMemory
	cfg.Storage.Driver = config.StorageDriverKV
	cfg.Metrics.Addr = ""
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	return cfg
}

func TestAppStartStop(t *testing.T) {
	app, err := NewApp(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Open(ctx))
	require.NoError(t, app.StartOrchestrator(ctx))

	assert.NotNil(t, app.natsConn, "NATS connection not initialized")
	assert.NotNil(t, app.js, "JetStream not initialized")
	assert.NotNil(t, app.embeddedServer, "embedded NATS server not started")
	assert.NotNil(t, app.dispatcher)
	assert.NotNil(t, app.reconciler)
	assert.NotNil(t, app.sweeper)
	assert.NotNil(t, app.Control())

	app.Shutdown(5 * time.Second)
	assert.False(t, app.embeddedServer.Running(), "embedded server still running after shutdown")
}

func TestAppDisabledCoordinators(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Coordinators.Reconciler.Enabled = &off
	cfg.Coordinators.Dispatcher.Enabled = &off

	app, err := NewApp(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, app.Open(ctx))
	defer app.Shutdown(5 * time.Second)
	require.NoError(t, app.StartOrchestrator(ctx))

	assert.Nil(t, app.dispatcher)
	assert.Nil(t, app.reconciler)
	assert.Nil(t, app.sweeper, "sweeper needs the dispatcher")
}

func TestAppRunsWorkflowOverNATS(t *testing.T) {
	app, err := NewApp(testConfig(t), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, app.Open(ctx))
	defer app.Shutdown(5 * time.Second)
	require.NoError(t, app.StartOrchestrator(ctx))
	require.NoError(t, app.StartAgents(ctx, agentTypes(app.engine.Definitions()), 2, echoExecutor{}))

	resp, err := app.Control().Create(ctx, control.CreateRequest{
		Type:         workflow.TypeBugfix,
		Name:         "hello-world-api",
		Requirements: "GET /hello returns 200",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := app.Control().Get(ctx, resp.WorkflowID)
		return err == nil && snap.Status == workflow.StatusCompleted
	}, 20*time.Second, 50*time.Millisecond)

	snap, err := app.Control().Get(ctx, resp.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, 100, snap.ProgressPercentage)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.KV.Backend = "etcd"
	_, err := NewApp(cfg, nil)
	require.Error(t, err)
}
