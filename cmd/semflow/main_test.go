package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/config"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/workflow"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		enabled slog.Level
		json    bool
	}{
		{"default", config.LogConfig{}, slog.LevelInfo, false},
		{"debug text", config.LogConfig{Level: "debug", Format: "text"}, slog.LevelDebug, false},
		{"warn json", config.LogConfig{Level: "WARN", Format: "json"}, slog.LevelWarn, true},
		{"error", config.LogConfig{Level: "error"}, slog.LevelError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newLogger(&buf, tt.cfg)
			ctx := context.Background()
			assert.True(t, logger.Enabled(ctx, tt.enabled))
			assert.False(t, logger.Enabled(ctx, tt.enabled-1))

			logger.Log(ctx, tt.enabled, "hello", "k", "v")
			if tt.json {
				assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
			} else {
				assert.Contains(t, buf.String(), "msg=hello")
			}
		})
	}
}

func TestAgentTypes(t *testing.T) {
	assert.Equal(t,
		[]string{"deployer", "e2e", "integrator", "scaffold", "validator"},
		agentTypes(workflow.DefaultDefinitions()))
}

func TestDefinitionsApplyOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Workflows = map[string]config.WorkflowConfig{
		"hotfix": {Stages: []config.StageConfig{
			{Name: workflow.StageValidation, AgentType: "validator"},
			{Name: workflow.StageDeployment, AgentType: "canary", TimeoutMS: 1_000, MaxRetries: 5},
		}},
	}

	defs, err := definitions(cfg)
	require.NoError(t, err)
	def, err := defs.Lookup("hotfix")
	require.NoError(t, err)
	require.Len(t, def.Stages, 2)
	assert.Equal(t, int64(300_000), def.Stages[0].TimeoutMS)
	assert.Equal(t, "canary", def.Stages[1].AgentType)
	assert.Equal(t, int64(1_000), def.Stages[1].TimeoutMS)
	assert.Equal(t, 5, def.Stages[1].MaxRetries)

	_, err = defs.Lookup(workflow.TypeApp)
	assert.NoError(t, err, "built-in types are kept")

	cfg.Workflows["broken"] = config.WorkflowConfig{Stages: []config.StageConfig{
		{Name: "a", AgentType: "x"}, {Name: "a", AgentType: "y"},
	}}
	_, err = definitions(cfg)
	assert.Error(t, err)
}

func TestEchoExecutor(t *testing.T) {
	task := &envelope.Envelope{
		WorkflowID: "wf-1",
		AgentType:  "validator",
		WorkflowContext: envelope.WorkflowContext{
			WorkflowName: "hello-world-api",
			CurrentStage: workflow.StageValidation,
			StageOutputs: map[string]json.RawMessage{
				workflow.StageScaffolding:    json.RawMessage(`{}`),
				workflow.StageInitialization: json.RawMessage(`{}`),
			},
		},
		Payload: json.RawMessage(`{"name":"hello"}`),
	}

	out, err := echoExecutor{}.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"agent_type": "validator",
		"stage": "validation",
		"workflow_id": "wf-1",
		"workflow_name": "hello-world-api",
		"prior_stages": ["initialization", "scaffolding"],
		"payload_bytes": 16
	}`, string(out))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = echoExecutor{}.Execute(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
}
