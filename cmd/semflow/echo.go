package main

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/c360studio/semflow/envelope"
)

// echoExecutor answers every task with a summary of what it was given. It
// stands in for real agents when running the pipeline locally.
type echoExecutor struct{}

type echoOutput struct {
	AgentType     string   `json:"agent_type"`
	Stage         string   `json:"stage"`
	WorkflowID    string   `json:"workflow_id"`
	WorkflowName  string   `json:"workflow_name"`
	PriorStages   []string `json:"prior_stages"`
	PayloadLength int      `json:"payload_bytes"`
}

func (echoExecutor) Execute(ctx context.Context, task *envelope.Envelope) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prior := make([]string, 0, len(task.WorkflowContext.StageOutputs))
	for stage := range task.WorkflowContext.StageOutputs {
		prior = append(prior, stage)
	}
	sort.Strings(prior)
	return json.Marshal(echoOutput{
		AgentType:     task.AgentType,
		Stage:         task.WorkflowContext.CurrentStage,
		WorkflowID:    task.WorkflowID,
		WorkflowName:  task.WorkflowContext.WorkflowName,
		PriorStages:   prior,
		PayloadLength: len(task.Payload),
	})
}
