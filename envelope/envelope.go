// Package envelope defines the versioned wire contract exchanged between the
// orchestrator and agents: task envelopes, result envelopes and dead-letter
// records.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the envelope_version stamped on every message this build produces.
const Version = "2.0.0"

// Priority orders work within an agent type.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// TaskStatus is the status carried on a task envelope.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
)

// Constraints bound the execution of a single task.
type Constraints struct {
	TimeoutMS          int64   `json:"timeout_ms"`
	MaxRetries         int     `json:"max_retries"`
	RequiredConfidence float64 `json:"required_confidence"`
}

// Timeout returns the timeout as a duration. Zero means unbounded.
func (c Constraints) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// Metadata describes who produced a message and in which contract version.
type Metadata struct {
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by"`
	EnvelopeVersion string    `json:"envelope_version"`
}

// NewMetadata stamps the current time and Version.
func NewMetadata(createdBy string) Metadata {
	return Metadata{
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       createdBy,
		EnvelopeVersion: Version,
	}
}

// WorkflowContext gives an agent the state it needs from earlier stages.
type WorkflowContext struct {
	WorkflowType string                     `json:"workflow_type"`
	WorkflowName string                     `json:"workflow_name"`
	CurrentStage string                     `json:"current_stage"`
	StageOutputs map[string]json.RawMessage `json:"stage_outputs"`
}

// Envelope is the task message published to an agent's task topic.
type Envelope struct {
	MessageID       string          `json:"message_id"`
	TaskID          string          `json:"task_id"`
	WorkflowID      string          `json:"workflow_id"`
	AgentType       string          `json:"agent_type"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	Constraints     Constraints     `json:"constraints"`
	RetryCount      int             `json:"retry_count"`
	Metadata        Metadata        `json:"metadata"`
	Trace           Trace           `json:"trace"`
	WorkflowContext WorkflowContext `json:"workflow_context"`
	Payload         json.RawMessage `json:"payload"`

	raw []byte
}

// NewMessageID returns a fresh message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// ParseEnvelope decodes a task envelope and keeps the original bytes.
// It performs no schema validation.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	env.raw = append([]byte(nil), data...)
	return &env, nil
}

// Marshal encodes the envelope. A decoded envelope is re-emitted byte for
// byte so that unknown fields survive forwarding.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.raw != nil {
		return e.raw, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// Raw returns the bytes the envelope was decoded from, or nil when it was
// built locally.
func (e *Envelope) Raw() []byte {
	return e.raw
}

// IdempotencyKey returns the message id.
func (e *Envelope) IdempotencyKey() string {
	return e.MessageID
}

// TraceContext returns the envelope's trace fields.
func (e *Envelope) TraceContext() Trace {
	return e.Trace
}

// PartitionKey keeps one workflow's messages ordered.
func (e *Envelope) PartitionKey() string {
	return e.WorkflowID
}

// Limits returns the envelope's own constraints.
func (e *Envelope) Limits() (Constraints, bool) {
	return e.Constraints, true
}
