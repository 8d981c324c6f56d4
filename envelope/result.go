package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResultStatus is the outcome of one task attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// ResultError is a structured failure reported in a result.
type ResultError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ResultMetrics reports execution cost.
type ResultMetrics struct {
	DurationMS int64 `json:"duration_ms"`
	Attempts   int   `json:"attempts,omitempty"`
}

// Result is published by an agent to the shared results topic.
type Result struct {
	MessageID  string          `json:"message_id"`
	TaskID     string          `json:"task_id"`
	WorkflowID string          `json:"workflow_id"`
	AgentType  string          `json:"agent_type,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Status     ResultStatus    `json:"status"`
	Data       json.RawMessage `json:"data,omitempty"`
	Metrics    ResultMetrics   `json:"metrics"`
	Errors     []ResultError   `json:"errors,omitempty"`
	Metadata   Metadata        `json:"metadata"`
	Trace      Trace           `json:"trace"`

	raw []byte
}

// NewResult builds the result for task in. The result continues the task's
// trace with a new span.
func NewResult(in *Envelope, createdBy string) *Result {
	return &Result{
		MessageID:  NewMessageID(),
		TaskID:     in.TaskID,
		WorkflowID: in.WorkflowID,
		AgentType:  in.AgentType,
		Stage:      in.WorkflowContext.CurrentStage,
		Status:     ResultSuccess,
		Metadata:   NewMetadata(createdBy),
		Trace:      in.Trace.Child(),
	}
}

// Fail marks the result as a failure with a single error.
func (r *Result) Fail(code, message string, recoverable bool) *Result {
	r.Status = ResultFailure
	r.Errors = append(r.Errors, ResultError{Code: code, Message: message, Recoverable: recoverable})
	return r
}

// FirstError returns the first reported error, or a zero value.
func (r *Result) FirstError() ResultError {
	if len(r.Errors) == 0 {
		return ResultError{}
	}
	return r.Errors[0]
}

// ParseResult decodes a result and keeps the original bytes.
func ParseResult(data []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	res.raw = append([]byte(nil), data...)
	return &res, nil
}

// Marshal encodes the result, re-emitting decoded bytes unchanged.
func (r *Result) Marshal() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// Raw returns the decoded bytes, or nil for a locally built result.
func (r *Result) Raw() []byte {
	return r.raw
}

// IdempotencyKey returns the message id.
func (r *Result) IdempotencyKey() string {
	return r.MessageID
}

// TraceContext returns the result's trace fields.
func (r *Result) TraceContext() Trace {
	return r.Trace
}

// PartitionKey keeps one workflow's results ordered.
func (r *Result) PartitionKey() string {
	return r.WorkflowID
}

// Limits reports that results carry no constraints of their own.
func (r *Result) Limits() (Constraints, bool) {
	return Constraints{}, false
}

// Duration returns the reported execution time.
func (m ResultMetrics) Duration() time.Duration {
	return time.Duration(m.DurationMS) * time.Millisecond
}
