package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", base, true},
		{"transient", NewTransientError("publish", base), true},
		{"wrapped transient", fmt.Errorf("outer: %w", NewTransientError("get", base)), true},
		{"validation", NewValidationError("message_id", "required"), false},
		{"timeout", &TimeoutError{Limit: time.Second}, false},
		{"recoverable agent failure", &AgentExecutionError{Message: "flaky", Recoverable: true}, true},
		{"fatal agent failure", &AgentExecutionError{Message: "bad input"}, false},
		{"conflict", &ConcurrencyConflictError{Key: "wf", ExpectedVersion: 2}, true},
		{"exhausted", &ExhaustedRetriesError{Attempts: []Attempt{{Number: 1, Err: base}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestCode(t *testing.T) {
	base := errors.New("boom")

	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeInternal, Code(base))
	assert.Equal(t, CodeValidation, Code(NewValidationError("trace", "missing")))
	assert.Equal(t, CodeTimeout, Code(&TimeoutError{Limit: time.Second}))
	assert.Equal(t, CodeTransient, Code(NewTransientError("kv", base)))
	assert.Equal(t, CodeAgentExecution, Code(&AgentExecutionError{Message: "x"}))
	assert.Equal(t, "LINT_FAILED", Code(&AgentExecutionError{Code: "LINT_FAILED"}))
	assert.Equal(t, CodeConcurrencyConflict, Code(&ConcurrencyConflictError{Key: "wf"}))

	// Exhaustion wins over the last attempt's own classification.
	exhausted := &ExhaustedRetriesError{Attempts: []Attempt{{Number: 1, Err: &TimeoutError{Limit: time.Second}}}}
	assert.Equal(t, CodeExhaustedRetries, Code(exhausted))
}

func TestExhaustedRetriesError(t *testing.T) {
	first := errors.New("first")
	last := errors.New("last")
	err := &ExhaustedRetriesError{Attempts: []Attempt{
		{Number: 1, Err: first},
		{Number: 2, Err: last, Delay: 10 * time.Millisecond},
	}}

	assert.Equal(t, last, err.Last())
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "2 attempts")
	assert.True(t, IsExhausted(fmt.Errorf("dispatch: %w", err)))
}

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Field: "metadata.envelope_version", Reason: "unknown version", Err: errors.New("9.9.9")}
	assert.Equal(t, "validation failed: metadata.envelope_version: unknown version: 9.9.9", err.Error())
}
