// Package errs defines the error taxonomy shared by every coordinator.
//
// Each type maps to a stable error code carried in result envelopes so that
// no raw error text has to cross the message bus.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stable error codes published in result envelopes and workflow snapshots.
const (
	CodeValidation          = "VALIDATION"
	CodeTransient           = "TRANSIENT"
	CodeAgentExecution      = "AGENT_EXECUTION"
	CodeTimeout             = "TIMEOUT"
	CodeExhaustedRetries    = "EXHAUSTED_RETRIES"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
	CodeInternal            = "INTERNAL"
)

// ValidationError reports a malformed, unversioned or schema-violating message.
// It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError represents a temporary broker or store failure that may
// succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient (retryable).
func NewTransientError(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// AgentExecutionError is a failure reported by the code executing a task.
// Recoverable failures are retried, the rest fail the stage immediately.
type AgentExecutionError struct {
	Code        string
	Message     string
	Recoverable bool
	Err         error
}

func (e *AgentExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code == "" {
		return "agent execution: " + msg
	}
	return fmt.Sprintf("agent execution [%s]: %s", e.Code, msg)
}

func (e *AgentExecutionError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a handler exceeded the envelope's timeout_ms.
// It is treated as a non-recoverable agent execution failure.
type TimeoutError struct {
	Limit time.Duration
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler exceeded timeout of %s", e.Limit)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// Attempt records a single failed invocation inside a retry loop.
type Attempt struct {
	Number int
	Err    error
	At     time.Time
	// Delay is the backoff waited before this attempt ran. Zero for the first.
	Delay time.Duration
}

// ExhaustedRetriesError carries the full attempt history once the retry
// budget is spent.
type ExhaustedRetriesError struct {
	Attempts []Attempt
}

func (e *ExhaustedRetriesError) Error() string {
	if len(e.Attempts) == 0 {
		return "retries exhausted"
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", len(e.Attempts), e.Last())
}

// Unwrap returns the last attempt's error.
func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last()
}

// Last returns the error of the final attempt.
func (e *ExhaustedRetriesError) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// ConcurrencyConflictError reports an optimistic-concurrency mismatch that
// could not be resolved within the reload budget.
type ConcurrencyConflictError struct {
	Key             string
	ExpectedVersion int64
	Err             error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s at version %d", e.Key, e.ExpectedVersion)
}

func (e *ConcurrencyConflictError) Unwrap() error {
	return e.Err
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient returns true if err is or wraps a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsTimeout returns true if err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsExhausted returns true if err is or wraps an ExhaustedRetriesError.
func IsExhausted(err error) bool {
	var target *ExhaustedRetriesError
	return errors.As(err, &target)
}

// IsConcurrencyConflict returns true if err is or wraps a ConcurrencyConflictError.
func IsConcurrencyConflict(err error) bool {
	var target *ConcurrencyConflictError
	return errors.As(err, &target)
}

// Retryable classifies err for the retry loop. Validation errors, timeouts
// and non-recoverable agent failures stop immediately; transient,
// concurrency and unclassified errors are retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsValidation(err) || IsTimeout(err) || IsExhausted(err) {
		return false
	}
	var agentErr *AgentExecutionError
	if errors.As(err, &agentErr) {
		return agentErr.Recoverable
	}
	return true
}

// Code returns the stable error code for err.
func Code(err error) string {
	var agentErr *AgentExecutionError
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeValidation
	case IsExhausted(err):
		return CodeExhaustedRetries
	case IsTimeout(err):
		return CodeTimeout
	case errors.As(err, &agentErr):
		if agentErr.Code != "" {
			return agentErr.Code
		}
		return CodeAgentExecution
	case IsConcurrencyConflict(err):
		return CodeConcurrencyConflict
	case IsTransient(err):
		return CodeTransient
	default:
		return CodeInternal
	}
}
