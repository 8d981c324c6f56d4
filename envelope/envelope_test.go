package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/errs"
)

func TestTraceChild(t *testing.T) {
	root := NewTrace()
	require.Len(t, root.TraceID, 32)
	require.Len(t, root.SpanID, 16)
	assert.Empty(t, root.ParentSpanID)

	child := root.Child()
	assert.Equal(t, root.TraceID, child.TraceID)
	assert.Equal(t, root.SpanID, child.ParentSpanID)
	assert.NotEqual(t, root.SpanID, child.SpanID)

	sc := child.SpanContext()
	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.Equal(t, child.TraceID, sc.TraceID().String())
}

func TestTraceSpanContextInvalid(t *testing.T) {
	sc := Trace{TraceID: "not-hex", SpanID: "abc"}.SpanContext()
	assert.False(t, sc.IsValid())
}

func TestParseEnvelopeKeepsRawBytes(t *testing.T) {
	raw := []byte(`{"message_id":"m-1","task_id":"t-1","workflow_id":"w-1","agent_type":"scaffold","x_custom":{"a":1}}`)

	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "m-1", env.IdempotencyKey())
	assert.Equal(t, "w-1", env.PartitionKey())
	assert.Equal(t, raw, env.Raw())

	out, err := env.Marshal()
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestNewResultContinuesTrace(t *testing.T) {
	env := &Envelope{
		MessageID:  "m-1",
		TaskID:     "t-1",
		WorkflowID: "w-1",
		AgentType:  "scaffold",
		Trace:      NewTrace(),
		WorkflowContext: WorkflowContext{
			CurrentStage: "initialization",
		},
	}

	res := NewResult(env, "scaffold-agent")
	assert.Equal(t, "t-1", res.TaskID)
	assert.Equal(t, "initialization", res.Stage)
	assert.Equal(t, ResultSuccess, res.Status)
	assert.Equal(t, Version, res.Metadata.EnvelopeVersion)
	assert.Equal(t, env.Trace.TraceID, res.Trace.TraceID)
	assert.Equal(t, env.Trace.SpanID, res.Trace.ParentSpanID)
	assert.NotEqual(t, env.MessageID, res.MessageID)

	res.Fail("TIMEOUT", "too slow", false)
	assert.Equal(t, ResultFailure, res.Status)
	assert.Equal(t, "TIMEOUT", res.FirstError().Code)

	data, err := res.Marshal()
	require.NoError(t, err)
	decoded, err := ParseResult(data)
	require.NoError(t, err)
	assert.Equal(t, res.TaskID, decoded.TaskID)
	_, ok := decoded.Limits()
	assert.False(t, ok)
}

func TestConstraintsTimeout(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, Constraints{TimeoutMS: 1500}.Timeout())
	assert.Zero(t, Constraints{}.Timeout())
}

func TestNewDeadLetter(t *testing.T) {
	at := time.Now()
	exhausted := &errs.ExhaustedRetriesError{Attempts: []errs.Attempt{
		{Number: 1, Err: errors.New("first"), At: at},
		{Number: 2, Err: errors.New("second"), At: at.Add(time.Second), Delay: 100 * time.Millisecond},
	}}

	dl := NewDeadLetter("reconciler", "orchestrator:results", []byte(`{"message_id":"m-1"}`), "m-1", "w-1", "abc", exhausted)
	assert.Equal(t, errs.CodeExhaustedRetries, dl.Code)
	assert.Equal(t, 2, dl.AttemptCount)
	assert.Equal(t, "second", dl.LastError)
	assert.Equal(t, int64(100), dl.Attempts[1].DelayMS)

	data, err := json.Marshal(dl)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"original":{"message_id":"m-1"}`)
}

func TestNewRejection(t *testing.T) {
	cause := errs.NewValidationError("stage", "result does not fit workflow state")
	dl := NewRejection("reconciler", "orchestrator:results", []byte(`{"message_id":"m-2"}`), "m-2", "w-1", "abc", 1, cause)
	assert.Equal(t, errs.CodeValidation, dl.Code)
	assert.Equal(t, 1, dl.AttemptCount)
	assert.Empty(t, dl.Attempts)
	assert.Contains(t, dl.LastError, "result does not fit workflow state")
	assert.NotEmpty(t, dl.ID)
}
