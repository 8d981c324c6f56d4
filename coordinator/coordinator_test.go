package coordinator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/bus/membus"
	"github.com/c360studio/semflow/coordinator"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv/memkv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/reliability"
)

const taskTopic = "agent:test:tasks"

type harness struct {
	bus     *membus.Bus
	metrics *metrics.Collector
	sink    *memorySink
}

type memorySink struct {
	mu    sync.Mutex
	saved []*envelope.DeadLetter
}

func (s *memorySink) SaveDeadLetter(_ context.Context, dl *envelope.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, dl)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func decodeEnvelope(data []byte) (*envelope.Envelope, error) {
	env, err := envelope.ParseEnvelope(data)
	if err != nil {
		return nil, errs.NewValidationError("envelope", err.Error())
	}
	if env.MessageID == "" {
		return nil, errs.NewValidationError("message_id", "required")
	}
	return env, nil
}

func respond(in *envelope.Envelope, out coordinator.Outcome) *envelope.Result {
	res := envelope.NewResult(in, "test-agent")
	res.Data = out.Data
	res.Metrics.Attempts = out.Attempts
	res.Metrics.DurationMS = out.Duration.Milliseconds()
	if out.Err != nil {
		res.Fail(errs.Code(out.Err), out.Err.Error(), false)
	}
	return res
}

func start(t *testing.T, concurrency int, handle coordinator.Handler[*envelope.Envelope]) (*harness, *coordinator.Coordinator[*envelope.Envelope]) {
	t.Helper()
	h := &harness{
		bus:     membus.New(nil),
		metrics: metrics.NewCollector(),
		sink:    &memorySink{},
	}
	c, err := coordinator.New[*envelope.Envelope](coordinator.Config{
		Name:          "test-agent",
		Topic:         taskTopic,
		OutputTopic:   bus.TopicResults,
		ConsumerGroup: "test-agent",
		Concurrency:   concurrency,
		Retry: reliability.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		DrainTimeout: time.Second,
	}, coordinator.Deps{
		Bus:         h.bus,
		KV:          memkv.New(),
		Metrics:     h.metrics,
		DeadLetters: h.sink,
	}, decodeEnvelope, handle, respond)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		_ = c.Stop(context.Background())
		_ = h.bus.Close(context.Background())
	})
	return h, c
}

func newTask(workflowID string, limits envelope.Constraints) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID:   envelope.NewMessageID(),
		TaskID:      envelope.NewMessageID(),
		WorkflowID:  workflowID,
		AgentType:   "test",
		Priority:    envelope.PriorityMedium,
		Status:      envelope.TaskStatusDispatched,
		Constraints: limits,
		Metadata:    envelope.NewMetadata("orchestrator"),
		Trace:       envelope.NewTrace(),
		WorkflowContext: envelope.WorkflowContext{
			WorkflowType: "app",
			CurrentStage: "scaffolding",
		},
		Payload: json.RawMessage(`{}`),
	}
}

func publish(t *testing.T, b bus.Bus, env *envelope.Envelope) {
	t.Helper()
	data, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), taskTopic, data,
		bus.WithStreamMirror(),
		bus.WithMessageID(env.MessageID),
		bus.WithPartitionKey(env.WorkflowID)))
}

func results(t *testing.T, b *membus.Bus) []*envelope.Result {
	t.Helper()
	var out []*envelope.Result
	for _, data := range b.Mirrored(bus.TopicResults) {
		res, err := envelope.ParseResult(data)
		require.NoError(t, err)
		out = append(out, res)
	}
	return out
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	decode := coordinator.Decoder[*envelope.Envelope](decodeEnvelope)
	handle := func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) { return nil, nil }
	deps := coordinator.Deps{Bus: membus.New(nil), KV: memkv.New()}

	_, err := coordinator.New(coordinator.Config{Topic: taskTopic}, deps, decode, handle, nil)
	assert.Error(t, err, "name is required")

	_, err = coordinator.New(coordinator.Config{Name: "a", Topic: "bad topic"}, deps, decode, handle, nil)
	assert.Error(t, err)

	_, err = coordinator.New(coordinator.Config{Name: "a", Topic: taskTopic, OutputTopic: bus.TopicResults}, deps, decode, handle, nil)
	assert.Error(t, err, "output topic needs a responder")

	_, err = coordinator.New(coordinator.Config{Name: "a", Topic: taskTopic}, coordinator.Deps{}, decode, handle, nil)
	assert.Error(t, err)
}

func TestStartTwice(t *testing.T) {
	_, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		return nil, nil
	})
	assert.Error(t, c.Start(context.Background()))
}

func TestRedeliveryHasOneEffect(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 2, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"ok":true}`), nil
	})

	env := newTask("wf-1", envelope.Constraints{MaxRetries: 1})
	publish(t, h.bus, env)
	publish(t, h.bus, env)

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Processed == 1 && s.Duplicates == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	res := results(t, h.bus)
	require.Len(t, res, 1)
	assert.Equal(t, envelope.ResultSuccess, res[0].Status)
	assert.Equal(t, env.TaskID, res[0].TaskID)
	assert.Equal(t, env.Trace.TraceID, res[0].Trace.TraceID)
	assert.JSONEq(t, `{"ok":true}`, string(res[0].Data))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("test-agent", metrics.OutcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("test-agent", metrics.OutcomeDuplicate)))
}

func TestConcurrentEnvelopesKeepPartitionOrder(t *testing.T) {
	const (
		workflows   = 5
		perWorkflow = 20
	)

	var mu sync.Mutex
	seen := make(map[string][]string)
	h, c := start(t, 4, func(_ context.Context, in *envelope.Envelope, _ int) (json.RawMessage, error) {
		mu.Lock()
		seen[in.WorkflowID] = append(seen[in.WorkflowID], in.TaskID)
		mu.Unlock()
		return nil, nil
	})

	want := make(map[string][]string)
	for i := 0; i < perWorkflow; i++ {
		for w := 0; w < workflows; w++ {
			wf := fmt.Sprintf("wf-%d", w)
			env := newTask(wf, envelope.Constraints{})
			want[wf] = append(want[wf], env.TaskID)
			publish(t, h.bus, env)
		}
	}

	require.Eventually(t, func() bool {
		return c.Stats().Processed == workflows*perWorkflow
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
	assert.Len(t, results(t, h.bus), workflows*perWorkflow)
	assert.Zero(t, c.Stats().Duplicates)
}

func TestExhaustedRetriesAreDeadLettered(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errs.NewTransientError("call agent", errors.New("connection refused"))
	})

	env := newTask("wf-dlq", envelope.Constraints{MaxRetries: 2})
	publish(t, h.bus, env)

	require.Eventually(t, func() bool {
		return c.Stats().DeadLettered == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(results(t, h.bus)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(3), calls.Load())

	dlqs := h.bus.Mirrored(bus.TopicDeadLetter)
	require.Len(t, dlqs, 1)
	var dl envelope.DeadLetter
	require.NoError(t, json.Unmarshal(dlqs[0], &dl))
	assert.Equal(t, env.MessageID, dl.MessageID)
	assert.Equal(t, "wf-dlq", dl.WorkflowID)
	assert.Equal(t, errs.CodeExhaustedRetries, dl.Code)
	assert.Equal(t, 3, dl.AttemptCount)
	assert.Contains(t, dl.LastError, "connection refused")
	assert.Equal(t, 1, h.sink.count())

	res := results(t, h.bus)[0]
	assert.Equal(t, envelope.ResultFailure, res.Status)
	assert.Equal(t, errs.CodeExhaustedRetries, res.FirstError().Code)
	assert.Equal(t, 3, res.Metrics.Attempts)
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.RetriesTotal.WithLabelValues("test-agent")))
}

func TestNonRetryableFailureIsReported(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, &errs.AgentExecutionError{Code: "LINT_FAILED", Message: "3 errors"}
	})

	publish(t, h.bus, newTask("wf-x", envelope.Constraints{MaxRetries: 3}))

	require.Eventually(t, func() bool {
		return c.Stats().Failed == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(results(t, h.bus)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, h.bus.Mirrored(bus.TopicDeadLetter))
	assert.Equal(t, "LINT_FAILED", results(t, h.bus)[0].FirstError().Code)
}

func TestValidationRejectionIsRecorded(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errs.NewValidationError("stage", "result does not fit workflow state")
	})

	env := newTask("wf-v", envelope.Constraints{MaxRetries: 3})
	publish(t, h.bus, env)

	require.Eventually(t, func() bool {
		return c.Stats().Failed == 1 && h.sink.count() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, c.Stats().DeadLettered)

	dlqs := h.bus.Mirrored(bus.TopicDeadLetter)
	require.Len(t, dlqs, 1)
	var dl envelope.DeadLetter
	require.NoError(t, json.Unmarshal(dlqs[0], &dl))
	assert.Equal(t, errs.CodeValidation, dl.Code)
	assert.Equal(t, env.MessageID, dl.MessageID)
	assert.Equal(t, "wf-v", dl.WorkflowID)
	assert.Equal(t, 1, dl.AttemptCount)
}

func TestAttemptTimeout(t *testing.T) {
	h, c := start(t, 1, func(ctx context.Context, _ *envelope.Envelope, _ int) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	publish(t, h.bus, newTask("wf-slow", envelope.Constraints{TimeoutMS: 20, MaxRetries: 2}))

	require.Eventually(t, func() bool {
		return len(results(t, h.bus)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	res := results(t, h.bus)[0]
	assert.Equal(t, envelope.ResultFailure, res.Status)
	assert.Equal(t, errs.CodeTimeout, res.FirstError().Code)
	assert.Equal(t, 1, res.Metrics.Attempts)
	assert.Equal(t, int64(1), c.Stats().Failed)
}

func TestInvalidMessagesAreDropped(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})

	ctx := context.Background()
	require.NoError(t, h.bus.Publish(ctx, taskTopic, []byte(`not json`), bus.WithStreamMirror()))
	require.NoError(t, h.bus.Publish(ctx, taskTopic, []byte(`{"workflow_id":"wf-1"}`), bus.WithStreamMirror()))

	require.Eventually(t, func() bool {
		return c.Stats().Invalid == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Empty(t, results(t, h.bus))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.MessagesTotal.WithLabelValues("test-agent", metrics.OutcomeInvalid)))
}

func TestMessageIDsNeedNotBeKeySafe(t *testing.T) {
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	})

	for _, id := range []string{"agent.scaffold/42", "agent.scaffold.42", "task:7 retry"} {
		env := newTask("wf-1", envelope.Constraints{})
		env.MessageID = id
		publish(t, h.bus, env)
		publish(t, h.bus, env)
	}

	require.Eventually(t, func() bool {
		s := c.Stats()
		return s.Processed == 3 && s.Duplicates == 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Stats().Invalid)
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, results(t, h.bus), 3)
}

func TestStopDrainsQueuedWork(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	h, c := start(t, 1, func(context.Context, *envelope.Envelope, int) (json.RawMessage, error) {
		<-release
		calls.Add(1)
		return nil, nil
	})

	for i := 0; i < 3; i++ {
		publish(t, h.bus, newTask("wf-drain", envelope.Constraints{}))
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(3), c.Stats().Processed)
}
