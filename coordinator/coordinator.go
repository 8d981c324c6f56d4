// Package coordinator provides the generic consume loop shared by the
// reconciler and agents: decode and validate, deduplicate by message id,
// run the handler under a retry policy, then publish a result or a
// dead-letter record. Messages sharing a partition key are handled in
// order; different keys run in parallel.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/envelope"
	"github.com/c360studio/semflow/errs"
	"github.com/c360studio/semflow/kv"
	"github.com/c360studio/semflow/metrics"
	"github.com/c360studio/semflow/observability"
	"github.com/c360studio/semflow/reliability"
)

// Defaults applied by New.
const (
	DefaultConcurrency    = 4
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultDrainTimeout   = 30 * time.Second
	// settleBackoff is the redelivery delay after a failure that released
	// the idempotency claim.
	settleBackoff = time.Second
)

// Inbound is what the loop needs from a decoded message.
type Inbound interface {
	// IdempotencyKey identifies the message across redeliveries.
	IdempotencyKey() string
	TraceContext() envelope.Trace
	// PartitionKey selects the worker; equal keys are handled in order.
	PartitionKey() string
	// Limits returns per-message constraints, if the message carries any.
	Limits() (envelope.Constraints, bool)
}

// Decoder parses and validates raw bytes. Any error marks the message
// invalid: it is logged and acknowledged without retry.
type Decoder[T Inbound] func(data []byte) (T, error)

// Handler does the work for one attempt. attempt starts at 1.
type Handler[T Inbound] func(ctx context.Context, in T, attempt int) (json.RawMessage, error)

// Outcome is the final result of handling one message.
type Outcome struct {
	Data     json.RawMessage
	Err      error
	Attempts int
	Duration time.Duration
}

// Responder builds the result published to the output topic.
type Responder[T Inbound] func(in T, out Outcome) *envelope.Result

// DeadLetterSink persists dead-letter records in addition to the DLQ topic.
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, dl *envelope.DeadLetter) error
}

// Config configures a Coordinator.
type Config struct {
	// Name scopes idempotency keys, logs and metrics.
	Name  string
	Topic string
	// OutputTopic receives results. Empty disables result publishing.
	OutputTopic   string
	ConsumerGroup string
	ConsumerID    string
	// Concurrency is the number of partition workers.
	Concurrency int
	// Retry is used for messages without constraints of their own.
	Retry          reliability.Policy
	IdempotencyTTL time.Duration
	// ClaimLease bounds how long a crashed handler keeps its message
	// claimed. Zero means reliability.DefaultClaimLease.
	ClaimLease     time.Duration
	DrainTimeout   time.Duration
	MaxDeliver     int
	AckWait        time.Duration
}

// Deps holds the collaborators of a Coordinator.
type Deps struct {
	Bus         bus.Bus
	KV          kv.Store
	Logger      *slog.Logger
	Metrics     *metrics.Collector
	Tracer      trace.Tracer
	DeadLetters DeadLetterSink
}

// Stats is a snapshot of the loop counters.
type Stats struct {
	Processed    int64
	Duplicates   int64
	Invalid      int64
	Failed       int64
	DeadLettered int64
	Requeued     int64
}

// Coordinator consumes one topic.
type Coordinator[T Inbound] struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	decode  Decoder[T]
	handle  Handler[T]
	respond Responder[T]

	// Lifecycle
	mu      sync.Mutex
	running bool
	sub     bus.Subscription
	shards  []chan *bus.Message
	quit    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Metrics
	processed    atomic.Int64
	duplicates   atomic.Int64
	invalid      atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
	requeued     atomic.Int64
}

// New creates a Coordinator. respond may be nil when OutputTopic is empty.
func New[T Inbound](cfg Config, deps Deps, decode Decoder[T], handle Handler[T], respond Responder[T]) (*Coordinator[T], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("coordinator name required")
	}
	if err := kv.ValidateKey(cfg.Name); err != nil {
		return nil, fmt.Errorf("coordinator name: %w", err)
	}
	if err := bus.ValidateTopic(cfg.Topic); err != nil {
		return nil, fmt.Errorf("coordinator %s: %w", cfg.Name, err)
	}
	if deps.Bus == nil || deps.KV == nil {
		return nil, fmt.Errorf("coordinator %s: bus and kv required", cfg.Name)
	}
	if decode == nil || handle == nil {
		return nil, fmt.Errorf("coordinator %s: decoder and handler required", cfg.Name)
	}
	if cfg.OutputTopic != "" && respond == nil {
		return nil, fmt.Errorf("coordinator %s: responder required with an output topic", cfg.Name)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = reliability.DefaultPolicy()
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	return &Coordinator[T]{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.With("coordinator", cfg.Name),
		tracer:  tracer,
		decode:  decode,
		handle:  handle,
		respond: respond,
	}, nil
}

// Name returns the coordinator name.
func (c *Coordinator[T]) Name() string {
	return c.cfg.Name
}

// Start subscribes once and starts the partition workers.
func (c *Coordinator[T]) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("coordinator %s already running", c.cfg.Name)
	}

	// Only Stop ends in-flight work, so that it can drain.
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.quit = make(chan struct{})
	c.shards = make([]chan *bus.Message, c.cfg.Concurrency)
	for i := range c.shards {
		c.shards[i] = make(chan *bus.Message, 64)
		c.wg.Add(1)
		go c.worker(workCtx, c.shards[i])
	}

	opts := []bus.SubscribeOption{}
	if c.cfg.ConsumerGroup != "" {
		opts = append(opts, bus.WithConsumerGroup(c.cfg.ConsumerGroup))
	}
	if c.cfg.ConsumerID != "" {
		opts = append(opts, bus.WithConsumerID(c.cfg.ConsumerID))
	}
	if c.cfg.MaxDeliver > 0 {
		opts = append(opts, bus.WithMaxDeliver(c.cfg.MaxDeliver))
	}
	if c.cfg.AckWait > 0 {
		opts = append(opts, bus.WithAckWait(c.cfg.AckWait))
	}

	sub, err := c.deps.Bus.Subscribe(ctx, c.cfg.Topic, c.route, opts...)
	if err != nil {
		close(c.quit)
		cancel()
		c.wg.Wait()
		return fmt.Errorf("subscribe %s: %w", c.cfg.Topic, err)
	}
	c.sub = sub
	c.running = true

	c.logger.Info("Coordinator started",
		"topic", c.cfg.Topic,
		"group", c.cfg.ConsumerGroup,
		"concurrency", c.cfg.Concurrency)
	return nil
}

// Stop unsubscribes, lets the workers finish what they have queued, and
// cancels in-flight handlers if that takes longer than DrainTimeout.
func (c *Coordinator[T]) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	sub := c.sub
	c.mu.Unlock()

	var unsubErr error
	if err := sub.Unsubscribe(); err != nil {
		unsubErr = fmt.Errorf("unsubscribe %s: %w", c.cfg.Topic, err)
	}
	close(c.quit)

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(c.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		c.cancel()
		c.logger.Info("Coordinator stopped", "stats", c.Stats())
		return unsubErr
	case <-timer.C:
	case <-ctx.Done():
	}

	c.cancel()
	<-done
	c.logger.Warn("Coordinator drain timed out, in-flight handlers cancelled")
	return errors.Join(unsubErr, fmt.Errorf("drain %s: timed out", c.cfg.Name))
}

// Stats returns the loop counters.
func (c *Coordinator[T]) Stats() Stats {
	return Stats{
		Processed:    c.processed.Load(),
		Duplicates:   c.duplicates.Load(),
		Invalid:      c.invalid.Load(),
		Failed:       c.failed.Load(),
		DeadLettered: c.deadLettered.Load(),
		Requeued:     c.requeued.Load(),
	}
}

// route hands msg to the worker owning its partition key. The worker
// settles it.
func (c *Coordinator[T]) route(ctx context.Context, msg *bus.Message) error {
	key := msg.PartitionKey
	if key == "" {
		key = msg.ID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	shard := c.shards[int(h.Sum32()%uint32(len(c.shards)))]

	select {
	case <-c.quit:
		return msg.Nak(0)
	default:
	}
	select {
	case shard <- msg:
		return nil
	case <-c.quit:
		return msg.Nak(0)
	case <-ctx.Done():
		return msg.Nak(0)
	}
}

func (c *Coordinator[T]) worker(ctx context.Context, shard chan *bus.Message) {
	defer c.wg.Done()
	for {
		select {
		case msg := <-shard:
			c.process(ctx, msg)
		case <-c.quit:
			for {
				select {
				case msg := <-shard:
					c.process(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

// process runs one delivery to completion and always settles it.
func (c *Coordinator[T]) process(ctx context.Context, msg *bus.Message) {
	in, err := c.decode(msg.Data)
	if err == nil {
		err = kv.ValidateKey(reliability.IdempotencyKey(c.cfg.Name, in.IdempotencyKey()))
	}
	if err != nil {
		c.invalid.Add(1)
		c.count(metrics.OutcomeInvalid)
		c.logger.Warn("Dropping invalid message",
			"topic", msg.Topic,
			"message_id", msg.ID,
			"deliveries", msg.Deliveries,
			"error", err)
		_ = msg.Ack()
		return
	}

	tr := in.TraceContext()
	if sc := tr.SpanContext(); sc.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
	}
	ctx, span := c.tracer.Start(ctx, c.cfg.Name+".process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			observability.AttrMessageID.String(in.IdempotencyKey()),
			observability.AttrWorkflowID.String(in.PartitionKey()),
		))
	defer span.End()

	if c.deps.Metrics != nil {
		g := c.deps.Metrics.InFlight.WithLabelValues(c.cfg.Name)
		g.Inc()
		defer g.Dec()
	}

	log := c.logger.With(
		"message_id", in.IdempotencyKey(),
		"workflow_id", in.PartitionKey(),
		"trace_id", tr.TraceID)

	executed, err := reliability.OnceWithLease(ctx, c.deps.KV,
		reliability.IdempotencyKey(c.cfg.Name, in.IdempotencyKey()),
		c.cfg.ClaimLease,
		c.cfg.IdempotencyTTL,
		func(ctx context.Context) error {
			return c.execute(ctx, log, msg, in)
		})

	switch {
	case err != nil:
		c.requeued.Add(1)
		c.count(metrics.OutcomeRequeued)
		span.RecordError(err)
		span.SetStatus(codes.Error, "requeued")
		log.Warn("Message requeued", "deliveries", msg.Deliveries, "error", err)
		_ = msg.Nak(settleBackoff)
	case !executed:
		c.duplicates.Add(1)
		c.count(metrics.OutcomeDuplicate)
		log.Debug("Skipping duplicate message", "deliveries", msg.Deliveries)
		_ = msg.Ack()
	default:
		_ = msg.Ack()
	}
}

// execute runs the handler under the retry policy and publishes the
// outcome. It returns an error only when the outcome could not be
// published, so the claim is released and the message redelivered.
func (c *Coordinator[T]) execute(ctx context.Context, log *slog.Logger, msg *bus.Message, in T) error {
	policy := c.cfg.Retry
	limits, hasLimits := in.Limits()
	if hasLimits {
		policy = policy.WithMaxAttempts(limits.MaxRetries + 1)
	}
	policy.OnRetry = func(failed errs.Attempt, next time.Duration) {
		if c.deps.Metrics != nil {
			c.deps.Metrics.RetriesTotal.WithLabelValues(c.cfg.Name).Inc()
		}
		log.Debug("Handler attempt failed, retrying",
			"attempt", failed.Number,
			"backoff", next,
			"error", failed.Err)
	}

	started := time.Now()
	var data json.RawMessage
	attempts := 0
	err := reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		out, err := c.attempt(ctx, in, attempt, limits.Timeout())
		if err != nil {
			return err
		}
		data = out
		return nil
	})
	out := Outcome{Data: data, Err: err, Attempts: attempts, Duration: time.Since(started)}
	if c.deps.Metrics != nil {
		c.deps.Metrics.HandlerDuration.WithLabelValues(c.cfg.Name).Observe(out.Duration.Seconds())
	}

	if err != nil && ctx.Err() != nil {
		// Stopped mid-message; let another member pick it up.
		return fmt.Errorf("handler interrupted: %w", err)
	}

	var exhausted *errs.ExhaustedRetriesError
	switch {
	case err == nil:
		c.processed.Add(1)
		c.count(metrics.OutcomeProcessed)
		log.Debug("Message processed", "attempts", attempts, "duration", out.Duration)
	case errors.As(err, &exhausted):
		if dlErr := c.deadLetter(ctx, log, msg, in, exhausted); dlErr != nil {
			return dlErr
		}
	case errs.Code(err) == errs.CodeValidation:
		c.failed.Add(1)
		c.count(metrics.OutcomeFailed)
		if rejErr := c.reject(ctx, log, msg, in, attempts, err); rejErr != nil {
			return rejErr
		}
	default:
		c.failed.Add(1)
		c.count(metrics.OutcomeFailed)
		log.Warn("Handler failed",
			"code", errs.Code(err),
			"attempts", attempts,
			"error", err)
	}

	return c.publishResult(ctx, in, out)
}

// attempt runs the handler once, bounded by timeout when it is set.
func (c *Coordinator[T]) attempt(ctx context.Context, in T, n int, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		return c.handle(ctx, in, n)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := c.handle(attemptCtx, in, n)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &errs.TimeoutError{Limit: timeout, Err: r.err}
		}
		return r.data, r.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errs.TimeoutError{Limit: timeout, Err: attemptCtx.Err()}
	}
}

func (c *Coordinator[T]) deadLetter(ctx context.Context, log *slog.Logger, msg *bus.Message, in T, exhausted *errs.ExhaustedRetriesError) error {
	dl := envelope.NewDeadLetter(c.cfg.Name, c.cfg.Topic, msg.Data,
		in.IdempotencyKey(), in.PartitionKey(), in.TraceContext().TraceID, exhausted)
	if err := c.writeDeadLetter(ctx, log, dl, in.PartitionKey()); err != nil {
		return err
	}

	c.deadLettered.Add(1)
	c.count(metrics.OutcomeDeadLettered)

	history := make([]string, 0, len(dl.Attempts))
	for _, a := range dl.Attempts {
		history = append(history, fmt.Sprintf("#%d after %dms: %s", a.Attempt, a.DelayMS, a.Error))
	}
	log.Error("Message dead-lettered",
		"dead_letter_id", dl.ID,
		"attempts", dl.AttemptCount,
		"history", history,
		"last_error", dl.LastError)
	return nil
}

// reject records a message the handler refused as invalid.
func (c *Coordinator[T]) reject(ctx context.Context, log *slog.Logger, msg *bus.Message, in T, attempts int, cause error) error {
	dl := envelope.NewRejection(c.cfg.Name, c.cfg.Topic, msg.Data,
		in.IdempotencyKey(), in.PartitionKey(), in.TraceContext().TraceID, attempts, cause)
	if err := c.writeDeadLetter(ctx, log, dl, in.PartitionKey()); err != nil {
		return err
	}
	log.Warn("Message rejected",
		"dead_letter_id", dl.ID,
		"code", dl.Code,
		"error", cause)
	return nil
}

// writeDeadLetter publishes dl to the DLQ topic and persists it when a sink
// is configured. Only the publish can fail the message.
func (c *Coordinator[T]) writeDeadLetter(ctx context.Context, log *slog.Logger, dl *envelope.DeadLetter, partitionKey string) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := c.deps.Bus.Publish(ctx, bus.TopicDeadLetter, data,
		bus.WithStreamMirror(),
		bus.WithMessageID(dl.ID),
		bus.WithPartitionKey(partitionKey)); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if c.deps.DeadLetters != nil {
		if err := c.deps.DeadLetters.SaveDeadLetter(ctx, dl); err != nil {
			log.Warn("Failed to persist dead letter", "dead_letter_id", dl.ID, "error", err)
		}
	}
	return nil
}

func (c *Coordinator[T]) publishResult(ctx context.Context, in T, out Outcome) error {
	if c.cfg.OutputTopic == "" {
		return nil
	}
	res := c.respond(in, out)
	if res == nil {
		return nil
	}
	data, err := res.Marshal()
	if err != nil {
		return err
	}
	if err := c.deps.Bus.Publish(ctx, c.cfg.OutputTopic, data,
		bus.WithStreamMirror(),
		bus.WithMessageID(res.MessageID),
		bus.WithPartitionKey(in.PartitionKey())); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	return nil
}

func (c *Coordinator[T]) count(outcome string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.MessagesTotal.WithLabelValues(c.cfg.Name, outcome).Inc()
	}
}
