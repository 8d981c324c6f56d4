// Package natsbus implements bus.Bus over NATS.
//
// Every topic maps to two subjects under the namespace: a core subject for
// ephemeral pub/sub and a stream subject captured by a JetStream stream.
// Mirrored publishes go to both. Consumer-group subscriptions are durable
// JetStream pull consumers on the stream subject, so messages published
// while a group has no live member are delivered when one returns.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semflow/bus"
	"github.com/c360studio/semflow/errs"
)

// Headers carried on every message.
const (
	HeaderMessageID    = "Semflow-Message-Id"
	HeaderPartitionKey = "Semflow-Partition-Key"
)

// Config configures the adapter.
type Config struct {
	// Namespace prefixes every subject.
	Namespace string
	// StreamName is the JetStream stream holding mirrored messages.
	StreamName string
	// MaxAge bounds how long mirrored messages are retained.
	MaxAge time.Duration
	// DuplicateWindow is the server-side deduplication window for message ids.
	DuplicateWindow time.Duration
	// MaxAckPending caps unacknowledged deliveries per durable consumer.
	MaxAckPending int
}

// DefaultConfig returns production defaults for namespace.
func DefaultConfig(namespace string) Config {
	return Config{
		Namespace:       namespace,
		StreamName:      strings.ToUpper(sanitize(namespace)),
		MaxAge:          7 * 24 * time.Hour,
		DuplicateWindow: 2 * time.Minute,
		MaxAckPending:   256,
	}
}

// Bus implements bus.Bus.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

var _ bus.Bus = (*Bus)(nil)

// New creates the adapter and ensures the mirror stream exists. The caller
// keeps ownership of nc.
func New(ctx context.Context, nc *nats.Conn, cfg Config, logger *slog.Logger) (*Bus, error) {
	if nc == nil {
		return nil, fmt.Errorf("NATS connection required")
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("namespace required")
	}
	defaults := DefaultConfig(cfg.Namespace)
	if cfg.StreamName == "" {
		cfg.StreamName = defaults.StreamName
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = defaults.MaxAge
	}
	if cfg.DuplicateWindow == 0 {
		cfg.DuplicateWindow = defaults.DuplicateWindow
	}
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = defaults.MaxAckPending
	}
	if logger == nil {
		logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	b := &Bus{
		nc:     nc,
		js:     js,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}

	if err := b.ensureStream(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) ensureStream(ctx context.Context) error {
	streamCfg := jetstream.StreamConfig{
		Name:        b.cfg.StreamName,
		Description: fmt.Sprintf("Mirrored messages for namespace %s", b.cfg.Namespace),
		Subjects:    []string{b.cfg.Namespace + ".stream.>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      b.cfg.MaxAge,
		Duplicates:  b.cfg.DuplicateWindow,
	}

	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		_, err := b.js.CreateOrUpdateStream(ctx, streamCfg)
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.Code == 400 {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", b.cfg.StreamName, err)
	}

	b.logger.Debug("JetStream stream ready",
		"stream", b.cfg.StreamName,
		"subjects", streamCfg.Subjects)
	return nil
}

// Subject returns the core subject for topic.
func (b *Bus) Subject(topic string) string {
	return b.cfg.Namespace + "." + strings.ReplaceAll(topic, ":", ".")
}

// StreamSubject returns the mirrored subject for topic.
func (b *Bus) StreamSubject(topic string) string {
	return b.cfg.Namespace + ".stream." + strings.ReplaceAll(topic, ":", ".")
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, opts ...bus.PublishOption) error {
	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return bus.ErrClosed
	}
	o := bus.NewPublishOptions(opts...)
	if o.MessageID == "" {
		o.MessageID = uuid.New().String()
	}

	msg := b.newMsg(b.Subject(topic), data, o)
	if err := b.nc.PublishMsg(msg); err != nil {
		return errs.NewTransientError("publish "+topic, err)
	}

	if o.Mirror {
		smsg := b.newMsg(b.StreamSubject(topic), data, o)
		if _, err := b.js.PublishMsg(ctx, smsg, jetstream.WithMsgID(o.MessageID)); err != nil {
			return errs.NewTransientError("mirror "+topic, err)
		}
	}
	return nil
}

func (b *Bus) newMsg(subject string, data []byte, o bus.PublishOptions) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderMessageID, o.MessageID)
	if o.PartitionKey != "" {
		msg.Header.Set(HeaderPartitionKey, o.PartitionKey)
	}
	return msg
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	if err := bus.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}
	if b.isClosed() {
		return nil, bus.ErrClosed
	}
	o := bus.NewSubscribeOptions(opts...)

	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{bus: b, topic: topic, cancel: cancel}

	if o.ConsumerGroup == "" {
		ns, err := b.nc.Subscribe(b.Subject(topic), func(m *nats.Msg) {
			msg := bus.NewMessage(topic, m.Header.Get(HeaderMessageID), m.Header.Get(HeaderPartitionKey), m.Data, 1, nil)
			if err := handler(hctx, msg); err != nil {
				b.logger.Debug("Core handler error", "topic", topic, "error", err)
			}
		})
		if err != nil {
			cancel()
			return nil, errs.NewTransientError("subscribe "+topic, err)
		}
		sub.core = ns
	} else {
		consumerCfg := jetstream.ConsumerConfig{
			Durable:       ConsumerName(o.ConsumerGroup, topic),
			Description:   fmt.Sprintf("Consumer group %s on %s", o.ConsumerGroup, topic),
			FilterSubject: b.StreamSubject(topic),
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       o.AckWait,
			MaxDeliver:    o.MaxDeliver,
			MaxAckPending: b.cfg.MaxAckPending,
		}
		consumer, err := b.js.CreateOrUpdateConsumer(ctx, b.cfg.StreamName, consumerCfg)
		if err != nil {
			cancel()
			return nil, errs.NewTransientError("create consumer "+consumerCfg.Durable, err)
		}

		cc, err := consumer.Consume(func(m jetstream.Msg) {
			deliveries := 1
			if meta, err := m.Metadata(); err == nil {
				deliveries = int(meta.NumDelivered)
			}
			headers := m.Headers()
			msg := bus.NewMessage(topic, headers.Get(HeaderMessageID), headers.Get(HeaderPartitionKey), m.Data(), deliveries, jsAcker{m})
			if err := handler(hctx, msg); err != nil && !msg.Settled() {
				if nakErr := msg.Nak(0); nakErr != nil {
					b.logger.Warn("Failed to NAK message", "topic", topic, "error", nakErr)
				}
			}
		})
		if err != nil {
			cancel()
			return nil, errs.NewTransientError("consume "+consumerCfg.Durable, err)
		}
		sub.consume = cc
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Info("Subscribed",
		"topic", bus.Qualified(b.cfg.Namespace, topic),
		"group", o.ConsumerGroup,
		"consumer_id", o.ConsumerID)
	return sub, nil
}

// Health implements bus.Bus.
func (b *Bus) Health(context.Context) bus.Health {
	if !b.nc.IsConnected() {
		return bus.Health{OK: false, Detail: b.nc.Status().String()}
	}
	rtt, err := b.nc.RTT()
	if err != nil {
		return bus.Health{OK: false, Detail: err.Error()}
	}
	return bus.Health{OK: true, Latency: rtt}
}

// Close stops every subscription. The NATS connection is left to its owner.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var errList []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errList = append(errList, err)
		}
	}
	if err := b.nc.FlushWithContext(ctx); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		errList = append(errList, fmt.Errorf("flush: %w", err))
	}
	return errors.Join(errList...)
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ConsumerName builds a durable consumer name from a group and topic.
// Durable names cannot contain '.', '*', '>' or whitespace.
func ConsumerName(group, topic string) string {
	return sanitize(group) + "_" + sanitize(topic)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

type subscription struct {
	bus     *Bus
	topic   string
	cancel  context.CancelFunc
	core    *nats.Subscription
	consume jetstream.ConsumeContext
	once    sync.Once
}

func (s *subscription) Topic() string {
	return s.topic
}

// Unsubscribe stops delivery. Durable consumers keep their position on the
// server so a later subscription to the same group resumes where this one
// stopped.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.consume != nil {
			s.consume.Stop()
		}
		if s.core != nil {
			if uerr := s.core.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
				err = fmt.Errorf("unsubscribe %s: %w", s.topic, uerr)
			}
		}
		s.cancel()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

type jsAcker struct {
	m jetstream.Msg
}

func (a jsAcker) Ack() error {
	return a.m.Ack()
}

func (a jsAcker) Nak(delay time.Duration) error {
	if delay > 0 {
		return a.m.NakWithDelay(delay)
	}
	return a.m.Nak()
}
