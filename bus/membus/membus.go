// Package membus is an in-process bus.Bus used by tests and single-binary
// local runs. It mirrors the delivery model of the NATS adapter: plain
// subscribers see every publish while they are subscribed; consumer-group
// subscribers see only stream-mirrored messages, start from the beginning
// of the mirror log when the group is first created, and get redelivery on
// Nak.
package membus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/semflow/bus"
)

const queueSize = 1024

// Bus implements bus.Bus in memory.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	topics map[string]*topicState
	nextID uint64

	wg sync.WaitGroup
}

type record struct {
	id   string
	key  string
	data []byte
}

type delivery struct {
	rec     record
	attempt int
}

type topicState struct {
	log    []record
	plain  map[uint64]*member
	groups map[string]*group
}

type group struct {
	name       string
	maxDeliver int
	members    []*member
	backlog    []delivery
	rr         int
}

type member struct {
	id      uint64
	topic   string
	group   *group
	handler bus.Handler
	bus     *Bus

	queue  chan delivery
	done   chan struct{}
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

var _ bus.Bus = (*Bus)(nil)

// New creates an empty in-memory bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger,
		topics: make(map[string]*topicState),
	}
}

func (b *Bus) topic(name string) *topicState {
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{
			plain:  make(map[uint64]*member),
			groups: make(map[string]*group),
		}
		b.topics[name] = ts
	}
	return ts
}

type target struct {
	m *member
	d delivery
}

// Publish implements bus.Bus.
func (b *Bus) Publish(ctx context.Context, topic string, data []byte, opts ...bus.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bus.ValidateTopic(topic); err != nil {
		return err
	}
	o := bus.NewPublishOptions(opts...)
	rec := record{id: o.MessageID, key: o.PartitionKey, data: append([]byte(nil), data...)}
	if rec.id == "" {
		rec.id = uuid.New().String()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	ts := b.topic(topic)
	targets := make([]target, 0, len(ts.plain)+len(ts.groups))
	for _, m := range ts.plain {
		targets = append(targets, target{m: m, d: delivery{rec: rec, attempt: 1}})
	}
	if o.Mirror {
		ts.log = append(ts.log, rec)
		for _, g := range ts.groups {
			d := delivery{rec: rec, attempt: 1}
			if m := g.pick(rec.key); m != nil {
				targets = append(targets, target{m: m, d: d})
			} else {
				g.backlog = append(g.backlog, d)
			}
		}
	}
	b.mu.Unlock()

	for _, t := range targets {
		b.enqueue(t.m, t.d)
	}
	return nil
}

// Subscribe implements bus.Bus.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler bus.Handler, opts ...bus.SubscribeOption) (bus.Subscription, error) {
	if err := bus.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", topic)
	}
	o := bus.NewSubscribeOptions(opts...)

	mctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m := &member{
		topic:   topic,
		handler: handler,
		bus:     b,
		queue:   make(chan delivery, queueSize),
		done:    make(chan struct{}),
		ctx:     mctx,
		cancel:  cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, bus.ErrClosed
	}
	b.nextID++
	m.id = b.nextID
	ts := b.topic(topic)

	var backlog []delivery
	if o.ConsumerGroup == "" {
		ts.plain[m.id] = m
	} else {
		g, ok := ts.groups[o.ConsumerGroup]
		if !ok {
			g = &group{name: o.ConsumerGroup, maxDeliver: o.MaxDeliver}
			for _, rec := range ts.log {
				g.backlog = append(g.backlog, delivery{rec: rec, attempt: 1})
			}
			ts.groups[o.ConsumerGroup] = g
		}
		g.members = append(g.members, m)
		m.group = g
		backlog = g.backlog
		g.backlog = nil
	}
	b.wg.Add(1)
	b.mu.Unlock()

	go m.run()

	for _, d := range backlog {
		b.enqueue(m, d)
	}

	b.logger.Debug("membus subscribed",
		"topic", topic,
		"group", o.ConsumerGroup,
		"consumer_id", o.ConsumerID,
		"backlog", len(backlog))
	return m, nil
}

// Health implements bus.Bus.
func (b *Bus) Health(context.Context) bus.Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return bus.Health{OK: false, Detail: "closed"}
	}
	return bus.Health{OK: true}
}

// Close stops every subscription and waits for their delivery loops.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var members []*member
	for _, ts := range b.topics {
		for _, m := range ts.plain {
			members = append(members, m)
		}
		for _, g := range ts.groups {
			members = append(members, g.members...)
		}
	}
	b.mu.Unlock()

	for _, m := range members {
		_ = m.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close membus: %w", ctx.Err())
	}
}

// Mirrored returns the payloads appended to topic's durable log, in order.
func (b *Bus) Mirrored(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(ts.log))
	for _, rec := range ts.log {
		out = append(out, append([]byte(nil), rec.data...))
	}
	return out
}

// enqueue hands d to m, falling back to the group when m has gone away.
func (b *Bus) enqueue(m *member, d delivery) {
	select {
	case <-m.done:
		b.reroute(m.group, d)
	default:
		select {
		case m.queue <- d:
		case <-m.done:
			b.reroute(m.group, d)
		}
	}
}

// reroute delivers d to another group member, or parks it in the group
// backlog until one subscribes. Plain deliveries are dropped.
func (b *Bus) reroute(g *group, d delivery) {
	if g == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	m := g.pick(d.rec.key)
	if m == nil {
		g.backlog = append(g.backlog, d)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	b.enqueue(m, d)
}

// pick routes by partition key so one key sticks to one member while the
// membership is stable. Callers hold the bus lock.
func (g *group) pick(key string) *member {
	if len(g.members) == 0 {
		return nil
	}
	if key == "" {
		g.rr++
		return g.members[g.rr%len(g.members)]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return g.members[int(h.Sum32()%uint32(len(g.members)))]
}

func (m *member) run() {
	defer m.bus.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case d := <-m.queue:
			m.deliver(d)
		}
	}
}

func (m *member) deliver(d delivery) {
	msg := bus.NewMessage(m.topic, d.rec.id, d.rec.key, d.rec.data, d.attempt, &acker{m: m, d: d})
	if err := m.handler(m.ctx, msg); err != nil && !msg.Settled() {
		_ = msg.Nak(0)
	}
}

// Topic implements bus.Subscription.
func (m *member) Topic() string {
	return m.topic
}

// Unsubscribe implements bus.Subscription. Queued group deliveries are
// handed back to the group.
func (m *member) Unsubscribe() error {
	b := m.bus
	b.mu.Lock()
	if ts, ok := b.topics[m.topic]; ok {
		if m.group == nil {
			delete(ts.plain, m.id)
		} else {
			members := m.group.members[:0]
			for _, other := range m.group.members {
				if other != m {
					members = append(members, other)
				}
			}
			m.group.members = members
		}
	}
	b.mu.Unlock()

	m.once.Do(func() {
		close(m.done)
		m.cancel()
	})

	for {
		select {
		case d := <-m.queue:
			b.reroute(m.group, d)
		default:
			return nil
		}
	}
}

type acker struct {
	m *member
	d delivery
}

func (a *acker) Ack() error {
	return nil
}

// Nak schedules redelivery for group subscriptions. Plain subscriptions are
// fire-and-forget, as with core NATS.
func (a *acker) Nak(delay time.Duration) error {
	g := a.m.group
	if g == nil {
		return nil
	}
	if g.maxDeliver > 0 && a.d.attempt >= g.maxDeliver {
		a.m.bus.logger.Warn("membus dropping message after max deliveries",
			"topic", a.m.topic,
			"message_id", a.d.rec.id,
			"deliveries", a.d.attempt)
		return nil
	}
	next := delivery{rec: a.d.rec, attempt: a.d.attempt + 1}
	redeliver := func() {
		a.m.bus.enqueue(a.m, next)
	}
	if delay <= 0 {
		go redeliver()
		return nil
	}
	time.AfterFunc(delay, redeliver)
	return nil
}
