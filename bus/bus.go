// Package bus defines the broker-agnostic publish/subscribe port used by
// every coordinator. Adapters live in sub-packages.
//
// Delivery is at-least-once. A handler may see the same message more than
// once and must be idempotent; the coordinator package provides that on top
// of this port.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives a delivered message and owns it: it must settle it with
// Ack or Nak, now or later. When the handler returns an error without having
// settled the message, the adapter naks it for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Acker settles a delivery with the underlying broker.
type Acker interface {
	Ack() error
	Nak(delay time.Duration) error
}

// Message is one delivery of a published payload.
type Message struct {
	Topic        string
	ID           string
	PartitionKey string
	Data         []byte
	// Deliveries counts how many times this message has been delivered,
	// starting at 1.
	Deliveries int

	acker   Acker
	settled atomic.Bool
}

// NewMessage is used by adapters to wrap a delivery.
func NewMessage(topic, id, partitionKey string, data []byte, deliveries int, acker Acker) *Message {
	return &Message{
		Topic:        topic,
		ID:           id,
		PartitionKey: partitionKey,
		Data:         data,
		Deliveries:   deliveries,
		acker:        acker,
	}
}

// Ack confirms processing. Only the first settlement reaches the broker.
func (m *Message) Ack() error {
	if !m.settled.CompareAndSwap(false, true) || m.acker == nil {
		return nil
	}
	return m.acker.Ack()
}

// Nak requests redelivery after delay. Only the first settlement reaches the broker.
func (m *Message) Nak(delay time.Duration) error {
	if !m.settled.CompareAndSwap(false, true) || m.acker == nil {
		return nil
	}
	return m.acker.Nak(delay)
}

// Settled reports whether Ack or Nak has been called.
func (m *Message) Settled() bool {
	return m.settled.Load()
}

// Subscription is a live registration returned by Subscribe.
type Subscription interface {
	Topic() string
	Unsubscribe() error
}

// Health reports broker connectivity.
type Health struct {
	OK      bool
	Latency time.Duration
	Detail  string
}

// Bus is the message-bus port.
type Bus interface {
	// Publish sends data to topic. With WithStreamMirror the message is also
	// appended to a durable, replayable log; consumer-group subscribers only
	// see mirrored messages.
	Publish(ctx context.Context, topic string, data []byte, opts ...PublishOption) error

	// Subscribe registers handler for topic. With WithConsumerGroup the
	// subscription is durable and members of the same group share delivery.
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (Subscription, error)

	Health(ctx context.Context) Health

	// Close stops every subscription created through this bus.
	Close(ctx context.Context) error
}

// AutoAck adapts fn into a Handler that acks on success and naks on error.
func AutoAck(fn func(ctx context.Context, msg *Message) error) Handler {
	return func(ctx context.Context, msg *Message) error {
		if err := fn(ctx, msg); err != nil {
			return err
		}
		return msg.Ack()
	}
}
