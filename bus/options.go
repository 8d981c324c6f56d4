package bus

import "time"

// Default subscription settings.
const (
	DefaultMaxDeliver = 5
	DefaultAckWait    = 30 * time.Second
)

// PublishOptions are resolved from PublishOption values.
type PublishOptions struct {
	PartitionKey string
	Mirror       bool
	MessageID    string
}

// PublishOption configures a single publish.
type PublishOption func(*PublishOptions)

// WithPartitionKey keeps messages sharing key in relative order.
func WithPartitionKey(key string) PublishOption {
	return func(o *PublishOptions) { o.PartitionKey = key }
}

// WithStreamMirror also appends the message to the durable stream.
func WithStreamMirror() PublishOption {
	return func(o *PublishOptions) { o.Mirror = true }
}

// WithMessageID sets the broker-level message id used for deduplication.
func WithMessageID(id string) PublishOption {
	return func(o *PublishOptions) { o.MessageID = id }
}

// NewPublishOptions applies opts.
func NewPublishOptions(opts ...PublishOption) PublishOptions {
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SubscribeOptions are resolved from SubscribeOption values.
type SubscribeOptions struct {
	ConsumerGroup string
	ConsumerID    string
	MaxDeliver    int
	AckWait       time.Duration
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*SubscribeOptions)

// WithConsumerGroup makes the subscription durable and shared by group.
func WithConsumerGroup(group string) SubscribeOption {
	return func(o *SubscribeOptions) { o.ConsumerGroup = group }
}

// WithConsumerID names this member of the group, for logs and broker metadata.
func WithConsumerID(id string) SubscribeOption {
	return func(o *SubscribeOptions) { o.ConsumerID = id }
}

// WithMaxDeliver bounds broker-level redeliveries of one message.
func WithMaxDeliver(n int) SubscribeOption {
	return func(o *SubscribeOptions) { o.MaxDeliver = n }
}

// WithAckWait sets how long the broker waits for settlement before redelivering.
func WithAckWait(d time.Duration) SubscribeOption {
	return func(o *SubscribeOptions) { o.AckWait = d }
}

// NewSubscribeOptions applies opts over the defaults.
func NewSubscribeOptions(opts ...SubscribeOption) SubscribeOptions {
	o := SubscribeOptions{
		MaxDeliver: DefaultMaxDeliver,
		AckWait:    DefaultAckWait,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
