// Package broker defines the transport contract the RPC core consumes:
// publish with attached properties, subscribe with per-queue-FIFO
// delivery, a pluggable queue selector, and minimal topic administration.
// Two implementations exist: internal/broker/kafka (a real binding over
// franz-go) and internal/broker/memory (an in-process double used by the
// core's tests).
package broker

import "context"

// Message is one broker-level delivery: opaque bytes plus the string
// key/value properties the RPC layer uses to carry correlation metadata.
type Message struct {
	Payload    []byte
	Properties map[string]string
}

// Handler processes one inbound Message. Handlers must never block the
// broker's delivery loop for long; the Message Receiver dispatches into a
// bounded worker pool precisely so Handler can do real work safely.
type Handler func(ctx context.Context, msg Message)

// QueueSelector picks a destination queue index for a publish. Given the
// same topic, payload, and routingKey, with the queue count unchanged, it
// must always return the same index. It must not close over mutable state
// other than the broker's own topology view.
type QueueSelector func(topic string, payload []byte, routingKey string) int

// PublishOptions customizes a single Publish call.
type PublishOptions struct {
	// RoutingKey, when non-empty, is fed to the active QueueSelector to pin
	// this message to a specific queue (used for streaming sends).
	RoutingKey string
}

// Broker is the contract the RPC core needs from the underlying transport.
type Broker interface {
	// Publish sends payload with properties to topic. If opts.RoutingKey is
	// set, the broker's queue selector determines the destination queue;
	// otherwise the broker is free to choose any queue.
	Publish(ctx context.Context, topic string, payload []byte, properties map[string]string, opts PublishOptions) error

	// Subscribe registers handler against topic and begins delivering
	// messages. Returns once the subscription is established (or fails).
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)

	// TopicExists reports whether topic already exists.
	TopicExists(ctx context.Context, topic string) (bool, error)

	// EnsureTopic creates topic with the given read/write queue counts if
	// it does not already exist. Idempotent.
	EnsureTopic(ctx context.Context, topic string, queueCount int) error

	// SetQueueSelector installs the selector used for routed publishes.
	SetQueueSelector(selector QueueSelector)

	// Close releases all broker resources (connections, subscriptions).
	Close() error
}

// Subscription is a live subscription that can be torn down independently
// of the broker itself.
type Subscription interface {
	Unsubscribe() error
}
