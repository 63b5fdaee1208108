// Package eventbus narrows the messaging surface to publish/subscribe.
//
// Two implementations share the contract: StreamBus is durable and
// backed by a Redis-family stream server with consumer groups; Memory
// is a process-local fan-out used by tests and development tooling.
package eventbus

import "context"

// TopicNormalizedEvents carries producer envelopes to the processor.
const TopicNormalizedEvents = "events.normalized"

// Handler processes one raw message payload. Returning an error leaves
// a durable entry unacknowledged so it stays in the pending-entries
// list for redelivery.
type Handler func(ctx context.Context, data []byte) error

// UnsubscribeFunc stops a subscription. It is idempotent; the consume
// loop observes the stop flag between blocking reads and after each
// handler invocation.
type UnsubscribeFunc func()

// Bus is the publish/subscribe contract.
type Bus interface {
	// Publish serializes payload as JSON onto the topic. Returns false
	// when the message could not be handed to the transport.
	Publish(ctx context.Context, topic string, payload any) bool

	// Subscribe starts an asynchronous consume loop for the topic.
	Subscribe(topic, group, consumer string, handler Handler) (UnsubscribeFunc, error)
}
