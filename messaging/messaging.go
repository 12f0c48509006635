// Package messaging moves outbox events to the broker and back. Delivery is
// at least once: a message stays with its consumer group until it is acked.
package messaging

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("messaging: closed")

type Message struct {
	ID      string            `json:"id"`
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload []byte            `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is one received message. Exactly one of Ack or Nack should be
// called; a nacked message is delivered again to the same group.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, cause error) error
}

type Subscriber interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
	Close() error
}

type Subscription struct {
	Topic    string
	Group    string
	Consumer string
}

type Broker interface {
	Publisher
	Subscribe(ctx context.Context, sub Subscription) (Subscriber, error)
	Close() error
}
