// Package pubsub defines the topic broker backing the messages
// subscription. Implementations live in the memory and redis subpackages.
package pubsub

import (
	"context"
	"errors"
)

// ErrClosed is returned by Stream.Next after the stream or its broker has
// been closed.
var ErrClosed = errors.New("pubsub: stream closed")

// Broker fans published messages out to every live subscriber of a topic.
type Broker interface {
	// Publish appends data to topic and returns the generated message id.
	Publish(ctx context.Context, topic string, data []byte) (id string, err error)

	// Subscribe returns a stream of the messages published to topic after
	// Subscribe returns. Earlier messages are never replayed.
	Subscribe(ctx context.Context, topic string) (Stream, error)

	// Close releases the broker. Open streams report ErrClosed.
	Close() error
}

// Stream yields the messages of one topic in publish order. A Stream is
// meant for a single consumer.
type Stream interface {
	// Next blocks until a message is available, ctx is done or the stream
	// is closed.
	Next(ctx context.Context) (Message, error)

	Close() error
}

// Message is one published payload.
type Message struct {
	ID    string
	Topic string
	Data  []byte
}
