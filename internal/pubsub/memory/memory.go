// Package memory provides a single-process pubsub.Broker built on channels.
package memory

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hanpama/tokengate/internal/pubsub"
)

// Buffer is the per-subscriber queue length. A subscriber that falls this
// far behind misses messages.
const Buffer = 64

type Broker struct {
	mu      sync.RWMutex
	topics  map[string]map[*stream]struct{}
	closed  bool
	counter atomic.Int64
}

func New() *Broker {
	return &Broker{topics: make(map[string]map[*stream]struct{})}
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	msg := pubsub.Message{
		ID:    strconv.FormatInt(b.counter.Add(1), 10),
		Topic: topic,
		Data:  append([]byte(nil), data...),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return "", pubsub.ErrClosed
	}
	for s := range b.topics[topic] {
		select {
		case s.ch <- msg:
		default:
			// subscriber is full
		}
	}
	return msg.ID, nil
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (pubsub.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &stream{broker: b, topic: topic, ch: make(chan pubsub.Message, Buffer), done: make(chan struct{})}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[*stream]struct{})
		b.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// Close ends every open stream.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.topics {
		for s := range subs {
			s.once.Do(func() { close(s.done) })
		}
	}
	b.topics = nil
	return nil
}

// Subscribers reports the number of open streams on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

func (b *Broker) remove(s *stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

type stream struct {
	broker *Broker
	topic  string
	ch     chan pubsub.Message
	done   chan struct{}
	once   sync.Once
}

func (s *stream) Next(ctx context.Context) (pubsub.Message, error) {
	// Queued messages win over a concurrent close.
	select {
	case msg := <-s.ch:
		return msg, nil
	default:
	}
	select {
	case msg := <-s.ch:
		return msg, nil
	case <-s.done:
		return pubsub.Message{}, pubsub.ErrClosed
	case <-ctx.Done():
		return pubsub.Message{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	s.broker.remove(s)
	return nil
}

var (
	_ pubsub.Broker = (*Broker)(nil)
	_ pubsub.Stream = (*stream)(nil)
)
