// Package redis implements pubsub.Broker on Redis Streams so that several
// gateway instances share one message flow.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanpama/tokengate/internal/pubsub"
)

// Broker keeps one Redis stream per topic. Streams are read without
// consumer groups so every subscriber sees every message.
type Broker struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	block     time.Duration
	logger    *slog.Logger
	closed    atomic.Bool
}

type Config struct {
	// Client is the Redis client to use. If nil, a client for Addr is
	// created and owned by the broker.
	Client redis.UniversalClient
	// Addr is used when Client is nil. Defaults to "localhost:6379".
	Addr string
	// KeyPrefix is prepended to all keys. Defaults to "tokengate:pubsub:".
	KeyPrefix string
	// MaxLen caps each stream approximately. 0 keeps everything.
	MaxLen int64
	// Block bounds a single XREAD so cancellation is noticed. Defaults to
	// one second.
	Block  time.Duration
	Logger *slog.Logger
}

func New(cfg Config) *Broker {
	client := cfg.Client
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	b := &Broker{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		maxLen:    cfg.MaxLen,
		block:     cfg.Block,
		logger:    cfg.Logger,
	}
	if b.keyPrefix == "" {
		b.keyPrefix = "tokengate:pubsub:"
	}
	if b.block <= 0 {
		b.block = time.Second
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.client.Close()
}

func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if b.closed.Load() {
		return "", pubsub.ErrClosed
	}
	args := &redis.XAddArgs{
		Stream: b.streamKey(topic),
		Values: map[string]any{"data": data},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", args.Stream, err)
	}
	return id, nil
}

// Subscribe records the current tail of the topic stream so the returned
// stream starts right after it.
func (b *Broker) Subscribe(ctx context.Context, topic string) (pubsub.Stream, error) {
	if b.closed.Load() {
		return nil, pubsub.ErrClosed
	}
	key := b.streamKey(topic)
	startID := "0-0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("subscribe to stream %s: %w", key, err)
	}
	if len(last) > 0 {
		startID = last[0].ID
	}
	return &stream{broker: b, topic: topic, key: key, startID: startID}, nil
}

func (b *Broker) streamKey(topic string) string {
	return b.keyPrefix + "stream:" + topic
}

type stream struct {
	broker  *Broker
	topic   string
	key     string
	startID string
	pending []pubsub.Message
	closed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (pubsub.Message, error) {
	for {
		if s.closed.Load() || s.broker.closed.Load() {
			return pubsub.Message{}, pubsub.ErrClosed
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if err := ctx.Err(); err != nil {
			return pubsub.Message{}, err
		}

		streams, err := s.broker.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.startID},
			Count:   16,
			Block:   s.broker.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return pubsub.Message{}, ctx.Err()
			}
			if s.closed.Load() || s.broker.closed.Load() {
				return pubsub.Message{}, pubsub.ErrClosed
			}
			return pubsub.Message{}, fmt.Errorf("read from stream %s: %w", s.key, err)
		}

		for _, st := range streams {
			for _, m := range st.Messages {
				s.startID = m.ID
				data, ok := m.Values["data"].(string)
				if !ok {
					s.broker.logger.Warn("pubsub.redis.malformed", "stream", s.key, "id", m.ID)
					continue
				}
				s.pending = append(s.pending, pubsub.Message{ID: m.ID, Topic: s.topic, Data: []byte(data)})
			}
		}
	}
}

func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ pubsub.Broker = (*Broker)(nil)
	_ pubsub.Stream = (*stream)(nil)
)
