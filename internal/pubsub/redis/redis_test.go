package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hanpama/tokengate/internal/pubsub"
	"github.com/hanpama/tokengate/internal/pubsub/pubsubtest"
)

func redisAddr() string {
	if addr := os.Getenv("TOKENGATE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisBroker(t *testing.T) {
	probe := redis.NewClient(&redis.Options{Addr: redisAddr()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := probe.Ping(ctx).Err(); err != nil {
		probe.Close()
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	pubsubtest.Run(t, func(*testing.T) pubsub.Broker {
		return New(Config{
			Client:    redis.NewClient(&redis.Options{Addr: redisAddr()}),
			KeyPrefix: "test:tokengate:",
			MaxLen:    100,
			Block:     100 * time.Millisecond,
		})
	})
}
