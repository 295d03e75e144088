// Package pubsubtest is a conformance suite for pubsub.Broker
// implementations.
package pubsubtest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/tokengate/internal/pubsub"
)

// Factory returns a fresh broker. Topics used by the suite are prefixed with
// the test name, so brokers may share a backend.
type Factory func(t *testing.T) pubsub.Broker

func Run(t *testing.T, factory Factory) {
	t.Run("DeliversInOrder", func(t *testing.T) { testDeliversInOrder(t, factory) })
	t.Run("NoReplay", func(t *testing.T) { testNoReplay(t, factory) })
	t.Run("FanOut", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("NextHonoursContext", func(t *testing.T) { testNextHonoursContext(t, factory) })
	t.Run("ClosedStream", func(t *testing.T) { testClosedStream(t, factory) })
}

func topic(t *testing.T) string {
	return fmt.Sprintf("%s-%d", t.Name(), time.Now().UnixNano())
}

func next(t *testing.T, s pubsub.Stream) pubsub.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := s.Next(ctx)
	require.NoError(t, err)
	return msg
}

func testDeliversInOrder(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()
	tp := topic(t)

	s, err := b.Subscribe(ctx, tp)
	require.NoError(t, err)
	defer s.Close()

	var ids []string
	for _, m := range []string{"a", "b", "c"} {
		id, err := b.Publish(ctx, tp, []byte(m))
		require.NoError(t, err)
		require.NotEmpty(t, id)
		ids = append(ids, id)
	}
	for i, want := range []string{"a", "b", "c"} {
		msg := next(t, s)
		require.Equal(t, want, string(msg.Data))
		require.Equal(t, ids[i], msg.ID)
		require.Equal(t, tp, msg.Topic)
	}
}

func testNoReplay(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()
	tp := topic(t)

	_, err := b.Publish(ctx, tp, []byte("before"))
	require.NoError(t, err)

	s, err := b.Subscribe(ctx, tp)
	require.NoError(t, err)
	defer s.Close()

	_, err = b.Publish(ctx, tp, []byte("after"))
	require.NoError(t, err)
	require.Equal(t, "after", string(next(t, s).Data))
}

func testFanOut(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()
	tp := topic(t)

	s1, err := b.Subscribe(ctx, tp)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := b.Subscribe(ctx, tp)
	require.NoError(t, err)
	defer s2.Close()

	_, err = b.Publish(ctx, tp, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, "hi", string(next(t, s1).Data))
	require.Equal(t, "hi", string(next(t, s2).Data))
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()
	a, other := topic(t)+"-a", topic(t)+"-b"

	s, err := b.Subscribe(ctx, a)
	require.NoError(t, err)
	defer s.Close()

	_, err = b.Publish(ctx, other, []byte("wrong"))
	require.NoError(t, err)
	_, err = b.Publish(ctx, a, []byte("right"))
	require.NoError(t, err)
	require.Equal(t, "right", string(next(t, s).Data))
}

func testNextHonoursContext(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	s, err := b.Subscribe(context.Background(), topic(t))
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = s.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func testClosedStream(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()

	s, err := b.Subscribe(context.Background(), topic(t))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Next(context.Background())
	require.True(t, errors.Is(err, pubsub.ErrClosed), "got %v", err)
}
