// Package tokenapi is the demonstration GraphQL API served by tokengate. Its
// resolvers read the per-operation credential placed in the context by the
// transports.
package tokenapi

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hanpama/tokengate/internal/auth"
	"github.com/hanpama/tokengate/internal/executor"
	"github.com/hanpama/tokengate/internal/pubsub"
	"github.com/hanpama/tokengate/internal/ws"
)

//go:embed schema.graphql
var SDL string

// DefaultSecret is the credential the values subscription accepts unless
// configured otherwise.
const DefaultSecret = "123456"

var (
	ErrForbidden     = errors.New("Forbidden")
	ErrTokenRequired = errors.New("Token is required")
)

// API resolves the tokenapi schema.
type API struct {
	secret string
	broker pubsub.Broker
	logger *slog.Logger
}

var _ executor.SubscriptionRuntime = (*API)(nil)

type Option func(*API)

func WithSecret(s string) Option       { return func(a *API) { a.secret = s } }
func WithLogger(l *slog.Logger) Option { return func(a *API) { a.logger = l } }

func New(broker pubsub.Broker, opts ...Option) *API {
	a := &API{secret: DefaultSecret, broker: broker}
	for _, f := range opts {
		f(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

func (a *API) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	switch objectType + "." + field {
	case "Query.currentToken":
		if cred, ok := auth.FromContext(ctx); ok {
			return cred.Value(), nil
		}
		return nil, nil
	case "Mutation.publish":
		topic, _ := args["topic"].(string)
		message, _ := args["message"].(string)
		if _, err := a.broker.Publish(ctx, topic, []byte(message)); err != nil {
			a.logger.Error("tokenapi.publish.fail", "topic", topic, "err", err)
			return nil, fmt.Errorf("publish: %w", err)
		}
		return true, nil
	}
	return nil, fmt.Errorf("no resolver for %s.%s", objectType, field)
}

func (a *API) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	results := make([]executor.AsyncResolveResult, len(tasks))
	for i, t := range tasks {
		v, err := a.ResolveSync(ctx, t.ObjectType, t.Field, t.Source, t.Args)
		results[i] = executor.AsyncResolveResult{Value: v, Error: err}
	}
	return results
}

func (a *API) ResolveType(_ context.Context, abstractType string, _ any) (string, error) {
	return "", fmt.Errorf("type %s has no implementations", abstractType)
}

func (a *API) SerializeLeafValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (a *API) Subscribe(ctx context.Context, field string, args map[string]any) (<-chan executor.SourceEvent, error) {
	switch field {
	case "values":
		cred, ok := auth.FromContext(ctx)
		if !ok || cred.Value() != a.secret {
			return nil, ErrForbidden
		}
		out := make(chan executor.SourceEvent, 1)
		out <- executor.SourceEvent{Value: 10}
		close(out)
		return out, nil

	case "ticks":
		count, _ := args["count"].(int)
		interval, _ := args["intervalMs"].(int)
		if count < 0 || interval < 0 {
			return nil, errors.New("count and intervalMs must not be negative")
		}
		return ticks(ctx, count, time.Duration(interval)*time.Millisecond), nil

	case "messages":
		topic, _ := args["topic"].(string)
		stream, err := a.broker.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		return a.messages(ctx, stream), nil
	}
	return nil, fmt.Errorf("unknown subscription field %q", field)
}

func ticks(ctx context.Context, count int, interval time.Duration) <-chan executor.SourceEvent {
	out := make(chan executor.SourceEvent)
	go func() {
		defer close(out)
		for i := 0; i < count; i++ {
			if i > 0 && interval > 0 {
				t := time.NewTimer(interval)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- executor.SourceEvent{Value: i}:
			}
		}
	}()
	return out
}

func (a *API) messages(ctx context.Context, stream pubsub.Stream) <-chan executor.SourceEvent {
	out := make(chan executor.SourceEvent)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			msg, err := stream.Next(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, pubsub.ErrClosed) {
					a.logger.Warn("tokenapi.messages.fail", "err", err)
					select {
					case out <- executor.SourceEvent{Error: err}:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case out <- executor.SourceEvent{Value: string(msg.Data)}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// RequireToken is a ws.InitHook rejecting connections that present no
// credential.
func RequireToken(_ context.Context, req ws.InitRequest) (auth.Credential, error) {
	if req.Credential.IsZero() {
		return auth.Credential{}, ErrTokenRequired
	}
	return req.Credential, nil
}
