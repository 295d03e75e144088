package executor

import (
	"context"
	"fmt"
	"sync"
)

// MockResolver resolves one field value in tests.
type MockResolver func(ctx context.Context, source any, args map[string]any) (any, error)

// MockSubscriber creates a subscription source stream in tests.
type MockSubscriber func(ctx context.Context, args map[string]any) (<-chan SourceEvent, error)

const (
	CallKindSync      = "sync"
	CallKindAsync     = "async"
	CallKindSubscribe = "subscribe"
)

func NewMockValueResolver(val any) MockResolver {
	return func(context.Context, any, map[string]any) (any, error) { return val, nil }
}

func NewMockErrorResolver(err error) MockResolver {
	return func(context.Context, any, map[string]any) (any, error) { return nil, err }
}

// NewMockStream returns a MockSubscriber emitting values in order, then
// closing the stream.
func NewMockStream(values ...any) MockSubscriber {
	return func(ctx context.Context, _ map[string]any) (<-chan SourceEvent, error) {
		ch := make(chan SourceEvent)
		go func() {
			defer close(ch)
			for _, v := range values {
				ev := SourceEvent{Value: v}
				if err, ok := v.(error); ok {
					ev = SourceEvent{Error: err}
				}
				select {
				case <-ctx.Done():
					return
				case ch <- ev:
				}
			}
		}()
		return ch, nil
	}
}

// Call records one runtime invocation. Async calls of one batch share a
// BatchID; sync calls have BatchID 0.
type Call struct {
	Kind       string
	ObjectType string
	Field      string
	Source     any
	Args       map[string]any
	BatchID    int
}

// MockRuntime is a SubscriptionRuntime backed by per-field functions keyed
// "Type.field". Unknown fields resolve to null.
type MockRuntime struct {
	mu          sync.Mutex
	resolvers   map[string]MockResolver
	subscribers map[string]MockSubscriber
	calls       []Call
	batchSeq    int

	typeResolver func(value any) (string, error)
}

func NewMockRuntime(resolvers map[string]MockResolver) *MockRuntime {
	m := &MockRuntime{
		resolvers:   make(map[string]MockResolver, len(resolvers)),
		subscribers: make(map[string]MockSubscriber),
		typeResolver: func(value any) (string, error) {
			if obj, ok := value.(map[string]any); ok {
				if name, ok := obj["__typename"].(string); ok {
					return name, nil
				}
			}
			return "", fmt.Errorf("cannot resolve type of %T", value)
		},
	}
	for k, v := range resolvers {
		m.resolvers[k] = v
	}
	return m
}

func (m *MockRuntime) SetResolver(objectType, field string, r MockResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[objectType+"."+field] = r
}

// SetSubscriber registers the source stream of a subscription root field.
func (m *MockRuntime) SetSubscriber(field string, s MockSubscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[field] = s
}

func (m *MockRuntime) SetTypeResolver(f func(value any) (string, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typeResolver = f
}

func (m *MockRuntime) resolver(objectType, field string) MockResolver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolvers[objectType+"."+field]
}

func (m *MockRuntime) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
}

func (m *MockRuntime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	m.record(Call{Kind: CallKindSync, ObjectType: objectType, Field: field, Source: source, Args: args})
	if r := m.resolver(objectType, field); r != nil {
		return r(ctx, source, args)
	}
	return nil, nil
}

func (m *MockRuntime) BatchResolveAsync(ctx context.Context, tasks []AsyncResolveTask) []AsyncResolveResult {
	if len(tasks) == 0 {
		return nil
	}
	m.mu.Lock()
	m.batchSeq++
	batchID := m.batchSeq
	m.mu.Unlock()

	results := make([]AsyncResolveResult, len(tasks))
	for i, t := range tasks {
		m.record(Call{Kind: CallKindAsync, ObjectType: t.ObjectType, Field: t.Field, Source: t.Source, Args: t.Args, BatchID: batchID})
		if r := m.resolver(t.ObjectType, t.Field); r != nil {
			v, err := r(ctx, t.Source, t.Args)
			results[i] = AsyncResolveResult{Value: v, Error: err}
		}
	}
	return results
}

func (m *MockRuntime) ResolveType(_ context.Context, _ string, value any) (string, error) {
	m.mu.Lock()
	f := m.typeResolver
	m.mu.Unlock()
	return f(value)
}

func (m *MockRuntime) SerializeLeafValue(_ context.Context, _ string, value any) (any, error) {
	return value, nil
}

func (m *MockRuntime) Subscribe(ctx context.Context, field string, args map[string]any) (<-chan SourceEvent, error) {
	m.record(Call{Kind: CallKindSubscribe, Field: field, Args: args})
	m.mu.Lock()
	s := m.subscribers[field]
	m.mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("no subscription source for field %q", field)
	}
	return s(ctx, args)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockRuntime) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
