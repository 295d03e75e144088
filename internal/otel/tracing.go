package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/events"
	"github.com/hanpama/tokengate/internal/reqid"
)

// Tracing records spans for HTTP requests, WebSocket connections and
// GraphQL operations. Operation spans are children of their HTTP request or
// WebSocket connection span.
type Tracing struct {
	tracer trace.Tracer
	spans  sync.Map // "http:"+rid, "gql:"+rid, "ws:"+connID -> trace.Span
}

func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (t *Tracing) start(ctx context.Context, key, name string, parentKey string, attrs ...attribute.KeyValue) {
	if v, ok := t.spans.Load(parentKey); ok {
		ctx = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	t.spans.Store(key, span)
}

func (t *Tracing) end(key string, fn func(trace.Span)) {
	v, ok := t.spans.LoadAndDelete(key)
	if !ok {
		return
	}
	span := v.(trace.Span)
	if fn != nil {
		fn(span)
	}
	span.End()
}

// Register subscribes t to bus and returns a func detaching it.
func (t *Tracing) Register(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			t.start(ctx, "http:"+rid, "http.request", "",
				attribute.String("http.request.method", e.Request.Method),
				attribute.String("url.path", e.Request.URL.Path))
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			t.end("http:"+rid, func(span trace.Span) {
				span.SetAttributes(attribute.Int("http.response.status_code", e.Status))
				if e.Batch > 0 {
					span.SetAttributes(attribute.Int("graphql.batch_size", e.Batch))
				}
				if e.Status >= 500 {
					span.SetStatus(codes.Error, "")
				}
			})
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.WSConnect) {
			t.start(ctx, "ws:"+e.ConnID, "ws.connection", "",
				attribute.String("ws.connection.id", e.ConnID),
				attribute.String("ws.protocol", e.Protocol))
		}),
		eventbus.SubscribeTo(bus, func(_ context.Context, e events.WSInit) {
			if v, ok := t.spans.Load("ws:" + e.ConnID); ok {
				v.(trace.Span).AddEvent("connection_init", trace.WithAttributes(
					attribute.Bool("accepted", e.Accepted),
					attribute.Bool("authenticated", e.Authenticated)))
			}
		}),
		eventbus.SubscribeTo(bus, func(_ context.Context, e events.WSClose) {
			t.end("ws:"+e.ConnID, func(span trace.Span) {
				span.SetAttributes(
					attribute.Int("ws.close.code", e.Code),
					attribute.String("ws.close.reason", e.Reason),
					attribute.Int("ws.operations", e.Operations))
			})
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GraphQLStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := "http:" + rid
			if e.Transport == events.TransportWebSocket {
				parent = "ws:" + e.ConnID
			}
			t.start(ctx, "gql:"+rid, "graphql.operation", parent,
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.String("graphql.transport", e.Transport),
				attribute.Bool("graphql.authenticated", e.Authenticated))
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GraphQLFinish) {
			rid, _ := reqid.FromContext(ctx)
			t.end("gql:"+rid, func(span trace.Span) {
				span.SetAttributes(
					attribute.Int("graphql.result_count", e.Results),
					attribute.Int("graphql.error_count", len(e.Errors)))
				for _, err := range e.Errors {
					span.RecordError(err)
				}
			})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
