package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hanpama/tokengate/internal/eventbus"
	"github.com/hanpama/tokengate/internal/events"
)

// Metrics records request, operation and connection instruments.
type Metrics struct {
	httpRequests metric.Int64Counter
	httpDuration metric.Float64Histogram
	operations   metric.Int64Counter
	opDuration   metric.Float64Histogram
	connections  metric.Int64UpDownCounter
	inits        metric.Int64Counter
	activeOps    metric.Int64UpDownCounter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.httpRequests, err = meter.Int64Counter("tokengate.http.requests",
		metric.WithDescription("HTTP requests served by the request endpoint")); err != nil {
		return nil, err
	}
	if m.httpDuration, err = meter.Float64Histogram("tokengate.http.duration",
		metric.WithUnit("s"), metric.WithDescription("HTTP request duration")); err != nil {
		return nil, err
	}
	if m.operations, err = meter.Int64Counter("tokengate.graphql.operations",
		metric.WithDescription("GraphQL operations executed")); err != nil {
		return nil, err
	}
	if m.opDuration, err = meter.Float64Histogram("tokengate.graphql.duration",
		metric.WithUnit("s"), metric.WithDescription("GraphQL operation duration, subscriptions included")); err != nil {
		return nil, err
	}
	if m.connections, err = meter.Int64UpDownCounter("tokengate.ws.connections",
		metric.WithDescription("Open WebSocket connections")); err != nil {
		return nil, err
	}
	if m.inits, err = meter.Int64Counter("tokengate.ws.inits",
		metric.WithDescription("connection_init handshakes by outcome")); err != nil {
		return nil, err
	}
	if m.activeOps, err = meter.Int64UpDownCounter("tokengate.ws.operations.active",
		metric.WithDescription("Active streaming operations")); err != nil {
		return nil, err
	}
	return m, nil
}

// Register subscribes m to bus and returns a func detaching it.
func (m *Metrics) Register(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.HTTPFinish) {
			attrs := metric.WithAttributes(
				attribute.String("method", e.Request.Method),
				attribute.String("status", strconv.Itoa(e.Status)))
			m.httpRequests.Add(ctx, 1, attrs)
			m.httpDuration.Record(ctx, e.Duration.Seconds(), attrs)
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.GraphQLFinish) {
			attrs := metric.WithAttributes(
				attribute.String("transport", e.Transport),
				attribute.String("type", e.OperationType),
				attribute.Bool("errors", len(e.Errors) > 0))
			m.operations.Add(ctx, 1, attrs)
			m.opDuration.Record(ctx, e.Duration.Seconds(), attrs)
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, _ events.WSConnect) {
			m.connections.Add(ctx, 1)
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, _ events.WSClose) {
			m.connections.Add(ctx, -1)
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, e events.WSInit) {
			m.inits.Add(ctx, 1, metric.WithAttributes(
				attribute.Bool("accepted", e.Accepted),
				attribute.Bool("authenticated", e.Authenticated)))
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, _ events.WSOperationStart) {
			m.activeOps.Add(ctx, 1)
		}),
		eventbus.SubscribeTo(bus, func(ctx context.Context, _ events.WSOperationFinish) {
			m.activeOps.Add(ctx, -1)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
