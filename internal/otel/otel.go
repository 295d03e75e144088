// Package otel turns event bus events into OpenTelemetry spans and metrics.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanpama/tokengate/internal/eventbus"
)

const instrumentationName = "github.com/hanpama/tokengate"

type Config struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables tracing.
	Endpoint string
	Service  string
	// Metrics enables the Prometheus exporter served by Telemetry.MetricsHandler.
	Metrics bool
}

// Telemetry owns the providers created by Setup.
type Telemetry struct {
	// MetricsHandler serves the Prometheus scrape endpoint. Nil when metrics
	// are disabled.
	MetricsHandler http.Handler

	shutdown []func(context.Context) error
}

// Setup configures tracing and metrics and attaches their subscribers to bus.
// With an empty Endpoint and Metrics off it returns an inert Telemetry.
func Setup(ctx context.Context, bus *eventbus.Bus, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if cfg.Endpoint == "" && !cfg.Metrics {
		return t, nil
	}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.Service))

	if cfg.Endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown, unsubscriber(NewTracing(tp.Tracer(instrumentationName)).Register(bus)))
	}

	if cfg.Metrics {
		reg := prometheus.NewRegistry()
		exp, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("prometheus exporter: %w", err), t.Shutdown(ctx))
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp), sdkmetric.WithResource(res))
		otel.SetMeterProvider(mp)
		m, err := NewMetrics(mp.Meter(instrumentationName))
		if err != nil {
			return nil, errors.Join(err, mp.Shutdown(ctx), t.Shutdown(ctx))
		}
		t.shutdown = append(t.shutdown, mp.Shutdown, unsubscriber(m.Register(bus)))
		t.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return t, nil
}

// Shutdown detaches the subscribers and flushes the providers, in reverse
// order of creation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdown) - 1; i >= 0; i-- {
		errs = append(errs, t.shutdown[i](ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

func unsubscriber(unsubscribe func()) func(context.Context) error {
	return func(context.Context) error {
		unsubscribe()
		return nil
	}
}
