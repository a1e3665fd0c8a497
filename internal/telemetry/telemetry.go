// Package telemetry wires OpenTelemetry tracing and metrics. Without Init the
// global no-op providers are used, so instrumented code runs unchanged in tests.
package telemetry

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const scopeName = "github.com/innerchild2401/arsfafe"

// Attribute keys shared by spans and metrics.
var (
	AttrOperation = attribute.Key("llm.operation")
	AttrModel     = attribute.Key("llm.model")
	AttrStatus    = attribute.Key("status")
	AttrLayer     = attribute.Key("retrieve.layer")
	AttrStrategy  = attribute.Key("query.strategy")
)

// Instruments holds the metric instruments used across the service.
type Instruments struct {
	OracleCalls     metric.Int64Counter
	OracleDuration  metric.Float64Histogram
	EmbedRequests   metric.Int64Counter
	EmbedDuration   metric.Float64Histogram
	RetrievalLayers metric.Int64Counter
	Documents       metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *Instruments
)

// Get returns the process-wide instruments. Instruments created from the
// global meter follow a provider installed later by Init.
func Get() *Instruments {
	instOnce.Do(func() {
		var err error
		inst, err = newInstruments(otel.Meter(scopeName))
		if err != nil {
			inst, _ = newInstruments(noop.NewMeterProvider().Meter(scopeName))
		}
	})
	return inst
}

// Init installs OTLP HTTP trace and metric exporters. Endpoints and headers
// come from the standard OTEL_EXPORTER_OTLP_* environment variables.
// The returned function flushes and stops both providers.
func Init(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func newInstruments(meter metric.Meter) (*Instruments, error) {
	oracleCalls, err := meter.Int64Counter("oracle.requests",
		metric.WithDescription("Oracle request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	oracleDuration, err := meter.Float64Histogram("oracle.duration",
		metric.WithDescription("Oracle call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}
	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	layers, err := meter.Int64Counter("retrieve.layers",
		metric.WithDescription("Retrieval layer that produced the result"),
		metric.WithUnit("{query}"))
	if err != nil {
		return nil, err
	}
	docs, err := meter.Int64Counter("documents.processed",
		metric.WithDescription("Documents that finished processing"),
		metric.WithUnit("{document}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		OracleCalls:     oracleCalls,
		OracleDuration:  oracleDuration,
		EmbedRequests:   embedRequests,
		EmbedDuration:   embedDuration,
		RetrievalLayers: layers,
		Documents:       docs,
	}, nil
}
