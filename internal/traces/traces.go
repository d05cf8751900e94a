// Package traces wires OpenTelemetry tracing. Spans cover scoring and the
// history reads behind it; export goes to an OTLP gRPC collector.
package traces

import (
	"context"
	"log/slog"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/txguard"
	serviceName = "txguard"
)

// Config selects where spans go.
type Config struct {
	Endpoint    string  // OTLP gRPC collector; empty disables export
	SampleRatio float64 // fraction of new traces kept
	Version     string
}

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// Init installs the global tracer provider. With no endpoint it leaves the
// no-op provider in place.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled", "reason", "OTEL_EXPORTER_OTLP_ENDPOINT not set")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp, err := newProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// newProvider builds a provider tagged with the service resource. Child
// spans follow their parent's sampling decision.
func newProvider(ctx context.Context, cfg Config, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	return sdktrace.NewTracerProvider(opts...), nil
}

// StartSpan starts a span on the txguard tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed.
func Fail(span trace.Span, err error, description string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}

func TransactionID(id int64) attribute.KeyValue {
	return attribute.String("txguard.transaction.id", strconv.FormatInt(id, 10))
}

func UserID(id int64) attribute.KeyValue {
	return attribute.String("txguard.user.id", strconv.FormatInt(id, 10))
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("txguard.amount", amount)
}

func RuleSet(version string) attribute.KeyValue {
	return attribute.String("txguard.rule_set", version)
}

func Decision(decision string) attribute.KeyValue {
	return attribute.String("txguard.decision", decision)
}

// Violations records the violated rule ids.
func Violations(ids []string) attribute.KeyValue {
	return attribute.StringSlice("txguard.violations", ids)
}
