// Package telemetry wires tracing and error reporting for the process.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/guillaumesp/webvitals/internal/config"
)

// ShutdownFunc flushes and stops whatever Setup started.
type ShutdownFunc func(context.Context) error

// Setup installs the global tracer provider and initialises Sentry. Both are
// skipped when their endpoint is not configured.
func Setup(ctx context.Context, cfg *config.Config, version string, logger *log.Logger) (ShutdownFunc, error) {
	var shutdowns []ShutdownFunc

	if cfg.Sentry.DSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Sentry.DSN,
			Environment:      cfg.Sentry.Environment,
			Release:          version,
			AttachStacktrace: true,
		})
		if err != nil {
			return nil, fmt.Errorf("sentry init: %w", err)
		}
		logger.Info("sentry enabled", "environment", cfg.Sentry.Environment)
		shutdowns = append(shutdowns, func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}

	if cfg.OTel.Endpoint != "" {
		tp, err := newTracerProvider(ctx, cfg.OTel, version)
		if err != nil {
			return nil, errors.Join(err, shutdownAll(ctx, shutdowns))
		}
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		logger.Info("tracing enabled", "endpoint", cfg.OTel.Endpoint)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	return func(ctx context.Context) error {
		return shutdownAll(ctx, shutdowns)
	}, nil
}

func newTracerProvider(ctx context.Context, cfg config.OTel, version string) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", version),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

func shutdownAll(ctx context.Context, fns []ShutdownFunc) error {
	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		errs = append(errs, fns[i](ctx))
	}
	return errors.Join(errs...)
}
