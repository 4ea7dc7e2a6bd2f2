// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel installs the OpenTelemetry SDK used by the router's traces
// and metrics. Both signals are exported over OTLP/gRPC.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/joynr/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	exportTimeout  = 30 * time.Second
	batchTimeout   = 5 * time.Second
	maxBatchSize   = 512
	metricInterval = 10 * time.Second
)

// Telemetry holds the providers installed by Setup.
type Telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Setup registers global tracer and meter providers for the enabled
// signals. With tracing disabled a no-op tracer provider is installed.
func Setup(ctx context.Context, cfg config.OtelConfig, instanceID string) (*Telemetry, error) {
	res, err := describe(cfg, instanceID)
	if err != nil {
		return nil, err
	}

	tel := &Telemetry{}
	if cfg.TracesEnabled {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithTimeout(exportTimeout))
		if err != nil {
			return nil, fmt.Errorf("trace exporter: %w", err)
		}
		tel.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
			sdktrace.WithBatcher(exp,
				sdktrace.WithMaxExportBatchSize(maxBatchSize),
				sdktrace.WithBatchTimeout(batchTimeout)))
		otel.SetTracerProvider(tel.traces)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.MetricsEnabled {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithTimeout(exportTimeout))
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("metric exporter: %w", err)
		}
		tel.metrics = sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(metricInterval))))
		otel.SetMeterProvider(tel.metrics)
	}

	return tel, nil
}

// Shutdown flushes pending telemetry and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.metrics != nil {
		errs = append(errs, t.metrics.Shutdown(ctx))
	}
	if t.traces != nil {
		errs = append(errs, t.traces.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func describe(cfg config.OtelConfig, instanceID string) (*resource.Resource, error) {
	own := resource.NewSchemaless(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(instanceID))
	res, err := resource.Merge(resource.Default(), own)
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}
	return res, nil
}

// sampler follows the parent decision and samples root spans at rate.
func sampler(rate float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case rate >= 1:
		root = sdktrace.AlwaysSample()
	case rate <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(rate)
	}
	return sdktrace.ParentBased(root)
}
