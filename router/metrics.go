// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/joynr/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the router's OpenTelemetry instruments.
type Metrics struct {
	routed     metric.Int64Counter
	delivered  metric.Int64Counter
	expired    metric.Int64Counter
	failed     metric.Int64Counter
	retries    metric.Int64Counter
	retryDelay metric.Float64Histogram
	entries    metric.Int64ObservableGauge
}

// NewMetrics creates the router instruments on meter. entries reports the
// routing table size.
func NewMetrics(meter metric.Meter, entries func() int) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.routed, err = meter.Int64Counter(
		"joynr.router.messages.routed",
		metric.WithDescription("Messages accepted for routing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routed counter: %w", err)
	}

	m.delivered, err = meter.Int64Counter(
		"joynr.router.messages.delivered",
		metric.WithDescription("Messages delivered to every destination"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.expired, err = meter.Int64Counter(
		"joynr.router.messages.expired",
		metric.WithDescription("Messages dropped because they expired"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired counter: %w", err)
	}

	m.failed, err = meter.Int64Counter(
		"joynr.router.messages.failed",
		metric.WithDescription("Messages that failed permanently"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.retries, err = meter.Int64Counter(
		"joynr.router.retries",
		metric.WithDescription("Delivery attempts rescheduled after a transient failure"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retries counter: %w", err)
	}

	m.retryDelay, err = meter.Float64Histogram(
		"joynr.router.retry.delay",
		metric.WithDescription("Delay before a delivery retry"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry delay histogram: %w", err)
	}

	if entries != nil {
		m.entries, err = meter.Int64ObservableGauge(
			"joynr.routing.entries",
			metric.WithDescription("Entries in the routing table"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(entries()))
				return nil
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create routing entries gauge: %w", err)
		}
	}

	return m, nil
}

func typeAttr(t message.Type) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("type", string(t)))
}

func (m *Metrics) recordRouted(ctx context.Context, t message.Type) {
	if m == nil {
		return
	}
	m.routed.Add(ctx, 1, typeAttr(t))
}

func (m *Metrics) recordDelivered(ctx context.Context, t message.Type) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, typeAttr(t))
}

func (m *Metrics) recordExpired(ctx context.Context, t message.Type) {
	if m == nil {
		return
	}
	m.expired.Add(ctx, 1, typeAttr(t))
}

func (m *Metrics) recordFailed(ctx context.Context, t message.Type) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, typeAttr(t))
}

func (m *Metrics) recordRetry(ctx context.Context, t message.Type, delay time.Duration) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, typeAttr(t))
	m.retryDelay.Record(ctx, float64(delay.Milliseconds()), typeAttr(t))
}
