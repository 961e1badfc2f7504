// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry metrics for the hub, exposed in
// Prometheus exposition format on /metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/stacklok/toolhub/pkg/versions"
)

// Metrics instruments the hub's backend lifecycle and forwarded traffic.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry

	loadAttempts   metric.Int64Counter
	loadOutcomes   metric.Int64Counter
	forwardedCalls metric.Int64Counter
	forwardLatency metric.Float64Histogram
	backendsReady  metric.Int64UpDownCounter
}

// New builds a meter provider backed by a Prometheus exporter and registers
// the hub's instruments on it.
func New(serviceName string) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(versions.Version),
	)

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(serviceName,
		metric.WithInstrumentationVersion(versions.Version))

	m := &Metrics{provider: provider, registry: registry}

	if m.loadAttempts, err = meter.Int64Counter("toolhub_backend_load_attempts_total",
		metric.WithDescription("Backend load attempts, by backend")); err != nil {
		return nil, err
	}
	if m.loadOutcomes, err = meter.Int64Counter("toolhub_backend_load_outcomes_total",
		metric.WithDescription("Terminal load outcomes, by backend and outcome")); err != nil {
		return nil, err
	}
	if m.forwardedCalls, err = meter.Int64Counter("toolhub_forwarded_calls_total",
		metric.WithDescription("Protocol calls forwarded to backends, by backend and result")); err != nil {
		return nil, err
	}
	if m.forwardLatency, err = meter.Float64Histogram("toolhub_forward_duration_seconds",
		metric.WithDescription("Forwarded call latency, by backend"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.backendsReady, err = meter.Int64UpDownCounter("toolhub_backends_ready",
		metric.WithDescription("Number of backends currently ready")); err != nil {
		return nil, err
	}

	return m, nil
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

// RecordLoadAttempt counts one load attempt for a backend.
func (m *Metrics) RecordLoadAttempt(ctx context.Context, backendID string) {
	m.loadAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backendID)))
}

// RecordLoadOutcome counts a terminal load outcome ("ready" or "failed").
func (m *Metrics) RecordLoadOutcome(ctx context.Context, backendID, outcome string) {
	m.loadOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", backendID),
		attribute.String("outcome", outcome),
	))
}

// RecordForward counts one forwarded call and its latency.
func (m *Metrics) RecordForward(ctx context.Context, backendID string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backendID),
		attribute.String("result", result),
	)
	m.forwardedCalls.Add(ctx, 1, attrs)
	m.forwardLatency.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("backend", backendID)))
}

// BackendReady adjusts the ready gauge by delta (+1 when a backend reaches
// ready, -1 when it leaves).
func (m *Metrics) BackendReady(ctx context.Context, delta int64) {
	m.backendsReady.Add(ctx, delta)
}
