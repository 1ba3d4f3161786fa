/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the gateway.
//
// Custom span attributes use the `mcpgw.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "marcus-qen.io/jurisdiction"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("mcp-gateway"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartProxySpan creates the parent span for a proxied MCP call.
func StartProxySpan(ctx context.Context, server, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.proxy",
		trace.WithAttributes(
			attribute.String("mcpgw.server", server),
			attribute.String("mcpgw.tool", tool),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartDecisionSpan creates a child span for a policy evaluation.
func StartDecisionSpan(ctx context.Context, server, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.decide",
		trace.WithAttributes(
			attribute.String("mcpgw.server", server),
			attribute.String("mcpgw.tool", tool),
		),
	)
}

// EndDecisionSpan enriches the decision span with the verdict.
func EndDecisionSpan(span trace.Span, decision string, allowed bool, reason string) {
	span.SetAttributes(
		attribute.String("mcpgw.decision", decision),
		attribute.Bool("mcpgw.allowed", allowed),
	)
	if !allowed {
		span.SetAttributes(attribute.String("mcpgw.deny_reason", reason))
	}
	span.End()
}

// StartScanSpan creates a span for a scan lifecycle step.
func StartScanSpan(ctx context.Context, scanID, server, step string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gateway.scan."+step,
		trace.WithAttributes(
			attribute.String("mcpgw.scan_id", scanID),
			attribute.String("mcpgw.server", server),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
