/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the action gateway.
//
// Spans follow the OTel GenAI semantic conventions for provider calls
// against the llm provider type:
//   - gen_ai.system — the LLM vendor
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `actiongate.` prefix.
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
	tracerName = "github.com/marcus-qen/actiongate"
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
		otlptracegrpc.WithInsecure(), // always plaintext; TLS is not configured here
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("actiongate"),
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

// StartDispatchSpan creates the parent span covering one pipeline pass
// for a single dispatched action.
func StartDispatchSpan(ctx context.Context, actionType, tenant string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline.dispatch",
		trace.WithAttributes(
			attribute.String("actiongate.action_type", actionType),
			attribute.String("actiongate.tenant", tenant),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndDispatchSpan enriches the dispatch span with the terminal verdict
// outcome.
func EndDispatchSpan(span trace.Span, outcome, ruleID string) {
	span.SetAttributes(
		attribute.String("actiongate.outcome", outcome),
		attribute.String("actiongate.matched_rule", ruleID),
	)
	span.End()
}

// StartRuleEvalSpan creates a child span for rule snapshot evaluation.
func StartRuleEvalSpan(ctx context.Context, namespace string, ruleCount int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "rule.evaluate",
		trace.WithAttributes(
			attribute.String("actiongate.namespace", namespace),
			attribute.Int("actiongate.rule_count", ruleCount),
		),
	)
}

// StartProviderCallSpan creates a child span for a single provider
// execution, following GenAI conventions when providerType is "llm".
func StartProviderCallSpan(ctx context.Context, providerName, providerType, model string) (context.Context, trace.Span) {
	if providerType == "llm" {
		return Tracer().Start(ctx, "gen_ai.chat",
			trace.WithAttributes(
				attribute.String("gen_ai.system", providerName),
				attribute.String("gen_ai.request.model", model),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
	}
	return Tracer().Start(ctx, "provider.execute",
		trace.WithAttributes(
			attribute.String("actiongate.provider", providerName),
			attribute.String("actiongate.provider_type", providerType),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndProviderCallSpan enriches a provider span with the dispatch result,
// recording token usage when reported by an llm provider.
func EndProviderCallSpan(span trace.Span, result string, inputTokens, outputTokens int64) {
	span.SetAttributes(attribute.String("actiongate.result", result))
	if inputTokens > 0 || outputTokens > 0 {
		span.SetAttributes(
			attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
			attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		)
	}
	span.End()
}

// StartChainStepSpan creates a child span for a single chain step.
func StartChainStepSpan(ctx context.Context, chain, step string, index int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "chain.step",
		trace.WithAttributes(
			attribute.String("actiongate.chain", chain),
			attribute.String("actiongate.step", step),
			attribute.Int("actiongate.step_index", index),
		),
	)
}

// EndChainStepSpan enriches the chain step span with its terminal status.
func EndChainStepSpan(span trace.Span, status string, blocked bool, blockReason string) {
	span.SetAttributes(
		attribute.String("actiongate.step_status", status),
		attribute.Bool("actiongate.blocked", blocked),
	)
	if blocked {
		span.SetAttributes(attribute.String("actiongate.block_reason", blockReason))
	}
	span.End()
}

// StartAuditWriteSpan creates a child span for an audit sink write.
func StartAuditWriteSpan(ctx context.Context, actionID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "audit.write",
		trace.WithAttributes(
			attribute.String("actiongate.action_id", actionID),
		),
	)
}
