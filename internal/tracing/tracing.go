// Package tracing wraps the conversation loop's backend calls and tool
// executions in OpenTelemetry spans. Adapted from the teacher's
// emitLLMSpan/emitToolSpan (internal/agent/loop_tracing.go), which recorded
// spans into its own store.SpanData table; here the spans go through the
// real OpenTelemetry SDK instead, matching the trace.Tracer/startSpan
// pattern in the pack's cagent runtime (pkg/runtime/runtime.go).
package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an otel trace.Tracer, returning a no-op span when nil —
// the same "tracing is optional" shape as cagent's runtime.startSpan.
type Tracer struct {
	tracer trace.Tracer
}

// New wraps t. Passing a nil t (e.g. when telemetry is disabled in config)
// produces a Tracer whose spans are all no-ops.
func New(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil || t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// BackendCall wraps one CallAPI invocation in a "runner.backend_call" span,
// recording the adapter name, model, duration, and token usage reported by
// the call (teacher's emitLLMSpan recorded the same fields against its own
// span store).
func (t *Tracer) BackendCall(ctx context.Context, adapter, model string, fn func(ctx context.Context) (promptTokens, completionTokens int, err error)) error {
	ctx, span := t.start(ctx, "runner.backend_call",
		attribute.String("adapter", adapter),
		attribute.String("model", model),
	)
	defer span.End()

	start := time.Now()
	promptTokens, completionTokens, err := fn(ctx)
	span.SetAttributes(
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
		attribute.Int("tokens.prompt", promptTokens),
		attribute.Int("tokens.completion", completionTokens),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// ToolCall wraps one tool Execute invocation in a "tools.execute" span.
func (t *Tracer) ToolCall(ctx context.Context, toolName string, fn func(ctx context.Context) (success bool, err error)) error {
	ctx, span := t.start(ctx, "tools.execute", attribute.String("tool.name", toolName))
	defer span.End()

	start := time.Now()
	success, err := fn(ctx)
	span.SetAttributes(
		attribute.Int64("duration_ms", time.Since(start).Milliseconds()),
		attribute.Bool("tool.success", success),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if !success {
		span.SetStatus(codes.Error, "tool reported failure")
		return nil
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
