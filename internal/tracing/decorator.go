package tracing

import (
	"context"

	"github.com/nextlevelbuilder/tether/internal/runner"
)

// tracedBackend decorates a runner.Backend, wrapping CallAPI in a
// "runner.backend_call" span without requiring internal/runner itself to
// import internal/tracing.
type tracedBackend struct {
	runner.Backend
	tracer *Tracer
	name   string
	model  string
}

// WrapBackend returns b unchanged if tracer is nil; otherwise it wraps b,
// even when tracer produces no-op spans. adapter/model are recorded as
// span attributes.
func WrapBackend(tracer *Tracer, adapter, model string, b runner.Backend) runner.Backend {
	if tracer == nil {
		return b
	}
	return &tracedBackend{Backend: b, tracer: tracer, name: adapter, model: model}
}

func (t *tracedBackend) CallAPI(ctx context.Context, sessionID string) (runner.CallResponse, []runner.ToolCall, error) {
	var resp runner.CallResponse
	var calls []runner.ToolCall
	err := t.tracer.BackendCall(ctx, t.name, t.model, func(ctx context.Context) (int, int, error) {
		var innerErr error
		resp, calls, innerErr = t.Backend.CallAPI(ctx, sessionID)
		return resp.PromptTokens, resp.OutputTokens, innerErr
	})
	return resp, calls, err
}

// tracedToolExecutor decorates a runner.ToolExecutor, wrapping each call
// in a "tools.execute" span.
type tracedToolExecutor struct {
	executor runner.ToolExecutor
	tracer   *Tracer
}

// WrapToolExecutor returns executor unchanged if tracer is nil.
func WrapToolExecutor(tracer *Tracer, executor runner.ToolExecutor) runner.ToolExecutor {
	if tracer == nil {
		return executor
	}
	return &tracedToolExecutor{executor: executor, tracer: tracer}
}

func (t *tracedToolExecutor) ExecuteToolCall(ctx context.Context, sessionID string, call runner.ToolCall) string {
	var content string
	_ = t.tracer.ToolCall(ctx, call.Name, func(ctx context.Context) (bool, error) {
		content = t.executor.ExecuteToolCall(ctx, sessionID, call)
		return true, nil
	})
	return content
}
