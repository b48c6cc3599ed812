package tracing

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/tether/internal/runner"
)

type fakeBackend struct {
	calls int
}

func (f *fakeBackend) EmitHeader(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) AddUserMessage(ctx context.Context, sessionID, text string) error {
	return nil
}
func (f *fakeBackend) CallAPI(ctx context.Context, sessionID string) (runner.CallResponse, []runner.ToolCall, error) {
	f.calls++
	return runner.CallResponse{StopReason: "end_turn", PromptTokens: 5, OutputTokens: 7}, nil, nil
}
func (f *fakeBackend) SaveAssistantResponse(ctx context.Context, sessionID string) error { return nil }
func (f *fakeBackend) AddToolResults(ctx context.Context, sessionID string, calls []runner.ToolCall, results []runner.ToolResult) error {
	return nil
}

func TestWrapBackendNilTracerReturnsUnwrapped(t *testing.T) {
	fb := &fakeBackend{}
	wrapped := WrapBackend(nil, "anthropic", "claude", fb)
	if wrapped != runner.Backend(fb) {
		t.Fatalf("expected WrapBackend with a nil tracer to return the backend unchanged")
	}
}

func TestWrapBackendCallsThrough(t *testing.T) {
	fb := &fakeBackend{}
	wrapped := WrapBackend(New(nil), "anthropic", "claude", fb)

	resp, _, err := wrapped.CallAPI(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fb.calls != 1 {
		t.Fatalf("expected the underlying backend to be called once, got %d", fb.calls)
	}
	if resp.PromptTokens != 5 || resp.OutputTokens != 7 {
		t.Fatalf("expected response to pass through unchanged, got %+v", resp)
	}
}

type fakeToolExecutor struct {
	calls int
}

func (f *fakeToolExecutor) ExecuteToolCall(ctx context.Context, sessionID string, call runner.ToolCall) string {
	f.calls++
	return "ok"
}

func TestWrapToolExecutorNilTracerReturnsUnwrapped(t *testing.T) {
	fe := &fakeToolExecutor{}
	wrapped := WrapToolExecutor(nil, fe)
	if wrapped != runner.ToolExecutor(fe) {
		t.Fatalf("expected WrapToolExecutor with a nil tracer to return the executor unchanged")
	}
}

func TestWrapToolExecutorCallsThrough(t *testing.T) {
	fe := &fakeToolExecutor{}
	wrapped := WrapToolExecutor(New(nil), fe)

	content := wrapped.ExecuteToolCall(context.Background(), "sess-1", runner.ToolCall{Name: "file_read"})
	if content != "ok" {
		t.Fatalf("expected content to pass through, got %q", content)
	}
	if fe.calls != 1 {
		t.Fatalf("expected the underlying executor to be called once, got %d", fe.calls)
	}
}
