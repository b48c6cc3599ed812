package tracing

import (
	"context"
	"errors"
	"testing"
)

func TestNilTracerBackendCallStillRunsFn(t *testing.T) {
	var tr *Tracer
	called := false
	err := tr.BackendCall(context.Background(), "anthropic", "claude", func(ctx context.Context) (int, int, error) {
		called = true
		return 10, 20, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected wrapped fn to run even with a nil Tracer")
	}
}

func TestNewNilTracerProducesNoOpSpans(t *testing.T) {
	tr := New(nil)
	called := false
	err := tr.ToolCall(context.Background(), "file_read", func(ctx context.Context) (bool, error) {
		called = true
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatalf("expected wrapped fn to run with a no-op tracer")
	}
}

func TestBackendCallPropagatesError(t *testing.T) {
	tr := New(nil)
	wantErr := errors.New("api exploded")
	err := tr.BackendCall(context.Background(), "anthropic", "claude", func(ctx context.Context) (int, int, error) {
		return 0, 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected BackendCall to propagate the underlying error, got %v", err)
	}
}

func TestToolCallReportsFailureWithoutError(t *testing.T) {
	tr := New(nil)
	err := tr.ToolCall(context.Background(), "file_write", func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("expected nil error for a reported (non-error) tool failure, got %v", err)
	}
}
