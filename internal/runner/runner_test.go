package runner

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeSessionView struct {
	mu      sync.Mutex
	running bool
	hasMsgs bool
	stopped bool
}

func (f *fakeSessionView) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeSessionView) HasMessages(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasMsgs, nil
}

func (f *fakeSessionView) IsStopRequested(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeEvents struct {
	mu       sync.Mutex
	outputs  []string
	errors   []string
	exited   bool
	awaiting bool
}

func (f *fakeEvents) OnOutput(ctx context.Context, sessionID, channel, content, kind string, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, content)
}
func (f *fakeEvents) OnMetadata(ctx context.Context, sessionID, key string, value interface{}) {}
func (f *fakeEvents) OnError(ctx context.Context, sessionID, code, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, message)
}
func (f *fakeEvents) OnExit(ctx context.Context, sessionID string, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exited = true
}
func (f *fakeEvents) OnAwaitingInput(ctx context.Context, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaiting = true
}
func (f *fakeEvents) OnHeartbeat(ctx context.Context, sessionID string, elapsed time.Duration, done bool) {
}

type fakeBackend struct {
	calls      int
	toolCalls  [][]ToolCall
	stopReason []string
}

func (b *fakeBackend) EmitHeader(ctx context.Context, sessionID string) error          { return nil }
func (b *fakeBackend) AddUserMessage(ctx context.Context, sessionID, text string) error { return nil }

func (b *fakeBackend) CallAPI(ctx context.Context, sessionID string) (CallResponse, []ToolCall, error) {
	idx := b.calls
	b.calls++
	var tc []ToolCall
	if idx < len(b.toolCalls) {
		tc = b.toolCalls[idx]
	}
	reason := "end_turn"
	if idx < len(b.stopReason) {
		reason = b.stopReason[idx]
	}
	return CallResponse{StopReason: reason}, tc, nil
}

func (b *fakeBackend) SaveAssistantResponse(ctx context.Context, sessionID string) error { return nil }
func (b *fakeBackend) AddToolResults(ctx context.Context, sessionID string, calls []ToolCall, results []ToolResult) error {
	return nil
}

type fakeTools struct{}

func (fakeTools) ExecuteToolCall(ctx context.Context, sessionID string, call ToolCall) string {
	return "ok"
}

func TestLoopRunsUntilEndTurn(t *testing.T) {
	sessions := &fakeSessionView{running: true, hasMsgs: true}
	ev := &fakeEvents{}
	backend := &fakeBackend{
		toolCalls:  [][]ToolCall{{{ID: "1", Name: "bash", Input: map[string]interface{}{"command": "echo hi"}}}, nil},
		stopReason: []string{"tool_use", "end_turn"},
	}
	loop := &Loop{Backend: backend, Tools: fakeTools{}, Events: ev, Sessions: sessions}

	loop.Run(context.Background(), "s1")

	if backend.calls != 2 {
		t.Fatalf("expected 2 CallAPI invocations, got %d", backend.calls)
	}
	if !ev.awaiting {
		t.Fatal("expected OnAwaitingInput to fire")
	}
	if ev.exited {
		t.Fatal("did not expect OnExit for a non-stopped session")
	}
}

func TestLoopStopsWhenSessionNotRunning(t *testing.T) {
	sessions := &fakeSessionView{running: false, hasMsgs: true}
	ev := &fakeEvents{}
	backend := &fakeBackend{}
	loop := &Loop{Backend: backend, Tools: fakeTools{}, Events: ev, Sessions: sessions}

	loop.Run(context.Background(), "s1")

	if backend.calls != 0 {
		t.Fatalf("expected no CallAPI calls, got %d", backend.calls)
	}
}

func TestLoopExitsOnStopRequested(t *testing.T) {
	sessions := &fakeSessionView{running: true, hasMsgs: true, stopped: true}
	ev := &fakeEvents{}
	backend := &fakeBackend{}
	loop := &Loop{Backend: backend, Tools: fakeTools{}, Events: ev, Sessions: sessions}

	loop.Run(context.Background(), "s1")

	if !ev.exited {
		t.Fatal("expected OnExit when stop was already requested")
	}
	if ev.awaiting {
		t.Fatal("did not expect OnAwaitingInput when stopped")
	}
}

// consumingSessionView models a store-backed stop flag that clears on
// read, unlike fakeSessionView's sticky bool.
type consumingSessionView struct {
	fakeSessionView
	consumed bool
}

func (f *consumingSessionView) IsStopRequested(sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed {
		return false
	}
	f.consumed = true
	return f.stopped
}

func TestLoopExitsOnStopRequestedWithConsumingFlag(t *testing.T) {
	sessions := &consumingSessionView{fakeSessionView: fakeSessionView{running: true, hasMsgs: true, stopped: true}}
	ev := &fakeEvents{}
	backend := &fakeBackend{}
	loop := &Loop{Backend: backend, Tools: fakeTools{}, Events: ev, Sessions: sessions}

	loop.Run(context.Background(), "s1")

	if !ev.exited {
		t.Fatal("expected OnExit even though the stop flag is consumed on the first read")
	}
	if ev.awaiting {
		t.Fatal("did not expect OnAwaitingInput when stopped")
	}
}

func TestLoopBreaksOnUnknownStopReason(t *testing.T) {
	sessions := &fakeSessionView{running: true, hasMsgs: true}
	ev := &fakeEvents{}
	backend := &fakeBackend{stopReason: []string{"weird_reason"}}
	loop := &Loop{Backend: backend, Tools: fakeTools{}, Events: ev, Sessions: sessions}

	loop.Run(context.Background(), "s1")

	if backend.calls != 1 {
		t.Fatalf("expected loop to stop after first unknown stop reason, got %d calls", backend.calls)
	}
}
