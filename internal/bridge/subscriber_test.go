package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/tether/internal/events"
)

// fakeSubStore implements just enough of store.Store for Router tests: a
// single subscriber channel handed back by NewSubscriber, recording
// RemoveSubscriber calls.
type fakeSubStore struct {
	fakeInboxStore
	queue    chan events.Event
	removed  int
}

func (f *fakeSubStore) NewSubscriber(sessionID string) <-chan events.Event { return f.queue }
func (f *fakeSubStore) RemoveSubscriber(sessionID string, ch <-chan events.Event) {
	f.removed++
}

type fakeRouterBridge struct {
	outputs   []string
	approvals []ApprovalRequest
	typing    []bool
	statuses  []string
}

func (f *fakeRouterBridge) Name() string                    { return "fake" }
func (f *fakeRouterBridge) Start(ctx context.Context) error { return nil }
func (f *fakeRouterBridge) Stop(ctx context.Context) error  { return nil }
func (f *fakeRouterBridge) SendOutput(ctx context.Context, threadID, text string) error {
	f.outputs = append(f.outputs, text)
	return nil
}
func (f *fakeRouterBridge) SendApprovalRequest(ctx context.Context, threadID string, req ApprovalRequest) error {
	f.approvals = append(f.approvals, req)
	return nil
}
func (f *fakeRouterBridge) SetTyping(ctx context.Context, threadID string, on bool) error {
	f.typing = append(f.typing, on)
	return nil
}
func (f *fakeRouterBridge) SetStatus(ctx context.Context, threadID, state string) error {
	f.statuses = append(f.statuses, state)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestSubscribeDispatchesFinalOutputOnly(t *testing.T) {
	st := &fakeSubStore{queue: make(chan events.Event, 4)}
	br := &fakeRouterBridge{}
	r := NewRouter(st, map[string]Bridge{"telegram": br})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := Binding{SessionID: "sess-1", Platform: "telegram", ThreadID: "thread-1"}
	if err := r.Subscribe(ctx, b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st.queue <- events.New("sess-1", events.KindOutput, map[string]interface{}{"content": "partial", "final": false})
	st.queue <- events.New("sess-1", events.KindOutput, map[string]interface{}{"content": "done", "final": true})

	waitFor(t, func() bool { return len(br.outputs) == 1 })
	if br.outputs[0] != "done" {
		t.Fatalf("expected only the final chunk to be sent, got %+v", br.outputs)
	}
}

func TestSubscribeSkipsHistoryReplayOutput(t *testing.T) {
	st := &fakeSubStore{queue: make(chan events.Event, 2)}
	br := &fakeRouterBridge{}
	r := NewRouter(st, map[string]Bridge{"telegram": br})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := Binding{SessionID: "sess-1", Platform: "telegram", ThreadID: "thread-1"}
	if err := r.Subscribe(ctx, b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st.queue <- events.New("sess-1", events.KindOutput, map[string]interface{}{"content": "replayed", "final": true, "is_history": true})
	st.queue <- events.New("sess-1", events.KindOutput, map[string]interface{}{"content": "live", "final": true})

	waitFor(t, func() bool { return len(br.outputs) == 1 })
	if br.outputs[0] != "live" {
		t.Fatalf("expected history replay to be skipped, got %+v", br.outputs)
	}
}

func TestSubscribeSessionStateDrivesTypingAndStatus(t *testing.T) {
	st := &fakeSubStore{queue: make(chan events.Event, 3)}
	br := &fakeRouterBridge{}
	r := NewRouter(st, map[string]Bridge{"telegram": br})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := Binding{SessionID: "sess-1", Platform: "telegram", ThreadID: "thread-1"}
	if err := r.Subscribe(ctx, b); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	st.queue <- events.New("sess-1", events.KindSessionState, map[string]interface{}{"state": "RUNNING"})
	st.queue <- events.New("sess-1", events.KindSessionState, map[string]interface{}{"state": "ERROR"})

	waitFor(t, func() bool { return len(br.statuses) == 1 })
	if len(br.typing) != 2 || br.typing[0] != true || br.typing[1] != false {
		t.Fatalf("expected typing on then off, got %+v", br.typing)
	}
	if br.statuses[0] != "ERROR" {
		t.Fatalf("expected ERROR status to be reported, got %+v", br.statuses)
	}
}

func TestSubscribeUnknownPlatformErrors(t *testing.T) {
	st := &fakeSubStore{queue: make(chan events.Event, 1)}
	r := NewRouter(st, map[string]Bridge{})

	b := Binding{SessionID: "sess-1", Platform: "slack", ThreadID: "thread-1"}
	if err := r.Subscribe(context.Background(), b); err == nil {
		t.Fatalf("expected an error for an unregistered platform")
	}
}

func TestBuildApprovalRequestDefaultsToPermission(t *testing.T) {
	ev := events.New("sess-1", events.KindPermissionRequest, map[string]interface{}{
		"request_id": "req-1",
		"tool_name":  "bash",
	})
	req := buildApprovalRequest("sess-1", ev)
	if req.Kind != ApprovalKindPermission {
		t.Fatalf("expected a permission request, got %v", req.Kind)
	}
	if len(req.Options) != 2 {
		t.Fatalf("expected Allow/Deny options, got %+v", req.Options)
	}
}

func TestBuildApprovalRequestAskUserQuestionBecomesChoice(t *testing.T) {
	ev := events.New("sess-1", events.KindPermissionRequest, map[string]interface{}{
		"request_id": "req-2",
		"tool_name":  "AskUserQuestion",
		"tool_input": map[string]interface{}{
			"questions": []interface{}{
				map[string]interface{}{
					"question": "Which approach?",
					"options": []interface{}{
						map[string]interface{}{"label": "A", "description": "first"},
						map[string]interface{}{"label": "B"},
					},
				},
			},
		},
	})
	req := buildApprovalRequest("sess-1", ev)
	if req.Kind != ApprovalKindChoice {
		t.Fatalf("expected a choice request, got %v", req.Kind)
	}
	if req.Prompt != "Which approach?" {
		t.Fatalf("unexpected prompt: %q", req.Prompt)
	}
	if len(req.Options) != 2 || req.Options[0] != "1. A - first" || req.Options[1] != "2. B" {
		t.Fatalf("unexpected options: %+v", req.Options)
	}
}
