package anthropicbackend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/store"
)

type fakeBackendStore struct {
	messages []store.Message
}

func (f *fakeBackendStore) CreateSession(ctx context.Context, s *store.Session) error { return nil }
func (f *fakeBackendStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return nil, nil
}
func (f *fakeBackendStore) UpdateSession(ctx context.Context, s *store.Session) error { return nil }
func (f *fakeBackendStore) ListSessions(ctx context.Context, opts store.SessionListOpts) (store.SessionListResult, error) {
	return store.SessionListResult{}, nil
}
func (f *fakeBackendStore) DeleteSession(ctx context.Context, id string) error { return nil }

func (f *fakeBackendStore) AppendMessage(ctx context.Context, m *store.Message) error {
	f.messages = append(f.messages, *m)
	return nil
}
func (f *fakeBackendStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	return f.messages, nil
}

func (f *fakeBackendStore) AppendEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	return ev, nil
}
func (f *fakeBackendStore) ReadEventLog(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]events.Event, error) {
	return nil, nil
}

func (f *fakeBackendStore) AddPendingPermission(ctx context.Context, p store.PendingPermission) error {
	return nil
}
func (f *fakeBackendStore) ResolvePendingPermission(ctx context.Context, sessionID, requestID string) error {
	return nil
}
func (f *fakeBackendStore) IsPermissionPending(ctx context.Context, sessionID, requestID string) (bool, error) {
	return false, nil
}

func (f *fakeBackendStore) NewSubscriber(sessionID string) <-chan events.Event { return nil }
func (f *fakeBackendStore) RemoveSubscriber(sessionID string, ch <-chan events.Event) {}
func (f *fakeBackendStore) SetStopFlag(sessionID string)                       {}
func (f *fakeBackendStore) ConsumeStopFlag(sessionID string) bool              { return false }
func (f *fakeBackendStore) PushInput(sessionID, text string)                  {}
func (f *fakeBackendStore) PopInput(sessionID string) (string, bool)          { return "", false }
func (f *fakeBackendStore) SetWorkdir(sessionID, path string)                 {}
func (f *fakeBackendStore) GetWorkdir(sessionID string) (string, bool)        { return "", false }

func fakeAnthropicServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"stop_reason": "end_turn",
			"content":     []interface{}{},
			"usage":       map[string]int{"input_tokens": 3, "output_tokens": 4},
		})
	}))
}

func TestWithRequestsPerSecondOverridesDefaultLimiter(t *testing.T) {
	b := New(&fakeBackendStore{}, "test-key", WithRequestsPerSecond(100))
	if b.limiter == nil {
		t.Fatalf("expected a limiter to be set")
	}
	if float64(b.limiter.Limit()) != 100 {
		t.Fatalf("expected limit 100, got %v", b.limiter.Limit())
	}
}

func TestWithRequestsPerSecondIgnoresNonPositive(t *testing.T) {
	b := New(&fakeBackendStore{}, "test-key", WithRequestsPerSecond(0))
	if float64(b.limiter.Limit()) != defaultRequestsPerSecond {
		t.Fatalf("expected default limit to be kept, got %v", b.limiter.Limit())
	}
}

func TestCallAPIRespectsRateLimit(t *testing.T) {
	var hits int32
	srv := fakeAnthropicServer(t, &hits)
	defer srv.Close()

	st := &fakeBackendStore{messages: []store.Message{{Role: "user", Content: "hi"}}}
	b := New(st, "test-key", WithBaseURL(srv.URL), WithRequestsPerSecond(1000))

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, _, err := b.CallAPI(context.Background(), "sess-1"); err != nil {
			t.Fatalf("CallAPI: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected a generous limiter to not stall calls, took %v", elapsed)
	}
	if hits != 3 {
		t.Fatalf("expected 3 requests to reach the server, got %d", hits)
	}
}

func TestCallAPIRateLimitBlocksUntilContextCancelled(t *testing.T) {
	var hits int32
	srv := fakeAnthropicServer(t, &hits)
	defer srv.Close()

	st := &fakeBackendStore{messages: []store.Message{{Role: "user", Content: "hi"}}}
	b := New(st, "test-key", WithBaseURL(srv.URL), WithRequestsPerSecond(0.001))

	// Drain the single burst token so the next Wait call actually blocks.
	if _, _, err := b.CallAPI(context.Background(), "sess-1"); err != nil {
		t.Fatalf("CallAPI: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := b.CallAPI(ctx, "sess-1")
	if err == nil {
		t.Fatalf("expected the rate limiter to block long enough for the context to expire")
	}
}
