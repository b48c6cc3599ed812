package bridge

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/store"
)

type fakeInboxStore struct {
	sessions []store.Session
}

func (f *fakeInboxStore) CreateSession(ctx context.Context, s *store.Session) error { return nil }
func (f *fakeInboxStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	return nil, nil
}
func (f *fakeInboxStore) UpdateSession(ctx context.Context, s *store.Session) error { return nil }
func (f *fakeInboxStore) ListSessions(ctx context.Context, opts store.SessionListOpts) (store.SessionListResult, error) {
	return store.SessionListResult{Sessions: f.sessions, Total: len(f.sessions)}, nil
}
func (f *fakeInboxStore) DeleteSession(ctx context.Context, id string) error { return nil }

func (f *fakeInboxStore) AppendMessage(ctx context.Context, m *store.Message) error { return nil }
func (f *fakeInboxStore) ListMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	return nil, nil
}

func (f *fakeInboxStore) AppendEvent(ctx context.Context, ev events.Event) (events.Event, error) {
	return ev, nil
}
func (f *fakeInboxStore) ReadEventLog(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]events.Event, error) {
	return nil, nil
}

func (f *fakeInboxStore) AddPendingPermission(ctx context.Context, p store.PendingPermission) error {
	return nil
}
func (f *fakeInboxStore) ResolvePendingPermission(ctx context.Context, sessionID, requestID string) error {
	return nil
}
func (f *fakeInboxStore) IsPermissionPending(ctx context.Context, sessionID, requestID string) (bool, error) {
	return false, nil
}

func (f *fakeInboxStore) NewSubscriber(sessionID string) <-chan events.Event { return nil }
func (f *fakeInboxStore) RemoveSubscriber(sessionID string, ch <-chan events.Event) {}
func (f *fakeInboxStore) SetStopFlag(sessionID string)                       {}
func (f *fakeInboxStore) ConsumeStopFlag(sessionID string) bool              { return false }
func (f *fakeInboxStore) PushInput(sessionID, text string)                  {}
func (f *fakeInboxStore) PopInput(sessionID string) (string, bool)          { return "", false }
func (f *fakeInboxStore) SetWorkdir(sessionID, path string)                 {}
func (f *fakeInboxStore) GetWorkdir(sessionID string) (string, bool)        { return "", false }

type fakeSubmitter struct {
	sessionID string
	text      string
	calls     int
}

func (f *fakeSubmitter) SubmitInput(ctx context.Context, sessionID, text string) error {
	f.sessionID = sessionID
	f.text = text
	f.calls++
	return nil
}

func strPtr(s string) *string { return &s }

func TestInboxRouteFindsBoundSession(t *testing.T) {
	platform := "telegram"
	threadID := "12345"
	st := &fakeInboxStore{sessions: []store.Session{
		{ID: "sess-other", Platform: strPtr("discord"), PlatformThreadID: strPtr("999")},
		{ID: "sess-1", Platform: strPtr(platform), PlatformThreadID: strPtr(threadID)},
	}}
	sub := &fakeSubmitter{}
	inbox := NewInbox(st, sub)

	if err := inbox.Route(context.Background(), platform, threadID, "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.calls != 1 {
		t.Fatalf("expected SubmitInput to be called once, got %d", sub.calls)
	}
	if sub.sessionID != "sess-1" || sub.text != "hello" {
		t.Fatalf("unexpected submission: session=%q text=%q", sub.sessionID, sub.text)
	}
}

func TestInboxRouteUnboundThreadErrors(t *testing.T) {
	st := &fakeInboxStore{sessions: []store.Session{
		{ID: "sess-1", Platform: strPtr("telegram"), PlatformThreadID: strPtr("111")},
	}}
	sub := &fakeSubmitter{}
	inbox := NewInbox(st, sub)

	if err := inbox.Route(context.Background(), "telegram", "999", "hello"); err == nil {
		t.Fatalf("expected an error for an unbound thread")
	}
	if sub.calls != 0 {
		t.Fatalf("expected SubmitInput not to be called for an unbound thread")
	}
}
