package store

import (
	"context"

	"github.com/nextlevelbuilder/tether/internal/events"
)

// SessionStore persists session rows.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessions(ctx context.Context, opts SessionListOpts) (SessionListResult, error)
	DeleteSession(ctx context.Context, id string) error
}

// MessageStore persists conversation turns.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
}

// EventStore persists the append-only per-session event log and fans out
// newly appended events to live subscribers.
type EventStore interface {
	// AppendEvent stamps a gap-free, strictly increasing Seq on each
	// event of the session for which ev.IsLogged() holds and persists it;
	// an event that is not logged keeps Seq 0. Either way the event is
	// broadcast to every current subscriber for the session.
	AppendEvent(ctx context.Context, ev events.Event) (events.Event, error)
	// ReadEventLog returns logged events with Seq > sinceSeq, oldest
	// first, capped at limit.
	ReadEventLog(ctx context.Context, sessionID string, sinceSeq int64, limit int) ([]events.Event, error)
}

// PendingPermissionStore tracks outstanding approval requests so SSE
// replay can drop stale permission_request events.
type PendingPermissionStore interface {
	AddPendingPermission(ctx context.Context, p PendingPermission) error
	ResolvePendingPermission(ctx context.Context, sessionID, requestID string) error
	IsPermissionPending(ctx context.Context, sessionID, requestID string) (bool, error)
}

// RuntimeRegistry holds volatile, in-process-only state: live subscriber
// queues, stop flags, queued user input, and the resolved session workdir.
// None of it survives a process restart, matching spec.md §3 "volatile".
type RuntimeRegistry interface {
	NewSubscriber(sessionID string) <-chan events.Event
	RemoveSubscriber(sessionID string, ch <-chan events.Event)

	SetStopFlag(sessionID string)
	ConsumeStopFlag(sessionID string) bool

	PushInput(sessionID, text string)
	PopInput(sessionID string) (string, bool)

	SetWorkdir(sessionID, path string)
	GetWorkdir(sessionID string) (string, bool)
}

// Store is the full storage contract the rest of the module depends on.
type Store interface {
	SessionStore
	MessageStore
	EventStore
	PendingPermissionStore
	RuntimeRegistry
}
