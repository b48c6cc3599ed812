// Package events defines the canonical session event shapes emitted by the
// runner-events adapter and consumed by the SSE stream and bridge router.
package events

import "time"

// Kind identifies the event's payload shape. Mirrors the event names the
// Python runner_events adapter writes via store.append_event.
type Kind string

const (
	KindHeader          Kind = "header"
	KindOutput          Kind = "output"
	KindOutputFinal     Kind = "output_final"
	KindToolCall        Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindStepOutput       Kind = "step_output"
	KindError            Kind = "error"
	KindExit             Kind = "exit"
	KindAwaitingInput    Kind = "awaiting_input"
	KindMetadata         Kind = "metadata"
	KindHeartbeat        Kind = "heartbeat"
	KindSessionState     Kind = "session_state"
	KindPermissionRequest Kind = "permission_request"
)

// Event is the canonical, seq-stamped record appended to a session's event
// log and fanned out to subscribers. Data carries the kind-specific payload
// as a JSON-serializable map so the wire encoding stays a flat tagged union,
// matching store.append_event's dict-in/dict-out contract.
type Event struct {
	SessionID string                 `json:"session_id"`
	Seq       int64                  `json:"seq"`
	Kind      Kind                   `json:"type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// New builds an Event with Seq left at zero; the store's AppendEvent stamps
// Seq on logged events atomically at write time under a per-session lock.
func New(sessionID string, kind Kind, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		SessionID: sessionID,
		Kind:      kind,
		Data:      data,
	}
}

// IsLogged reports whether an event kind is durably appended to the session
// event log. Header events are broadcast to live subscribers but never
// logged.
func (e Event) IsLogged() bool {
	return e.Kind != KindHeader
}
