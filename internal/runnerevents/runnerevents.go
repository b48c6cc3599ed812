// Package runnerevents bridges internal/runner's callback hooks into the
// session-state machine and the canonical event log. Direct port of
// tether/api/runner_events.py's ApiRunnerEvents table.
package runnerevents

import (
	"context"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/statemachine"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// Adapter implements runner.EventSink and runner.SessionView over a
// store.Store, applying state transitions the way ApiRunnerEvents applies
// them to its in-process Session objects.
type Adapter struct {
	store store.Store
	locks *statemachine.Locks
}

// New builds a runnerevents.Adapter.
func New(st store.Store, locks *statemachine.Locks) *Adapter {
	return &Adapter{store: st, locks: locks}
}

// IsRunning reports whether the session is still in the RUNNING state;
// the conversation loop exits as soon as this turns false.
func (a *Adapter) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.State == string(statemachine.Running), nil
}

// HasMessages reports whether the session has any conversation turns yet.
func (a *Adapter) HasMessages(ctx context.Context, sessionID string) (bool, error) {
	msgs, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return len(msgs) > 0, nil
}

// IsStopRequested reports the volatile per-session stop flag.
func (a *Adapter) IsStopRequested(sessionID string) bool {
	return a.store.ConsumeStopFlag(sessionID)
}

// OnOutput persists last_activity_at and emits an output event. A "header"
// kind instead updates the session's runner_header field and is never
// logged, matching on_output's header branch.
func (a *Adapter) OnOutput(ctx context.Context, sessionID, channel, content, kind string, final bool) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}

	if kind == "header" {
		s.RunnerHeader = &content
		_ = a.store.UpdateSession(ctx, s)
		return
	}

	now := time.Now()
	s.LastActivityAt = now
	_ = a.store.UpdateSession(ctx, s)

	_, err = a.store.AppendEvent(ctx, events.New(sessionID, events.KindOutput, map[string]interface{}{
		"stream":  channel,
		"content": content,
		"kind":    kind,
		"final":   final,
	}))
	if err != nil {
		slog.Error("runnerevents: append output event failed", "session_id", sessionID, "error", err)
	}
}

// OnMetadata forwards runner metadata as a metadata event.
func (a *Adapter) OnMetadata(ctx context.Context, sessionID, key string, value interface{}) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}
	s.LastActivityAt = time.Now()
	_ = a.store.UpdateSession(ctx, s)

	_, _ = a.store.AppendEvent(ctx, events.New(sessionID, events.KindMetadata, map[string]interface{}{
		"key":   key,
		"value": value,
	}))
}

// OnError transitions the session to ERROR (if not already there) and
// emits an error event.
func (a *Adapter) OnError(ctx context.Context, sessionID, code, message string) {
	mu := a.locks.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}

	if s.State != string(statemachine.Error) {
		a.transition(ctx, s, statemachine.Error, nil)
	}

	_, _ = a.store.AppendEvent(ctx, events.New(sessionID, events.KindError, map[string]interface{}{
		"code":    code,
		"message": message,
	}))
}

// OnExit handles a runner process exit: non-zero codes transition the
// session to ERROR; clean exits are a no-op, left for on_awaiting_input or
// an explicit interrupt to settle the final state.
func (a *Adapter) OnExit(ctx context.Context, sessionID string, exitCode int) {
	mu := a.locks.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}

	terminal := s.State == string(statemachine.AwaitingInput) ||
		s.State == string(statemachine.Interrupting) ||
		s.State == string(statemachine.Error)
	if terminal {
		return
	}

	if exitCode != 0 {
		code := exitCode
		a.transition(ctx, s, statemachine.Error, &code)
	}

	_, _ = a.store.AppendEvent(ctx, events.New(sessionID, events.KindExit, map[string]interface{}{
		"exit_code": exitCode,
	}))
}

// OnAwaitingInput transitions the session to AWAITING_INPUT and emits the
// awaiting_input event.
func (a *Adapter) OnAwaitingInput(ctx context.Context, sessionID string) {
	mu := a.locks.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}
	if s.State == string(statemachine.AwaitingInput) || s.State == string(statemachine.Error) {
		return
	}

	a.transition(ctx, s, statemachine.AwaitingInput, nil)

	_, _ = a.store.AppendEvent(ctx, events.New(sessionID, events.KindAwaitingInput, nil))
}

// OnHeartbeat persists last_activity_at and emits a heartbeat event.
func (a *Adapter) OnHeartbeat(ctx context.Context, sessionID string, elapsed time.Duration, done bool) {
	s, err := a.store.GetSession(ctx, sessionID)
	if err != nil || s == nil {
		return
	}
	s.LastActivityAt = time.Now()
	_ = a.store.UpdateSession(ctx, s)

	_, _ = a.store.AppendEvent(ctx, events.New(sessionID, events.KindHeartbeat, map[string]interface{}{
		"elapsed_s": elapsed.Seconds(),
		"done":      done,
	}))
}

// transition applies a state-machine transition to s, persists the
// stamped session, and emits a session_state event. Callers must already
// hold the session's lock.
func (a *Adapter) transition(ctx context.Context, s *store.Session, to statemachine.State, exitCode *int) {
	from := statemachine.State(s.State)
	stamps, err := statemachine.Transition(from, to, false, s.StartedAt, exitCode)
	if err != nil {
		slog.Error("runnerevents: invalid transition", "session_id", s.ID, "from", from, "to", to, "error", err)
		return
	}

	s.State = string(to)
	if stamps.StartedAt != nil {
		s.StartedAt = stamps.StartedAt
	}
	if stamps.EndedAt != nil {
		s.EndedAt = stamps.EndedAt
	}
	if stamps.ExitCode != nil {
		s.ExitCode = stamps.ExitCode
	}

	if err := a.store.UpdateSession(ctx, s); err != nil {
		slog.Error("runnerevents: update session failed", "session_id", s.ID, "error", err)
		return
	}

	_, _ = a.store.AppendEvent(ctx, events.New(s.ID, events.KindSessionState, map[string]interface{}{
		"state": string(to),
	}))
}

var _ runner.EventSink = (*Adapter)(nil)
var _ runner.SessionView = (*Adapter)(nil)
