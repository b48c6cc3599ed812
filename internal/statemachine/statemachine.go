// Package statemachine implements the session lifecycle transition table
// and the per-session lock registry that guards it.
package statemachine

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is a session lifecycle state.
type State string

const (
	Created        State = "CREATED"
	Running        State = "RUNNING"
	AwaitingInput  State = "AWAITING_INPUT"
	Interrupting   State = "INTERRUPTING"
	Error          State = "ERROR"
)

// validTransitions mirrors tether/api/state.py's _VALID_TRANSITIONS table.
var validTransitions = map[State]map[State]bool{
	Created: {
		Running: true,
	},
	Running: {
		AwaitingInput: true,
		Interrupting:  true,
		Error:         true,
	},
	AwaitingInput: {
		Running: true,
		Error:   true,
	},
	Interrupting: {
		AwaitingInput: true,
		Error:         true,
	},
	Error: {
		Running: true,
	},
}

// ErrInvalidTransition reports a rejected state transition.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is allowed. allowSame permits a
// state to transition to itself, which the table otherwise always forbids.
func CanTransition(from, to State, allowSame bool) bool {
	if from == to {
		return allowSame
	}
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Clock returns the current time; overridable in tests.
var Clock = time.Now

// Stamps carries the timestamp/exit-code side effects of a transition,
// matching state.py's transition() branches on started_at/ended_at/exit_code.
type Stamps struct {
	StartedAt *time.Time
	EndedAt   *time.Time
	ExitCode  *int
}

// Transition validates from->to and computes the timestamp stamps that
// should be applied to the session row. It does not mutate any store; the
// caller applies Stamps atomically alongside the state write.
func Transition(from, to State, allowSame bool, prevStartedAt *time.Time, exitCode *int) (Stamps, error) {
	if !CanTransition(from, to, allowSame) {
		return Stamps{}, &ErrInvalidTransition{From: from, To: to}
	}

	var out Stamps
	now := Clock()

	if to == Running && prevStartedAt == nil {
		t := now
		out.StartedAt = &t
	}

	if to == Error || (to == AwaitingInput && from == Interrupting) {
		t := now
		out.EndedAt = &t
		if exitCode != nil {
			out.ExitCode = exitCode
		}
	}

	return out, nil
}

// MaxNameLength is the truncation bound applied by StampName.
const MaxNameLength = 80

// StampName derives a session name from the first non-empty prompt, trimming
// whitespace, collapsing internal runs of whitespace, and truncating to
// MaxNameLength runes. Ports maybe_set_session_name: only applies if no name
// is set yet and the prompt is non-empty after trimming.
func StampName(existing *string, prompt string) *string {
	if existing != nil && *existing != "" {
		return existing
	}
	trimmed := strings.Join(strings.Fields(prompt), " ")
	if trimmed == "" {
		return existing
	}
	runes := []rune(trimmed)
	if len(runes) > MaxNameLength {
		trimmed = string(runes[:MaxNameLength])
	}
	return &trimmed
}

// Locks is a lazily-populated per-session mutex registry, matching
// state.py's module-level _session_locks dict plus session_lock/
// remove_session_lock helpers. The zero value is ready to use.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock returns the mutex for sessionID, creating it if necessary.
func (l *Locks) Lock(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Remove drops the lock entry for sessionID. Call only after the session is
// deleted and no goroutine still holds the lock.
func (l *Locks) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, sessionID)
}
