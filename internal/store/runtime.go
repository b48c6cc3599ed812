package store

import (
	"sync"

	"github.com/nextlevelbuilder/tether/internal/events"
)

const subscriberBuffer = 64

// InMemoryRuntime is the shared implementation of RuntimeRegistry embedded
// by both the pg and sqlite backends, since volatile runtime state never
// touches the database.
type InMemoryRuntime struct {
	mu          sync.Mutex
	subscribers map[string][]chan events.Event
	stopFlags   map[string]bool
	inputQueues map[string][]string
	workdirs    map[string]string
}

// NewInMemoryRuntime builds a ready-to-use InMemoryRuntime.
func NewInMemoryRuntime() *InMemoryRuntime {
	return &InMemoryRuntime{
		subscribers: make(map[string][]chan events.Event),
		stopFlags:   make(map[string]bool),
		inputQueues: make(map[string][]string),
		workdirs:    make(map[string]string),
	}
}

// NewSubscriber registers a new event channel for sessionID. Callers must
// register before triggering any action that could emit events they need
// to observe; AppendEvent only fans out to subscribers present at call time.
func (r *InMemoryRuntime) NewSubscriber(sessionID string) <-chan events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan events.Event, subscriberBuffer)
	r.subscribers[sessionID] = append(r.subscribers[sessionID], ch)
	return ch
}

// RemoveSubscriber unregisters and closes a subscriber channel.
func (r *InMemoryRuntime) RemoveSubscriber(sessionID string, ch <-chan events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs := r.subscribers[sessionID]
	for i, c := range subs {
		if (<-chan events.Event)(c) == ch {
			r.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			close(c)
			return
		}
	}
}

// Broadcast fans ev out to every live subscriber for ev.SessionID.
// Non-blocking: a full subscriber queue drops the event rather than
// stalling the emitter, matching an unbounded-but-bounded asyncio.Queue
// used as a best-effort fan-out in the original.
func (r *InMemoryRuntime) Broadcast(ev events.Event) {
	r.mu.Lock()
	subs := append([]chan events.Event(nil), r.subscribers[ev.SessionID]...)
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SetStopFlag marks sessionID for interruption on the next loop iteration.
func (r *InMemoryRuntime) SetStopFlag(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopFlags[sessionID] = true
}

// ConsumeStopFlag reports and clears the stop flag for sessionID.
func (r *InMemoryRuntime) ConsumeStopFlag(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.stopFlags[sessionID]
	delete(r.stopFlags, sessionID)
	return set
}

// PushInput queues a user input line for a session awaiting input.
func (r *InMemoryRuntime) PushInput(sessionID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputQueues[sessionID] = append(r.inputQueues[sessionID], text)
}

// PopInput dequeues the next queued input for sessionID, if any.
func (r *InMemoryRuntime) PopInput(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q := r.inputQueues[sessionID]
	if len(q) == 0 {
		return "", false
	}
	r.inputQueues[sessionID] = q[1:]
	return q[0], true
}

// SetWorkdir records the resolved working directory for a session.
func (r *InMemoryRuntime) SetWorkdir(sessionID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workdirs[sessionID] = path
}

// GetWorkdir returns the working directory for a session, if set.
func (r *InMemoryRuntime) GetWorkdir(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.workdirs[sessionID]
	return path, ok
}

// Forget drops all runtime state for a deleted session.
func (r *InMemoryRuntime) Forget(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subscribers[sessionID] {
		close(ch)
	}
	delete(r.subscribers, sessionID)
	delete(r.stopFlags, sessionID)
	delete(r.inputQueues, sessionID)
	delete(r.workdirs, sessionID)
}
