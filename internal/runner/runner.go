// Package runner implements the generic, backend-agnostic conversation
// loop that drives one session's interaction with an LLM or coding-agent
// process. Ports tether/runner/api_runner_base.py's ApiRunnerBase: a
// shared loop, heartbeat, tool execution and stop handling, with the
// API-specific parts (message formatting, the API call itself, response
// parsing) left to a Backend implementation.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nextlevelbuilder/tether/internal/statemachine"
)

// ErrRunnerUnavailable signals that a backend could not be reached (e.g. a
// sidecar HTTP service is down). Mapped to a 503 AGENT_UNAVAILABLE response
// at the HTTP boundary.
var ErrRunnerUnavailable = errors.New("runner unavailable")

// ToolCall is one tool invocation the backend wants executed.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// ToolResult is the outcome of executing a ToolCall, fed back to the
// backend via AddToolResults.
type ToolResult struct {
	ToolCall ToolCall
	Content  string
}

// CallResponse is what CallAPI returns for one model turn.
type CallResponse struct {
	StopReason   string // "end_turn", "tool_use", "max_tokens", or backend-specific
	PromptTokens int
	OutputTokens int
}

// Backend is the set of hooks a concrete provider/process integration
// implements; the loop in Loop.Run is identical across every backend.
// Ports the four ApiRunnerBase abstract methods plus emit_header/add_user.
type Backend interface {
	// EmitHeader announces the runner-specific title/model/provider for
	// the session by appending a header event to the store, once, at
	// session start.
	EmitHeader(ctx context.Context, sessionID string) error
	// AddUserMessage appends a user turn to the conversation state in
	// the format the backend's API expects.
	AddUserMessage(ctx context.Context, sessionID, text string) error
	// CallAPI sends the current conversation state to the model/process
	// and returns its response for this turn, along with the tool calls
	// requested (if any).
	CallAPI(ctx context.Context, sessionID string) (CallResponse, []ToolCall, error)
	// SaveAssistantResponse persists the turn's assistant output before
	// any tool calls are executed.
	SaveAssistantResponse(ctx context.Context, sessionID string) error
	// AddToolResults feeds executed tool outputs back into the
	// conversation state ahead of the next CallAPI.
	AddToolResults(ctx context.Context, sessionID string, calls []ToolCall, results []ToolResult) error
}

// ToolExecutor runs a single tool call and renders its outcome to the
// text form a backend feeds back to the model (already Result-shaped by
// internal/tools, e.g. "Error: <message>" on failure).
type ToolExecutor interface {
	ExecuteToolCall(ctx context.Context, sessionID string, call ToolCall) string
}

// SessionView is the minimal session state the loop needs to decide
// whether to keep going; satisfied by internal/store.Store through a thin
// adapter in internal/runnerevents.
type SessionView interface {
	IsRunning(ctx context.Context, sessionID string) (bool, error)
	HasMessages(ctx context.Context, sessionID string) (bool, error)
	IsStopRequested(sessionID string) bool
}

// EventSink receives the runner callbacks a runner-events adapter
// implements (internal/runnerevents). Mirrors ApiRunnerEvents' methods.
type EventSink interface {
	OnOutput(ctx context.Context, sessionID, channel, content, kind string, final bool)
	OnMetadata(ctx context.Context, sessionID, key string, value interface{})
	OnError(ctx context.Context, sessionID, code, message string)
	OnExit(ctx context.Context, sessionID string, exitCode int)
	OnAwaitingInput(ctx context.Context, sessionID string)
	OnHeartbeat(ctx context.Context, sessionID string, elapsed time.Duration, done bool)
}

const (
	heartbeatInterval    = 5 * time.Second
	toolOutputTruncation = 500
)

// Loop drives one session's conversation with a Backend, executing any
// requested tools between model turns and emitting lifecycle callbacks
// through an EventSink.
type Loop struct {
	Backend  Backend
	Tools    ToolExecutor
	Events   EventSink
	Sessions SessionView
}

// Run drives the conversation loop for sessionID until the session leaves
// RUNNING, a stop is requested, the backend reaches end_turn/max_tokens
// with no pending tool calls, or an unknown stop reason is seen. It never
// returns a Go error for ordinary conversation failures — those are
// reported via Events.OnError, matching ApiRunnerBase's try/except-all
// around the loop body.
func (l *Loop) Run(ctx context.Context, sessionID string) {
	start := time.Now()
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.runHeartbeat(heartbeatCtx, sessionID, start)
	}()

	// stopRequested is read once per turn (the flag is consume-on-read),
	// then reused by the defer below so the terminal branch agrees with
	// whatever the loop body just observed instead of consuming it again.
	var stopRequested bool

	defer func() {
		cancelHeartbeat()
		wg.Wait()
		l.Events.OnHeartbeat(context.Background(), sessionID, time.Since(start), true)

		if stopRequested {
			l.Events.OnExit(ctx, sessionID, 0)
		} else {
			l.Events.OnAwaitingInput(ctx, sessionID)
		}
	}()

	for {
		if l.Sessions.IsStopRequested(sessionID) {
			stopRequested = true
			return
		}

		running, err := l.Sessions.IsRunning(ctx, sessionID)
		if err != nil {
			l.Events.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
			return
		}
		if !running {
			return
		}

		hasMessages, err := l.Sessions.HasMessages(ctx, sessionID)
		if err != nil {
			l.Events.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
			return
		}
		if !hasMessages {
			return
		}

		resp, toolCalls, err := l.Backend.CallAPI(ctx, sessionID)
		if err != nil {
			l.Events.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
			return
		}

		if resp.PromptTokens > 0 || resp.OutputTokens > 0 {
			l.Events.OnMetadata(ctx, sessionID, "tokens", map[string]int{
				"input":  resp.PromptTokens,
				"output": resp.OutputTokens,
			})
		}

		if err := l.Backend.SaveAssistantResponse(ctx, sessionID); err != nil {
			l.Events.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
			return
		}

		if len(toolCalls) > 0 {
			results := l.executeAndEmitTools(ctx, sessionID, toolCalls)
			if err := l.Backend.AddToolResults(ctx, sessionID, toolCalls, results); err != nil {
				l.Events.OnError(ctx, sessionID, "RUNNER_ERROR", err.Error())
				return
			}
			continue
		}

		switch resp.StopReason {
		case "end_turn":
			return
		case "max_tokens":
			l.Events.OnOutput(ctx, sessionID, "combined", "\n[max tokens reached]\n", "step", false)
			return
		default:
			// Unknown stop reason: don't loop forever.
			return
		}
	}
}

// executeAndEmitTools runs each tool call, emitting a step-output line for
// the call itself and another for its (possibly truncated) result. Ports
// _execute_and_emit_tools.
func (l *Loop) executeAndEmitTools(ctx context.Context, sessionID string, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		input, _ := json.Marshal(call.Input)
		l.Events.OnOutput(ctx, sessionID, "combined", "[tool: "+call.Name+"] "+string(input)+"\n", "step", false)
		content := l.Tools.ExecuteToolCall(ctx, sessionID, call)
		results = append(results, ToolResult{ToolCall: call, Content: content})
		l.Events.OnOutput(ctx, sessionID, "combined", truncate(content, toolOutputTruncation)+"\n", "step", false)
	}
	return results
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (l *Loop) runHeartbeat(ctx context.Context, sessionID string, start time.Time) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Events.OnHeartbeat(ctx, sessionID, time.Since(start), false)
		}
	}
}

// Runner owns Start/SendInput/Stop for every in-flight session, running
// each session's Loop on its own goroutine. Ports ApiRunnerBase's
// start/send_input/stop task-management layer.
type Runner struct {
	loop    *Loop
	locks   *statemachine.Locks
	mu      sync.Mutex
	running map[string]context.CancelFunc
	done    map[string]chan struct{}
	stopSet map[string]bool
}

// NewRunner builds a Runner that drives the given Loop for each session.
func NewRunner(loop *Loop, locks *statemachine.Locks) *Runner {
	return &Runner{
		loop:    loop,
		locks:   locks,
		running: make(map[string]context.CancelFunc),
		done:    make(map[string]chan struct{}),
		stopSet: make(map[string]bool),
	}
}

// stopGracePeriod bounds how long Stop waits for the loop goroutine to
// observe cancellation and exit.
const stopGracePeriod = 5 * time.Second

// IsStopRequested satisfies SessionView's stop-flag check for callers that
// embed a Runner directly; real wiring goes through store.RuntimeRegistry
// instead (see internal/runnerevents), this exists for standalone tests.
func (r *Runner) IsStopRequested(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopSet[sessionID]
}

// Start clears any stop flag, records the user's prompt, emits the header
// and launches the conversation loop in the background.
func (r *Runner) Start(ctx context.Context, sessionID, prompt string) error {
	mu := r.locks.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	r.mu.Lock()
	delete(r.stopSet, sessionID)
	r.mu.Unlock()

	if err := r.loop.Backend.EmitHeader(ctx, sessionID); err != nil {
		return err
	}
	if err := r.loop.Backend.AddUserMessage(ctx, sessionID, prompt); err != nil {
		return err
	}

	r.spawn(sessionID)
	return nil
}

// SendInput appends a user message and, if no loop is currently running
// for this session, starts one.
func (r *Runner) SendInput(ctx context.Context, sessionID, text string) error {
	if trimmedEmpty(text) {
		return nil
	}

	mu := r.locks.Lock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.loop.Backend.AddUserMessage(ctx, sessionID, text); err != nil {
		return err
	}

	r.mu.Lock()
	_, alreadyRunning := r.running[sessionID]
	r.mu.Unlock()
	if alreadyRunning {
		return nil
	}

	r.mu.Lock()
	delete(r.stopSet, sessionID)
	r.mu.Unlock()

	r.spawn(sessionID)
	return nil
}

// Stop requests cancellation of the session's loop and waits up to
// stopGracePeriod for it to observe the stop flag and exit.
func (r *Runner) Stop(sessionID string) int {
	r.mu.Lock()
	r.stopSet[sessionID] = true
	cancel, ok := r.running[sessionID]
	done := r.done[sessionID]
	r.mu.Unlock()

	if !ok {
		return 0
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
	}
	return 0
}

func (r *Runner) spawn(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.running[sessionID] = cancel
	r.done[sessionID] = done
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			delete(r.done, sessionID)
			r.mu.Unlock()
			cancel()
			close(done)
		}()
		r.loop.Run(ctx, sessionID)
	}()
}

func trimmedEmpty(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
