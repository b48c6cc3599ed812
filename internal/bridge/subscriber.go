package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// Binding ties a session to the platform thread a Bridge should render it
// into.
type Binding struct {
	SessionID string
	Platform  string
	ThreadID  string
}

// Router owns one background consumer per (session, platform) pair,
// translating the canonical event log into Bridge verb calls. Ports
// BridgeSubscriber from tether/bridges/subscriber.py.
type Router struct {
	store    store.Store
	bridges  map[string]Bridge // platform name -> Bridge
}

// NewRouter builds a Router dispatching to the given platform bridges.
func NewRouter(st store.Store, bridges map[string]Bridge) *Router {
	return &Router{store: st, bridges: bridges}
}

// Subscribe starts a consumer for b.SessionID on b.Platform. The store
// subscriber queue is registered synchronously before the goroutine
// starts, so no event emitted after this call returns can be missed —
// the same register-before-emit ordering the SSE stream relies on.
func (r *Router) Subscribe(ctx context.Context, b Binding) error {
	bridge, ok := r.bridges[b.Platform]
	if !ok {
		return fmt.Errorf("no bridge registered for platform %q", b.Platform)
	}

	queue := r.store.NewSubscriber(b.SessionID)

	go r.consume(ctx, b, bridge, queue)
	return nil
}

func (r *Router) consume(ctx context.Context, b Binding, br Bridge, queue <-chan events.Event) {
	defer r.store.RemoveSubscriber(b.SessionID, queue)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue:
			if !ok {
				return
			}
			r.dispatch(ctx, b, br, ev)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, b Binding, br Bridge, ev events.Event) {
	switch ev.Kind {
	case events.KindOutput:
		if truthy(ev.Data["is_history"]) {
			return
		}
		if !truthy(ev.Data["final"]) {
			return
		}
		text, _ := ev.Data["content"].(string)
		if err := br.SendOutput(ctx, b.ThreadID, text); err != nil {
			slog.Warn("bridge: send output failed", "platform", b.Platform, "session_id", b.SessionID, "error", err)
		}

	case events.KindOutputFinal:
		// Logged for SSE/browser consumers; bridges already rendered the
		// final "output" event above and don't need a second render.

	case events.KindPermissionRequest:
		req := buildApprovalRequest(b.SessionID, ev)
		if err := br.SendApprovalRequest(ctx, b.ThreadID, req); err != nil {
			slog.Warn("bridge: send approval request failed", "platform", b.Platform, "session_id", b.SessionID, "error", err)
		}

	case events.KindSessionState:
		state, _ := ev.Data["state"].(string)
		switch state {
		case "RUNNING":
			_ = br.SetTyping(ctx, b.ThreadID, true)
		case "ERROR":
			_ = br.SetTyping(ctx, b.ThreadID, false)
			_ = br.SetStatus(ctx, b.ThreadID, state)
		case "AWAITING_INPUT":
			_ = br.SetTyping(ctx, b.ThreadID, false)
		}
	}
}

func truthy(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

const askUserQuestionPrefix = "AskUserQuestion"

// buildApprovalRequest ports the AskUserQuestion special-casing from
// BridgeSubscriber._consume: when the pending tool call is an
// AskUserQuestion-family tool, render its first question as a numbered
// multi-choice prompt instead of a generic Allow/Deny permission prompt.
func buildApprovalRequest(sessionID string, ev events.Event) ApprovalRequest {
	requestID, _ := ev.Data["request_id"].(string)
	toolName, _ := ev.Data["tool_name"].(string)

	if strings.HasPrefix(toolName, askUserQuestionPrefix) {
		if input, ok := ev.Data["tool_input"].(map[string]interface{}); ok {
			if questions, ok := input["questions"].([]interface{}); ok && len(questions) > 0 {
				if q, ok := questions[0].(map[string]interface{}); ok {
					return buildChoiceRequest(sessionID, requestID, q)
				}
			}
		}
	}

	return ApprovalRequest{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      ApprovalKindPermission,
		Prompt:    fmt.Sprintf("Allow tool call: %s?", toolName),
		Options:   []string{"Allow", "Deny"},
	}
}

func buildChoiceRequest(sessionID, requestID string, q map[string]interface{}) ApprovalRequest {
	prompt, _ := q["question"].(string)
	options, _ := q["options"].([]interface{})

	lines := make([]string, 0, len(options))
	for i, o := range options {
		opt, ok := o.(map[string]interface{})
		if !ok {
			continue
		}
		label, _ := opt["label"].(string)
		desc, _ := opt["description"].(string)
		line := fmt.Sprintf("%d. %s", i+1, label)
		if desc != "" {
			line += " - " + desc
		}
		lines = append(lines, line)
	}

	return ApprovalRequest{
		SessionID: sessionID,
		RequestID: requestID,
		Kind:      ApprovalKindChoice,
		Prompt:    prompt,
		Options:   lines,
	}
}
