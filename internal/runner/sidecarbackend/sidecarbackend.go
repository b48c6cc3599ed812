// Package sidecarbackend implements a runner.Backend that delegates the
// actual model/agent work to an HTTP sidecar process running alongside
// this service (spec.md §1 "sidecar HTTP services"). Grounded in
// tether/runner/claude_api.py's HTTP-call error handling: a sidecar that
// can't be reached surfaces as runner.ErrRunnerUnavailable, which the
// HTTP boundary maps to 503 AGENT_UNAVAILABLE.
package sidecarbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// Backend forwards conversation turns to a sidecar's /turn endpoint.
type Backend struct {
	store   store.Store
	baseURL string
	client  *http.Client
	header  map[string]interface{}
}

// New builds a sidecar-backed runner.Backend talking to baseURL.
func New(st store.Store, baseURL string, header map[string]interface{}) *Backend {
	return &Backend{
		store:   st,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
		header:  header,
	}
}

func (b *Backend) EmitHeader(ctx context.Context, sessionID string) error {
	_, err := b.store.AppendEvent(ctx, events.New(sessionID, events.KindHeader, b.header))
	return err
}

func (b *Backend) AddUserMessage(ctx context.Context, sessionID, text string) error {
	return b.appendMessage(ctx, sessionID, "user", text)
}

type turnRequest struct {
	SessionID string          `json:"session_id"`
	History   []store.Message `json:"history"`
}

type turnResponse struct {
	Content      string             `json:"content"`
	ToolCalls    []sidecarToolCall  `json:"tool_calls"`
	StopReason   string             `json:"stop_reason"`
	PromptTokens int                `json:"prompt_tokens"`
	OutputTokens int                `json:"output_tokens"`
}

type sidecarToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// CallAPI posts the conversation history to the sidecar's /turn endpoint.
// A connection failure is wrapped as runner.ErrRunnerUnavailable so
// callers at the HTTP boundary can map it to 503 AGENT_UNAVAILABLE.
func (b *Backend) CallAPI(ctx context.Context, sessionID string) (runner.CallResponse, []runner.ToolCall, error) {
	history, err := b.store.ListMessages(ctx, sessionID)
	if err != nil {
		return runner.CallResponse{}, nil, err
	}

	payload, err := json.Marshal(turnRequest{SessionID: sessionID, History: history})
	if err != nil {
		return runner.CallResponse{}, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/turn", bytes.NewReader(payload))
	if err != nil {
		return runner.CallResponse{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return runner.CallResponse{}, nil, fmt.Errorf("%w: %v", runner.ErrRunnerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusBadGateway {
		return runner.CallResponse{}, nil, runner.ErrRunnerUnavailable
	}
	if resp.StatusCode != http.StatusOK {
		return runner.CallResponse{}, nil, fmt.Errorf("sidecar: status %d", resp.StatusCode)
	}

	var tr turnResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return runner.CallResponse{}, nil, err
	}

	if err := b.appendMessage(ctx, sessionID, "assistant", tr.Content); err != nil {
		return runner.CallResponse{}, nil, err
	}

	toolCalls := make([]runner.ToolCall, 0, len(tr.ToolCalls))
	for _, tc := range tr.ToolCalls {
		toolCalls = append(toolCalls, runner.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}

	return runner.CallResponse{
		StopReason:   tr.StopReason,
		PromptTokens: tr.PromptTokens,
		OutputTokens: tr.OutputTokens,
	}, toolCalls, nil
}

// SaveAssistantResponse is a no-op: CallAPI already persisted the turn,
// since the sidecar's response is fully known only there.
func (b *Backend) SaveAssistantResponse(ctx context.Context, sessionID string) error {
	return nil
}

func (b *Backend) AddToolResults(ctx context.Context, sessionID string, calls []runner.ToolCall, results []runner.ToolResult) error {
	for _, r := range results {
		if err := b.appendMessage(ctx, sessionID, "tool", fmt.Sprintf("[%s] %s", r.ToolCall.Name, r.Content)); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) appendMessage(ctx context.Context, sessionID, role, content string) error {
	history, err := b.store.ListMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	return b.store.AppendMessage(ctx, &store.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Seq:       int64(len(history)) + 1,
		CreatedAt: time.Now(),
	})
}
