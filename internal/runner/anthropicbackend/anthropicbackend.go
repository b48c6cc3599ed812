// Package anthropicbackend implements a runner.Backend that drives a
// session's conversation through the Anthropic Messages API directly over
// net/http. Grounded in the teacher's internal/providers/anthropic.go
// (request shaping, SSE-free single-turn call, retry-on-429/5xx), adapted
// to runner.Backend's four hooks and to store.Store-backed conversation
// state instead of the teacher's in-process provider abstraction.
package anthropicbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// defaultRequestsPerSecond caps outbound Anthropic API calls per Backend.
// Anthropic's own rate limits are per-API-key and per-model; this is a
// client-side guard against a burst of concurrent sessions tripping
// those limits all at once, not a replacement for them.
const defaultRequestsPerSecond = 5

const (
	defaultModel        = "claude-sonnet-4-5-20250929"
	defaultAPIBase      = "https://api.anthropic.com/v1"
	anthropicAPIVersion = "2023-06-01"
	defaultMaxTokens    = 4096
	maxRetries          = 3
)

// Backend wraps the Anthropic Messages API as a runner.Backend.
type Backend struct {
	store     store.Store
	apiKey    string
	baseURL   string
	model     string
	client    *http.Client
	toolSpecs []toolSpec
	limiter   *rate.Limiter

	mu            sync.Mutex
	lastResponses map[string]*anthropicResponse
}

// Option configures a Backend.
type Option func(*Backend)

// WithModel overrides the default model name.
func WithModel(model string) Option {
	return func(b *Backend) {
		if model != "" {
			b.model = model
		}
	}
}

// WithBaseURL overrides the API base (for testing against a fake server).
func WithBaseURL(url string) Option {
	return func(b *Backend) {
		if url != "" {
			b.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithRequestsPerSecond overrides the client-side rate limit applied to
// outbound API calls.
func WithRequestsPerSecond(rps float64) Option {
	return func(b *Backend) {
		if rps > 0 {
			b.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// New builds an Anthropic-backed runner.Backend.
func New(st store.Store, apiKey string, opts ...Option) *Backend {
	b := &Backend{
		store:         st,
		apiKey:        apiKey,
		baseURL:       defaultAPIBase,
		model:         defaultModel,
		client:        &http.Client{Timeout: 120 * time.Second},
		toolSpecs:     builtinToolSpecs(),
		limiter:       rate.NewLimiter(rate.Limit(defaultRequestsPerSecond), 1),
		lastResponses: make(map[string]*anthropicResponse),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type toolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

func builtinToolSpecs() []toolSpec {
	return []toolSpec{
		{
			Name:        "file_read",
			Description: "Read a text file from the session's working directory, with line numbers.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":   map[string]interface{}{"type": "string"},
					"offset": map[string]interface{}{"type": "integer"},
					"limit":  map[string]interface{}{"type": "integer"},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "file_write",
			Description: "Write content to a file in the session's working directory, creating parent directories as needed.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path":    map[string]interface{}{"type": "string"},
					"content": map[string]interface{}{"type": "string"},
				},
				"required": []string{"path", "content"},
			},
		},
		{
			Name:        "bash",
			Description: "Run a shell command in the session's working directory.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"command": map[string]interface{}{"type": "string"},
					"timeout": map[string]interface{}{"type": "integer"},
				},
				"required": []string{"command"},
			},
		},
	}
}

// EmitHeader announces the model/provider for this session.
func (b *Backend) EmitHeader(ctx context.Context, sessionID string) error {
	_, err := b.store.AppendEvent(ctx, events.New(sessionID, events.KindHeader, map[string]interface{}{
		"runner_type": "anthropic",
		"model":       b.model,
	}))
	return err
}

// appendMessage assigns the next sequence number for the session and
// persists a full conversation turn. The store has no auto-increment for
// message seq (unlike events, which allocate their own under a per-session
// lock), so callers serialize through the same per-session Loop goroutine
// that owns this backend.
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

// AddUserMessage appends a user turn to the message store.
func (b *Backend) AddUserMessage(ctx context.Context, sessionID, text string) error {
	return b.appendMessage(ctx, sessionID, "user", text)
}

// CallAPI sends the full message history and returns the parsed response.
func (b *Backend) CallAPI(ctx context.Context, sessionID string) (runner.CallResponse, []runner.ToolCall, error) {
	history, err := b.store.ListMessages(ctx, sessionID)
	if err != nil {
		return runner.CallResponse{}, nil, err
	}

	body := b.buildRequestBody(history)

	var apiResp anthropicResponse
	if err := b.doRequestWithRetry(ctx, body, &apiResp); err != nil {
		return runner.CallResponse{}, nil, err
	}

	b.mu.Lock()
	b.lastResponses[sessionID] = &apiResp
	b.mu.Unlock()

	var toolCalls []runner.ToolCall
	for _, block := range apiResp.Content {
		if block.Type == "tool_use" {
			args := make(map[string]interface{})
			_ = json.Unmarshal(block.Input, &args)
			toolCalls = append(toolCalls, runner.ToolCall{ID: block.ID, Name: block.Name, Input: args})
		}
	}

	resp := runner.CallResponse{
		StopReason:   normalizeStopReason(apiResp.StopReason),
		PromptTokens: apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}
	return resp, toolCalls, nil
}

func normalizeStopReason(anthropicReason string) string {
	switch anthropicReason {
	case "tool_use":
		return "tool_use"
	case "max_tokens":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// SaveAssistantResponse persists the raw content blocks from the most
// recent CallAPI so a later tool_use replay keeps id/name/input intact.
func (b *Backend) SaveAssistantResponse(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	resp := b.lastResponses[sessionID]
	delete(b.lastResponses, sessionID)
	b.mu.Unlock()

	if resp == nil {
		return nil
	}
	raw, err := json.Marshal(resp.Content)
	if err != nil {
		return err
	}
	return b.appendMessage(ctx, sessionID, "assistant", string(raw))
}

// AddToolResults appends one tool_result message per executed call.
func (b *Backend) AddToolResults(ctx context.Context, sessionID string, calls []runner.ToolCall, results []runner.ToolResult) error {
	var blocks []map[string]interface{}
	for _, r := range results {
		blocks = append(blocks, map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": r.ToolCall.ID,
			"content":     r.Content,
		})
	}
	raw, err := json.Marshal(blocks)
	if err != nil {
		return err
	}
	return b.appendMessage(ctx, sessionID, "tool", string(raw))
}

func (b *Backend) buildRequestBody(history []store.Message) map[string]interface{} {
	messages := make([]map[string]interface{}, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case "user":
			messages = append(messages, map[string]interface{}{"role": "user", "content": m.Content})
		case "assistant":
			messages = append(messages, map[string]interface{}{"role": "assistant", "content": json.RawMessage(m.Content)})
		case "tool":
			messages = append(messages, map[string]interface{}{"role": "user", "content": json.RawMessage(m.Content)})
		}
	}

	tools := make([]toolSpec, len(b.toolSpecs))
	copy(tools, b.toolSpecs)

	return map[string]interface{}{
		"model":      b.model,
		"max_tokens": defaultMaxTokens,
		"messages":   messages,
		"tools":      tools,
	}
}

func (b *Backend) doRequestWithRetry(ctx context.Context, body interface{}, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}

		respBody, status, err := b.doRequest(ctx, body)
		if err != nil {
			lastErr = err
			continue
		}

		if status == http.StatusTooManyRequests || status >= 500 {
			data, _ := io.ReadAll(respBody)
			respBody.Close()
			lastErr = fmt.Errorf("anthropic: status %d: %s", status, string(data))
			slog.Warn("anthropic request retrying", "status", status, "attempt", attempt)
			continue
		}

		defer respBody.Close()
		if status != http.StatusOK {
			data, _ := io.ReadAll(respBody)
			return fmt.Errorf("anthropic: status %d: %s", status, string(data))
		}

		return json.NewDecoder(respBody).Decode(out)
	}
	return fmt.Errorf("anthropic: exhausted retries: %w", lastErr)
}

func (b *Backend) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, 0, fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("anthropic: request failed: %w", err)
	}
	return resp.Body, resp.StatusCode, nil
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

type anthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
