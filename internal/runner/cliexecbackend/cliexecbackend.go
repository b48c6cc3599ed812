// Package cliexecbackend implements a runner.Backend that drives a local
// coding-agent CLI subprocess under a pty, line-scraping its stdout into
// the conversation loop's tool-call/turn shape (spec.md §1 "local-CLI
// subprocesses"). Grounded in wingedpig-trellis's pty.Start/pty.Setsize
// process-supervision pattern (internal/api/handlers/terminal.go), since
// the teacher itself never spawns a pty.
package cliexecbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/tether/internal/events"
	"github.com/nextlevelbuilder/tether/internal/runner"
	"github.com/nextlevelbuilder/tether/internal/store"
)

// toolCallMarker and turnDoneMarker delimit a JSON tool-call request the
// CLI prints on its own line, e.g.:
//
//	TOOL_CALL {"id":"1","name":"bash","input":{"command":"ls"}}
//	TURN_DONE end_turn
//
// A concrete CLI's output contract is necessarily CLI-specific; these are
// the markers this backend expects a wrapped binary to emit.
const (
	toolCallMarker = "TOOL_CALL "
	turnDoneMarker = "TURN_DONE "
)

// Backend wraps a local CLI binary run under a pty, one subprocess per
// session.
type Backend struct {
	store   store.Store
	command string
	args    []string
	header  map[string]interface{}

	mu    sync.Mutex
	procs map[string]*session
}

type session struct {
	cmd  *exec.Cmd
	ptmx fileReadWriter
	r    *bufio.Reader
}

// fileReadWriter narrows the pty file handle to what this backend uses,
// keeping the rest of the package free of direct os.File plumbing.
type fileReadWriter interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	Close() error
}

// New builds a cliexecbackend.Backend that launches `command args...` for
// each session.
func New(st store.Store, command string, args []string, header map[string]interface{}) *Backend {
	return &Backend{
		store:   st,
		command: command,
		args:    args,
		header:  header,
		procs:   make(map[string]*session),
	}
}

func (b *Backend) EmitHeader(ctx context.Context, sessionID string) error {
	_, err := b.store.AppendEvent(ctx, events.New(sessionID, events.KindHeader, b.header))
	return err
}

func (b *Backend) ensureProcess(sessionID string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.procs[sessionID]; ok {
		return s, nil
	}

	cmd := exec.Command(b.command, b.args...)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("cliexecbackend: start %s: %w", b.command, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 40, Cols: 120})

	s := &session{cmd: cmd, ptmx: ptmx, r: bufio.NewReader(ptmx)}
	b.procs[sessionID] = s
	return s, nil
}

func (b *Backend) AddUserMessage(ctx context.Context, sessionID, text string) error {
	s, err := b.ensureProcess(sessionID)
	if err != nil {
		return err
	}
	if err := b.appendMessage(ctx, sessionID, "user", text); err != nil {
		return err
	}
	_, err = s.ptmx.Write([]byte(text + "\n"))
	return err
}

// CallAPI blocks reading the CLI's pty output a line at a time until it
// sees a TURN_DONE marker, collecting any TOOL_CALL requests along the way.
func (b *Backend) CallAPI(ctx context.Context, sessionID string) (runner.CallResponse, []runner.ToolCall, error) {
	s, err := b.ensureProcess(sessionID)
	if err != nil {
		return runner.CallResponse{}, nil, err
	}

	var output strings.Builder
	var toolCalls []runner.ToolCall
	stopReason := "end_turn"

	for {
		select {
		case <-ctx.Done():
			return runner.CallResponse{}, nil, ctx.Err()
		default:
		}

		line, err := s.r.ReadString('\n')
		if line != "" {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(trimmed, toolCallMarker):
				var tc struct {
					ID    string                 `json:"id"`
					Name  string                 `json:"name"`
					Input map[string]interface{} `json:"input"`
				}
				if jsonErr := json.Unmarshal([]byte(strings.TrimPrefix(trimmed, toolCallMarker)), &tc); jsonErr == nil {
					if tc.ID == "" {
						tc.ID = uuid.NewString()
					}
					toolCalls = append(toolCalls, runner.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
				}
			case strings.HasPrefix(trimmed, turnDoneMarker):
				stopReason = strings.TrimSpace(strings.TrimPrefix(trimmed, turnDoneMarker))
				if len(toolCalls) > 0 {
					stopReason = "tool_use"
				}
				return runner.CallResponse{StopReason: stopReason}, toolCalls, b.appendMessage(ctx, sessionID, "assistant", output.String())
			default:
				output.WriteString(trimmed)
				output.WriteByte('\n')
			}
		}
		if err != nil {
			return runner.CallResponse{}, nil, fmt.Errorf("cliexecbackend: read: %w", err)
		}
	}
}

// SaveAssistantResponse is a no-op: CallAPI already persisted the turn's
// text once it saw the TURN_DONE marker.
func (b *Backend) SaveAssistantResponse(ctx context.Context, sessionID string) error {
	return nil
}

func (b *Backend) AddToolResults(ctx context.Context, sessionID string, calls []runner.ToolCall, results []runner.ToolResult) error {
	s, err := b.ensureProcess(sessionID)
	if err != nil {
		return err
	}
	for _, r := range results {
		line := fmt.Sprintf("TOOL_RESULT %s\n", jsonOrEmpty(map[string]interface{}{
			"tool_call_id": r.ToolCall.ID,
			"content":      r.Content,
		}))
		if _, err := s.ptmx.Write([]byte(line)); err != nil {
			return err
		}
		if err := b.appendMessage(ctx, sessionID, "tool", r.Content); err != nil {
			return err
		}
	}
	return nil
}

func jsonOrEmpty(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
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

// Close terminates the subprocess for a session, if running.
func (b *Backend) Close(sessionID string) error {
	b.mu.Lock()
	s, ok := b.procs[sessionID]
	delete(b.procs, sessionID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		return s.cmd.Process.Kill()
	}
	return nil
}
