// Package tools implements the fixed three-tool surface a runner backend
// exposes to the model: file_read, file_write, and bash. Ports
// tether/tools/executor.py's execute_tool dispatch.
package tools

import (
	"context"
	"fmt"
	"log/slog"
)

// WorkdirResolver supplies the working directory for a session, so the
// executor stays decoupled from the store package.
type WorkdirResolver func(sessionID string) (string, bool)

// Executor dispatches tool calls by name to the concrete implementations.
type Executor struct {
	Workdir WorkdirResolver
}

// NewExecutor builds an Executor backed by the given workdir resolver.
func NewExecutor(resolver WorkdirResolver) *Executor {
	return &Executor{Workdir: resolver}
}

// Execute runs toolName with the given input and never returns a Go error:
// any failure is reported through Result.Success=false, matching
// execute_tool's try/except-all contract so a single bad tool call can't
// crash the conversation loop.
func (e *Executor) Execute(ctx context.Context, sessionID, toolName string, input map[string]interface{}) Result {
	workdir, ok := e.Workdir(sessionID)
	if !ok {
		workdir = ""
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool execution panicked", "tool", toolName, "session_id", sessionID, "panic", r)
		}
	}()

	switch toolName {
	case "file_read":
		return FileRead(workdir, input)
	case "file_write":
		return FileWrite(workdir, input)
	case "bash":
		return Bash(ctx, workdir, input)
	default:
		return Fail(fmt.Sprintf("Unknown tool: %s", toolName))
	}
}
