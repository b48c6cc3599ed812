package runner

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/tether/internal/tools"
)

// ToolBridge adapts internal/tools.Executor to the Loop's ToolExecutor
// interface, rendering a failed Result as "Error: <message>" the way
// _execute_and_emit_tools does before feeding it back to the model.
type ToolBridge struct {
	Executor *tools.Executor
}

// ExecuteToolCall runs call through the tool executor and renders its
// Result to the text form the backend persists as a tool_result.
func (b *ToolBridge) ExecuteToolCall(ctx context.Context, sessionID string, call ToolCall) string {
	result := b.Executor.Execute(ctx, sessionID, call.Name, call.Input)
	if result.Success {
		return result.Result
	}
	return fmt.Sprintf("Error: %s", result.Error)
}

var _ ToolExecutor = (*ToolBridge)(nil)
