package tools

// Result is the return shape of a tool execution: either a success with a
// result string, or a failure with an error string. Mirrors the
// {"success": bool, "result"|"error": str} dict the Python executor
// returns from execute_tool.
type Result struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Ok builds a successful Result.
func Ok(result string) Result {
	return Result{Success: true, Result: result}
}

// Fail builds a failed Result. Execute never returns a Go error for tool
// failures; failures are always reported through this shape so a bad tool
// call can't crash the conversation loop.
func Fail(message string) Result {
	return Result{Success: false, Error: message}
}
