// Package bridge connects sessions to chat platforms. A Bridge renders
// canonical session events as platform messages/approvals/typing
// indicators; the Subscriber drives that rendering off the event log.
package bridge

import "context"

// ApprovalKind distinguishes a plain allow/deny permission prompt from a
// numbered multi-choice question (spec.md §4.7 AskUserQuestion special
// case, ported from BridgeSubscriber._consume in the Python original).
type ApprovalKind string

const (
	ApprovalKindPermission ApprovalKind = "permission"
	ApprovalKindChoice     ApprovalKind = "choice"
)

// ApprovalRequest is the platform-neutral shape a bridge renders as a
// prompt the user can respond to (inline keyboard, reaction menu, etc).
type ApprovalRequest struct {
	SessionID string
	RequestID string
	Kind      ApprovalKind
	Prompt    string
	Options   []string // ["Allow", "Deny"] for permission, numbered labels for choice
}

// Bridge is the platform adapter contract a concrete channel implements.
// Verbs mirror the event-to-verb table in spec.md §4.7.
type Bridge interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// SendOutput delivers a finalized assistant text chunk to the bound thread.
	SendOutput(ctx context.Context, threadID string, text string) error

	// SendApprovalRequest renders a pending permission/choice prompt.
	SendApprovalRequest(ctx context.Context, threadID string, req ApprovalRequest) error

	// SetTyping starts or stops a typing/thinking indicator for the thread.
	SetTyping(ctx context.Context, threadID string, on bool) error

	// SetStatus reports a session_state change (e.g. moving to ERROR).
	SetStatus(ctx context.Context, threadID string, state string) error
}

// Truncate shortens s to maxLen, appending "..." if truncated. Ported from
// channels.Truncate in the teacher.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
