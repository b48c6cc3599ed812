package store

import "time"

// RepoRef identifies the repository target a session operates on.
type RepoRef struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Session is the persistent row backing one supervised agent session.
type Session struct {
	ID              string
	RepoRef         RepoRef
	State           string // statemachine.State, stored as text
	Name            *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	EndedAt         *time.Time
	LastActivityAt  time.Time
	ExitCode        *int
	RunnerHeader    *string
	RunnerType      *string
	RunnerSessionID *string
	Directory       *string
	DirectoryHasGit bool
	WorkdirManaged  bool
	ApprovalMode    *int
	Adapter         *string

	ExternalAgentID        *string
	ExternalAgentName      *string
	ExternalAgentType      *string
	ExternalAgentIcon      *string
	ExternalAgentWorkspace *string

	Platform         *string
	PlatformThreadID *string
}

// Message is one turn in a session's conversation history.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Seq       int64
	CreatedAt time.Time
}

// PendingPermission tracks an outstanding approval request so the SSE
// replay path can drop stale permission_request events (spec requirement,
// not present in the Python original's sse.py).
type PendingPermission struct {
	SessionID string
	RequestID string
	ToolName  string
	ToolInput map[string]interface{}
	CreatedAt time.Time
}

// SessionListOpts holds pagination/filter options for ListSessions.
type SessionListOpts struct {
	State  string
	Limit  int
	Offset int
}

// SessionListResult is the paginated result of ListSessions.
type SessionListResult struct {
	Sessions []Session
	Total    int
}
