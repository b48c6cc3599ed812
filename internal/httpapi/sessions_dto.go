package httpapi

import (
	"time"

	"github.com/nextlevelbuilder/tether/internal/store"
)

// createSessionRequest mirrors tether/api/schemas.py's CreateSessionRequest,
// widened with the adapter/approval_mode/platform fields the durable
// Session row (spec.md §3) actually carries.
type createSessionRequest struct {
	RepoType         string `json:"repo_type,omitempty"`
	RepoValue        string `json:"repo_value,omitempty"`
	Directory        string `json:"directory"`
	Name             string `json:"name,omitempty"`
	Adapter          string `json:"adapter,omitempty"`
	ApprovalMode     *int   `json:"approval_mode,omitempty"`
	Platform         string `json:"platform,omitempty"`
	PlatformThreadID string `json:"platform_thread_id,omitempty"`
}

// startSessionRequest mirrors tether/api/schemas.py's StartSessionRequest.
type startSessionRequest struct {
	Prompt         string `json:"prompt"`
	ApprovalChoice int    `json:"approval_choice"`
}

// renameSessionRequest mirrors tether/api/schemas.py's RenameSessionRequest.
type renameSessionRequest struct {
	Name string `json:"name"`
}

// inputRequest mirrors tether/api/schemas.py's InputRequest.
type inputRequest struct {
	Text string `json:"text"`
}

// attachSessionRequest mirrors tether/api/schemas.py's AttachSessionRequest.
type attachSessionRequest struct {
	ExternalID string `json:"external_id"`
	RunnerType string `json:"runner_type"`
	Directory  string `json:"directory"`
}

// sessionResponse mirrors tether/api/schemas.py's SessionResponse, widened
// to the full durable Session row per spec.md §3.
type sessionResponse struct {
	ID                string     `json:"id"`
	RepoType          string     `json:"repo_type,omitempty"`
	RepoValue         string     `json:"repo_value,omitempty"`
	State             string     `json:"state"`
	Name              *string    `json:"name"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at"`
	EndedAt           *time.Time `json:"ended_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	ExitCode          *int       `json:"exit_code"`
	RunnerHeader      *string    `json:"runner_header"`
	RunnerType        *string    `json:"runner_type"`
	RunnerSessionID   *string    `json:"runner_session_id"`
	Directory         *string    `json:"directory"`
	DirectoryHasGit   bool       `json:"directory_has_git"`
	WorkdirManaged    bool       `json:"workdir_managed"`
	ApprovalMode      *int       `json:"approval_mode"`
	Adapter           *string    `json:"adapter"`
	ExternalAgentID   *string    `json:"external_agent_id,omitempty"`
	ExternalAgentName *string    `json:"external_agent_name,omitempty"`
	ExternalAgentType *string    `json:"external_agent_type,omitempty"`
	ExternalAgentIcon *string    `json:"external_agent_icon,omitempty"`
	Platform          *string    `json:"platform"`
	PlatformThreadID  *string    `json:"platform_thread_id"`
	MessageCount      int        `json:"message_count"`
}

func toSessionResponse(s *store.Session, messageCount int) sessionResponse {
	return sessionResponse{
		ID:                s.ID,
		RepoType:          s.RepoRef.Type,
		RepoValue:         s.RepoRef.Value,
		State:             s.State,
		Name:              s.Name,
		CreatedAt:         s.CreatedAt,
		StartedAt:         s.StartedAt,
		EndedAt:           s.EndedAt,
		LastActivityAt:    s.LastActivityAt,
		ExitCode:          s.ExitCode,
		RunnerHeader:      s.RunnerHeader,
		RunnerType:        s.RunnerType,
		RunnerSessionID:   s.RunnerSessionID,
		Directory:         s.Directory,
		DirectoryHasGit:   s.DirectoryHasGit,
		WorkdirManaged:    s.WorkdirManaged,
		ApprovalMode:      s.ApprovalMode,
		Adapter:           s.Adapter,
		ExternalAgentID:   s.ExternalAgentID,
		ExternalAgentName: s.ExternalAgentName,
		ExternalAgentType: s.ExternalAgentType,
		ExternalAgentIcon: s.ExternalAgentIcon,
		Platform:          s.Platform,
		PlatformThreadID:  s.PlatformThreadID,
		MessageCount:      messageCount,
	}
}
