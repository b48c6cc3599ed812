package external

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ClaudeCodeRunnerType is the RunnerType reported by ClaudeCodeDiscoverer,
// matching ExternalRunnerType.CLAUDE_CODE in tether/models.py.
const ClaudeCodeRunnerType = "claude_code"

// rolloutEntry is one JSONL line of a Claude Code session transcript.
// Field names follow the on-disk shape read by
// agent_sessions.providers.claude_code (not present in the retrieval pack;
// reconstructed from tether/discovery/claude_code.py's re-exports and
// spec.md's note that only one concrete schema needs parsing here).
type rolloutEntry struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Message   rolloutMessage  `json:"message"`
	CWD       string          `json:"cwd"`
	Summary   string          `json:"summary"`
	RawJSON   json.RawMessage `json:"-"`
}

type rolloutMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ClaudeCodeDiscoverer reads session transcripts from
// ~/.claude/projects/<encoded-cwd>/<session-id>.jsonl, the on-disk rollout
// format Claude Code itself writes. One rollout file is one session.
type ClaudeCodeDiscoverer struct {
	projectsDir string
}

// NewClaudeCodeDiscoverer builds a discoverer rooted at projectsDir
// (typically "~/.claude/projects", expanded by the caller).
func NewClaudeCodeDiscoverer(projectsDir string) *ClaudeCodeDiscoverer {
	return &ClaudeCodeDiscoverer{projectsDir: projectsDir}
}

func (c *ClaudeCodeDiscoverer) RunnerType() string { return ClaudeCodeRunnerType }

// encodeProjectPath mirrors claude_code.py's encode_project_path: Claude
// Code names each project's session directory after the working directory
// with path separators replaced by dashes.
func encodeProjectPath(directory string) string {
	return strings.ReplaceAll(strings.Trim(directory, "/"), "/", "-")
}

func (c *ClaudeCodeDiscoverer) List(ctx context.Context, directory string, limit int) ([]Summary, error) {
	var dirs []string
	if directory != "" {
		dirs = []string{filepath.Join(c.projectsDir, encodeProjectPath(directory))}
	} else {
		entries, err := os.ReadDir(c.projectsDir)
		if err != nil {
			return nil, nil
		}
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(c.projectsDir, e.Name()))
			}
		}
	}

	var summaries []Summary
	for _, dir := range dirs {
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			sessionID := strings.TrimSuffix(f.Name(), ".jsonl")
			path := filepath.Join(dir, f.Name())
			summary, err := summarizeRollout(path, sessionID)
			if err != nil {
				continue
			}
			summaries = append(summaries, *summary)
		}
	}

	sortByActivityDesc(summaries)
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func summarizeRollout(path, sessionID string) (*Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	summary := &Summary{
		ID:           sessionID,
		RunnerType:   ClaudeCodeRunnerType,
		LastActivity: info.ModTime(),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry rolloutEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.CWD != "" {
			summary.Directory = entry.CWD
		}
		if entry.Summary != "" {
			summary.Title = entry.Summary
		}
		if ts, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
			summary.LastActivity = ts
		}
	}
	if summary.Title == "" {
		summary.Title = sessionID
	}
	return summary, nil
}

func (c *ClaudeCodeDiscoverer) Detail(ctx context.Context, id string, limit int) (*Detail, error) {
	var path string
	entries, err := os.ReadDir(c.projectsDir)
	if err != nil {
		return nil, nil
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		candidate := filepath.Join(c.projectsDir, e.Name(), id+".jsonl")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		return nil, nil
	}

	summary, err := summarizeRollout(path, id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry rolloutEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.Message.Role == "" {
			continue
		}
		messages = append(messages, Message{
			Role:    entry.Message.Role,
			Content: contentToText(entry.Message.Content),
		})
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}

	return &Detail{Summary: *summary, Messages: messages}, nil
}

// contentToText collapses Claude Code's block-structured message content
// (a string, or a list of {"type":"text","text":...} blocks) into plain text.
func contentToText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var b strings.Builder
		for _, block := range v {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(text)
			}
		}
		return b.String()
	default:
		return ""
	}
}
