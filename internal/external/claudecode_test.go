package external

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeRollout(t *testing.T, dir, sessionID string, lines []string) {
	t.Helper()
	path := filepath.Join(dir, sessionID+".jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rollout: %v", err)
	}
}

func TestClaudeCodeDiscovererListAndDetail(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "home-user-project")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writeRollout(t, projectDir, "sess-1", []string{
		`{"type":"summary","summary":"fix the bug","cwd":"/home/user/project","timestamp":"2026-01-01T10:00:00Z"}`,
		`{"type":"message","message":{"role":"user","content":"please fix it"},"cwd":"/home/user/project","timestamp":"2026-01-01T10:00:01Z"}`,
		`{"type":"message","message":{"role":"assistant","content":[{"type":"text","text":"done"}]},"cwd":"/home/user/project","timestamp":"2026-01-01T10:00:05Z"}`,
	})

	d := NewClaudeCodeDiscoverer(root)

	summaries, err := d.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].ID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %s", summaries[0].ID)
	}
	if summaries[0].Title != "fix the bug" {
		t.Fatalf("expected title from summary entry, got %q", summaries[0].Title)
	}
	if summaries[0].Directory != "/home/user/project" {
		t.Fatalf("expected directory from entries, got %q", summaries[0].Directory)
	}

	detail, err := d.Detail(context.Background(), "sess-1", 0)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if detail == nil {
		t.Fatalf("expected non-nil detail")
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(detail.Messages))
	}
	if detail.Messages[0].Role != "user" || detail.Messages[0].Content != "please fix it" {
		t.Fatalf("unexpected first message: %+v", detail.Messages[0])
	}
	if detail.Messages[1].Role != "assistant" || detail.Messages[1].Content != "done" {
		t.Fatalf("unexpected second message: %+v", detail.Messages[1])
	}
}

func TestClaudeCodeDiscovererDetailMissingSession(t *testing.T) {
	root := t.TempDir()
	d := NewClaudeCodeDiscoverer(root)

	detail, err := d.Detail(context.Background(), "does-not-exist", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if detail != nil {
		t.Fatalf("expected nil detail for missing session, got %+v", detail)
	}
}

func TestClaudeCodeDiscovererDetailRespectsLimit(t *testing.T) {
	root := t.TempDir()
	projectDir := filepath.Join(root, "proj")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeRollout(t, projectDir, "sess-2", []string{
		`{"type":"message","message":{"role":"user","content":"one"}}`,
		`{"type":"message","message":{"role":"assistant","content":"two"}}`,
		`{"type":"message","message":{"role":"user","content":"three"}}`,
	})

	d := NewClaudeCodeDiscoverer(root)
	detail, err := d.Detail(context.Background(), "sess-2", 2)
	if err != nil {
		t.Fatalf("Detail: %v", err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("expected limit to cap at 2 messages, got %d", len(detail.Messages))
	}
	if detail.Messages[0].Content != "two" || detail.Messages[1].Content != "three" {
		t.Fatalf("expected the last 2 messages, got %+v", detail.Messages)
	}
}
