package external

import (
	"context"
	"testing"
	"time"
)

type fakeDiscoverer struct {
	runnerType string
	summaries  []Summary
	detail     *Detail
}

func (f *fakeDiscoverer) RunnerType() string { return f.runnerType }
func (f *fakeDiscoverer) List(ctx context.Context, directory string, limit int) ([]Summary, error) {
	return f.summaries, nil
}
func (f *fakeDiscoverer) Detail(ctx context.Context, id string, limit int) (*Detail, error) {
	return f.detail, nil
}

func TestRegistryGetDispatchesByRunnerType(t *testing.T) {
	a := &fakeDiscoverer{runnerType: "claude_code"}
	b := &fakeDiscoverer{runnerType: "codex"}
	r := NewRegistry(a, b)

	if r.Get("claude_code") != a {
		t.Fatalf("expected Get(claude_code) to return the claude_code discoverer")
	}
	if r.Get("codex") != b {
		t.Fatalf("expected Get(codex) to return the codex discoverer")
	}
	if r.Get("unknown") != nil {
		t.Fatalf("expected Get(unknown) to return nil")
	}
}

func TestRegistryDiscoverMergesSortsAndCaps(t *testing.T) {
	now := time.Now()
	a := &fakeDiscoverer{runnerType: "claude_code", summaries: []Summary{
		{ID: "a1", LastActivity: now.Add(-1 * time.Hour)},
		{ID: "a2", LastActivity: now.Add(-3 * time.Hour)},
	}}
	b := &fakeDiscoverer{runnerType: "codex", summaries: []Summary{
		{ID: "b1", LastActivity: now},
		{ID: "b2", LastActivity: now.Add(-2 * time.Hour)},
	}}
	r := NewRegistry(a, b)

	all, err := r.Discover(context.Background(), "", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 sessions, got %d", len(all))
	}
	wantOrder := []string{"b1", "a1", "b2", "a2"}
	for i, id := range wantOrder {
		if all[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, all[i].ID)
		}
	}

	limited, err := r.Discover(context.Background(), "", "", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(limited))
	}
	if limited[0].ID != "b1" || limited[1].ID != "a1" {
		t.Fatalf("expected the two most recent sessions, got %+v", limited)
	}
}

func TestRegistryDiscoverFiltersByRunnerType(t *testing.T) {
	a := &fakeDiscoverer{runnerType: "claude_code", summaries: []Summary{{ID: "a1", LastActivity: time.Now()}}}
	b := &fakeDiscoverer{runnerType: "codex", summaries: []Summary{{ID: "b1", LastActivity: time.Now()}}}
	r := NewRegistry(a, b)

	only, err := r.Discover(context.Background(), "", "codex", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(only) != 1 || only[0].ID != "b1" {
		t.Fatalf("expected only codex sessions, got %+v", only)
	}
}

func TestEncodeProjectPath(t *testing.T) {
	cases := map[string]string{
		"/home/user/project":  "home-user-project",
		"/home/user/project/": "home-user-project",
		"relative/path":       "relative-path",
	}
	for in, want := range cases {
		if got := encodeProjectPath(in); got != want {
			t.Fatalf("encodeProjectPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContentToText(t *testing.T) {
	if got := contentToText("plain string"); got != "plain string" {
		t.Fatalf("expected plain string passthrough, got %q", got)
	}

	blocks := []interface{}{
		map[string]interface{}{"type": "text", "text": "first"},
		map[string]interface{}{"type": "text", "text": "second"},
	}
	if got := contentToText(blocks); got != "first\nsecond" {
		t.Fatalf("expected joined block text, got %q", got)
	}

	if got := contentToText(42); got != "" {
		t.Fatalf("expected empty string for unrecognized content shape, got %q", got)
	}
}
