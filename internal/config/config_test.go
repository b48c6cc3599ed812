package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultHasSaneGatewayDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 8787 {
		t.Fatalf("expected default port 8787, got %d", cfg.Gateway.Port)
	}
	if cfg.Database.Engine != "sqlite" {
		t.Fatalf("expected default engine sqlite, got %q", cfg.Database.Engine)
	}
	if cfg.Sessions.RetentionDays != 7 {
		t.Fatalf("expected default retention 7 days, got %d", cfg.Sessions.RetentionDays)
	}
}

func TestLoadMissingFileFallsBackToDefaultsPlusEnv(t *testing.T) {
	t.Setenv("TETHER_AGENT_PORT", "9999")
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9999 {
		t.Fatalf("expected env override to apply even with a missing file, got %d", cfg.Gateway.Port)
	}
}

func TestLoadParsesJSON5File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	contents := `{
		// a comment, since this is json5
		gateway: { host: "127.0.0.1", port: 1234 },
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 1234 {
		t.Fatalf("expected file values to apply, got %+v", cfg.Gateway)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	if err := os.WriteFile(path, []byte(`{gateway: {port: 1111}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TETHER_AGENT_PORT", "2222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 2222 {
		t.Fatalf("expected env to win over file, got %d", cfg.Gateway.Port)
	}
}

func TestTelegramTokenEnvVarEnablesBridge(t *testing.T) {
	t.Setenv("TETHER_AGENT_TELEGRAM_TOKEN", "abc123")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Bridges.Telegram.Enabled {
		t.Fatalf("expected setting a telegram token to enable the bridge")
	}
	if cfg.Bridges.Telegram.Token != "abc123" {
		t.Fatalf("expected token to be set, got %q", cfg.Bridges.Telegram.Token)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/foo/bar"); got != home+"/foo/bar" {
		t.Fatalf("expected home-expanded path, got %q", got)
	}
	if got := ExpandHome("/already/absolute"); got != "/already/absolute" {
		t.Fatalf("expected a non-tilde path to pass through unchanged, got %q", got)
	}
}

func TestSaveWritesConfigFile(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 5555
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty saved config")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	cfg := Default()
	h1 := cfg.Hash()
	cfg.Gateway.Port = 1
	h2 := cfg.Hash()
	if h1 == h2 {
		t.Fatalf("expected hash to change when config content changes")
	}
}
