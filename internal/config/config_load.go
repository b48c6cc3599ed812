package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Database: DatabaseConfig{
			Engine:     "sqlite",
			SQLitePath: "~/.tether-agent/tether.db",
		},
		Sessions: SessionsConfig{
			RetentionDays: 7,
			IdleSeconds:   0,
		},
		Backends: BackendsConfig{
			Anthropic: AnthropicBackendConfig{
				BaseURL: "https://api.anthropic.com/v1",
				Model:   "claude-sonnet-4-5-20250929",
			},
		},
	}
}

// Load reads config from a JSON5 file, then overlays a cwd .env file,
// then overlays process environment variables. Matches spec's layering:
// process env > cwd/.env > user-config env > defaults. The config file
// values sit between defaults and .env since the file itself is the
// "user-config" the .env is meant to sit below per spec.md §6.
func Load(path string) (*Config, error) {
	cfg := Default()

	// cwd/.env loads into the process environment first, but never
	// overwrites a variable already set there (godotenv.Load's own
	// semantics), preserving "process env wins".
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("config: could not load .env", "error", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays TETHER_AGENT_* env vars onto the config.
// Env vars take precedence over file values, matching the teacher's
// applyEnvOverrides walking explicit envStr/envInt helpers.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	envStr("TETHER_AGENT_HOST", &c.Gateway.Host)
	envInt("TETHER_AGENT_PORT", &c.Gateway.Port)
	envStr("TETHER_AGENT_TOKEN", &c.Gateway.Token)
	envStr("TETHER_AGENT_DATA_DIR", &c.Gateway.DataDir)
	envStr("TETHER_AGENT_ADAPTER", &c.Gateway.Adapter)
	envBool("TETHER_AGENT_DEV_MODE", &c.Gateway.DevMode)

	envInt("TETHER_AGENT_SESSION_RETENTION_DAYS", &c.Sessions.RetentionDays)
	envInt("TETHER_AGENT_SESSION_IDLE_SECONDS", &c.Sessions.IdleSeconds)

	envStr("TETHER_AGENT_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TETHER_AGENT_DB_ENGINE", &c.Database.Engine)
	envStr("TETHER_AGENT_SQLITE_PATH", &c.Database.SQLitePath)

	envStr("TETHER_AGENT_ANTHROPIC_API_KEY", &c.Backends.Anthropic.APIKey)
	envStr("TETHER_AGENT_ANTHROPIC_BASE_URL", &c.Backends.Anthropic.BaseURL)
	envStr("TETHER_AGENT_ANTHROPIC_MODEL", &c.Backends.Anthropic.Model)
	envStr("TETHER_AGENT_SIDECAR_BASE_URL", &c.Backends.Sidecar.BaseURL)
	envStr("TETHER_AGENT_CLI_EXEC_COMMAND", &c.Backends.CLIExec.Command)

	envStr("TETHER_AGENT_TELEGRAM_TOKEN", &c.Bridges.Telegram.Token)
	if c.Bridges.Telegram.Token != "" {
		c.Bridges.Telegram.Enabled = true
	}
	envStr("TETHER_AGENT_DISCORD_TOKEN", &c.Bridges.Discord.Token)
	if c.Bridges.Discord.Token != "" {
		c.Bridges.Discord.Enabled = true
	}
	envStr("TETHER_AGENT_BRIDGE_PAIRING_FILE", &c.Bridges.PairingFile)

	envBool("TETHER_AGENT_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("TETHER_AGENT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TETHER_AGENT_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TETHER_AGENT_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
