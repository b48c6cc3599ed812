// Package config loads the gateway's configuration from a JSON5 file
// overlaid with environment variables, following the teacher's
// config.go/config_load.go split (struct definitions here, loading and
// env-override logic in config_load.go).
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
)

// Config is the root configuration for the agent gateway.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Sessions  SessionsConfig  `json:"sessions"`
	Backends  BackendsConfig  `json:"backends"`
	Bridges   BridgesConfig   `json:"bridges"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig controls the HTTP control surface.
type GatewayConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"` // bearer token; empty = allow all
	DevMode bool   `json:"dev_mode,omitempty"`
	DataDir string `json:"data_dir,omitempty"`
	Adapter string `json:"adapter,omitempty"` // default runner backend for new sessions
}

// DatabaseConfig selects and configures the store engine.
// PostgresDSN is never read from the file — env only, same as the
// teacher's GOCLAW_POSTGRES_DSN handling.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Engine      string `json:"engine,omitempty"` // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// SessionsConfig controls retention and idle-timeout policy for the
// maintenance loop.
type SessionsConfig struct {
	RetentionDays int `json:"retention_days,omitempty"` // prune ended sessions after N days (default 7)
	IdleSeconds   int `json:"idle_seconds,omitempty"`   // interrupt idle RUNNING sessions after N seconds (0 disables)
}

// BackendsConfig configures the concrete runner backends a session may be
// started against.
type BackendsConfig struct {
	Anthropic AnthropicBackendConfig `json:"anthropic"`
	Sidecar   SidecarBackendConfig   `json:"sidecar,omitempty"`
	CLIExec   CLIExecBackendConfig   `json:"cli_exec,omitempty"`
}

// AnthropicBackendConfig configures the direct Anthropic Messages API backend.
type AnthropicBackendConfig struct {
	APIKey  string `json:"-"` // env TETHER_AGENT_ANTHROPIC_API_KEY only
	BaseURL string `json:"base_url,omitempty"`
	Model   string `json:"model,omitempty"`
}

// SidecarBackendConfig configures an HTTP sidecar runner process.
type SidecarBackendConfig struct {
	BaseURL string `json:"base_url,omitempty"`
}

// CLIExecBackendConfig configures a pty-wrapped CLI runner subprocess.
type CLIExecBackendConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// BridgesConfig configures the chat-platform bridges.
type BridgesConfig struct {
	Telegram   TelegramBridgeConfig `json:"telegram,omitempty"`
	Discord    DiscordBridgeConfig  `json:"discord,omitempty"`
	PairingFile string              `json:"pairing_file,omitempty"` // YAML allowlist/pairing table
}

// TelegramBridgeConfig configures the Telegram bridge (telego).
type TelegramBridgeConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"-"` // env TETHER_AGENT_TELEGRAM_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"`
}

// DiscordBridgeConfig configures the Discord bridge (discordgo).
type DiscordBridgeConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"-"` // env TETHER_AGENT_DISCORD_TOKEN only
	AllowFrom []string `json:"allow_from,omitempty"`
}

// TelemetryConfig configures OpenTelemetry span export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Sessions = src.Sessions
	c.Backends = src.Backends
	c.Bridges = src.Bridges
	c.Telemetry = src.Telemetry
}

// Hash returns a short SHA-256-derived hash of the config for optimistic
// concurrency / change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
