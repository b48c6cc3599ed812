package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PairingTable maps a bridge platform ("telegram", "discord") to the set
// of sender IDs allowed to open sessions through it, parallel to the
// JSON5 main config the way the pack's other repos keep a YAML sibling
// file for allowlist-shaped data.
type PairingTable struct {
	Telegram []string `yaml:"telegram,omitempty"`
	Discord  []string `yaml:"discord,omitempty"`
}

// LoadPairingTable reads the bridge pairing/allowlist YAML file named by
// BridgesConfig.PairingFile. A missing file yields an empty table, not
// an error, since pairing is optional (bridges default to allow-all).
func LoadPairingTable(path string) (*PairingTable, error) {
	if path == "" {
		return &PairingTable{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PairingTable{}, nil
		}
		return nil, fmt.Errorf("read pairing file: %w", err)
	}
	var t PairingTable
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pairing file: %w", err)
	}
	return &t, nil
}

// Allows reports whether senderID is permitted for platform. An empty
// allowlist for that platform means "allow all".
func (t *PairingTable) Allows(platform, senderID string) bool {
	var list []string
	switch platform {
	case "telegram":
		list = t.Telegram
	case "discord":
		list = t.Discord
	default:
		return true
	}
	if len(list) == 0 {
		return true
	}
	for _, id := range list {
		if id == senderID {
			return true
		}
	}
	return false
}
