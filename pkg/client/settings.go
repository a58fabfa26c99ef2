package client

import (
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings stores connection preferences persisted as YAML next to the
// binary.
type Settings struct {
	Username    string `yaml:"username,omitempty"`
	ControlAddr string `yaml:"control_addr"`
	SideAddr    string `yaml:"side_addr"`
	MediaAddr   string `yaml:"media_addr"`
}

// DefaultSettings returns default settings pointing at a local server.
func DefaultSettings() *Settings {
	return &Settings{
		ControlAddr: "localhost:9500",
		SideAddr:    "localhost:9501",
		MediaAddr:   "localhost:9502",
	}
}

func settingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings loads settings from YAML or returns defaults.
func LoadSettings() *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(settingsPath())
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes settings to YAML.
func (s *Settings) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(settingsPath(), data, 0600)
}
