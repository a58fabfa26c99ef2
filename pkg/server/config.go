package server

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Philipk84/tarea-chat-sub000/pkg/model"
)

// GroupYAML represents a group in the YAML seed file.
type GroupYAML struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members,omitempty"`
}

// GroupsConfig is the top-level YAML config for seeded groups.
type GroupsConfig struct {
	Groups []GroupYAML `yaml:"groups"`
}

// LoadGroupsFromYAML reads a groups YAML file and seeds the registry.
// Invalid entries are skipped with a warning; the file as a whole only
// fails on read or parse errors.
func LoadGroupsFromYAML(path string, reg *GroupRegistry) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read groups config: %w", err)
	}

	var cfg GroupsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse groups config: %w", err)
	}

	seeded := 0
	for _, g := range cfg.Groups {
		if err := model.ValidateGroupName(g.Name); err != nil {
			slog.Warn("skipping seeded group", "name", g.Name, "err", err)
			continue
		}
		if len(g.Members) == 0 {
			slog.Warn("skipping seeded group with no members", "name", g.Name)
			continue
		}
		for _, member := range g.Members {
			if err := model.ValidateUsername(member); err != nil {
				slog.Warn("skipping seeded member", "group", g.Name, "member", member, "err", err)
				continue
			}
			reg.CreateOrJoin(g.Name, member)
		}
		seeded++
	}

	slog.Info("seeded groups from YAML", "file", path, "groups", seeded)
	return nil
}

// ExportGroupsYAML renders the registry as YAML, suitable for reuse as a
// seed file.
func ExportGroupsYAML(reg *GroupRegistry) ([]byte, error) {
	cfg := GroupsConfig{}
	for _, name := range reg.Names() {
		members, _ := reg.Members(name)
		cfg.Groups = append(cfg.Groups, GroupYAML{Name: name, Members: members})
	}
	return yaml.Marshal(&cfg)
}
