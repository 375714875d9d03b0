package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatos/pkg/models"
)

// Catalog is the optional file-based registry of agents, model configs, and
// tool groups, loaded at startup and merged into the store.
type Catalog struct {
	ModelConfigs []models.ModelConfig `yaml:"model_configs"`
	Agents       []models.Agent       `yaml:"agents"`
	ToolGroups   []models.ToolGroup   `yaml:"tool_groups"`
}

// LoadCatalog reads a YAML catalog file. Environment references in the file
// ($VAR or ${VAR}) are expanded before parsing so API keys stay out of the
// file itself.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cat Catalog
	if err := yaml.Unmarshal([]byte(expanded), &cat); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i := range cat.ModelConfigs {
		mc := &cat.ModelConfigs[i]
		if mc.ID == "" {
			return nil, fmt.Errorf("catalog %s: model config %d missing id", path, i)
		}
		if mc.ThinkingLevel != "" && !models.ValidThinkingLevel(mc.ThinkingLevel) {
			return nil, fmt.Errorf("catalog %s: model config %s: invalid thinking_level %q", path, mc.ID, mc.ThinkingLevel)
		}
		if mc.ThinkingLevel != "" && mc.Provider != "gpt" {
			return nil, fmt.Errorf("catalog %s: model config %s: thinking_level requires provider gpt", path, mc.ID)
		}
	}
	for i := range cat.Agents {
		if cat.Agents[i].ID == "" {
			return nil, fmt.Errorf("catalog %s: agent %d missing id", path, i)
		}
	}
	for i := range cat.ToolGroups {
		tg := &cat.ToolGroups[i]
		if tg.ID == "" {
			return nil, fmt.Errorf("catalog %s: tool group %d missing id", path, i)
		}
		switch tg.Kind {
		case models.ToolGroupHTTP, models.ToolGroupStdio, models.ToolGroupBuiltin:
		default:
			return nil, fmt.Errorf("catalog %s: tool group %s: unknown kind %q", path, tg.ID, tg.Kind)
		}
	}
	return &cat, nil
}
