package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models crewline.yml. One config per collaboration; stored in the DB
// and imported explicitly.
type Config struct {
	Collaboration struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"collaboration"`
	Validation struct {
		MinSkillRequirements int `yaml:"min_skill_requirements"`
		MaxChildrenWarn      int `yaml:"max_children_warn"`
	} `yaml:"validation"`
	Defaults struct {
		Role struct {
			MaxParticipants int    `yaml:"max_participants"`
			Status          string `yaml:"status"`
		} `yaml:"role"`
	} `yaml:"defaults"`
	Skills struct {
		Catalog map[string]SkillConfig `yaml:"catalog"`
	} `yaml:"skills"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type SkillConfig struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	EventTypes     []string `yaml:"event_types"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cw collab config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Collaboration.ID == "" {
		return fmt.Errorf("config.collaboration.id is required")
	}
	if c.Collaboration.Kind != "collaboration" {
		return fmt.Errorf("config.collaboration.kind must be 'collaboration'")
	}
	if c.Validation.MinSkillRequirements < 0 {
		return fmt.Errorf("config.validation.min_skill_requirements must not be negative")
	}
	if c.Validation.MaxChildrenWarn < 1 {
		return fmt.Errorf("config.validation.max_children_warn must be at least 1")
	}
	if c.Defaults.Role.MaxParticipants < 1 {
		return fmt.Errorf("config.defaults.role.max_participants must be at least 1")
	}
	switch c.Defaults.Role.Status {
	case "draft", "open":
		// draft and open are the only entry states
	default:
		return fmt.Errorf("config.defaults.role.status must be draft or open")
	}
	for id := range c.Skills.Catalog {
		if id == "" {
			return fmt.Errorf("config.skills.catalog contains empty skill id")
		}
	}
	for i, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(collabID string) string {
	return fmt.Sprintf(defaultTemplate, collabID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a collaboration.
func Default(collabID string) *Config {
	var cfg Config
	cfg.Collaboration.ID = collabID
	cfg.Collaboration.Kind = "collaboration"
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, collabID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `collaboration:
  id: %s
  kind: collaboration

validation:
  min_skill_requirements: 1
  max_children_warn: 12

defaults:
  role:
    max_participants: 1
    status: draft

skills:
  catalog:
    frontend.react:
      description: "Build UI components and flows"
    backend.api:
      description: "Design and implement service endpoints"
    design.visual:
      description: "Visual and interaction design"
    writing.docs:
      description: "Documentation and technical writing"
    qa.testing:
      description: "Test planning and execution"
    project.coordination:
      description: "Coordinate participants and schedules"
`
