package config_test

import (
	"strings"
	"testing"

	"crewline/internal/config"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := config.Default("collab-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Collaboration.ID != "collab-1" || cfg.Collaboration.Kind != "collaboration" {
		t.Fatalf("unexpected collaboration block: %+v", cfg.Collaboration)
	}
	if cfg.Validation.MinSkillRequirements != 1 {
		t.Fatalf("expected min_skill_requirements 1, got %d", cfg.Validation.MinSkillRequirements)
	}
	if cfg.Defaults.Role.Status != "draft" || cfg.Defaults.Role.MaxParticipants != 1 {
		t.Fatalf("unexpected role defaults: %+v", cfg.Defaults.Role)
	}
	if len(cfg.Skills.Catalog) != 6 {
		t.Fatalf("expected 6 catalog skills, got %d", len(cfg.Skills.Catalog))
	}
	if _, ok := cfg.Skills.Catalog["frontend.react"]; !ok {
		t.Fatalf("expected frontend.react in catalog")
	}
}

func TestGenerateDefaultContainsCollabID(t *testing.T) {
	out := config.GenerateDefault("my-collab")
	if !strings.Contains(out, "id: my-collab") {
		t.Fatalf("generated config missing collaboration id:\n%s", out)
	}
	if _, err := config.FromYAML([]byte(out)); err != nil {
		t.Fatalf("generated config does not parse: %v", err)
	}
}

func TestFromYAMLRejectsWrongKind(t *testing.T) {
	_, err := config.FromYAML([]byte(`collaboration:
  id: c1
  kind: project
validation:
  min_skill_requirements: 1
  max_children_warn: 12
defaults:
  role:
    max_participants: 1
    status: draft
`))
	if err == nil || !strings.Contains(err.Error(), "kind") {
		t.Fatalf("expected kind error, got %v", err)
	}
}

func TestFromYAMLRejectsBadEntryStatus(t *testing.T) {
	_, err := config.FromYAML([]byte(`collaboration:
  id: c1
  kind: collaboration
validation:
  min_skill_requirements: 0
  max_children_warn: 5
defaults:
  role:
    max_participants: 2
    status: assigned
`))
	if err == nil || !strings.Contains(err.Error(), "draft or open") {
		t.Fatalf("expected entry status error, got %v", err)
	}
}

func TestValidateRejectsWebhookWithoutURL(t *testing.T) {
	cfg := config.Default("c1")
	cfg.Webhooks = append(cfg.Webhooks, config.WebhookConfig{EventTypes: []string{"role.transitioned"}})
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "webhooks") {
		t.Fatalf("expected webhook url error, got %v", err)
	}
}

func TestFromYAMLParsesWebhooks(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`collaboration:
  id: c1
  kind: collaboration
validation:
  min_skill_requirements: 1
  max_children_warn: 12
defaults:
  role:
    max_participants: 1
    status: open
webhooks:
  - url: https://example.com/hook
    event_types: [role.transitioned, role.created]
    secret: shh
    timeout_seconds: 3
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Webhooks) != 1 {
		t.Fatalf("expected 1 webhook, got %d", len(cfg.Webhooks))
	}
	wh := cfg.Webhooks[0]
	if wh.URL != "https://example.com/hook" || len(wh.EventTypes) != 2 || wh.Secret != "shh" || wh.TimeoutSeconds != 3 {
		t.Fatalf("unexpected webhook: %+v", wh)
	}
}
