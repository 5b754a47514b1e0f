package engine_test

import (
	"errors"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

func TestValidationCollectsEveryFinding(t *testing.T) {
	env := newTestEnv(t)
	// Three independent defects; all must be reported, not just the first.
	_, findings, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "  ",
		MaxParticipants: -1,
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	codes := map[string]bool{}
	for _, f := range verr.Errors() {
		codes[f.Code] = true
	}
	for _, want := range []string{"title_present", "positive_capacity", "min_skill_requirements"} {
		if !codes[want] {
			t.Fatalf("missing finding %s in %v", want, codes)
		}
	}
	if len(findings) < 3 {
		t.Fatalf("expected at least 3 findings, got %d", len(findings))
	}
}

func TestUnknownSkillIsWarningNotError(t *testing.T) {
	env := newTestEnv(t)
	role, findings, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "Niche role",
		Requirements:    []domain.SkillRequirement{{SkillID: "arcane.lore", MinLevel: 3}},
		Status:          "open",
	})
	if err != nil {
		t.Fatalf("create should succeed with warnings: %v", err)
	}
	if role.Status != "open" {
		t.Fatalf("expected open, got %s", role.Status)
	}
	var sawWarning bool
	for _, f := range findings {
		if f.Code == "known_skills" && f.Severity == "warning" {
			sawWarning = true
		}
		if f.Severity == "error" {
			t.Fatalf("unexpected error finding: %+v", f)
		}
	}
	if !sawWarning {
		t.Fatalf("expected catalog warning, got %+v", findings)
	}
}

func TestSkillLevelOutOfRangeIsError(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "Broken role",
		Requirements:    []domain.SkillRequirement{{SkillID: "frontend.react", MinLevel: 11}},
	})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Errors()) != 1 || verr.Errors()[0].Code != "known_skills" {
		t.Fatalf("expected single known_skills error, got %+v", verr.Errors())
	}
}

func TestTerminalRoleCapacityChecked(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Finished role")
	// A completed role still counting a seat is corrupt state; a patch must
	// surface the inconsistency rather than rewrite the row.
	if err := env.Engine.Repo.SetRoleStatus(env.Ctx, nil, role.ID, "completed", "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if err := env.Engine.Repo.SetRoleParticipants(env.Ctx, role.ID, 1, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set participants: %v", err)
	}
	title := "Finished role, renamed"
	_, _, err := env.Engine.UpdateRole(env.Ctx, role.ID, engine.UpdateRolePatch{Title: &title})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	var saw bool
	for _, f := range verr.Errors() {
		if f.Code == "terminal_capacity_consistent" {
			saw = true
		}
	}
	if !saw {
		t.Fatalf("expected terminal_capacity_consistent finding, got %+v", verr.Errors())
	}
}

func TestUpdateRevalidates(t *testing.T) {
	env := newTestEnv(t)
	role, _, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "Pending role",
		Requirements:    reactRequirement(3),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// Strip the requirements while still in draft; opening must now fail.
	empty := []domain.SkillRequirement{}
	if _, _, err := env.Engine.UpdateRole(env.Ctx, role.ID, engine.UpdateRolePatch{Requirements: &empty}); err == nil {
		t.Fatalf("expected patch to fail validation")
	}
}
