package engine_test

import (
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

func createRoleWith(t *testing.T, env testEnv, title string, parentID *string, reqs []domain.SkillRequirement, perms []domain.PermissionGrant) domain.Role {
	t.Helper()
	role, _, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           title,
		ParentRoleID:    parentID,
		Requirements:    reqs,
		Permissions:     perms,
		Status:          "open",
	})
	if err != nil {
		t.Fatalf("create %s: %v", title, err)
	}
	return role
}

func TestEffectivePermissionsNearestWins(t *testing.T) {
	env := newTestEnv(t)
	parent := createRoleWith(t, env, "Parent", nil, reactRequirement(3), []domain.PermissionGrant{
		{Resource: "docs", Actions: []string{"read", "write"}},
		{Resource: "repo", Actions: []string{"admin"}},
	})
	child := createRoleWith(t, env, "Child", &parent.ID, reactRequirement(3), []domain.PermissionGrant{
		{Resource: "docs", Actions: []string{"read"}},
	})

	grants, err := env.Engine.EffectivePermissions(env.Ctx, child.ID)
	if err != nil {
		t.Fatalf("effective permissions: %v", err)
	}
	if len(grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(grants))
	}
	// sorted by resource: docs then repo
	docs, repoGrant := grants[0], grants[1]
	if docs.Resource != "docs" || repoGrant.Resource != "repo" {
		t.Fatalf("unexpected order: %s, %s", docs.Resource, repoGrant.Resource)
	}
	// The child's own declaration replaces the parent's, actions unmerged.
	if docs.Inherited || len(docs.Actions) != 1 || docs.Actions[0] != "read" {
		t.Fatalf("expected child docs grant to win: %+v", docs)
	}
	if !repoGrant.Inherited || repoGrant.SourceRoleID != parent.ID {
		t.Fatalf("expected repo grant inherited from parent: %+v", repoGrant)
	}
}

func TestEffectiveRequirementsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	parent := createRoleWith(t, env, "Parent", nil, []domain.SkillRequirement{
		{SkillID: "frontend.react", MinLevel: 3},
		{SkillID: "writing.docs", MinLevel: 2, Optional: true},
	}, nil)
	child := createRoleWith(t, env, "Child", &parent.ID, []domain.SkillRequirement{
		{SkillID: "frontend.react", MinLevel: 5},
		{SkillID: "backend.api", MinLevel: 2},
	}, nil)

	reqs, err := env.Engine.EffectiveRequirements(env.Ctx, child.ID)
	if err != nil {
		t.Fatalf("effective requirements: %v", err)
	}
	bySkill := map[string]domain.SkillRequirement{}
	for _, r := range reqs {
		bySkill[r.SkillID] = r
	}
	if len(bySkill) != 3 {
		t.Fatalf("expected union of 3 skills, got %d", len(bySkill))
	}
	// Requirements never override each other; the strictest level sticks.
	if bySkill["frontend.react"].MinLevel != 5 {
		t.Fatalf("expected react level 5, got %d", bySkill["frontend.react"].MinLevel)
	}
	if bySkill["backend.api"].MinLevel != 2 {
		t.Fatalf("expected api level 2, got %d", bySkill["backend.api"].MinLevel)
	}
	if !bySkill["writing.docs"].Optional {
		t.Fatalf("expected docs requirement to stay optional")
	}
}

func TestOptionalOnlyWhenAllDeclarationsOptional(t *testing.T) {
	env := newTestEnv(t)
	parent := createRoleWith(t, env, "Parent", nil, []domain.SkillRequirement{
		{SkillID: "qa.testing", MinLevel: 2, Optional: true},
	}, nil)
	child := createRoleWith(t, env, "Child", &parent.ID, []domain.SkillRequirement{
		{SkillID: "qa.testing", MinLevel: 2},
	}, nil)

	reqs, err := env.Engine.EffectiveRequirements(env.Ctx, child.ID)
	if err != nil {
		t.Fatalf("effective requirements: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Optional {
		t.Fatalf("a mandatory declaration must make the requirement mandatory: %+v", reqs)
	}
}

func TestSkillCheckEnumeratesAllGaps(t *testing.T) {
	env := newTestEnv(t)
	role := createRoleWith(t, env, "Demanding role", nil, []domain.SkillRequirement{
		{SkillID: "frontend.react", MinLevel: 3},
		{SkillID: "backend.api", MinLevel: 4},
		{SkillID: "writing.docs", MinLevel: 2, Optional: true},
	}, nil)

	if _, err := env.Engine.SetUserSkill(env.Ctx, "frank", "frontend.react", 1); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	check, err := env.Engine.CheckSkillRequirements(env.Ctx, role.ID, "frank")
	if err != nil {
		t.Fatalf("skill check: %v", err)
	}
	if check.Valid {
		t.Fatalf("expected failing check")
	}
	// Both mandatory gaps reported; the optional one never blocks.
	if len(check.Missing) != 2 {
		t.Fatalf("expected 2 missing requirements, got %d", len(check.Missing))
	}
	for _, m := range check.Missing {
		if m.SkillID == "writing.docs" {
			t.Fatalf("optional requirement must not appear in missing")
		}
	}
}

func TestSkillCheckUsesInheritedRequirements(t *testing.T) {
	env := newTestEnv(t)
	parent := createRoleWith(t, env, "Parent", nil, []domain.SkillRequirement{
		{SkillID: "project.coordination", MinLevel: 3},
	}, nil)
	child := createRoleWith(t, env, "Child", &parent.ID, reactRequirement(2), nil)

	if _, err := env.Engine.SetUserSkill(env.Ctx, "gina", "frontend.react", 5); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	check, err := env.Engine.CheckSkillRequirements(env.Ctx, child.ID, "gina")
	if err != nil {
		t.Fatalf("skill check: %v", err)
	}
	if check.Valid {
		t.Fatalf("expected inherited requirement to fail the check")
	}
	if len(check.Missing) != 1 || check.Missing[0].SkillID != "project.coordination" {
		t.Fatalf("expected project.coordination missing, got %+v", check.Missing)
	}
}
