package engine_test

import (
	"errors"
	"testing"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

func TestCreateHierarchyOrdersParentsFirst(t *testing.T) {
	env := newTestEnv(t)
	// Child listed before its parent; import must still succeed.
	nodes := []engine.HierarchyNode{
		{Ref: "dev", Title: "Developer", ParentRef: "lead", Requirements: reactRequirement(3)},
		{Ref: "lead", Title: "Tech Lead", Requirements: reactRequirement(5)},
	}
	roles, _, err := env.Engine.CreateHierarchy(env.Ctx, "collab-1", nodes)
	if err != nil {
		t.Fatalf("create hierarchy: %v", err)
	}
	if len(roles) != 2 {
		t.Fatalf("expected 2 roles, got %d", len(roles))
	}
	byTitle := map[string]domain.Role{}
	for _, r := range roles {
		byTitle[r.Title] = r
	}
	dev := byTitle["Developer"]
	lead := byTitle["Tech Lead"]
	if dev.ParentRoleID == nil || *dev.ParentRoleID != lead.ID {
		t.Fatalf("expected Developer parented under Tech Lead")
	}
}

func TestCreateHierarchyDetectsCycle(t *testing.T) {
	env := newTestEnv(t)
	nodes := []engine.HierarchyNode{
		{Ref: "a", Title: "A", ParentRef: "b", Requirements: reactRequirement(3)},
		{Ref: "b", Title: "B", ParentRef: "c", Requirements: reactRequirement(3)},
		{Ref: "c", Title: "C", ParentRef: "a", Requirements: reactRequirement(3)},
	}
	_, _, err := env.Engine.CreateHierarchy(env.Ctx, "collab-1", nodes)
	var herr *engine.HierarchyError
	if !errors.As(err, &herr) || herr.Kind != "cycle" {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if len(herr.Path) < 3 {
		t.Fatalf("expected offending path, got %v", herr.Path)
	}
	roles, err := env.Engine.Repo.ListRoles(env.Ctx, repo.RoleFilters{CollaborationID: "collab-1"})
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected no roles after failed import, got %d", len(roles))
	}
}

func TestCreateHierarchyDanglingParentBeforeCycle(t *testing.T) {
	env := newTestEnv(t)
	nodes := []engine.HierarchyNode{
		{Ref: "orphan", Title: "Orphan", ParentRef: "ghost", Requirements: reactRequirement(3)},
		{Ref: "x", Title: "X", ParentRef: "y", Requirements: reactRequirement(3)},
		{Ref: "y", Title: "Y", ParentRef: "x", Requirements: reactRequirement(3)},
	}
	_, _, err := env.Engine.CreateHierarchy(env.Ctx, "collab-1", nodes)
	var herr *engine.HierarchyError
	if !errors.As(err, &herr) {
		t.Fatalf("expected hierarchy error, got %v", err)
	}
	if herr.Kind != "dangling_parent" || herr.ParentID != "ghost" {
		t.Fatalf("expected dangling_parent for ghost, got %s/%s", herr.Kind, herr.ParentID)
	}
}

func TestCreateHierarchyAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	nodes := []engine.HierarchyNode{
		{Ref: "ok", Title: "Fine role", Requirements: reactRequirement(3)},
		{Ref: "bad", Title: "", Requirements: reactRequirement(3)},
	}
	_, findings, err := env.Engine.CreateHierarchy(env.Ctx, "collab-1", nodes)
	var verr *engine.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(findings) == 0 {
		t.Fatalf("expected findings for the bad node")
	}
	roles, err := env.Engine.Repo.ListRoles(env.Ctx, repo.RoleFilters{CollaborationID: "collab-1"})
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("expected atomic rejection, got %d roles", len(roles))
	}
}

func TestValidateHierarchyDryRun(t *testing.T) {
	env := newTestEnv(t)
	nodes := []engine.HierarchyNode{
		{Ref: "solo", Title: "Solo", Requirements: reactRequirement(3)},
	}
	findings, err := env.Engine.ValidateHierarchy(env.Ctx, "collab-1", nodes)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, f := range findings {
		if f.Severity == "error" {
			t.Fatalf("unexpected error finding: %+v", f)
		}
	}
	roles, err := env.Engine.Repo.ListRoles(env.Ctx, repo.RoleFilters{CollaborationID: "collab-1"})
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("dry run must not write, got %d roles", len(roles))
	}
}

func TestAttachDetachChild(t *testing.T) {
	env := newTestEnv(t)
	parent := createOpenRole(t, env, "Parent")
	child := createOpenRole(t, env, "Child")

	if err := env.Engine.AttachChild(env.Ctx, parent.ID, child.ID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, err := env.Engine.Repo.GetRole(env.Ctx, child.ID)
	if err != nil || got.ParentRoleID == nil || *got.ParentRoleID != parent.ID {
		t.Fatalf("expected child linked to parent: %v", err)
	}

	// Linking the parent under its own descendant closes a cycle.
	err = env.Engine.AttachChild(env.Ctx, child.ID, parent.ID)
	var herr *engine.HierarchyError
	if !errors.As(err, &herr) || herr.Kind != "cycle" {
		t.Fatalf("expected cycle error, got %v", err)
	}

	if err := env.Engine.DetachChild(env.Ctx, child.ID); err != nil {
		t.Fatalf("detach: %v", err)
	}
	got, err = env.Engine.Repo.GetRole(env.Ctx, child.ID)
	if err != nil || got.ParentRoleID != nil {
		t.Fatalf("expected child detached: %v", err)
	}
}

func TestTreeAssembly(t *testing.T) {
	env := newTestEnv(t)
	root := createOpenRole(t, env, "Root")
	for _, title := range []string{"Left", "Right"} {
		role := createOpenRole(t, env, title)
		if err := env.Engine.AttachChild(env.Ctx, root.ID, role.ID); err != nil {
			t.Fatalf("attach %s: %v", title, err)
		}
	}
	forest, err := env.Engine.Tree(env.Ctx, "collab-1")
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	if len(forest) != 1 {
		t.Fatalf("expected single root, got %d", len(forest))
	}
	if forest[0].Role.ID != root.ID || len(forest[0].Children) != 2 {
		t.Fatalf("unexpected tree shape: root=%s children=%d", forest[0].Role.Title, len(forest[0].Children))
	}
}
