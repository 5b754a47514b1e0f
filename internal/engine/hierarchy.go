package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// HierarchyNode is one role in a batch import. Ref is a caller-chosen label
// used only to wire ParentRef inside the batch; ParentRoleID points at a role
// that already exists in the database. At most one of the two may be set.
type HierarchyNode struct {
	Ref                string                     `json:"ref"`
	Title              string                     `json:"title"`
	Description        string                     `json:"description,omitempty"`
	ParentRef          string                     `json:"parent_ref,omitempty"`
	ParentRoleID       string                     `json:"parent_role_id,omitempty"`
	Requirements       []domain.SkillRequirement  `json:"requirements,omitempty"`
	Permissions        []domain.PermissionGrant   `json:"permissions,omitempty"`
	CompletionCriteria *domain.CompletionCriteria `json:"completion_criteria,omitempty"`
	MaxParticipants    int                        `json:"max_participants,omitempty"`
	Status             string                     `json:"status,omitempty"`
}

// planHierarchy resolves refs, rejects dangling parents and cycles, and
// returns the batch in parent-before-child order.
func (e Engine) planHierarchy(ctx context.Context, collabID string, nodes []HierarchyNode) ([]HierarchyNode, error) {
	byRef := make(map[string]int, len(nodes))
	for i, n := range nodes {
		if n.Ref == "" {
			return nil, fmt.Errorf("node %d: ref is required", i)
		}
		if _, dup := byRef[n.Ref]; dup {
			return nil, fmt.Errorf("duplicate ref %q", n.Ref)
		}
		byRef[n.Ref] = i
	}

	// Dangling parents are reported before cycle detection runs.
	for _, n := range nodes {
		if n.ParentRef != "" && n.ParentRoleID != "" {
			return nil, fmt.Errorf("node %q sets both parent_ref and parent_role_id", n.Ref)
		}
		if n.ParentRef != "" {
			if _, ok := byRef[n.ParentRef]; !ok {
				return nil, &HierarchyError{Kind: "dangling_parent", RoleID: n.Ref, ParentID: n.ParentRef}
			}
		}
		if n.ParentRoleID != "" {
			parent, err := e.Repo.GetRole(ctx, n.ParentRoleID)
			if err == repo.ErrNotFound {
				return nil, &HierarchyError{Kind: "dangling_parent", RoleID: n.Ref, ParentID: n.ParentRoleID}
			}
			if err != nil {
				return nil, err
			}
			if parent.CollaborationID != collabID {
				return nil, fmt.Errorf("node %q: parent role %s belongs to another collaboration", n.Ref, n.ParentRoleID)
			}
		}
	}

	// Colored DFS over the in-batch edges; a back edge is a cycle and the
	// gray stack is the offending path.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(nodes))
	var stack []string
	var visit func(i int) error
	visit = func(i int) error {
		color[i] = gray
		stack = append(stack, nodes[i].Ref)
		if pref := nodes[i].ParentRef; pref != "" {
			j := byRef[pref]
			switch color[j] {
			case gray:
				path := append(append([]string{}, stack...), pref)
				return &HierarchyError{Kind: "cycle", RoleID: nodes[i].Ref, Path: path}
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}
	for i := range nodes {
		if color[i] == white {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}

	// Kahn ordering so parents are created before their children.
	children := make(map[string][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for i, n := range nodes {
		if n.ParentRef != "" {
			children[n.ParentRef] = append(children[n.ParentRef], i)
			indeg[i]++
		}
	}
	var queue []int
	for i := range nodes {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	ordered := make([]HierarchyNode, 0, len(nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ordered = append(ordered, nodes[i])
		for _, j := range children[nodes[i].Ref] {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(ordered) != len(nodes) {
		return nil, &HierarchyError{Kind: "cycle", Path: []string{"unresolved"}}
	}
	return ordered, nil
}

// CreateHierarchy creates a batch of roles in one transaction. The whole
// batch lands or none of it does.
func (e Engine) CreateHierarchy(ctx context.Context, collabID string, nodes []HierarchyNode) ([]domain.Role, []ValidationFinding, error) {
	if len(nodes) == 0 {
		return nil, nil, fmt.Errorf("empty hierarchy")
	}
	unlock := e.Locks.Lock(collabID)
	defer unlock()
	if _, err := e.Repo.GetCollaboration(ctx, collabID); err != nil {
		return nil, nil, fmt.Errorf("collaboration %s: %w", collabID, err)
	}
	cfg, err := e.collabConfig(ctx, collabID)
	if err != nil {
		return nil, nil, err
	}
	ordered, err := e.planHierarchy(ctx, collabID, nodes)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	idByRef := make(map[string]string, len(ordered))
	roles := make([]domain.Role, 0, len(ordered))
	var findings []ValidationFinding
	for _, n := range ordered {
		t := domain.Role{
			ID:                 uuid.NewString(),
			CollaborationID:    collabID,
			Title:              n.Title,
			Description:        n.Description,
			Requirements:       n.Requirements,
			Permissions:        n.Permissions,
			CompletionCriteria: n.CompletionCriteria,
			MaxParticipants:    n.MaxParticipants,
			Status:             n.Status,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if t.MaxParticipants == 0 {
			t.MaxParticipants = cfg.Defaults.Role.MaxParticipants
		}
		if t.Status == "" {
			t.Status = cfg.Defaults.Role.Status
		}
		if n.ParentRef != "" {
			pid := idByRef[n.ParentRef]
			t.ParentRoleID = &pid
		} else if n.ParentRoleID != "" {
			pid := n.ParentRoleID
			t.ParentRoleID = &pid
		}
		idByRef[n.Ref] = t.ID
		for _, f := range e.validateRole(ctx, cfg, t) {
			f.Message = fmt.Sprintf("%s: %s", n.Ref, f.Message)
			findings = append(findings, f)
		}
		roles = append(roles, t)
	}
	if hasErrors(findings) {
		return nil, findings, &ValidationError{Findings: findings}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, findings, err
	}
	defer tx.Rollback()
	for _, t := range roles {
		if err := e.Repo.InsertRole(ctx, tx, t); err != nil {
			return nil, findings, err
		}
	}
	if err := e.Events.Append(ctx, tx, "hierarchy.created", collabID, "collaboration", collabID, actorFrom(ctx), events.EventPayload{
		"roles": len(roles),
	}); err != nil {
		return nil, findings, err
	}
	if err := tx.Commit(); err != nil {
		return nil, findings, err
	}
	return roles, findings, nil
}

// ValidateHierarchy runs the same checks as CreateHierarchy without writing.
func (e Engine) ValidateHierarchy(ctx context.Context, collabID string, nodes []HierarchyNode) ([]ValidationFinding, error) {
	cfg, err := e.collabConfig(ctx, collabID)
	if err != nil {
		return nil, err
	}
	ordered, err := e.planHierarchy(ctx, collabID, nodes)
	if err != nil {
		return nil, err
	}
	var findings []ValidationFinding
	for _, n := range ordered {
		t := domain.Role{
			CollaborationID: collabID,
			Title:           n.Title,
			Requirements:    n.Requirements,
			Permissions:     n.Permissions,
			MaxParticipants: n.MaxParticipants,
			Status:          n.Status,
		}
		if t.MaxParticipants == 0 {
			t.MaxParticipants = cfg.Defaults.Role.MaxParticipants
		}
		if t.Status == "" {
			t.Status = cfg.Defaults.Role.Status
		}
		for _, f := range e.validateRole(ctx, cfg, t) {
			f.Message = fmt.Sprintf("%s: %s", n.Ref, f.Message)
			findings = append(findings, f)
		}
	}
	return findings, nil
}

// AttachChild links child under parent, refusing links that would close a
// cycle through the parent's ancestor chain.
func (e Engine) AttachChild(ctx context.Context, parentID, childID string) error {
	if parentID == childID {
		return &HierarchyError{Kind: "cycle", RoleID: childID, Path: []string{childID, childID}}
	}
	parent, err := e.Repo.GetRole(ctx, parentID)
	if err != nil {
		return fmt.Errorf("parent role %s: %w", parentID, err)
	}
	unlock := e.Locks.Lock(parent.CollaborationID)
	defer unlock()
	// Re-read under the lock before walking the ancestor chain.
	parent, err = e.Repo.GetRole(ctx, parentID)
	if err != nil {
		return fmt.Errorf("parent role %s: %w", parentID, err)
	}
	child, err := e.Repo.GetRole(ctx, childID)
	if err != nil {
		return fmt.Errorf("child role %s: %w", childID, err)
	}
	if parent.CollaborationID != child.CollaborationID {
		return fmt.Errorf("roles belong to different collaborations")
	}
	path, err := e.ancestorPath(ctx, parent)
	if err != nil {
		return err
	}
	for _, id := range path {
		if id == childID {
			cyclePath := append([]string{childID}, path...)
			return &HierarchyError{Kind: "cycle", RoleID: childID, Path: cyclePath}
		}
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoleParent(ctx, tx, childID, &parentID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.attached", child.CollaborationID, "role", childID, actorFrom(ctx), events.EventPayload{
		"parent_role_id": parentID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// DetachChild makes a role a root of its collaboration again.
func (e Engine) DetachChild(ctx context.Context, childID string) error {
	child, err := e.Repo.GetRole(ctx, childID)
	if err != nil {
		return err
	}
	unlock := e.Locks.Lock(child.CollaborationID)
	defer unlock()
	child, err = e.Repo.GetRole(ctx, childID)
	if err != nil {
		return err
	}
	if child.ParentRoleID == nil {
		return fmt.Errorf("role %s has no parent", childID)
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRoleParent(ctx, tx, childID, nil, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.detached", child.CollaborationID, "role", childID, actorFrom(ctx), events.EventPayload{
		"former_parent_role_id": *child.ParentRoleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ancestorPath walks parent links from a role to its root, inclusive of the
// starting role. A missing link surfaces as an InheritanceError.
func (e Engine) ancestorPath(ctx context.Context, t domain.Role) ([]string, error) {
	path := []string{t.ID}
	seen := map[string]bool{t.ID: true}
	cur := t
	for cur.ParentRoleID != nil {
		pid := *cur.ParentRoleID
		if seen[pid] {
			return nil, &HierarchyError{Kind: "cycle", RoleID: pid, Path: append(path, pid)}
		}
		parent, err := e.Repo.GetRole(ctx, pid)
		if err == repo.ErrNotFound {
			return nil, &InheritanceError{RoleID: cur.ID, MissingAncestor: pid}
		}
		if err != nil {
			return nil, err
		}
		path = append(path, pid)
		seen[pid] = true
		cur = parent
	}
	return path, nil
}

// RoleTree is the nested view used by list/tree endpoints.
type RoleTree struct {
	Role     domain.Role `json:"role"`
	Children []RoleTree  `json:"children,omitempty"`
}

// Tree assembles the forest of a collaboration's roles.
func (e Engine) Tree(ctx context.Context, collabID string) ([]RoleTree, error) {
	roles, err := e.Repo.ListRoles(ctx, repo.RoleFilters{CollaborationID: collabID})
	if err != nil {
		return nil, err
	}
	byParent := map[string][]domain.Role{}
	for _, t := range roles {
		key := ""
		if t.ParentRoleID != nil {
			key = *t.ParentRoleID
		}
		byParent[key] = append(byParent[key], t)
	}
	var build func(parent string) []RoleTree
	build = func(parent string) []RoleTree {
		var out []RoleTree
		for _, t := range byParent[parent] {
			out = append(out, RoleTree{Role: t, Children: build(t.ID)})
		}
		return out
	}
	return build(""), nil
}
