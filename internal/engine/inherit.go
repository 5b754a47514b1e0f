package engine

import (
	"context"
	"sort"

	"crewline/internal/domain"
)

// EffectivePermissions resolves a role's permissions through its ancestor
// chain. Per resource the nearest declaration wins outright: a role that
// redeclares a resource replaces the ancestor's grant for it, actions are
// never merged. Grants that arrived from an ancestor are marked Inherited
// with the source role.
func (e Engine) EffectivePermissions(ctx context.Context, roleID string) ([]domain.PermissionGrant, error) {
	t, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	chain, err := e.ancestorChain(ctx, t)
	if err != nil {
		return nil, err
	}
	byResource := map[string]domain.PermissionGrant{}
	// chain runs child to root; the first declaration seen per resource is
	// the nearest one.
	for _, node := range chain {
		for _, g := range node.Permissions {
			if _, taken := byResource[g.Resource]; taken {
				continue
			}
			grant := g
			if node.ID != roleID {
				grant.Inherited = true
				grant.SourceRoleID = node.ID
			}
			byResource[g.Resource] = grant
		}
	}
	out := make([]domain.PermissionGrant, 0, len(byResource))
	for _, g := range byResource {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}

// EffectiveRequirements is the union of the role's own skill requirements
// and every ancestor's. Unlike permissions nothing is overridden: the same
// skill declared twice keeps the strictest level, and a requirement only
// counts as optional if every declaration of it is optional.
func (e Engine) EffectiveRequirements(ctx context.Context, roleID string) ([]domain.SkillRequirement, error) {
	t, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return nil, err
	}
	chain, err := e.ancestorChain(ctx, t)
	if err != nil {
		return nil, err
	}
	bySkill := map[string]domain.SkillRequirement{}
	for _, node := range chain {
		for _, req := range node.Requirements {
			cur, seen := bySkill[req.SkillID]
			if !seen {
				bySkill[req.SkillID] = req
				continue
			}
			if req.MinLevel > cur.MinLevel {
				cur.MinLevel = req.MinLevel
				cur.ValidationMethod = req.ValidationMethod
			}
			cur.Optional = cur.Optional && req.Optional
			bySkill[req.SkillID] = cur
		}
	}
	out := make([]domain.SkillRequirement, 0, len(bySkill))
	for _, req := range bySkill {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SkillID < out[j].SkillID })
	return out, nil
}

// CheckSkillRequirements validates a user against a role's effective
// requirements. Every unmet mandatory requirement is reported; optional
// requirements never fail the check.
func (e Engine) CheckSkillRequirements(ctx context.Context, roleID, userID string) (domain.SkillCheck, error) {
	reqs, err := e.EffectiveRequirements(ctx, roleID)
	if err != nil {
		return domain.SkillCheck{}, err
	}
	levels, err := e.Repo.UserSkillLevels(ctx, userID)
	if err != nil {
		return domain.SkillCheck{}, err
	}
	check := domain.SkillCheck{Valid: true, Missing: []domain.SkillRequirement{}}
	for _, req := range reqs {
		if req.Optional {
			continue
		}
		if levels[req.SkillID] < req.MinLevel {
			check.Missing = append(check.Missing, req)
			check.Valid = false
		}
	}
	return check, nil
}

// ancestorChain returns the role followed by its ancestors up to the root.
func (e Engine) ancestorChain(ctx context.Context, t domain.Role) ([]domain.Role, error) {
	ids, err := e.ancestorPath(ctx, t)
	if err != nil {
		return nil, err
	}
	chain := make([]domain.Role, 0, len(ids))
	chain = append(chain, t)
	for _, id := range ids[1:] {
		node, err := e.Repo.GetRole(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
	}
	return chain, nil
}
