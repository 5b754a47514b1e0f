package engine

import (
	"context"
	"fmt"
)

// Authorize checks whether an actor may perform an action on a resource
// within a collaboration. Authority flows from the actor's active role
// assignments: the effective permissions of every role they currently hold
// are consulted, and any matching grant allows the action. Grants on the
// literal resource or on "*" match.
func (e Engine) Authorize(ctx context.Context, collabID, actorID, resource, action string) (bool, error) {
	assignments, err := e.Repo.ActiveAssignmentsForUser(ctx, collabID, actorID)
	if err != nil {
		return false, err
	}
	for _, a := range assignments {
		grants, err := e.EffectivePermissions(ctx, a.RoleID)
		if err != nil {
			return false, err
		}
		for _, g := range grants {
			if g.Resource != resource && g.Resource != "*" {
				continue
			}
			for _, act := range g.Actions {
				if act == action || act == "*" {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// RequireAuthorized is Authorize with a ready-made error.
func (e Engine) RequireAuthorized(ctx context.Context, collabID, actorID, resource, action string) error {
	ok, err := e.Authorize(ctx, collabID, actorID, resource, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("actor %s may not %s %s", actorID, action, resource)
	}
	return nil
}
