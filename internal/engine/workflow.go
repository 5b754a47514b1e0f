package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/repo"
)

// Apply files an application for an open role. The applicant's skill check
// runs eagerly and is stored on the application for reviewers; a failing
// check does not block applying.
func (e Engine) Apply(ctx context.Context, roleID, userID, message string) (domain.RoleApplication, error) {
	t, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	if t.Status != "open" && t.Status != "in_review" {
		return domain.RoleApplication{}, fmt.Errorf("role %s is %s; applications are accepted while open or in review", roleID, t.Status)
	}
	existing, err := e.Repo.ListApplications(ctx, roleID, userID, "pending")
	if err != nil {
		return domain.RoleApplication{}, err
	}
	if len(existing) > 0 {
		return domain.RoleApplication{}, fmt.Errorf("user %s already has a pending application for role %s", userID, roleID)
	}
	check, err := e.CheckSkillRequirements(ctx, roleID, userID)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	checkJSON, err := json.Marshal(check)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	now := e.now()
	skillCheck := string(checkJSON)
	app := domain.RoleApplication{
		ID:             uuid.NewString(),
		RoleID:         roleID,
		UserID:         userID,
		Message:        message,
		Status:         "pending",
		SkillCheckJSON: &skillCheck,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertApplication(ctx, app); err != nil {
		return domain.RoleApplication{}, err
	}
	err = e.Events.Append(ctx, nil, "application.created", t.CollaborationID, "application", app.ID, userID, events.EventPayload{
		"role_id":     roleID,
		"skill_check": check.Valid,
	})
	return app, err
}

// AcceptApplication assigns the applicant by driving the role to assigned.
func (e Engine) AcceptApplication(ctx context.Context, applicationID, actorID string) (domain.Role, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.Role{}, err
	}
	return e.Transition(ctx, TransitionInput{
		RoleID:        app.RoleID,
		To:            "assigned",
		ActorID:       actorID,
		Subject:       app.UserID,
		ApplicationID: applicationID,
	})
}

// RejectApplication closes an application without touching the role state.
func (e Engine) RejectApplication(ctx context.Context, applicationID, actorID string) (domain.RoleApplication, error) {
	return e.closeApplication(ctx, applicationID, actorID, "rejected", "application.rejected")
}

// WithdrawApplication is the applicant's own retraction.
func (e Engine) WithdrawApplication(ctx context.Context, applicationID, actorID string) (domain.RoleApplication, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	if actorID != "" && app.UserID != actorID {
		return domain.RoleApplication{}, fmt.Errorf("application %s belongs to %s", applicationID, app.UserID)
	}
	return e.closeApplication(ctx, applicationID, actorID, "withdrawn", "application.withdrawn")
}

func (e Engine) closeApplication(ctx context.Context, applicationID, actorID, status, evtType string) (domain.RoleApplication, error) {
	app, err := e.Repo.GetApplication(ctx, applicationID)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	if app.Status != "pending" {
		return domain.RoleApplication{}, fmt.Errorf("application %s is %s, not pending", applicationID, app.Status)
	}
	t, err := e.Repo.GetRole(ctx, app.RoleID)
	if err != nil {
		return domain.RoleApplication{}, err
	}
	now := e.now()
	if err := e.Repo.SetApplicationStatus(ctx, nil, applicationID, status, now); err != nil {
		return domain.RoleApplication{}, err
	}
	app.Status = status
	app.UpdatedAt = now
	err = e.Events.Append(ctx, nil, evtType, t.CollaborationID, "application", app.ID, actorID, events.EventPayload{
		"role_id": app.RoleID,
	})
	return app, err
}

// RequestCompletion moves an in-progress role to completion_requested,
// opening the completion request as a transition effect.
func (e Engine) RequestCompletion(ctx context.Context, roleID, actorID, note string) (domain.Role, error) {
	active, err := e.Repo.ActiveAssignment(ctx, roleID)
	if err == nil && actorID != "" && active.UserID != actorID {
		return domain.Role{}, fmt.Errorf("role %s is held by %s; only the assignee may request completion", roleID, active.UserID)
	}
	if err != nil && err != repo.ErrNotFound {
		return domain.Role{}, err
	}
	return e.Transition(ctx, TransitionInput{
		RoleID:  roleID,
		To:      "completion_requested",
		ActorID: actorID,
		Note:    note,
	})
}

// ApproveCompletion marks the role completed.
func (e Engine) ApproveCompletion(ctx context.Context, roleID, actorID string) (domain.Role, error) {
	return e.Transition(ctx, TransitionInput{RoleID: roleID, To: "completed", ActorID: actorID})
}

// RejectCompletion sends the role back to in_progress; the completion
// request is resolved as rejected but the assignment stays active.
func (e Engine) RejectCompletion(ctx context.Context, roleID, actorID string) (domain.Role, error) {
	return e.Transition(ctx, TransitionInput{RoleID: roleID, To: "in_progress", ActorID: actorID})
}

// AbandonRole ends the active assignment and frees the seat.
func (e Engine) AbandonRole(ctx context.Context, roleID, actorID string) (domain.Role, error) {
	return e.Transition(ctx, TransitionInput{RoleID: roleID, To: "abandoned", ActorID: actorID})
}

// ReopenRole returns an abandoned role to the open pool.
func (e Engine) ReopenRole(ctx context.Context, roleID, actorID string) (domain.Role, error) {
	return e.Transition(ctx, TransitionInput{RoleID: roleID, To: "open", ActorID: actorID})
}
