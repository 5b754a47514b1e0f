package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/notify"
	"crewline/internal/repo"
)

// Terminal states accept no outgoing transitions.
func IsTerminalStatus(s string) bool {
	return s == "completed" || s == "unneeded"
}

// TransitionInput names the requested edge. Subject is the participant the
// transition acts on and defaults to the actor; ApplicationID pins the
// assignment to a specific application instead of the oldest pending one.
type TransitionInput struct {
	RoleID        string
	To            string
	ActorID       string
	Subject       string
	ApplicationID string
	Note          string
}

// TransitionContext is the state shared by conditions and effects of one
// transition run.
type TransitionContext struct {
	Role          domain.Role
	From          string
	To            string
	ActorID       string
	Subject       string
	ApplicationID string
	Note          string

	// filled in by effects as they run
	AssignmentID string
	RequestID    string
}

// Condition gates a transition. Check returns pass/fail plus a message that
// is surfaced verbatim to the caller on failure.
type Condition interface {
	Name() string
	Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error)
}

type EffectKind string

const (
	EffectAcceptApplication     EffectKind = "accept_application"
	EffectClaimCapacity         EffectKind = "claim_capacity"
	EffectCreateAssignment      EffectKind = "create_assignment"
	EffectOpenCompletionRequest EffectKind = "open_completion_request"
	EffectResolveCompletion     EffectKind = "resolve_completion"
	EffectEndAssignment         EffectKind = "end_assignment"
	EffectVoidCompletionRequest EffectKind = "void_completion_request"
	EffectReleaseCapacity       EffectKind = "release_capacity"
	EffectRemovePriorAssignment EffectKind = "remove_prior_assignment"
	EffectNotify                EffectKind = "notify"
)

// TransitionEffect is a data descriptor, not a closure, so every effect has
// a known inverse. Reason parameterizes kinds that record an outcome
// (resolve_completion, end_assignment). Required notify effects fail the
// transition on delivery error; others log and continue.
type TransitionEffect struct {
	Kind     EffectKind
	Reason   string
	Required bool
}

type transitionEdge struct {
	From       string
	To         string
	Conditions []Condition
	Effects    []TransitionEffect
}

func defaultTransitions() []transitionEdge {
	assignEffects := []TransitionEffect{
		{Kind: EffectAcceptApplication},
		{Kind: EffectClaimCapacity},
		{Kind: EffectCreateAssignment},
		{Kind: EffectNotify, Reason: "role.assigned"},
	}
	abandonConditions := []Condition{activeAssignmentExists{}}
	abandonEffects := []TransitionEffect{
		{Kind: EffectVoidCompletionRequest},
		{Kind: EffectEndAssignment, Reason: "abandoned"},
		{Kind: EffectReleaseCapacity},
		{Kind: EffectNotify, Reason: "role.abandoned"},
	}
	return []transitionEdge{
		{From: "draft", To: "open", Conditions: []Condition{rolePassesValidation{}}},
		{From: "draft", To: "unneeded"},
		{From: "open", To: "unneeded", Conditions: []Condition{noActiveAssignment{}}},
		{From: "open", To: "in_review", Conditions: []Condition{pendingApplicationExists{}}},
		{From: "open", To: "assigned",
			Conditions: []Condition{capacityAvailable{}, subjectMeetsSkills{}},
			Effects:    assignEffects},
		{From: "in_review", To: "assigned",
			Conditions: []Condition{capacityAvailable{}, subjectMeetsSkills{}},
			Effects:    assignEffects},
		{From: "in_review", To: "open"},
		{From: "assigned", To: "in_progress", Conditions: []Condition{activeAssignmentExists{}}},
		{From: "in_progress", To: "completion_requested",
			Conditions: []Condition{activeAssignmentExists{}},
			Effects: []TransitionEffect{
				{Kind: EffectOpenCompletionRequest},
				{Kind: EffectNotify, Reason: "completion.requested"},
			}},
		{From: "completion_requested", To: "completed",
			Conditions: []Condition{pendingCompletionExists{}},
			Effects: []TransitionEffect{
				{Kind: EffectResolveCompletion, Reason: "approved"},
				{Kind: EffectEndAssignment, Reason: "completed"},
				{Kind: EffectReleaseCapacity},
				{Kind: EffectNotify, Reason: "role.completed"},
			}},
		{From: "completion_requested", To: "in_progress",
			Conditions: []Condition{pendingCompletionExists{}},
			Effects: []TransitionEffect{
				{Kind: EffectResolveCompletion, Reason: "rejected"},
				{Kind: EffectNotify, Reason: "completion.rejected"},
			}},
		{From: "assigned", To: "abandoned", Conditions: abandonConditions, Effects: abandonEffects},
		{From: "in_progress", To: "abandoned", Conditions: abandonConditions, Effects: abandonEffects},
		{From: "completion_requested", To: "abandoned", Conditions: abandonConditions, Effects: abandonEffects},
		{From: "abandoned", To: "open",
			Conditions: []Condition{noActiveAssignment{}},
			Effects: []TransitionEffect{
				{Kind: EffectRemovePriorAssignment},
				{Kind: EffectNotify, Reason: "role.reopened"},
			}},
		{From: "abandoned", To: "unneeded"},
	}
}

func (e Engine) findEdge(from, to string) (transitionEdge, bool) {
	table := defaultTransitions()
	if e.transitions != nil {
		table = e.transitions()
	}
	for _, edge := range table {
		if edge.From == from && edge.To == to {
			return edge, true
		}
	}
	return transitionEdge{}, false
}

// Transition moves a role along one edge of the lifecycle. The whole run is
// serialized per collaboration: conditions are evaluated in declared order
// and the first failure rejects the transition; effects apply in order and
// roll back in reverse if a later one fails. The final status write is not
// cancellable once effects have been applied.
func (e Engine) Transition(ctx context.Context, in TransitionInput) (domain.Role, error) {
	t, err := e.Repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return domain.Role{}, err
	}
	unlock := e.Locks.Lock(t.CollaborationID)
	defer unlock()
	return e.transitionLocked(ctx, in)
}

// transitionLocked runs one edge. The caller holds the collaboration lock.
func (e Engine) transitionLocked(ctx context.Context, in TransitionInput) (domain.Role, error) {
	// Re-read under the lock; another transition may have moved the role.
	t, err := e.Repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return domain.Role{}, err
	}
	edge, ok := e.findEdge(t.Status, in.To)
	if !ok {
		return domain.Role{}, &InvalidTransitionError{From: t.Status, To: in.To}
	}

	tc := &TransitionContext{
		Role:          t,
		From:          t.Status,
		To:            in.To,
		ActorID:       in.ActorID,
		Subject:       in.Subject,
		ApplicationID: in.ApplicationID,
		Note:          in.Note,
	}
	if tc.ActorID == "" {
		tc.ActorID = actorFrom(ctx)
	}
	if tc.Subject == "" {
		tc.Subject = tc.ActorID
	}

	for _, c := range edge.Conditions {
		ok, msg, err := c.Check(ctx, e, tc)
		if err != nil {
			return domain.Role{}, fmt.Errorf("condition %s: %w", c.Name(), err)
		}
		if !ok {
			return domain.Role{}, &ConditionRejectedError{Condition: c.Name(), Message: msg}
		}
	}

	var applied []effectReceipt
	for _, eff := range edge.Effects {
		receipt, err := e.applyEffect(ctx, eff, tc)
		if err != nil {
			cause := &EffectFailedError{Effect: string(eff.Kind), Err: err}
			if rbErr := e.revertEffects(ctx, applied, tc); rbErr != nil {
				return domain.Role{}, rbErr.withCause(cause)
			}
			return domain.Role{}, cause
		}
		applied = append(applied, receipt)
	}

	// Point of no return: effects are committed, the status write must land
	// even if the caller goes away. The status flip and its audit event share
	// one transaction; losing either fails the commit and rolls the effects
	// back.
	commitCtx := context.WithoutCancel(ctx)
	now := e.now()
	err = e.withTx(commitCtx, func(tx *sql.Tx) error {
		if err := e.Repo.SetRoleStatus(commitCtx, tx, t.ID, in.To, now); err != nil {
			return err
		}
		return e.Events.Append(commitCtx, tx, "role.transitioned", t.CollaborationID, "role", t.ID, tc.ActorID, events.EventPayload{
			"from":          tc.From,
			"to":            tc.To,
			"subject":       tc.Subject,
			"assignment_id": tc.AssignmentID,
		})
	})
	if err != nil {
		cause := fmt.Errorf("commit status: %w", err)
		if rbErr := e.revertEffects(commitCtx, applied, tc); rbErr != nil {
			return domain.Role{}, rbErr.withCause(cause)
		}
		return domain.Role{}, cause
	}

	return e.Repo.GetRole(commitCtx, t.ID)
}

type rollbackFailure struct {
	effect string
	err    error
}

func (f *rollbackFailure) withCause(cause error) *RollbackFailedError {
	return &RollbackFailedError{Effect: f.effect, Err: f.err, Cause: cause}
}

// revertEffects undoes applied effects newest first. On the first undo
// failure it stops and records a reconciliation event; manual repair is
// needed from there.
func (e Engine) revertEffects(ctx context.Context, applied []effectReceipt, tc *TransitionContext) *rollbackFailure {
	for i := len(applied) - 1; i >= 0; i-- {
		if err := e.revertEffect(ctx, applied[i], tc); err != nil {
			_ = e.Events.Append(context.WithoutCancel(ctx), nil, "role.reconciliation_required",
				tc.Role.CollaborationID, "role", tc.Role.ID, tc.ActorID, events.EventPayload{
					"effect": string(applied[i].Kind),
					"error":  err.Error(),
				})
			return &rollbackFailure{effect: string(applied[i].Kind), err: err}
		}
	}
	return nil
}

// effectReceipt captures what an effect changed so revertEffect can undo it.
type effectReceipt struct {
	Kind          EffectKind
	Skipped       bool
	AssignmentID  string
	ApplicationID string
	RequestID     string
	PrevStatus    string
	PrevCount     int
}

func (e Engine) applyEffect(ctx context.Context, eff TransitionEffect, tc *TransitionContext) (effectReceipt, error) {
	r := effectReceipt{Kind: eff.Kind}
	now := e.now()
	switch eff.Kind {
	case EffectAcceptApplication:
		app, err := e.resolveApplication(ctx, tc)
		if err == repo.ErrNotFound {
			// Direct assignment without an application.
			r.Skipped = true
			return r, nil
		}
		if err != nil {
			return r, err
		}
		tc.Subject = app.UserID
		tc.ApplicationID = app.ID
		r.ApplicationID = app.ID
		r.PrevStatus = app.Status
		return r, e.Repo.SetApplicationStatus(ctx, nil, app.ID, "accepted", now)

	case EffectClaimCapacity:
		r.PrevCount = tc.Role.CurrentParticipants
		count := tc.Role.CurrentParticipants + 1
		if err := e.Repo.SetRoleParticipants(ctx, tc.Role.ID, count, now); err != nil {
			return r, err
		}
		tc.Role.CurrentParticipants = count
		return r, nil

	case EffectCreateAssignment:
		a := domain.RoleAssignment{
			ID:         uuid.NewString(),
			RoleID:     tc.Role.ID,
			UserID:     tc.Subject,
			Status:     "active",
			AssignedAt: now,
		}
		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.InsertAssignment(ctx, tx, a)
		}); err != nil {
			return r, err
		}
		tc.AssignmentID = a.ID
		r.AssignmentID = a.ID
		return r, nil

	case EffectOpenCompletionRequest:
		active, err := e.Repo.ActiveAssignment(ctx, tc.Role.ID)
		if err != nil {
			return r, err
		}
		c := domain.CompletionRequest{
			ID:          uuid.NewString(),
			RoleID:      tc.Role.ID,
			RequesterID: active.UserID,
			Note:        tc.Note,
			Status:      "pending",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.InsertCompletionRequest(ctx, tx, c)
		}); err != nil {
			return r, err
		}
		tc.RequestID = c.ID
		r.RequestID = c.ID
		return r, nil

	case EffectResolveCompletion:
		req, err := e.Repo.PendingCompletionRequest(ctx, tc.Role.ID)
		if err != nil {
			return r, err
		}
		r.RequestID = req.ID
		r.PrevStatus = req.Status
		tc.RequestID = req.ID
		return r, e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetCompletionRequestStatus(ctx, tx, req.ID, eff.Reason, now)
		})

	case EffectEndAssignment:
		active, err := e.Repo.ActiveAssignment(ctx, tc.Role.ID)
		if err != nil {
			return r, err
		}
		r.AssignmentID = active.ID
		r.PrevStatus = active.Status
		tc.AssignmentID = active.ID
		tc.Subject = active.UserID
		return r, e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetAssignmentStatus(ctx, tx, active.ID, eff.Reason, &now, eff.Reason)
		})

	case EffectVoidCompletionRequest:
		req, err := e.Repo.PendingCompletionRequest(ctx, tc.Role.ID)
		if err == repo.ErrNotFound {
			r.Skipped = true
			return r, nil
		}
		if err != nil {
			return r, err
		}
		r.RequestID = req.ID
		r.PrevStatus = req.Status
		return r, e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetCompletionRequestStatus(ctx, tx, req.ID, "rejected", now)
		})

	case EffectReleaseCapacity:
		r.PrevCount = tc.Role.CurrentParticipants
		count := tc.Role.CurrentParticipants - 1
		if count < 0 {
			count = 0
		}
		if err := e.Repo.SetRoleParticipants(ctx, tc.Role.ID, count, now); err != nil {
			return r, err
		}
		tc.Role.CurrentParticipants = count
		return r, nil

	case EffectRemovePriorAssignment:
		prior, err := e.latestEndedAssignment(ctx, tc.Role.ID)
		if err == repo.ErrNotFound {
			r.Skipped = true
			return r, nil
		}
		if err != nil {
			return r, err
		}
		r.AssignmentID = prior.ID
		r.PrevStatus = prior.Status
		return r, e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetAssignmentStatus(ctx, tx, prior.ID, "removed", prior.EndedAt, prior.EndReason)
		})

	case EffectNotify:
		n := notify.Notification{
			Type:            eff.Reason,
			CollaborationID: tc.Role.CollaborationID,
			RoleID:          tc.Role.ID,
			UserID:          tc.Subject,
			Message:         fmt.Sprintf("role %q moved from %s to %s", tc.Role.Title, tc.From, tc.To),
			Data: map[string]any{
				"assignment_id": tc.AssignmentID,
				"request_id":    tc.RequestID,
			},
		}
		if err := e.notifier().Notify(ctx, n); err != nil {
			if eff.Required {
				return r, err
			}
			r.Skipped = true
		}
		return r, nil
	}
	return r, fmt.Errorf("unknown effect kind %q", eff.Kind)
}

func (e Engine) revertEffect(ctx context.Context, r effectReceipt, tc *TransitionContext) error {
	if r.Skipped {
		return nil
	}
	now := e.now()
	switch r.Kind {
	case EffectAcceptApplication:
		return e.Repo.SetApplicationStatus(ctx, nil, r.ApplicationID, r.PrevStatus, now)
	case EffectClaimCapacity, EffectReleaseCapacity:
		if err := e.Repo.SetRoleParticipants(ctx, tc.Role.ID, r.PrevCount, now); err != nil {
			return err
		}
		tc.Role.CurrentParticipants = r.PrevCount
		return nil
	case EffectCreateAssignment:
		return e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.DeleteAssignment(ctx, tx, r.AssignmentID)
		})
	case EffectOpenCompletionRequest:
		return e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.DeleteCompletionRequest(ctx, tx, r.RequestID)
		})
	case EffectResolveCompletion, EffectVoidCompletionRequest:
		return e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetCompletionRequestStatus(ctx, tx, r.RequestID, r.PrevStatus, now)
		})
	case EffectEndAssignment:
		return e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetAssignmentStatus(ctx, tx, r.AssignmentID, r.PrevStatus, nil, "")
		})
	case EffectRemovePriorAssignment:
		a, err := e.Repo.GetAssignment(ctx, r.AssignmentID)
		if err != nil {
			return err
		}
		return e.withTx(ctx, func(tx *sql.Tx) error {
			return e.Repo.SetAssignmentStatus(ctx, tx, r.AssignmentID, r.PrevStatus, a.EndedAt, a.EndReason)
		})
	case EffectNotify:
		return nil
	}
	return fmt.Errorf("unknown effect kind %q", r.Kind)
}

func (e Engine) resolveApplication(ctx context.Context, tc *TransitionContext) (domain.RoleApplication, error) {
	if tc.ApplicationID != "" {
		app, err := e.Repo.GetApplication(ctx, tc.ApplicationID)
		if err != nil {
			return app, err
		}
		if app.RoleID != tc.Role.ID {
			return app, fmt.Errorf("application %s targets another role", app.ID)
		}
		if app.Status != "pending" {
			return app, fmt.Errorf("application %s is %s, not pending", app.ID, app.Status)
		}
		return app, nil
	}
	return e.Repo.PendingApplication(ctx, tc.Role.ID)
}

func (e Engine) latestEndedAssignment(ctx context.Context, roleID string) (domain.RoleAssignment, error) {
	all, err := e.Repo.ListAssignments(ctx, roleID, "", "")
	if err != nil {
		return domain.RoleAssignment{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Status == "abandoned" || all[i].Status == "completed" {
			return all[i], nil
		}
	}
	return domain.RoleAssignment{}, repo.ErrNotFound
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) notifier() notify.Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return notify.LogNotifier{}
}

// conditions

type rolePassesValidation struct{}

func (rolePassesValidation) Name() string { return "role_passes_validation" }

func (rolePassesValidation) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	cfg, err := e.collabConfig(ctx, tc.Role.CollaborationID)
	if err != nil {
		return false, "", err
	}
	findings := e.validateRole(ctx, cfg, tc.Role)
	if hasErrors(findings) {
		verr := &ValidationError{Findings: findings}
		return false, fmt.Sprintf("role is not ready to open: %v", verr), nil
	}
	return true, "", nil
}

type noActiveAssignment struct{}

func (noActiveAssignment) Name() string { return "no_active_assignment" }

func (noActiveAssignment) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	a, err := e.Repo.ActiveAssignment(ctx, tc.Role.ID)
	if err == repo.ErrNotFound {
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return false, fmt.Sprintf("role has an active assignment held by %s", a.UserID), nil
}

type activeAssignmentExists struct{}

func (activeAssignmentExists) Name() string { return "active_assignment_exists" }

func (activeAssignmentExists) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	_, err := e.Repo.ActiveAssignment(ctx, tc.Role.ID)
	if err == repo.ErrNotFound {
		return false, "role has no active assignment", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, "", nil
}

type pendingApplicationExists struct{}

func (pendingApplicationExists) Name() string { return "pending_application_exists" }

func (pendingApplicationExists) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	_, err := e.Repo.PendingApplication(ctx, tc.Role.ID)
	if err == repo.ErrNotFound {
		return false, "role has no pending applications", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, "", nil
}

type capacityAvailable struct{}

func (capacityAvailable) Name() string { return "capacity_available" }

func (capacityAvailable) Check(_ context.Context, _ Engine, tc *TransitionContext) (bool, string, error) {
	if tc.Role.CurrentParticipants >= tc.Role.MaxParticipants {
		return false, fmt.Sprintf("role is full: %d of %d participants", tc.Role.CurrentParticipants, tc.Role.MaxParticipants), nil
	}
	return true, "", nil
}

type subjectMeetsSkills struct{}

func (subjectMeetsSkills) Name() string { return "subject_meets_skills" }

func (subjectMeetsSkills) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	subject := tc.Subject
	if tc.ApplicationID != "" {
		app, err := e.Repo.GetApplication(ctx, tc.ApplicationID)
		if err != nil {
			return false, "", err
		}
		subject = app.UserID
	} else if app, err := e.Repo.PendingApplication(ctx, tc.Role.ID); err == nil {
		subject = app.UserID
	} else if err != repo.ErrNotFound {
		return false, "", err
	}
	check, err := e.CheckSkillRequirements(ctx, tc.Role.ID, subject)
	if err != nil {
		return false, "", err
	}
	if !check.Valid {
		return false, fmt.Sprintf("user %s is missing %d required skills", subject, len(check.Missing)), nil
	}
	tc.Subject = subject
	return true, "", nil
}

type pendingCompletionExists struct{}

func (pendingCompletionExists) Name() string { return "pending_completion_exists" }

func (pendingCompletionExists) Check(ctx context.Context, e Engine, tc *TransitionContext) (bool, string, error) {
	_, err := e.Repo.PendingCompletionRequest(ctx, tc.Role.ID)
	if err == repo.ErrNotFound {
		return false, "role has no pending completion request", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, "", nil
}
