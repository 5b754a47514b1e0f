package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/notify"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("collab-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if err := eng.Repo.InsertCollaboration(ctx, domain.Collaboration{
		ID:        "collab-1",
		Title:     "test collaboration",
		Status:    "active",
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert collaboration: %v", err)
	}
	if err := eng.Repo.UpsertCollabConfig(ctx, "collab-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func reactRequirement(level int) []domain.SkillRequirement {
	return []domain.SkillRequirement{{SkillID: "frontend.react", MinLevel: level}}
}

func createOpenRole(t *testing.T, env testEnv, title string) domain.Role {
	t.Helper()
	role, _, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           title,
		Requirements:    reactRequirement(3),
		Status:          "open",
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	return role
}

func TestRoleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Frontend Developer")

	if _, err := env.Engine.SetUserSkill(env.Ctx, "alice", "frontend.react", 5); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	app, err := env.Engine.Apply(env.Ctx, role.ID, "alice", "I can take this")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	role, err = env.Engine.AcceptApplication(env.Ctx, app.ID, "lead")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if role.Status != "assigned" {
		t.Fatalf("expected assigned, got %s", role.Status)
	}
	if role.CurrentParticipants != 1 {
		t.Fatalf("expected 1 participant, got %d", role.CurrentParticipants)
	}
	accepted, err := env.Engine.Repo.GetApplication(env.Ctx, app.ID)
	if err != nil || accepted.Status != "accepted" {
		t.Fatalf("expected accepted application, got %s err=%v", accepted.Status, err)
	}
	active, err := env.Engine.Repo.ActiveAssignment(env.Ctx, role.ID)
	if err != nil || active.UserID != "alice" {
		t.Fatalf("expected active assignment for alice: %v", err)
	}

	role, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "in_progress", ActorID: "alice"})
	if err != nil || role.Status != "in_progress" {
		t.Fatalf("to in_progress: %v", err)
	}
	role, err = env.Engine.RequestCompletion(env.Ctx, role.ID, "alice", "shipped")
	if err != nil || role.Status != "completion_requested" {
		t.Fatalf("request completion: %v", err)
	}
	pending, err := env.Engine.Repo.PendingCompletionRequest(env.Ctx, role.ID)
	if err != nil || pending.RequesterID != "alice" || pending.Note != "shipped" {
		t.Fatalf("expected pending completion request from alice: %v", err)
	}
	role, err = env.Engine.ApproveCompletion(env.Ctx, role.ID, "lead")
	if err != nil || role.Status != "completed" {
		t.Fatalf("approve completion: %v", err)
	}
	resolved, err := env.Engine.Repo.GetCompletionRequest(env.Ctx, pending.ID)
	if err != nil || resolved.Status != "approved" {
		t.Fatalf("expected approved request, got %s err=%v", resolved.Status, err)
	}
	ended, err := env.Engine.Repo.GetAssignment(env.Ctx, active.ID)
	if err != nil || ended.Status != "completed" || ended.EndReason != "completed" {
		t.Fatalf("expected completed assignment, got %s/%s err=%v", ended.Status, ended.EndReason, err)
	}
	if role.CurrentParticipants != 0 {
		t.Fatalf("expected seat released on completion, got %d", role.CurrentParticipants)
	}
}

func TestReviewRoundReturnsToOpen(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Review role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "hana", "frontend.react", 4); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	if _, err := env.Engine.Apply(env.Ctx, role.ID, "hana", ""); err != nil {
		t.Fatalf("apply: %v", err)
	}
	role, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "in_review", ActorID: "lead"})
	if err != nil || role.Status != "in_review" {
		t.Fatalf("to in_review: %v", err)
	}
	role, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "open", ActorID: "lead"})
	if err != nil || role.Status != "open" {
		t.Fatalf("back to open: %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	role, _, err := env.Engine.CreateRole(env.Ctx, engine.CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "Draft role",
		Requirements:    reactRequirement(3),
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if role.Status != "draft" {
		t.Fatalf("expected draft default, got %s", role.Status)
	}
	_, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "completed"})
	var ite *engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if ite.From != "draft" || ite.To != "completed" {
		t.Fatalf("unexpected edge %s -> %s", ite.From, ite.To)
	}
}

func TestConditionMessageSurfacedVerbatim(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Reviewer")
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "in_review"})
	var cre *engine.ConditionRejectedError
	if !errors.As(err, &cre) {
		t.Fatalf("expected ConditionRejectedError, got %v", err)
	}
	if err.Error() != "role has no pending applications" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestConditionsEvaluatedInOrder(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Full role")
	// With the seat taken capacity fails first, even though the skill
	// condition would fail too.
	if err := env.Engine.Repo.SetRoleParticipants(env.Ctx, role.ID, 1, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("set participants: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "assigned", Subject: "nobody"})
	var cre *engine.ConditionRejectedError
	if !errors.As(err, &cre) {
		t.Fatalf("expected ConditionRejectedError, got %v", err)
	}
	if cre.Condition != "capacity_available" {
		t.Fatalf("expected capacity_available to fail first, got %s", cre.Condition)
	}
}

func TestSkillGateBlocksAssignment(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Senior role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "carol", "frontend.react", 1); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	app, err := env.Engine.Apply(env.Ctx, role.ID, "carol", "")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// The stored skill check already shows the gap.
	stored, err := env.Engine.Repo.GetApplication(env.Ctx, app.ID)
	if err != nil || stored.SkillCheckJSON == nil {
		t.Fatalf("expected stored skill check: %v", err)
	}
	_, err = env.Engine.AcceptApplication(env.Ctx, app.ID, "lead")
	var cre *engine.ConditionRejectedError
	if !errors.As(err, &cre) {
		t.Fatalf("expected ConditionRejectedError, got %v", err)
	}
	if cre.Condition != "subject_meets_skills" {
		t.Fatalf("expected subject_meets_skills, got %s", cre.Condition)
	}
	// Conditions run before effects; the application stays pending.
	after, err := env.Engine.Repo.GetApplication(env.Ctx, app.ID)
	if err != nil || after.Status != "pending" {
		t.Fatalf("expected pending application, got %s err=%v", after.Status, err)
	}
}

func TestAbandonReleasesSeatAndReopenRemovesPriorAssignment(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Backend role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "bob", "frontend.react", 4); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	// Direct assignment without an application.
	role, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "assigned", ActorID: "lead", Subject: "bob"})
	if err != nil || role.Status != "assigned" {
		t.Fatalf("assign: %v", err)
	}
	active, err := env.Engine.Repo.ActiveAssignment(env.Ctx, role.ID)
	if err != nil || active.UserID != "bob" {
		t.Fatalf("expected bob assigned: %v", err)
	}

	role, err = env.Engine.AbandonRole(env.Ctx, role.ID, "bob")
	if err != nil || role.Status != "abandoned" {
		t.Fatalf("abandon: %v", err)
	}
	if role.CurrentParticipants != 0 {
		t.Fatalf("expected seat released, got %d", role.CurrentParticipants)
	}
	ended, err := env.Engine.Repo.GetAssignment(env.Ctx, active.ID)
	if err != nil || ended.Status != "abandoned" || ended.EndReason != "abandoned" {
		t.Fatalf("expected abandoned assignment, got %s/%s err=%v", ended.Status, ended.EndReason, err)
	}

	role, err = env.Engine.ReopenRole(env.Ctx, role.ID, "lead")
	if err != nil || role.Status != "open" {
		t.Fatalf("reopen: %v", err)
	}
	if role.CurrentParticipants != 0 {
		t.Fatalf("expected seat still free after reopen, got %d", role.CurrentParticipants)
	}
	removed, err := env.Engine.Repo.GetAssignment(env.Ctx, active.ID)
	if err != nil || removed.Status != "removed" {
		t.Fatalf("expected prior assignment removed, got %s err=%v", removed.Status, err)
	}
}

func TestCompletionRejectionReturnsToInProgress(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "QA role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "dave", "frontend.react", 3); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	role, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "assigned", Subject: "dave"})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	role, err = env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "in_progress", ActorID: "dave"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	role, err = env.Engine.RequestCompletion(env.Ctx, role.ID, "dave", "done?")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req, err := env.Engine.Repo.PendingCompletionRequest(env.Ctx, role.ID)
	if err != nil {
		t.Fatalf("pending request: %v", err)
	}
	role, err = env.Engine.RejectCompletion(env.Ctx, role.ID, "lead")
	if err != nil || role.Status != "in_progress" {
		t.Fatalf("reject completion: %v", err)
	}
	resolved, err := env.Engine.Repo.GetCompletionRequest(env.Ctx, req.ID)
	if err != nil || resolved.Status != "rejected" {
		t.Fatalf("expected rejected request, got %s err=%v", resolved.Status, err)
	}
	// The assignment survives a rejected completion.
	if _, err := env.Engine.Repo.ActiveAssignment(env.Ctx, role.ID); err != nil {
		t.Fatalf("expected assignment still active: %v", err)
	}
}

// gateNotifier blocks delivery until released, holding a transition inside
// its effects.
type gateNotifier struct {
	entered chan struct{}
	release chan struct{}
}

func (n *gateNotifier) Notify(context.Context, notify.Notification) error {
	close(n.entered)
	<-n.release
	return nil
}

func TestMutationsSerializedPerCollaboration(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Guarded role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "bob", "frontend.react", 5); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	gate := &gateNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	env.Engine.Notifier = gate

	transitioned := make(chan error, 1)
	go func() {
		_, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "assigned", Subject: "bob"})
		transitioned <- err
	}()
	<-gate.entered

	// The transition is mid-effects and holds the collaboration lock; a
	// concurrent patch on the same role must wait for it.
	updated := make(chan error, 1)
	go func() {
		title := "Guarded role, renamed"
		_, _, err := env.Engine.UpdateRole(env.Ctx, role.ID, engine.UpdateRolePatch{Title: &title})
		updated <- err
	}()
	select {
	case err := <-updated:
		t.Fatalf("update finished while the transition held the collaboration lock (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)
	if err := <-transitioned; err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := <-updated; err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := env.Engine.Repo.GetRole(env.Ctx, role.ID)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Status != "assigned" || got.Title != "Guarded role, renamed" {
		t.Fatalf("expected both writes in order, got status=%s title=%q", got.Status, got.Title)
	}
}

func TestTransitionEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	role := createOpenRole(t, env, "Evented role")
	if _, err := env.Engine.SetUserSkill(env.Ctx, "erin", "frontend.react", 3); err != nil {
		t.Fatalf("set skill: %v", err)
	}
	if _, err := env.Engine.Transition(env.Ctx, engine.TransitionInput{RoleID: role.ID, To: "assigned", Subject: "erin"}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "collab-1", "role.transitioned", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected transition events")
	}
}
