package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/notify"
)

type refusingNotifier struct{}

func (refusingNotifier) Notify(context.Context, notify.Notification) error {
	return errors.New("delivery refused")
}

func TestEffectFailureRollsBackInReverseOrder(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("collab-1")
	eng := New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Notifier = refusingNotifier{}
	// A required notify at the end forces the failure. The doubled capacity
	// claim makes the undo order observable: newest-first restores the count
	// to 0, oldest-first would leave it at 1.
	eng.transitions = func() []transitionEdge {
		return []transitionEdge{{From: "open", To: "assigned", Effects: []TransitionEffect{
			{Kind: EffectClaimCapacity},
			{Kind: EffectCreateAssignment},
			{Kind: EffectClaimCapacity},
			{Kind: EffectNotify, Reason: "role.assigned", Required: true},
		}}}
	}

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
	role, _, err := eng.CreateRole(ctx, CreateRoleInput{
		CollaborationID: "collab-1",
		Title:           "Fragile role",
		Requirements:    []domain.SkillRequirement{{SkillID: "frontend.react", MinLevel: 3}},
		MaxParticipants: 3,
		Status:          "open",
	})
	if err != nil {
		t.Fatalf("create role: %v", err)
	}

	_, err = eng.Transition(ctx, TransitionInput{RoleID: role.ID, To: "assigned", Subject: "ivan"})
	var efe *EffectFailedError
	if !errors.As(err, &efe) {
		t.Fatalf("expected EffectFailedError, got %v", err)
	}
	if efe.Effect != string(EffectNotify) {
		t.Fatalf("expected the notify effect to fail, got %s", efe.Effect)
	}

	got, err := eng.Repo.GetRole(ctx, role.ID)
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Status != "open" {
		t.Fatalf("status must be untouched after rollback, got %s", got.Status)
	}
	if got.CurrentParticipants != 0 {
		t.Fatalf("expected participants restored to 0, got %d", got.CurrentParticipants)
	}
	assignments, err := eng.Repo.ListAssignments(ctx, role.ID, "", "")
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(assignments) != 0 {
		t.Fatalf("expected assignment rolled back, got %d rows", len(assignments))
	}
}
