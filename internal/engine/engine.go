package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/notify"
	"crewline/internal/repo"
)

// Engine executes all role lifecycle operations. Every read-then-write role
// mutation, hierarchy edit included, runs under the collaboration lock.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Notifier notify.Notifier
	Locks    *LockTable
	Now      func() time.Time

	// transitions overrides the lifecycle table; nil means the default.
	transitions func() []transitionEdge
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Notifier: notify.LogNotifier{},
		Locks:    NewLockTable(),
		Now:      time.Now,
	}
}

func (e Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// LockTable serializes role and hierarchy mutations per collaboration.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLockTable() *LockTable {
	return &LockTable{locks: map[string]*sync.Mutex{}}
}

func (lt *LockTable) Lock(key string) func() {
	lt.mu.Lock()
	l, ok := lt.locks[key]
	if !ok {
		l = &sync.Mutex{}
		lt.locks[key] = l
	}
	lt.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e Engine) CreateCollaboration(ctx context.Context, title, description string) (domain.Collaboration, error) {
	c := domain.Collaboration{
		ID:          uuid.NewString(),
		Title:       title,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now(),
	}
	if err := e.Repo.InsertCollaboration(ctx, c); err != nil {
		return domain.Collaboration{}, err
	}
	if e.Config == nil || e.Config.Collaboration.ID == "" {
		if err := e.Repo.UpsertCollabConfig(ctx, c.ID, config.Default(c.ID)); err != nil {
			return domain.Collaboration{}, err
		}
	}
	err := e.Events.Append(ctx, nil, "collaboration.created", c.ID, "collaboration", c.ID, actorFrom(ctx), events.EventPayload{"title": title})
	return c, err
}

type CreateRoleInput struct {
	CollaborationID    string
	Title              string
	Description        string
	ParentRoleID       *string
	Requirements       []domain.SkillRequirement
	Permissions        []domain.PermissionGrant
	CompletionCriteria *domain.CompletionCriteria
	MaxParticipants    int
	Status             string
}

// CreateRole validates the candidate exhaustively and persists it only when
// no error-severity finding remains. Warnings are returned alongside the role.
func (e Engine) CreateRole(ctx context.Context, in CreateRoleInput) (domain.Role, []ValidationFinding, error) {
	cfg, err := e.collabConfig(ctx, in.CollaborationID)
	if err != nil {
		return domain.Role{}, nil, err
	}
	if _, err := e.Repo.GetCollaboration(ctx, in.CollaborationID); err != nil {
		return domain.Role{}, nil, fmt.Errorf("collaboration %s: %w", in.CollaborationID, err)
	}
	unlock := e.Locks.Lock(in.CollaborationID)
	defer unlock()
	now := e.now()
	t := domain.Role{
		ID:                 uuid.NewString(),
		CollaborationID:    in.CollaborationID,
		Title:              in.Title,
		Description:        in.Description,
		ParentRoleID:       in.ParentRoleID,
		Requirements:       in.Requirements,
		Permissions:        in.Permissions,
		CompletionCriteria: in.CompletionCriteria,
		MaxParticipants:    in.MaxParticipants,
		Status:             in.Status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if t.MaxParticipants == 0 {
		t.MaxParticipants = cfg.Defaults.Role.MaxParticipants
	}
	if t.Status == "" {
		t.Status = cfg.Defaults.Role.Status
	}
	if t.Status != "draft" && t.Status != "open" {
		return domain.Role{}, nil, fmt.Errorf("roles enter the lifecycle as draft or open, not %s", t.Status)
	}
	if t.ParentRoleID != nil {
		parent, err := e.Repo.GetRole(ctx, *t.ParentRoleID)
		if err == repo.ErrNotFound {
			return domain.Role{}, nil, &HierarchyError{Kind: "dangling_parent", RoleID: t.ID, ParentID: *t.ParentRoleID}
		}
		if err != nil {
			return domain.Role{}, nil, err
		}
		if parent.CollaborationID != t.CollaborationID {
			return domain.Role{}, nil, fmt.Errorf("parent role %s belongs to another collaboration", parent.ID)
		}
	}

	findings := e.validateRole(ctx, cfg, t)
	if hasErrors(findings) {
		return domain.Role{}, findings, &ValidationError{Findings: findings}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Role{}, findings, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRole(ctx, tx, t); err != nil {
		return domain.Role{}, findings, err
	}
	if err := e.Events.Append(ctx, tx, "role.created", t.CollaborationID, "role", t.ID, actorFrom(ctx), events.EventPayload{
		"title": t.Title, "status": t.Status,
	}); err != nil {
		return domain.Role{}, findings, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, findings, err
	}
	return t, findings, nil
}

type UpdateRolePatch struct {
	Title              *string
	Description        *string
	Requirements       *[]domain.SkillRequirement
	Permissions        *[]domain.PermissionGrant
	CompletionCriteria *domain.CompletionCriteria
	MaxParticipants    *int
	Status             *string
	ActorID            string
	Subject            string
	ApplicationID      string
}

// UpdateRole applies a patch. A status change runs as a Transition against
// the pre-patch role before the rest of the patch is merged, so conditions
// and effects see the state the caller saw.
func (e Engine) UpdateRole(ctx context.Context, roleID string, patch UpdateRolePatch) (domain.Role, []ValidationFinding, error) {
	t, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.Role{}, nil, err
	}
	unlock := e.Locks.Lock(t.CollaborationID)
	defer unlock()

	// Re-read under the lock; the patch merges into the latest row.
	t, err = e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return domain.Role{}, nil, err
	}
	if patch.Status != nil && *patch.Status != t.Status {
		t, err = e.transitionLocked(ctx, TransitionInput{
			RoleID:        roleID,
			To:            *patch.Status,
			ActorID:       patch.ActorID,
			Subject:       patch.Subject,
			ApplicationID: patch.ApplicationID,
		})
		if err != nil {
			return domain.Role{}, nil, err
		}
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Requirements != nil {
		t.Requirements = *patch.Requirements
	}
	if patch.Permissions != nil {
		t.Permissions = *patch.Permissions
	}
	if patch.CompletionCriteria != nil {
		t.CompletionCriteria = patch.CompletionCriteria
	}
	if patch.MaxParticipants != nil {
		t.MaxParticipants = *patch.MaxParticipants
	}
	cfg, err := e.collabConfig(ctx, t.CollaborationID)
	if err != nil {
		return domain.Role{}, nil, err
	}
	findings := e.validateRole(ctx, cfg, t)
	if hasErrors(findings) {
		return domain.Role{}, findings, &ValidationError{Findings: findings}
	}
	t.UpdatedAt = e.now()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Role{}, findings, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRole(ctx, tx, t); err != nil {
		return domain.Role{}, findings, err
	}
	if err := e.Events.Append(ctx, tx, "role.updated", t.CollaborationID, "role", t.ID, actorFrom(ctx), events.EventPayload{}); err != nil {
		return domain.Role{}, findings, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Role{}, findings, err
	}
	return t, findings, nil
}

// DeleteRole removes a role. Roles with children are rejected unless the
// caller opts to reparent them to the deleted role's own parent.
func (e Engine) DeleteRole(ctx context.Context, roleID string, reparentChildren bool) error {
	t, err := e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	unlock := e.Locks.Lock(t.CollaborationID)
	defer unlock()
	t, err = e.Repo.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if len(t.ChildRoleIDs) > 0 && !reparentChildren {
		return fmt.Errorf("role %s has %d child roles; detach them or pass reparent", roleID, len(t.ChildRoleIDs))
	}
	if _, err := e.Repo.ActiveAssignment(ctx, roleID); err == nil {
		return fmt.Errorf("role %s has an active assignment", roleID)
	} else if err != repo.ErrNotFound {
		return err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, childID := range t.ChildRoleIDs {
		if err := e.Repo.SetRoleParent(ctx, tx, childID, t.ParentRoleID, now); err != nil {
			return err
		}
	}
	if err := e.Repo.DeleteRole(ctx, tx, roleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "role.deleted", t.CollaborationID, "role", t.ID, actorFrom(ctx), events.EventPayload{
		"reparented_children": len(t.ChildRoleIDs),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) SetUserSkill(ctx context.Context, userID, skillID string, level int) (domain.UserSkill, error) {
	if level < 1 || level > 10 {
		return domain.UserSkill{}, fmt.Errorf("skill level must be between 1 and 10")
	}
	if e.Config != nil && len(e.Config.Skills.Catalog) > 0 {
		if _, ok := e.Config.Skills.Catalog[skillID]; !ok {
			return domain.UserSkill{}, fmt.Errorf("skill %s is not in the catalog", skillID)
		}
	}
	s := domain.UserSkill{UserID: userID, SkillID: skillID, Level: level, UpdatedAt: e.now()}
	if err := e.Repo.UpsertUserSkill(ctx, s); err != nil {
		return domain.UserSkill{}, err
	}
	err := e.Events.Append(ctx, nil, "skill.set", "", "user_skill", userID+"/"+skillID, actorFrom(ctx), events.EventPayload{
		"level": level,
	})
	return s, err
}

func (e Engine) collabConfig(ctx context.Context, collabID string) (*config.Config, error) {
	if e.Config != nil && e.Config.Collaboration.ID == collabID {
		return e.Config, nil
	}
	cfg, err := e.Repo.GetCollabConfig(ctx, collabID)
	if err == repo.ErrNotFound {
		return config.Default(collabID), nil
	}
	return cfg, err
}

func hasErrors(findings []ValidationFinding) bool {
	for _, f := range findings {
		if f.Severity == "error" {
			return true
		}
	}
	return false
}

type actorKey struct{}

// WithActor stamps the acting user onto the context for event attribution.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "system"
}
