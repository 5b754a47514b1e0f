package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/repo"
)

// ResolveCollaborationAndConfig picks the active collaboration and ensures a
// collaboration + config exist in the DB, seeding defaults if missing. It
// prefers the override, then the single-collaboration DB.
func ResolveCollaborationAndConfig(ctx context.Context, collabOverride string, r repo.Repo) (string, *config.Config, error) {
	collabID := collabOverride
	if collabID == "" {
		if c, err := r.SingleCollaboration(ctx); err == nil {
			collabID = c.ID
		} else {
			return "", nil, fmt.Errorf("collaboration not specified; use --collab")
		}
	}
	seedCfg := config.Default(collabID)

	if _, err := r.GetCollaboration(ctx, collabID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createCollaboration(ctx, r, collabID, seedCfg); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetCollabConfig(ctx, collabID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := r.UpsertCollabConfig(ctx, collabID, seedCfg); err != nil {
				return "", nil, fmt.Errorf("seed collaboration config: %w", err)
			}
			cfg = seedCfg
		} else {
			return "", nil, err
		}
	}
	cfg.Collaboration.ID = collabID
	return collabID, cfg, nil
}

func createCollaboration(ctx context.Context, r repo.Repo, collabID string, seedCfg *config.Config) error {
	if seedCfg == nil {
		seedCfg = config.Default(collabID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	c := domain.Collaboration{
		ID:        collabID,
		Title:     collabID,
		Status:    "active",
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO collaborations(id,title,status,description,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Title, c.Status, nil, c.CreatedAt); err != nil {
		return fmt.Errorf("insert collaboration: %w", err)
	}
	if err := r.UpsertCollabConfigTx(ctx, tx, collabID, seedCfg); err != nil {
		return fmt.Errorf("insert collaboration config: %w", err)
	}
	return tx.Commit()
}
