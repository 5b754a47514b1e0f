package repo

import (
	"context"

	"crewline/internal/domain"
)

func (r Repo) UpsertUserSkill(ctx context.Context, s domain.UserSkill) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO user_skills(user_id,skill_id,level,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,skill_id) DO UPDATE SET level=excluded.level, updated_at=excluded.updated_at`,
		s.UserID, s.SkillID, s.Level, s.UpdatedAt)
	return err
}

func (r Repo) DeleteUserSkill(ctx context.Context, userID, skillID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM user_skills WHERE user_id=? AND skill_id=?`, userID, skillID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListUserSkills(ctx context.Context, userID string) ([]domain.UserSkill, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,skill_id,level,updated_at FROM user_skills WHERE user_id=? ORDER BY skill_id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserSkill
	for rows.Next() {
		var s domain.UserSkill
		if err := rows.Scan(&s.UserID, &s.SkillID, &s.Level, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UserSkillLevels returns skill_id -> level for a user.
func (r Repo) UserSkillLevels(ctx context.Context, userID string) (map[string]int, error) {
	skills, err := r.ListUserSkills(ctx, userID)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(skills))
	for _, s := range skills {
		levels[s.SkillID] = s.Level
	}
	return levels, nil
}
