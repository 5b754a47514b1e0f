package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

func scanAssignment(row rowScanner) (domain.RoleAssignment, error) {
	var a domain.RoleAssignment
	var endedAt, endReason sql.NullString
	err := row.Scan(&a.ID, &a.RoleID, &a.UserID, &a.Status, &a.AssignedAt, &endedAt, &endReason)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if endedAt.Valid {
		a.EndedAt = &endedAt.String
	}
	if endReason.Valid {
		a.EndReason = endReason.String
	}
	return a, nil
}

const assignmentColumns = `id,role_id,user_id,status,assigned_at,ended_at,end_reason`

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.RoleAssignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO role_assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.RoleID, a.UserID, a.Status, a.AssignedAt, nullableStringPtr(a.EndedAt), nullable(a.EndReason))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.RoleAssignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM role_assignments WHERE id=?`, id))
}

// ActiveAssignment returns the active assignment for a role, or ErrNotFound.
func (r Repo) ActiveAssignment(ctx context.Context, roleID string) (domain.RoleAssignment, error) {
	return scanAssignment(r.DB.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE role_id=? AND status='active'`, roleID))
}

func (r Repo) ActiveAssignmentTx(ctx context.Context, tx *sql.Tx, roleID string) (domain.RoleAssignment, error) {
	return scanAssignment(tx.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments WHERE role_id=? AND status='active'`, roleID))
}

func (r Repo) ListAssignments(ctx context.Context, roleID, userID, status string) ([]domain.RoleAssignment, error) {
	query := `SELECT ` + assignmentColumns + ` FROM role_assignments WHERE 1=1`
	var args []any
	if roleID != "" {
		query += ` AND role_id=?`
		args = append(args, roleID)
	}
	if userID != "" {
		query += ` AND user_id=?`
		args = append(args, userID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY assigned_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActiveAssignmentsForUser returns every active assignment held by a user
// across roles of one collaboration.
func (r Repo) ActiveAssignmentsForUser(ctx context.Context, collabID, userID string) ([]domain.RoleAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT a.id,a.role_id,a.user_id,a.status,a.assigned_at,a.ended_at,a.end_reason
FROM role_assignments a JOIN roles t ON t.id=a.role_id
WHERE t.collaboration_id=? AND a.user_id=? AND a.status='active'
ORDER BY a.assigned_at ASC, a.id ASC`, collabID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetAssignmentStatus(ctx context.Context, tx *sql.Tx, id, status string, endedAt *string, endReason string) error {
	res, err := tx.ExecContext(ctx, `UPDATE role_assignments SET status=?, ended_at=?, end_reason=? WHERE id=?`,
		status, nullableStringPtr(endedAt), nullable(endReason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteAssignment(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM role_assignments WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
