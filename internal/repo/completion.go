package repo

import (
	"context"
	"database/sql"

	"crewline/internal/domain"
)

const applicationColumns = `id,role_id,user_id,message,status,skill_check_json,created_at,updated_at`

func scanApplication(row rowScanner) (domain.RoleApplication, error) {
	var a domain.RoleApplication
	var message, skillCheck sql.NullString
	err := row.Scan(&a.ID, &a.RoleID, &a.UserID, &message, &a.Status, &skillCheck, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if message.Valid {
		a.Message = message.String
	}
	if skillCheck.Valid {
		a.SkillCheckJSON = &skillCheck.String
	}
	return a, nil
}

func (r Repo) InsertApplication(ctx context.Context, a domain.RoleApplication) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO role_applications(`+applicationColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.RoleID, a.UserID, nullable(a.Message), a.Status, nullableStringPtr(a.SkillCheckJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.RoleApplication, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM role_applications WHERE id=?`, id))
}

func (r Repo) GetApplicationTx(ctx context.Context, tx *sql.Tx, id string) (domain.RoleApplication, error) {
	return scanApplication(tx.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM role_applications WHERE id=?`, id))
}

func (r Repo) ListApplications(ctx context.Context, roleID, userID, status string) ([]domain.RoleApplication, error) {
	query := `SELECT ` + applicationColumns + ` FROM role_applications WHERE 1=1`
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
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleApplication
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// PendingApplication returns the oldest pending application for a role.
func (r Repo) PendingApplication(ctx context.Context, roleID string) (domain.RoleApplication, error) {
	return scanApplication(r.DB.QueryRowContext(ctx,
		`SELECT `+applicationColumns+` FROM role_applications WHERE role_id=? AND status='pending' ORDER BY created_at ASC, id ASC LIMIT 1`, roleID))
}

func (r Repo) SetApplicationStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE role_applications SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const completionColumns = `id,role_id,requester_id,note,status,created_at,updated_at`

func scanCompletion(row rowScanner) (domain.CompletionRequest, error) {
	var c domain.CompletionRequest
	var note sql.NullString
	err := row.Scan(&c.ID, &c.RoleID, &c.RequesterID, &note, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if note.Valid {
		c.Note = note.String
	}
	return c, nil
}

func (r Repo) InsertCompletionRequest(ctx context.Context, tx *sql.Tx, c domain.CompletionRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO completion_requests(`+completionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.RoleID, c.RequesterID, nullable(c.Note), c.Status, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCompletionRequest(ctx context.Context, id string) (domain.CompletionRequest, error) {
	return scanCompletion(r.DB.QueryRowContext(ctx, `SELECT `+completionColumns+` FROM completion_requests WHERE id=?`, id))
}

// PendingCompletionRequest returns the pending completion request for a role.
func (r Repo) PendingCompletionRequest(ctx context.Context, roleID string) (domain.CompletionRequest, error) {
	return scanCompletion(r.DB.QueryRowContext(ctx,
		`SELECT `+completionColumns+` FROM completion_requests WHERE role_id=? AND status='pending' ORDER BY created_at DESC, id DESC LIMIT 1`, roleID))
}

func (r Repo) ListCompletionRequests(ctx context.Context, roleID, status string) ([]domain.CompletionRequest, error) {
	query := `SELECT ` + completionColumns + ` FROM completion_requests WHERE 1=1`
	var args []any
	if roleID != "" {
		query += ` AND role_id=?`
		args = append(args, roleID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletionRequest
	for rows.Next() {
		c, err := scanCompletion(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SetCompletionRequestStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE completion_requests SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCompletionRequest(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM completion_requests WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
