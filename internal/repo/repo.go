package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertCollaboration(ctx context.Context, c domain.Collaboration) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO collaborations(id,title,status,description,created_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Title, c.Status, nullable(c.Description), c.CreatedAt)
	return err
}

func (r Repo) GetCollaboration(ctx context.Context, id string) (domain.Collaboration, error) {
	var c domain.Collaboration
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,title,status,description,created_at FROM collaborations WHERE id=?`, id).
		Scan(&c.ID, &c.Title, &c.Status, &desc, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if desc.Valid {
		c.Description = desc.String
	}
	return c, err
}

func (r Repo) ListCollaborations(ctx context.Context) ([]domain.Collaboration, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,title,status,COALESCE(description,''),created_at FROM collaborations ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaboration
	for rows.Next() {
		var c domain.Collaboration
		if err := rows.Scan(&c.ID, &c.Title, &c.Status, &c.Description, &c.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) SingleCollaboration(ctx context.Context) (domain.Collaboration, error) {
	items, err := r.ListCollaborations(ctx)
	if err != nil {
		return domain.Collaboration{}, err
	}
	if len(items) == 0 {
		return domain.Collaboration{}, ErrNotFound
	}
	if len(items) > 1 {
		return domain.Collaboration{}, fmt.Errorf("multiple collaborations exist; specify --collab")
	}
	return items[0], nil
}

func (r Repo) UpdateCollaboration(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE collaborations SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertCollabConfig(ctx context.Context, collabID string, cfg *config.Config) error {
	return upsertCollabConfig(ctx, r.DB, nil, collabID, cfg)
}

func (r Repo) UpsertCollabConfigTx(ctx context.Context, tx *sql.Tx, collabID string, cfg *config.Config) error {
	return upsertCollabConfig(ctx, nil, tx, collabID, cfg)
}

func upsertCollabConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, collabID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Collaboration.ID = collabID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO collab_configs(collaboration_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(collaboration_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, collabID, string(payload), now, now)
	return err
}

func (r Repo) GetCollabConfig(ctx context.Context, collabID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM collab_configs WHERE collaboration_id=?`, collabID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Collaboration.ID == "" {
		cfg.Collaboration.ID = collabID
	}
	return &cfg, cfg.Validate()
}

const roleColumns = `id,collaboration_id,title,description,parent_role_id,requirements_json,permissions_json,completion_criteria_json,max_participants,current_participants,status,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (domain.Role, error) {
	var t domain.Role
	var description, parentID, reqJSON, permJSON, critJSON sql.NullString
	err := row.Scan(&t.ID, &t.CollaborationID, &t.Title, &description, &parentID, &reqJSON, &permJSON, &critJSON,
		&t.MaxParticipants, &t.CurrentParticipants, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if description.Valid {
		t.Description = description.String
	}
	if parentID.Valid {
		t.ParentRoleID = &parentID.String
	}
	if reqJSON.Valid && reqJSON.String != "" {
		if err := json.Unmarshal([]byte(reqJSON.String), &t.Requirements); err != nil {
			return t, fmt.Errorf("decode requirements for role %s: %w", t.ID, err)
		}
	}
	if permJSON.Valid && permJSON.String != "" {
		if err := json.Unmarshal([]byte(permJSON.String), &t.Permissions); err != nil {
			return t, fmt.Errorf("decode permissions for role %s: %w", t.ID, err)
		}
	}
	if critJSON.Valid && critJSON.String != "" {
		var crit domain.CompletionCriteria
		if err := json.Unmarshal([]byte(critJSON.String), &crit); err != nil {
			return t, fmt.Errorf("decode completion criteria for role %s: %w", t.ID, err)
		}
		t.CompletionCriteria = &crit
	}
	return t, nil
}

func roleArgs(t domain.Role) ([]any, error) {
	reqJSON, err := marshalOrNil(t.Requirements)
	if err != nil {
		return nil, err
	}
	permJSON, err := marshalOrNil(t.Permissions)
	if err != nil {
		return nil, err
	}
	var critJSON any
	if t.CompletionCriteria != nil {
		data, err := json.Marshal(t.CompletionCriteria)
		if err != nil {
			return nil, err
		}
		critJSON = string(data)
	}
	return []any{
		t.ID, t.CollaborationID, t.Title, nullable(t.Description), nullableStringPtr(t.ParentRoleID),
		reqJSON, permJSON, critJSON, t.MaxParticipants, t.CurrentParticipants, t.Status, t.CreatedAt, t.UpdatedAt,
	}, nil
}

func marshalOrNil(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	if s == "null" {
		return nil, nil
	}
	return s, nil
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, t domain.Role) error {
	args, err := roleArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO roles(`+roleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) UpdateRole(ctx context.Context, tx *sql.Tx, t domain.Role) error {
	args, err := roleArgs(t)
	if err != nil {
		return err
	}
	// shift id to the WHERE clause
	args = append(args[1:], t.ID)
	_, err = tx.ExecContext(ctx, `UPDATE roles SET collaboration_id=?, title=?, description=?, parent_role_id=?, requirements_json=?, permissions_json=?, completion_criteria_json=?, max_participants=?, current_participants=?, status=?, created_at=?, updated_at=? WHERE id=?`, args...)
	return err
}

func (r Repo) GetRole(ctx context.Context, id string) (domain.Role, error) {
	t, err := scanRole(r.DB.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	children, err := r.ListChildRoleIDs(ctx, t.ID)
	if err != nil {
		return t, err
	}
	t.ChildRoleIDs = children
	return t, nil
}

func (r Repo) GetRoleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Role, error) {
	return scanRole(tx.QueryRowContext(ctx, `SELECT `+roleColumns+` FROM roles WHERE id=?`, id))
}

type RoleFilters struct {
	CollaborationID string
	Status          string
	ParentRoleID    string
}

func (r Repo) ListRoles(ctx context.Context, f RoleFilters) ([]domain.Role, error) {
	var clauses []string
	var args []any
	if f.CollaborationID != "" {
		clauses = append(clauses, "collaboration_id=?")
		args = append(args, f.CollaborationID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentRoleID != "" {
		clauses = append(clauses, "parent_role_id=?")
		args = append(args, f.ParentRoleID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+roleColumns+` FROM roles `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Role
	for rows.Next() {
		t, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListChildRoleIDs(ctx context.Context, roleID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM roles WHERE parent_role_id=? ORDER BY created_at ASC, id ASC`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountChildRoles(ctx context.Context, roleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM roles WHERE parent_role_id=?`, roleID).Scan(&n)
	return n, err
}

func (r Repo) SetRoleParent(ctx context.Context, tx *sql.Tx, roleID string, parentID *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE roles SET parent_role_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(parentID), updatedAt, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRoleStatus(ctx context.Context, tx *sql.Tx, roleID, status, updatedAt string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE roles SET status=?, updated_at=? WHERE id=?`, status, updatedAt, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRoleParticipants(ctx context.Context, roleID string, count int, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE roles SET current_participants=?, updated_at=? WHERE id=?`, count, updatedAt, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRole(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountRolesByStatus(ctx context.Context, collabID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM roles WHERE collaboration_id=? GROUP BY status`, collabID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, collabID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, collabID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, collabID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if collabID != "" {
		clauses = append(clauses, "collaboration_id=?")
		args = append(args, collabID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,collaboration_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, collabID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if collabID != "" {
		clauses = append(clauses, "collaboration_id=?")
		args = append(args, collabID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,collaboration_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var collabID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &collabID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if collabID.Valid {
			e.CollaborationID = collabID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID for a collaboration.
func (r Repo) LatestEventID(ctx context.Context, collabID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE collaboration_id=?`, collabID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
