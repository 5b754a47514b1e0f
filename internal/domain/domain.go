package domain

type Collaboration struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// SkillRequirement declares a competency a participant must hold to occupy a role.
type SkillRequirement struct {
	SkillID          string `json:"skill_id"`
	MinLevel         int    `json:"min_level"`
	Optional         bool   `json:"optional,omitempty"`
	ValidationMethod string `json:"validation_method,omitempty"`
}

// PermissionGrant grants a set of actions on a resource. Inherited grants carry
// the ancestor role they came from.
type PermissionGrant struct {
	Resource     string            `json:"resource"`
	Actions      []string          `json:"actions"`
	Conditions   map[string]string `json:"conditions,omitempty"`
	Inherited    bool              `json:"inherited,omitempty"`
	SourceRoleID string            `json:"source_role_id,omitempty"`
}

type CompletionCriteria struct {
	Description string   `json:"description,omitempty"`
	Checklist   []string `json:"checklist,omitempty"`
}

type Role struct {
	ID              string  `json:"id"`
	CollaborationID string  `json:"collaboration_id"`
	Title           string  `json:"title"`
	Description     string  `json:"description,omitempty"`
	ParentRoleID    *string `json:"parent_role_id,omitempty"`
	// ChildRoleIDs is a derived index; the authoritative relation is each
	// child's ParentRoleID.
	ChildRoleIDs        []string            `json:"child_role_ids,omitempty"`
	Requirements        []SkillRequirement  `json:"requirements,omitempty"`
	Permissions         []PermissionGrant   `json:"permissions,omitempty"`
	CompletionCriteria  *CompletionCriteria `json:"completion_criteria,omitempty"`
	MaxParticipants     int                 `json:"max_participants"`
	CurrentParticipants int                 `json:"current_participants"`
	Status              string              `json:"status" enum:"draft,open,in_review,assigned,in_progress,completion_requested,completed,abandoned,unneeded"`
	CreatedAt           string              `json:"created_at" format:"date-time"`
	UpdatedAt           string              `json:"updated_at" format:"date-time"`
}

// RoleAssignment is one occupancy record of a role by a participant. A role
// keeps its full assignment history; at most one assignment is active at a time.
type RoleAssignment struct {
	ID         string  `json:"id"`
	RoleID     string  `json:"role_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status" enum:"active,completed,abandoned,removed"`
	AssignedAt string  `json:"assigned_at" format:"date-time"`
	EndedAt    *string `json:"ended_at,omitempty" format:"date-time"`
	EndReason  string  `json:"end_reason,omitempty"`
}

type RoleApplication struct {
	ID             string  `json:"id"`
	RoleID         string  `json:"role_id"`
	UserID         string  `json:"user_id"`
	Message        string  `json:"message,omitempty"`
	Status         string  `json:"status" enum:"pending,accepted,rejected,withdrawn"`
	SkillCheckJSON *string `json:"skill_check_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type CompletionRequest struct {
	ID          string `json:"id"`
	RoleID      string `json:"role_id"`
	RequesterID string `json:"requester_id"`
	Note        string `json:"note,omitempty"`
	Status      string `json:"status" enum:"pending,approved,rejected"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type UserSkill struct {
	UserID    string `json:"user_id"`
	SkillID   string `json:"skill_id"`
	Level     int    `json:"level"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// SkillCheck is the result of validating a participant against a role's
// effective skill requirements. Missing lists every unmet requirement,
// direct and inherited, in one pass.
type SkillCheck struct {
	Valid   bool               `json:"valid"`
	Missing []SkillRequirement `json:"missing"`
}

type Event struct {
	ID              int64  `json:"id"`
	TS              string `json:"ts" format:"date-time"`
	Type            string `json:"type"`
	CollaborationID string `json:"collaboration_id,omitempty"`
	EntityKind      string `json:"entity_kind"`
	EntityID        string `json:"entity_id,omitempty"`
	ActorID         string `json:"actor_id"`
	Payload         string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
