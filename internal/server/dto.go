package server

import (
	"encoding/json"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

type CreateCollaborationRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type CollaborationResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func collaborationResponse(c domain.Collaboration) CollaborationResponse {
	return CollaborationResponse{
		ID:          c.ID,
		Title:       c.Title,
		Status:      c.Status,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
}

func mapCollaborations(items []domain.Collaboration) []CollaborationResponse {
	out := make([]CollaborationResponse, 0, len(items))
	for _, c := range items {
		out = append(out, collaborationResponse(c))
	}
	return out
}

type CreateRoleRequest struct {
	Title              string                     `json:"title"`
	Description        *string                    `json:"description,omitempty"`
	ParentRoleID       *string                    `json:"parent_role_id,omitempty"`
	Requirements       []domain.SkillRequirement  `json:"requirements,omitempty"`
	Permissions        []domain.PermissionGrant   `json:"permissions,omitempty"`
	CompletionCriteria *domain.CompletionCriteria `json:"completion_criteria,omitempty"`
	MaxParticipants    *int                       `json:"max_participants,omitempty"`
	Status             *string                    `json:"status,omitempty"`
}

type UpdateRoleRequest struct {
	Title              *string                     `json:"title,omitempty"`
	Description        *string                     `json:"description,omitempty"`
	Requirements       *[]domain.SkillRequirement  `json:"requirements,omitempty"`
	Permissions        *[]domain.PermissionGrant   `json:"permissions,omitempty"`
	CompletionCriteria *domain.CompletionCriteria  `json:"completion_criteria,omitempty"`
	MaxParticipants    *int                        `json:"max_participants,omitempty"`
	Status             *string                     `json:"status,omitempty"`
	Subject            *string                     `json:"subject,omitempty"`
	ApplicationID      *string                     `json:"application_id,omitempty"`
}

type RoleResponse struct {
	ID                  string                     `json:"id"`
	CollaborationID     string                     `json:"collaboration_id"`
	Title               string                     `json:"title"`
	Description         string                     `json:"description,omitempty"`
	ParentRoleID        *string                    `json:"parent_role_id,omitempty"`
	ChildRoleIDs        []string                   `json:"child_role_ids,omitempty"`
	Requirements        []domain.SkillRequirement  `json:"requirements,omitempty"`
	Permissions         []domain.PermissionGrant   `json:"permissions,omitempty"`
	CompletionCriteria  *domain.CompletionCriteria `json:"completion_criteria,omitempty"`
	MaxParticipants     int                        `json:"max_participants"`
	CurrentParticipants int                        `json:"current_participants"`
	Status              string                     `json:"status"`
	CreatedAt           string                     `json:"created_at"`
	UpdatedAt           string                     `json:"updated_at"`
}

func roleResponse(t domain.Role) RoleResponse {
	return RoleResponse{
		ID:                  t.ID,
		CollaborationID:     t.CollaborationID,
		Title:               t.Title,
		Description:         t.Description,
		ParentRoleID:        t.ParentRoleID,
		ChildRoleIDs:        t.ChildRoleIDs,
		Requirements:        t.Requirements,
		Permissions:         t.Permissions,
		CompletionCriteria:  t.CompletionCriteria,
		MaxParticipants:     t.MaxParticipants,
		CurrentParticipants: t.CurrentParticipants,
		Status:              t.Status,
		CreatedAt:           t.CreatedAt,
		UpdatedAt:           t.UpdatedAt,
	}
}

func mapRoles(items []domain.Role) []RoleResponse {
	out := make([]RoleResponse, 0, len(items))
	for _, t := range items {
		out = append(out, roleResponse(t))
	}
	return out
}

type TransitionRequest struct {
	To            string  `json:"to"`
	Subject       *string `json:"subject,omitempty"`
	ApplicationID *string `json:"application_id,omitempty"`
	Note          *string `json:"note,omitempty"`
}

type ValidationReport struct {
	Valid    bool                       `json:"valid"`
	Findings []engine.ValidationFinding `json:"findings"`
}

func validationReport(findings []engine.ValidationFinding) ValidationReport {
	report := ValidationReport{Valid: true, Findings: findings}
	if report.Findings == nil {
		report.Findings = []engine.ValidationFinding{}
	}
	for _, f := range findings {
		if f.Severity == "error" {
			report.Valid = false
		}
	}
	return report
}

type ApplyRequest struct {
	UserID  string  `json:"user_id,omitempty"`
	Message *string `json:"message,omitempty"`
}

type ApplicationResponse struct {
	ID         string             `json:"id"`
	RoleID     string             `json:"role_id"`
	UserID     string             `json:"user_id"`
	Message    string             `json:"message,omitempty"`
	Status     string             `json:"status"`
	SkillCheck *domain.SkillCheck `json:"skill_check,omitempty"`
	CreatedAt  string             `json:"created_at"`
	UpdatedAt  string             `json:"updated_at"`
}

func applicationResponse(a domain.RoleApplication) ApplicationResponse {
	resp := ApplicationResponse{
		ID:        a.ID,
		RoleID:    a.RoleID,
		UserID:    a.UserID,
		Message:   a.Message,
		Status:    a.Status,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
	if a.SkillCheckJSON != nil {
		var check domain.SkillCheck
		if err := json.Unmarshal([]byte(*a.SkillCheckJSON), &check); err == nil {
			resp.SkillCheck = &check
		}
	}
	return resp
}

func mapApplications(items []domain.RoleApplication) []ApplicationResponse {
	out := make([]ApplicationResponse, 0, len(items))
	for _, a := range items {
		out = append(out, applicationResponse(a))
	}
	return out
}

type AssignmentResponse struct {
	ID         string  `json:"id"`
	RoleID     string  `json:"role_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"`
	AssignedAt string  `json:"assigned_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
	EndReason  string  `json:"end_reason,omitempty"`
}

func assignmentResponse(a domain.RoleAssignment) AssignmentResponse {
	return AssignmentResponse{
		ID:         a.ID,
		RoleID:     a.RoleID,
		UserID:     a.UserID,
		Status:     a.Status,
		AssignedAt: a.AssignedAt,
		EndedAt:    a.EndedAt,
		EndReason:  a.EndReason,
	}
}

func mapAssignments(items []domain.RoleAssignment) []AssignmentResponse {
	out := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		out = append(out, assignmentResponse(a))
	}
	return out
}

type CompletionRequestResponse struct {
	ID          string `json:"id"`
	RoleID      string `json:"role_id"`
	RequesterID string `json:"requester_id"`
	Note        string `json:"note,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func completionResponse(c domain.CompletionRequest) CompletionRequestResponse {
	return CompletionRequestResponse{
		ID:          c.ID,
		RoleID:      c.RoleID,
		RequesterID: c.RequesterID,
		Note:        c.Note,
		Status:      c.Status,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func mapCompletions(items []domain.CompletionRequest) []CompletionRequestResponse {
	out := make([]CompletionRequestResponse, 0, len(items))
	for _, c := range items {
		out = append(out, completionResponse(c))
	}
	return out
}

type skillCheckBody struct {
	UserID  string                    `json:"user_id"`
	Valid   bool                      `json:"valid"`
	Missing []domain.SkillRequirement `json:"missing"`
}

type UserSkillRequest struct {
	SkillID string `json:"skill_id"`
	Level   int    `json:"level"`
}

type UserSkillResponse struct {
	UserID    string `json:"user_id"`
	SkillID   string `json:"skill_id"`
	Level     int    `json:"level"`
	UpdatedAt string `json:"updated_at"`
}

func userSkillResponse(s domain.UserSkill) UserSkillResponse {
	return UserSkillResponse{UserID: s.UserID, SkillID: s.SkillID, Level: s.Level, UpdatedAt: s.UpdatedAt}
}

type EventResponse struct {
	ID              int64           `json:"id"`
	TS              string          `json:"ts"`
	Type            string          `json:"type"`
	CollaborationID string          `json:"collaboration_id,omitempty"`
	EntityKind      string          `json:"entity_kind"`
	EntityID        string          `json:"entity_id,omitempty"`
	ActorID         string          `json:"actor_id"`
	Payload         json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:              e.ID,
		TS:              e.TS,
		Type:            e.Type,
		CollaborationID: e.CollaborationID,
		EntityKind:      e.EntityKind,
		EntityID:        e.EntityID,
		ActorID:         e.ActorID,
		Payload:         payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
