package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL         string
	CollaborationID string
	APIKey          string
	BearerToken     string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, collaborationID string) *Client {
	return &Client{
		BaseURL:         baseURL,
		CollaborationID: collaborationID,
		Timeout:         10 * time.Second,
	}
}

// Role represents the API role model (partial).
type Role struct {
	ID                  string             `json:"id"`
	CollaborationID     string             `json:"collaboration_id"`
	Title               string             `json:"title"`
	ParentRoleID        *string            `json:"parent_role_id,omitempty"`
	Requirements        []SkillRequirement `json:"requirements,omitempty"`
	MaxParticipants     int                `json:"max_participants"`
	CurrentParticipants int                `json:"current_participants"`
	Status              string             `json:"status"`
}

// SkillRequirement is one skill demand on a role.
type SkillRequirement struct {
	SkillID          string `json:"skill_id"`
	MinLevel         int    `json:"min_level"`
	Optional         bool   `json:"optional,omitempty"`
	ValidationMethod string `json:"validation_method,omitempty"`
}

// PermissionGrant is one resource grant, possibly inherited from an ancestor.
type PermissionGrant struct {
	Resource     string   `json:"resource"`
	Actions      []string `json:"actions"`
	Conditions   []string `json:"conditions,omitempty"`
	Inherited    bool     `json:"inherited,omitempty"`
	SourceRoleID string   `json:"source_role_id,omitempty"`
}

// Application represents a role application.
type Application struct {
	ID         string      `json:"id"`
	RoleID     string      `json:"role_id"`
	UserID     string      `json:"user_id"`
	Message    string      `json:"message,omitempty"`
	Status     string      `json:"status"`
	SkillCheck *SkillCheck `json:"skill_check,omitempty"`
	CreatedAt  string      `json:"created_at"`
}

// SkillCheck reports whether a user satisfies a role's effective requirements.
type SkillCheck struct {
	Valid   bool               `json:"valid"`
	Missing []SkillRequirement `json:"missing,omitempty"`
}

// CompletionRequest represents a pending or resolved completion request.
type CompletionRequest struct {
	ID          string `json:"id"`
	RoleID      string `json:"role_id"`
	RequesterID string `json:"requester_id"`
	Note        string `json:"note,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID              int64          `json:"id"`
	TS              string         `json:"ts"`
	Type            string         `json:"type"`
	CollaborationID string         `json:"collaboration_id"`
	EntityKind      string         `json:"entity_kind"`
	EntityID        string         `json:"entity_id"`
	ActorID         string         `json:"actor_id"`
	Payload         map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRole creates a role in the collaboration.
func (c *Client) CreateRole(ctx context.Context, title string, requirements []SkillRequirement) (Role, error) {
	body := map[string]any{
		"title":        title,
		"requirements": requirements,
	}
	var resp Role
	err := c.do(ctx, http.MethodPost, c.collabPath("roles"), body, &resp)
	return resp, err
}

// GetRole fetches a role by id.
func (c *Client) GetRole(ctx context.Context, roleID string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodGet, c.rolePath(roleID, ""), nil, &resp)
	return resp, err
}

// Transition drives a role to a new status.
func (c *Client) Transition(ctx context.Context, roleID, to string) (Role, error) {
	body := map[string]any{"to": to}
	var resp Role
	err := c.do(ctx, http.MethodPost, c.rolePath(roleID, "transition"), body, &resp)
	return resp, err
}

// Apply files an application for a role.
func (c *Client) Apply(ctx context.Context, roleID, message string) (Application, error) {
	body := map[string]any{"message": message}
	var resp Application
	err := c.do(ctx, http.MethodPost, c.rolePath(roleID, "applications"), body, &resp)
	return resp, err
}

// AcceptApplication accepts an application, assigning the role.
func (c *Client) AcceptApplication(ctx context.Context, applicationID string) (Role, error) {
	var resp Role
	endpoint := fmt.Sprintf("v0/applications/%s/accept", url.PathEscape(applicationID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RequestCompletion asks reviewers to sign off on the role.
func (c *Client) RequestCompletion(ctx context.Context, roleID, note string) (Role, error) {
	body := map[string]any{"note": note}
	var resp Role
	err := c.do(ctx, http.MethodPost, c.rolePath(roleID, "completion-requests"), body, &resp)
	return resp, err
}

// ApproveCompletion approves the pending completion request.
func (c *Client) ApproveCompletion(ctx context.Context, roleID string) (Role, error) {
	var resp Role
	err := c.do(ctx, http.MethodPost, c.rolePath(roleID, "completion-requests/approve"), nil, &resp)
	return resp, err
}

// EffectivePermissions returns the role's permissions after inheritance.
func (c *Client) EffectivePermissions(ctx context.Context, roleID string) ([]PermissionGrant, error) {
	var resp []PermissionGrant
	err := c.do(ctx, http.MethodGet, c.rolePath(roleID, "effective-permissions"), nil, &resp)
	return resp, err
}

// EffectiveRequirements returns the role's accumulated skill requirements.
func (c *Client) EffectiveRequirements(ctx context.Context, roleID string) ([]SkillRequirement, error) {
	var resp []SkillRequirement
	err := c.do(ctx, http.MethodGet, c.rolePath(roleID, "effective-requirements"), nil, &resp)
	return resp, err
}

// CheckSkills checks a user against a role's effective requirements.
func (c *Client) CheckSkills(ctx context.Context, roleID, userID string) (SkillCheck, error) {
	var resp SkillCheck
	endpoint := c.rolePath(roleID, "skill-check") + "?user_id=" + url.QueryEscape(userID)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for the collaboration.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.collabPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) collabPath(p string) string {
	collab := url.PathEscape(c.CollaborationID)
	return fmt.Sprintf("v0/collaborations/%s/%s", collab, strings.TrimLeft(p, "/"))
}

func (c *Client) rolePath(roleID, p string) string {
	endpoint := fmt.Sprintf("v0/roles/%s", url.PathEscape(roleID))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
