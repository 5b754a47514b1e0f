package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"no transition from draft to completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema-level request validation is a 400, not a domain 422.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCollaborations(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerHierarchy(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerApplications(group, cfg.Engine)
	registerCompletions(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerSkills(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	if b, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return b
	}
	return nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var he *engine.HierarchyError
	if errors.As(err, &he) {
		return newAPIError(http.StatusUnprocessableEntity, "hierarchy_"+he.Kind, err.Error(), map[string]any{
			"role_id": he.RoleID,
			"path":    he.Path,
		})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{
			"findings": ve.Findings,
		})
	}
	var ite *engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": ite.From,
			"to":   ite.To,
		})
	}
	var cre *engine.ConditionRejectedError
	if errors.As(err, &cre) {
		// Surface the condition's message verbatim.
		return newAPIError(http.StatusUnprocessableEntity, "condition_rejected", cre.Message, map[string]any{
			"condition": cre.Condition,
		})
	}
	var rbe *engine.RollbackFailedError
	if errors.As(err, &rbe) {
		return newAPIError(http.StatusInternalServerError, "reconciliation_required", "transition rollback failed; manual reconciliation required", map[string]any{
			"effect": rbe.Effect,
		})
	}
	var efe *engine.EffectFailedError
	if errors.As(err, &efe) {
		return newAPIError(http.StatusServiceUnavailable, "effect_failed", "transition effect failed and was rolled back", map[string]any{
			"effect": efe.Effect,
		})
	}
	var ine *engine.InheritanceError
	if errors.As(err, &ine) {
		return newAPIError(http.StatusUnprocessableEntity, "broken_inheritance", err.Error(), map[string]any{
			"role_id":          ine.RoleID,
			"missing_ancestor": ine.MissingAncestor,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already has"), strings.Contains(lowered, "held by"),
		strings.Contains(lowered, "active assignment"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Crewline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCollaborations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-collaboration",
		Method:        http.MethodPost,
		Path:          "/collaborations",
		Summary:       "Create collaboration",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateCollaborationRequest `json:"body"`
	}) (*struct {
		Body CollaborationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCollaboration(engine.WithActor(ctx, actorID), input.Body.Title, stringOrEmpty(input.Body.Description))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaborationResponse `json:"body"`
		}{Body: collaborationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-collaborations",
		Method:      http.MethodGet,
		Path:        "/collaborations",
		Summary:     "List collaborations",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CollaborationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCollaborations(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CollaborationResponse `json:"body"`
		}{Body: mapCollaborations(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collaboration",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}",
		Summary:     "Get collaboration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
	}) (*struct {
		Body CollaborationResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCollaboration(ctx, input.CollabID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaborationResponse `json:"body"`
		}{Body: collaborationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-collaboration",
		Method:      http.MethodPatch,
		Path:        "/collaborations/{collab_id}",
		Summary:     "Update collaboration",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
		Body     struct {
			Status      string  `json:"status,omitempty"`
			Description *string `json:"description,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body CollaborationResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := e.Repo.UpdateCollaboration(ctx, input.CollabID, input.Body.Status, input.Body.Description); err != nil {
			return nil, handleError(err)
		}
		c, err := e.Repo.GetCollaboration(ctx, input.CollabID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollaborationResponse `json:"body"`
		}{Body: collaborationResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-collaboration-config",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}/config",
		Summary:     "Get collaboration config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
	}) (*struct {
		Body *config.Config `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetCollabConfig(ctx, input.CollabID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body *config.Config `json:"body"`
		}{Body: cfg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "status-collaboration",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}/status",
		Summary:     "Collaboration status summary",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		c, err := e.Repo.GetCollaboration(ctx, input.CollabID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountRolesByStatus(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"collaboration_id": c.ID,
			"status":           c.Status,
			"role_counts":      counts,
		}}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-role",
		Method:        http.MethodPost,
		Path:          "/collaborations/{collab_id}/roles",
		Summary:       "Create role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CollabID string            `path:"collab_id"`
		Body     CreateRoleRequest `json:"body"`
	}) (*struct {
		Body struct {
			Role     RoleResponse               `json:"role"`
			Warnings []engine.ValidationFinding `json:"warnings,omitempty"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		in := engine.CreateRoleInput{
			CollaborationID:    input.CollabID,
			Title:              input.Body.Title,
			Description:        stringOrEmpty(input.Body.Description),
			ParentRoleID:       input.Body.ParentRoleID,
			Requirements:       input.Body.Requirements,
			Permissions:        input.Body.Permissions,
			CompletionCriteria: input.Body.CompletionCriteria,
		}
		if input.Body.MaxParticipants != nil {
			in.MaxParticipants = *input.Body.MaxParticipants
		}
		if input.Body.Status != nil {
			in.Status = *input.Body.Status
		}
		t, findings, err := e.CreateRole(engine.WithActor(ctx, actorID), in)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Role     RoleResponse               `json:"role"`
				Warnings []engine.ValidationFinding `json:"warnings,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Role = roleResponse(t)
		out.Body.Warnings = findings
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}/roles",
		Summary:     "List roles",
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
		Status   string `query:"status"`
		ParentID string `query:"parent_id"`
	}) (*struct {
		Body []RoleResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRoles(ctx, repo.RoleFilters{
			CollaborationID: input.CollabID,
			Status:          input.Status,
			ParentRoleID:    input.ParentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RoleResponse `json:"body"`
		}{Body: mapRoles(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-tree",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}/roles/tree",
		Summary:     "Role hierarchy tree",
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
	}) (*struct {
		Body []engine.RoleTree `json:"body"`
	}, error) {
		forest, err := e.Tree(ctx, input.CollabID)
		if err != nil {
			return nil, handleError(err)
		}
		if forest == nil {
			forest = []engine.RoleTree{}
		}
		return &struct {
			Body []engine.RoleTree `json:"body"`
		}{Body: forest}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-role",
		Method:      http.MethodGet,
		Path:        "/roles/{id}",
		Summary:     "Get role",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetRole(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-role",
		Method:      http.MethodPatch,
		Path:        "/roles/{id}",
		Summary:     "Update role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateRoleRequest `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		patch := engine.UpdateRolePatch{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Requirements:       input.Body.Requirements,
			Permissions:        input.Body.Permissions,
			CompletionCriteria: input.Body.CompletionCriteria,
			MaxParticipants:    input.Body.MaxParticipants,
			Status:             input.Body.Status,
			ActorID:            actorID,
			Subject:            stringOrEmpty(input.Body.Subject),
			ApplicationID:      stringOrEmpty(input.Body.ApplicationID),
		}
		t, _, err := e.UpdateRole(engine.WithActor(ctx, actorID), input.ID, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{id}",
		Summary:     "Delete role",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID       string `path:"id"`
		Reparent bool   `query:"reparent"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteRole(engine.WithActor(ctx, actorID), input.ID, input.Reparent); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-effective-permissions",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/effective-permissions",
		Summary:     "Effective permissions",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.PermissionGrant `json:"body"`
	}, error) {
		grants, err := e.EffectivePermissions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if grants == nil {
			grants = []domain.PermissionGrant{}
		}
		return &struct {
			Body []domain.PermissionGrant `json:"body"`
		}{Body: grants}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-effective-requirements",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/effective-requirements",
		Summary:     "Effective skill requirements",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.SkillRequirement `json:"body"`
	}, error) {
		reqs, err := e.EffectiveRequirements(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if reqs == nil {
			reqs = []domain.SkillRequirement{}
		}
		return &struct {
			Body []domain.SkillRequirement `json:"body"`
		}{Body: reqs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "role-skill-check",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/skill-check",
		Summary:     "Check a user against the role's requirements",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		UserID string `query:"user_id"`
	}) (*struct {
		Body skillCheckBody `json:"body"`
	}, error) {
		userID := input.UserID
		if userID == "" {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			userID = actorID
		}
		check, err := e.CheckSkillRequirements(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body skillCheckBody `json:"body"`
		}{Body: skillCheckBody{UserID: userID, Valid: check.Valid, Missing: check.Missing}}, nil
	})
}

func registerHierarchy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-hierarchy",
		Method:        http.MethodPost,
		Path:          "/collaborations/{collab_id}/hierarchy",
		Summary:       "Create a role hierarchy in one batch",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
		Body     struct {
			Roles []engine.HierarchyNode `json:"roles"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Roles    []RoleResponse             `json:"roles"`
			Warnings []engine.ValidationFinding `json:"warnings,omitempty"`
		} `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles, findings, err := e.CreateHierarchy(engine.WithActor(ctx, actorID), input.CollabID, input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Roles    []RoleResponse             `json:"roles"`
				Warnings []engine.ValidationFinding `json:"warnings,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Roles = mapRoles(roles)
		out.Body.Warnings = findings
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-hierarchy",
		Method:      http.MethodPost,
		Path:        "/collaborations/{collab_id}/hierarchy/validate",
		Summary:     "Dry-run hierarchy validation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CollabID string `path:"collab_id"`
		Body     struct {
			Roles []engine.HierarchyNode `json:"roles"`
		} `json:"body"`
	}) (*struct {
		Body ValidationReport `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		findings, err := e.ValidateHierarchy(ctx, input.CollabID, input.Body.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationReport `json:"body"`
		}{Body: validationReport(findings)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attach-child-role",
		Method:      http.MethodPost,
		Path:        "/roles/{id}/children/{child_id}",
		Summary:     "Attach a child role",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		ChildID string `path:"child_id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.AttachChild(engine.WithActor(ctx, actorID), input.ID, input.ChildID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "detach-child-role",
		Method:      http.MethodDelete,
		Path:        "/roles/{id}/parent",
		Summary:     "Detach a role from its parent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DetachChild(engine.WithActor(ctx, actorID), input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-role",
		Method:      http.MethodPost,
		Path:        "/roles/{id}/transition",
		Summary:     "Transition role status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Transition(engine.WithActor(ctx, actorID), engine.TransitionInput{
			RoleID:        input.ID,
			To:            input.Body.To,
			ActorID:       actorID,
			Subject:       stringOrEmpty(input.Body.Subject),
			ApplicationID: stringOrEmpty(input.Body.ApplicationID),
			Note:          stringOrEmpty(input.Body.Note),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})
}

func registerApplications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "apply-to-role",
		Method:        http.MethodPost,
		Path:          "/roles/{id}/applications",
		Summary:       "Apply to a role",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID := input.Body.UserID
		if userID == "" {
			userID = actorID
		}
		app, err := e.Apply(engine.WithActor(ctx, actorID), input.ID, userID, stringOrEmpty(input.Body.Message))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(app)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/applications",
		Summary:     "List applications for a role",
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status"`
	}) (*struct {
		Body []ApplicationResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListApplications(ctx, input.ID, "", input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ApplicationResponse `json:"body"`
		}{Body: mapApplications(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/accept",
		Summary:     "Accept an application",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AcceptApplication(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/reject",
		Summary:     "Reject an application",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.RejectApplication(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(app)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-application",
		Method:      http.MethodPost,
		Path:        "/applications/{id}/withdraw",
		Summary:     "Withdraw an application",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ApplicationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		app, err := e.WithdrawApplication(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationResponse `json:"body"`
		}{Body: applicationResponse(app)}, nil
	})
}

func registerCompletions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-completion",
		Method:        http.MethodPost,
		Path:          "/roles/{id}/completion-requests",
		Summary:       "Request completion",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Note *string `json:"note,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RequestCompletion(engine.WithActor(ctx, actorID), input.ID, actorID, stringOrEmpty(input.Body.Note))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-completion-requests",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/completion-requests",
		Summary:     "List completion requests",
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status"`
	}) (*struct {
		Body []CompletionRequestResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCompletionRequests(ctx, input.ID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CompletionRequestResponse `json:"body"`
		}{Body: mapCompletions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-completion",
		Method:      http.MethodPost,
		Path:        "/roles/{id}/completion-requests/approve",
		Summary:     "Approve pending completion",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ApproveCompletion(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-completion",
		Method:      http.MethodPost,
		Path:        "/roles/{id}/completion-requests/reject",
		Summary:     "Reject pending completion",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectCompletion(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/roles/{id}/assignments",
		Summary:     "List role assignments",
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Status string `query:"status"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAssignments(ctx, input.ID, "", input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-role",
		Method:      http.MethodPost,
		Path:        "/roles/{id}/abandon",
		Summary:     "Abandon role",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RoleResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AbandonRole(engine.WithActor(ctx, actorID), input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleResponse `json:"body"`
		}{Body: roleResponse(t)}, nil
	})
}

func registerSkills(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-user-skill",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}/skills",
		Summary:     "Set a user's skill level",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		UserID string           `path:"user_id"`
		Body   UserSkillRequest `json:"body"`
	}) (*struct {
		Body UserSkillResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.SkillID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "skill_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SetUserSkill(engine.WithActor(ctx, actorID), input.UserID, input.Body.SkillID, input.Body.Level)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserSkillResponse `json:"body"`
		}{Body: userSkillResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-user-skills",
		Method:      http.MethodGet,
		Path:        "/users/{user_id}/skills",
		Summary:     "List a user's skills",
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
	}) (*struct {
		Body []UserSkillResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListUserSkills(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]UserSkillResponse, 0, len(items))
		for _, s := range items {
			out = append(out, userSkillResponse(s))
		}
		return &struct {
			Body []UserSkillResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/collaborations/{collab_id}/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		CollabID   string `path:"collab_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.CollabID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
