package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("collab-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if err := e.Repo.InsertCollaboration(ctx, domain.Collaboration{
		ID:        "collab-1",
		Title:     "test collaboration",
		Status:    "active",
		CreatedAt: "2024-01-01T00:00:00Z",
	}); err != nil {
		t.Fatalf("insert collaboration: %v", err)
	}
	if err := e.Repo.UpsertCollabConfig(ctx, "collab-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              testJWTSecret,
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func signToken(t *testing.T, actorID string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   actorID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/collaborations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(body))
	}
}

func TestJWTAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := signToken(t, "tester")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/collaborations", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d: %s", res.StatusCode, string(body))
	}
}

func TestRoleLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/collab-1/roles", map[string]any{
		"title":  "Frontend Developer",
		"status": "open",
		"requirements": []map[string]any{
			{"skill_id": "frontend.react", "min_level": 3},
		},
	}, asActor("lead"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create role status %d: %s", createRes.StatusCode, string(data))
	}
	var created struct {
		Role RoleResponse `json:"role"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal role: %v", err)
	}
	roleID := created.Role.ID

	skillRes, skillBody := doJSON(t, client, http.MethodPut, srv.URL+"/v0/users/alice/skills", map[string]any{
		"skill_id": "frontend.react",
		"level":    5,
	}, asActor("alice"))
	if skillRes.StatusCode != http.StatusOK {
		t.Fatalf("set skill status %d: %s", skillRes.StatusCode, string(skillBody))
	}

	applyRes, applyBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+roleID+"/applications", map[string]any{
		"message": "taking this one",
	}, asActor("alice"))
	if applyRes.StatusCode != http.StatusCreated {
		t.Fatalf("apply status %d: %s", applyRes.StatusCode, string(applyBody))
	}
	var app ApplicationResponse
	if err := json.Unmarshal(applyBody, &app); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	if app.SkillCheck == nil || !app.SkillCheck.Valid {
		t.Fatalf("expected passing skill check on application: %+v", app.SkillCheck)
	}

	acceptRes, acceptBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/applications/"+app.ID+"/accept", nil, asActor("lead"))
	if acceptRes.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", acceptRes.StatusCode, string(acceptBody))
	}
	var assigned RoleResponse
	_ = json.Unmarshal(acceptBody, &assigned)
	if assigned.Status != "assigned" || assigned.CurrentParticipants != 1 {
		t.Fatalf("expected assigned role with one participant: %+v", assigned)
	}

	transRes, transBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+roleID+"/transition", map[string]any{
		"to": "in_progress",
	}, asActor("alice"))
	if transRes.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", transRes.StatusCode, string(transBody))
	}

	reqRes, reqBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+roleID+"/completion-requests", map[string]any{
		"note": "shipped",
	}, asActor("alice"))
	if reqRes.StatusCode != http.StatusCreated {
		t.Fatalf("request completion status %d: %s", reqRes.StatusCode, string(reqBody))
	}

	apprRes, apprBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+roleID+"/completion-requests/approve", nil, asActor("lead"))
	if apprRes.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", apprRes.StatusCode, string(apprBody))
	}
	var done RoleResponse
	_ = json.Unmarshal(apprBody, &done)
	if done.Status != "completed" {
		t.Fatalf("expected completed role, got %s", done.Status)
	}
}

func TestInvalidTransitionMapsToConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/collab-1/roles", map[string]any{
		"title": "Draft role",
		"requirements": []map[string]any{
			{"skill_id": "backend.api", "min_level": 2},
		},
	}, asActor("lead"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create role status %d: %s", createRes.StatusCode, string(data))
	}
	var created struct {
		Role RoleResponse `json:"role"`
	}
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+created.Role.ID+"/transition", map[string]any{
		"to": "completed",
	}, asActor("lead"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestConditionRejectionMapsToUnprocessable(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/collab-1/roles", map[string]any{
		"title":  "Review role",
		"status": "open",
		"requirements": []map[string]any{
			{"skill_id": "qa.testing", "min_level": 2},
		},
	}, asActor("lead"))
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create role status %d: %s", createRes.StatusCode, string(data))
	}
	var created struct {
		Role RoleResponse `json:"role"`
	}
	_ = json.Unmarshal(data, &created)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/roles/"+created.Role.ID+"/transition", map[string]any{
		"to": "in_review",
	}, asActor("lead"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error body: %v", err)
	}
	if envelope.Error.Code != "condition_rejected" || envelope.Error.Message != "role has no pending applications" {
		t.Fatalf("expected verbatim condition message, got %+v", envelope.Error)
	}
}

func TestHierarchyImportOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/collab-1/hierarchy", map[string]any{
		"roles": []map[string]any{
			{"ref": "lead", "title": "Tech Lead", "requirements": []map[string]any{{"skill_id": "project.coordination", "min_level": 4}}},
			{"ref": "dev", "title": "Developer", "parent_ref": "lead", "requirements": []map[string]any{{"skill_id": "frontend.react", "min_level": 3}}},
		},
	}, asActor("lead"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("import status %d: %s", res.StatusCode, string(body))
	}

	cycleRes, cycleBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/collaborations/collab-1/hierarchy", map[string]any{
		"roles": []map[string]any{
			{"ref": "a", "title": "A", "parent_ref": "b", "requirements": []map[string]any{{"skill_id": "frontend.react", "min_level": 3}}},
			{"ref": "b", "title": "B", "parent_ref": "a", "requirements": []map[string]any{{"skill_id": "frontend.react", "min_level": 3}}},
		},
	}, asActor("lead"))
	if cycleRes.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for cycle, got %d: %s", cycleRes.StatusCode, string(cycleBody))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(cycleBody, &envelope)
	if envelope.Error.Code != "hierarchy_cycle" {
		t.Fatalf("expected hierarchy_cycle, got %q", envelope.Error.Code)
	}
}
