package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T, mutate func(*config.Config, *AuthConfig)) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	authCfg := AuthConfig{AllowLegacyActorHeader: true, JWTSecret: "test-secret"}
	if mutate != nil {
		mutate(cfg, &authCfg)
	}
	e := engine.New(conn, cfg, zap.NewNop())
	seed(t, e)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL + "/v0", Engine: e, client: srv.Client()}
}

func seed(t *testing.T, e engine.Engine) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []struct{ id, role string }{
		{"sec", domain.RoleSecretary},
		{"creator", domain.RoleWorker},
		{"s1", domain.RoleSponsor},
		{"outsider", domain.RoleWorker},
	} {
		if _, err := e.CreateUser(ctx, engine.UserCreateOptions{ID: u.id, Name: u.id, Role: u.role}); err != nil {
			t.Fatalf("create user %s: %v", u.id, err)
		}
	}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	headers := map[string]string{}
	if actor != "" {
		headers["X-Actor-Id"] = actor
	}
	return doJSON(t, s.client, method, s.URL+path, body, headers)
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

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

// setupProject creates project p1 with creator as member and the given
// sponsors, plus artifact achievement:a1 owned by creator.
func setupProject(t *testing.T, s *testServer, sponsors []string) {
	t.Helper()
	body := map[string]any{
		"id":      "p1",
		"title":   "Research",
		"members": []string{"creator"},
	}
	if len(sponsors) > 0 {
		body["sponsors"] = sponsors
	}
	res, data := s.do(t, http.MethodPost, "/projects", "sec", body)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = s.do(t, http.MethodPost, "/projects/p1/artifacts", "creator", map[string]any{
		"id":   "a1",
		"kind": "achievement",
		"name": "Paper",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[ArtifactResponse](t, data)
	assert.Equal(t, "creator", created.Artifact.CreatorID)
	assert.Contains(t, created.Permissions, domain.PermSubmit)
}

func TestSubmitApproveOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	setupProject(t, s, []string{"s1"})

	res, data := s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{
		"flow_type": "SINGLE",
		"comments":  "ready",
		"extra":     map[string]any{"origin": "web"},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	p := decode[ProcessResponse](t, data)
	assert.Equal(t, domain.StatusNew, p.Status)
	assert.Equal(t, float64(1), p.Data["stage"])
	assert.Equal(t, "web", p.Data["origin"])
	assert.Equal(t, "creator", p.Data["submitted_by"])

	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "conflict", decode[errorEnvelope](t, data).Error.Code)

	res, data = s.do(t, http.MethodGet, "/me/tasks", "s1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tasks := decode[[]TaskResponse](t, data)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.StatusAssigned, tasks[0].Status)
	assert.Equal(t, []string{p.FirstTaskID}, tasks[0].Previous)

	res, data = s.do(t, http.MethodGet, "/me", "s1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[MeResponse](t, data).HasMissions)

	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/approve", "s1", map[string]any{"comments": "ok"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.StatusDone, decode[ProcessResponse](t, data).Status)

	res, data = s.do(t, http.MethodGet, "/artifacts/achievement/a1/tasks?process_id="+p.ID, "creator", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	tasks = decode[[]TaskResponse](t, data)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, domain.StatusDone, task.Status)
	}

	res, data = s.do(t, http.MethodGet, "/artifacts/achievement/a1/permissions", "s1", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	perms := decode[PermissionsResponse](t, data).Permissions
	assert.NotContains(t, perms, domain.PermApproveLv1)
	assert.Contains(t, perms, domain.PermSubmit)

	res, data = s.do(t, http.MethodGet, "/artifacts/achievement/a1/processes", "creator", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]ProcessResponse](t, data), 1)
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t, nil)
	setupProject(t, s, nil)

	res, data := s.do(t, http.MethodPost, "/artifacts/achievement/a1/withdraw", "creator", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, "configuration_error", decode[errorEnvelope](t, data).Error.Code)

	_, err := s.Engine.AddProjectMember(context.Background(), "p1", "s1", domain.MemberSponsor, "sec")
	require.NoError(t, err)
	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{"approvers": []string{"outsider"}})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{"flow_type": "OR"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/artifacts/achievement/a1/approve", "outsider", nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	env := decode[errorEnvelope](t, data)
	assert.Equal(t, "forbidden", env.Error.Code)
	assert.Equal(t, domain.PermApproveLv1, env.Error.Details["permission"])

	res, data = s.do(t, http.MethodGet, "/artifacts/achievement/a1/processes", "outsider", nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/artifacts/achievement/missing", "creator", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/projects", "creator", map[string]any{"title": "x"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, a *AuthConfig) { a.DevLogin = true })

	res, _ := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := s.do(t, http.MethodGet, "/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/auth/dev/login", "", map[string]any{"actor_id": "creator"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	token := decode[DevLoginResponse](t, data).Token
	require.NotEmpty(t, token)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[MeResponse](t, data)
	assert.Equal(t, "creator", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
	assert.Equal(t, []string{domain.RoleWorker}, me.Roles)

	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = s.do(t, http.MethodPost, "/me/api-keys", "creator", map[string]any{"name": "ci"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[CreatedAPIKeyResponse](t, data)
	require.NotEmpty(t, created.Key)

	res, data = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"X-Api-Key": created.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "api_key", decode[MeResponse](t, data).Source)

	res, data = s.do(t, http.MethodDelete, "/me/api-keys/"+created.APIKey.ID, "outsider", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	res, data = s.do(t, http.MethodDelete, "/me/api-keys/"+created.APIKey.ID, "creator", nil)
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	res, _ = doJSON(t, s.client, http.MethodGet, s.URL+"/me", nil, map[string]string{"X-Api-Key": created.Key})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLegacyHeaderDisabled(t *testing.T) {
	s := newTestServer(t, func(_ *config.Config, a *AuthConfig) { a.AllowLegacyActorHeader = false })
	res, _ := s.do(t, http.MethodGet, "/me", "creator", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = s.do(t, http.MethodPost, "/auth/dev/login", "", map[string]any{"actor_id": "creator"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestEventsPagination(t *testing.T) {
	s := newTestServer(t, nil)
	setupProject(t, s, []string{"s1"})

	res, data := s.do(t, http.MethodGet, "/events", "creator", nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/events?limit=2", "sec", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "user.created", page.Items[0].Type)

	res, data = s.do(t, http.MethodGet, "/events?limit=200&cursor="+page.NextCursor, "sec", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rest := decode[paginatedEvents](t, data)
	require.NotEmpty(t, rest.Items)
	assert.Greater(t, rest.Items[0].ID, page.Items[1].ID)
	assert.Empty(t, rest.NextCursor)

	res, _ = s.do(t, http.MethodGet, "/events?cursor=abc", "sec", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var signatures, expected []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		_ = json.Unmarshal(body, &evt)
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get("X-Signoff-Signature"))
		expected = append(expected, "sha256="+signPayload("shh", body))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	s := newTestServer(t, func(c *config.Config, _ *AuthConfig) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"process.created"}, Secret: "shh"}}
	})
	d := NewWebhookDispatcher(s.Engine, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	setupProject(t, s, []string{"s1"})
	res, data := s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "process.created", got[0].Type)
	assert.Equal(t, expected, signatures)
}

func TestEventFilter(t *testing.T) {
	all := newEventFilter(nil)
	assert.True(t, all.match("anything"))
	assert.True(t, newEventFilter([]string{"*"}).match("task.denied"))

	some := newEventFilter([]string{" task.approved ", "", "process.*"})
	assert.True(t, some.match("task.approved"))
	assert.True(t, some.match("process.done"))
	assert.False(t, some.match("task.denied"))
	assert.False(t, some.match("processes"))
}

func TestWebhookBackoff(t *testing.T) {
	var mu sync.Mutex
	var calls int
	fail := true
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if fail {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	s := newTestServer(t, func(c *config.Config, _ *AuthConfig) {
		c.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"process.created"}}}
	})
	d := NewWebhookDispatcher(s.Engine, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	ctx := context.Background()
	d.DispatchAll(ctx)

	setupProject(t, s, []string{"s1"})
	res, data := s.do(t, http.MethodPost, "/artifacts/achievement/a1/submit", "creator", map[string]any{})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	mu.Lock()
	assert.Equal(t, 1, calls, "second tick is inside the backoff window")
	fail = false
	mu.Unlock()

	now = now.Add(webhookMaxBackoff)
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "redelivered once, then the cursor moves on")
}
