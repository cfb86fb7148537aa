package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []string
}

func (m *fakeMailer) sendWelcome(to, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, to)
	return nil
}

type testServer struct {
	*httptest.Server
	app *application
	env *testEnv
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := newTestEnv(t)
	app := &application{
		logger:   discardLogger(),
		sessions: env.sessions,
		tasks:    env.tasks,
		metrics:  env.metrics,
		gatherer: env.registry,
	}
	app.config.env = "development"
	srv := httptest.NewServer(composeRoutes(app))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, app: app, env: env}
}

type response struct {
	status int
	header http.Header
	body   map[string]any
	raw    string
}

func (ts *testServer) do(t *testing.T, method, path, token string, payload any) response {
	t.Helper()
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	r := response{status: res.StatusCode, header: res.Header, raw: string(raw)}
	_ = json.Unmarshal(raw, &r.body)
	return r
}

func (ts *testServer) register(t *testing.T, name, email, password, confirm string) response {
	return ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{
		"name": name, "email": email, "password": password, "confirm": confirm,
	})
}

func (ts *testServer) login(t *testing.T, name, password string) string {
	t.Helper()
	res := ts.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"name": name, "password": password})
	if res.status != http.StatusCreated {
		t.Fatalf("login %s: expected 201, got %d %s", name, res.status, res.raw)
	}
	token, _ := res.body["token"].(string)
	if token == "" {
		t.Fatalf("login %s: no token in %s", name, res.raw)
	}
	return token
}

func (ts *testServer) createTask(t *testing.T, token string) response {
	return ts.do(t, http.MethodPost, "/v1/tasks", token, map[string]any{
		"name": "Go to the bank", "due_date": "2014-02-05", "posted_date": "2014-02-04", "priority": 1,
	})
}

func expectStatus(t *testing.T, res response, want int) {
	t.Helper()
	if res.status != want {
		t.Fatalf("expected %d, got %d: %s", want, res.status, res.raw)
	}
}

func expectMessage(t *testing.T, res response, key, want string) {
	t.Helper()
	if got, _ := res.body[key].(string); got != want {
		t.Fatalf("expected %s %q, got %q", key, want, got)
	}
}

func TestScenario_OwnershipAndAdmin(t *testing.T) {
	ts := newTestServer(t)

	res := ts.register(t, "Michael", "michael@x.com", "python", "python")
	expectStatus(t, res, http.StatusCreated)

	res = ts.register(t, "Michael", "michael@x.com", "python", "python")
	expectStatus(t, res, http.StatusConflict)
	expectMessage(t, res, "error", msgConflict)

	michael := ts.login(t, "Michael", "python")
	res = ts.do(t, http.MethodGet, "/v1/sessions/current", michael, nil)
	expectStatus(t, res, http.StatusOK)
	if u, _ := res.body["user"].(map[string]any); u["role"] != "user" {
		t.Fatalf("expected role user, got %v", res.body["user"])
	}

	res = ts.createTask(t, michael)
	expectStatus(t, res, http.StatusCreated)
	expectMessage(t, res, "message", "New entry was successfully posted. Thanks.")
	created, _ := res.body["task"].(map[string]any)
	if created["id"] != float64(1) || created["status"] != "open" {
		t.Fatalf("unexpected task %v", created)
	}

	expectStatus(t, ts.register(t, "Fletcher", "fletcher@x.com", "python101", "python101"), http.StatusCreated)
	fletcher := ts.login(t, "Fletcher", "python101")
	res = ts.do(t, http.MethodPost, "/v1/tasks/1/complete", fletcher, nil)
	expectStatus(t, res, http.StatusForbidden)
	expectMessage(t, res, "error", msgForbidden)
	if strings.Contains(res.raw, "marked as complete") {
		t.Fatalf("forbidden completion must not report success")
	}
	if got, _ := ts.env.store.taskByID(1); got.Status != statusOpen {
		t.Fatalf("expected task to stay open, got %q", got.Status)
	}

	ts.env.mustCreateAdmin(t)
	admin := ts.login(t, "Superman", "allpowerful")
	res = ts.do(t, http.MethodPost, "/v1/tasks/1/complete", admin, nil)
	expectStatus(t, res, http.StatusOK)
	expectMessage(t, res, "message", "The task was marked as complete. Nice.")
	if got, _ := ts.env.store.taskByID(1); got.Status != statusComplete {
		t.Fatalf("expected task to be complete, got %q", got.Status)
	}
}

func TestListTasks_GroupsAndControls(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)
	expectStatus(t, ts.register(t, "Fletcher", "fletcher@x.com", "python101", "python101"), http.StatusCreated)
	michael := ts.login(t, "Michael", "python")
	fletcher := ts.login(t, "Fletcher", "python101")

	expectStatus(t, ts.createTask(t, michael), http.StatusCreated)
	expectStatus(t, ts.createTask(t, fletcher), http.StatusCreated)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tasks/2/complete", fletcher, nil), http.StatusOK)

	res := ts.do(t, http.MethodGet, "/v1/tasks", michael, nil)
	expectStatus(t, res, http.StatusOK)
	open, _ := res.body["open_tasks"].([]any)
	closed, _ := res.body["closed_tasks"].([]any)
	if len(open) != 1 || len(closed) != 1 {
		t.Fatalf("expected one open and one closed task, got %s", res.raw)
	}
	if row := open[0].(map[string]any); row["id"] != float64(1) || row["show_controls"] != true {
		t.Fatalf("unexpected open row %v", row)
	}
	if row := closed[0].(map[string]any); row["id"] != float64(2) || row["show_controls"] != false {
		t.Fatalf("unexpected closed row %v", row)
	}
}

func TestAnonymousAccess(t *testing.T) {
	ts := newTestServer(t)

	requests := []struct{ method, path string }{
		{http.MethodGet, "/v1/tasks"},
		{http.MethodPost, "/v1/tasks"},
		{http.MethodPost, "/v1/tasks/1/complete"},
		{http.MethodDelete, "/v1/tasks/1"},
		{http.MethodDelete, "/v1/sessions"},
	}
	for _, r := range requests {
		res := ts.do(t, r.method, r.path, "", nil)
		expectStatus(t, res, http.StatusUnauthorized)
		expectMessage(t, res, "error", msgNotAuthenticated)
	}

	res := ts.do(t, http.MethodGet, "/v1/tasks", "garbage", nil)
	expectStatus(t, res, http.StatusUnauthorized)
}

func TestLogin_FailureMessagesMatch(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "realuser", "real@x.com", "rightpassword", "rightpassword"), http.StatusCreated)

	unknown := ts.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"name": "nonexistent", "password": "anything"})
	wrong := ts.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"name": "realuser", "password": "wrongpassword"})
	expectStatus(t, unknown, http.StatusUnauthorized)
	expectStatus(t, wrong, http.StatusUnauthorized)
	if unknown.raw != wrong.raw {
		t.Fatalf("responses differ: %q vs %q", unknown.raw, wrong.raw)
	}
	expectMessage(t, unknown, "error", msgAuthentication)
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)
	token := ts.login(t, "Michael", "python")

	res := ts.do(t, http.MethodDelete, "/v1/sessions", token, nil)
	expectStatus(t, res, http.StatusOK)
	expectMessage(t, res, "message", "You are logged out. Bye.")

	res = ts.do(t, http.MethodGet, "/v1/tasks", token, nil)
	expectStatus(t, res, http.StatusUnauthorized)
}

func TestSessionCookie(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)

	res := ts.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"name": "Michael", "password": "python"})
	expectStatus(t, res, http.StatusCreated)
	expectMessage(t, res, "message", "You are logged in. Go crazy.")

	var cookie *http.Cookie
	for _, c := range (&http.Response{Header: res.header}).Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil || !cookie.HttpOnly {
		t.Fatalf("expected an HttpOnly session cookie, got %v", res.header["Set-Cookie"])
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/tasks", nil)
	req.AddCookie(cookie)
	got, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("list with cookie: %v", err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with cookie, got %d", got.StatusCode)
	}
}

func TestRegister_ValidationResponse(t *testing.T) {
	ts := newTestServer(t)

	res := ts.register(t, "Michael", "", "python", "")
	expectStatus(t, res, http.StatusUnprocessableEntity)
	fields, _ := res.body["fields"].(map[string]any)
	if fields["email"] != msgRequired || fields["confirm"] != msgRequired {
		t.Fatalf("expected required messages, got %v", fields)
	}

	res = ts.do(t, http.MethodPost, "/v1/users", "", map[string]string{"nickname": "Michael"})
	expectStatus(t, res, http.StatusBadRequest)
}

func TestRegister_SendsWelcomeMail(t *testing.T) {
	ts := newTestServer(t)
	m := &fakeMailer{}
	ts.app.mailer = m

	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)
	ts.app.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) != 1 || m.sent[0] != "michael@x.com" {
		t.Fatalf("expected one welcome mail, got %v", m.sent)
	}
}

func TestDeleteTask_Endpoint(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)
	michael := ts.login(t, "Michael", "python")
	expectStatus(t, ts.createTask(t, michael), http.StatusCreated)

	res := ts.do(t, http.MethodDelete, "/v1/tasks/1", michael, nil)
	expectStatus(t, res, http.StatusOK)
	expectMessage(t, res, "message", "The task was deleted. Why not add a new one?")

	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/tasks/1", michael, nil), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/tasks/abc", michael, nil), http.StatusNotFound)
}

func TestNotFoundAndHealth(t *testing.T) {
	ts := newTestServer(t)

	res := ts.do(t, http.MethodGet, "/this-page-does-not-exist", "", nil)
	expectStatus(t, res, http.StatusNotFound)
	expectMessage(t, res, "error", msgNotFound)

	res = ts.do(t, http.MethodGet, "/v1/healthcheck", "", nil)
	expectStatus(t, res, http.StatusOK)
	expectMessage(t, res, "status", "available")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/sessions", "", map[string]string{"name": "nobody", "password": "nothing"})

	res := ts.do(t, http.MethodGet, "/metrics", "", nil)
	expectStatus(t, res, http.StatusOK)
	if !strings.Contains(res.raw, `tasker_auth_attempts_total{result="failure"} 1`) {
		t.Fatalf("expected auth failure counter in metrics output")
	}
}

func TestServerErrorIsHidden(t *testing.T) {
	ts := newTestServer(t)
	expectStatus(t, ts.register(t, "Michael", "michael@x.com", "python", "python"), http.StatusCreated)
	michael := ts.login(t, "Michael", "python")
	ts.env.tasks.tasks = failingTaskStore{}

	res := ts.do(t, http.MethodGet, "/v1/tasks", michael, nil)
	expectStatus(t, res, http.StatusInternalServerError)
	expectMessage(t, res, "error", msgInternal)
	if strings.Contains(res.raw, errStoreDown.Error()) {
		t.Fatalf("internal error leaked: %s", res.raw)
	}
}

type failingTaskStore struct{}

func (failingTaskStore) insertTask(ctx context.Context, t *task) error { return errStoreDown }
func (failingTaskStore) listTasks(ctx context.Context) ([]*task, error) {
	return nil, errStoreDown
}
func (failingTaskStore) modifyTask(ctx context.Context, id int, decide func(t *task) (taskChange, error)) error {
	return errStoreDown
}
