package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/database"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/service"
	"github.com/forgeline/sandboxd/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return store.New(db)
}

type fakeWorkflow struct {
	turns []service.Turn
	emit  []events.Event
	err   error
}

func (f *fakeWorkflow) Run(ctx context.Context, turn service.Turn, sink events.Sink) (*orchestrator.State, error) {
	f.turns = append(f.turns, turn)
	for _, e := range f.emit {
		sink.Emit(e)
	}
	return nil, f.err
}

func (f *fakeWorkflow) StartSandbox(ctx context.Context, sessionID string) (*sandbox.Info, error) {
	return &sandbox.Info{SessionID: sessionID, Status: sandbox.StatusRunning, Mode: sandbox.ModeDevelopment}, nil
}

func (f *fakeWorkflow) RunCommand(ctx context.Context, sessionID string, cmd service.Command) (*sandbox.Info, error) {
	if cmd.Args[0] == "sleep" {
		return nil, sandbox.ErrCommandTimeout
	}
	code := 0
	return &sandbox.Info{SessionID: sessionID, Status: sandbox.StatusCompleted, ServicesMode: sandbox.ServicesCommand, ExitCode: &code}, nil
}

func (f *fakeWorkflow) UpdateSandbox(ctx context.Context, sessionID, branch string) error {
	return nil
}

type fakeSandboxes struct {
	infos     map[string]*sandbox.Info
	destroyed []string
}

func (f *fakeSandboxes) Get(ctx context.Context, sessionID string) (*sandbox.Info, error) {
	return f.infos[sessionID], nil
}

func (f *fakeSandboxes) Stop(ctx context.Context, sessionID string) error {
	if f.infos[sessionID] == nil {
		return sandbox.ErrNotFound
	}
	return nil
}

func (f *fakeSandboxes) Restart(ctx context.Context, sessionID string) (bool, error) {
	return true, nil
}

func (f *fakeSandboxes) Destroy(ctx context.Context, sessionID string) error {
	f.destroyed = append(f.destroyed, sessionID)
	return nil
}

func (f *fakeSandboxes) ListProjectSandboxes(ctx context.Context, projectID string) ([]*sandbox.Info, error) {
	var out []*sandbox.Info
	for _, info := range f.infos {
		if info.ProjectID == projectID {
			out = append(out, info)
		}
	}
	return out, nil
}

func (f *fakeSandboxes) DestroyAllProjectSandboxes(ctx context.Context, projectID string) (int, int, error) {
	return 2, 1, nil
}

type fakeCanceller struct{ err error }

func (f fakeCanceller) Cancel(ctx context.Context, buildJobID string) error { return f.err }

type testServer struct {
	store     *store.Store
	workflow  *fakeWorkflow
	sandboxes *fakeSandboxes
	handler   http.Handler
	session   *model.Session
}

func newTestServer(t *testing.T, token string, canceller BuildCanceller) *testServer {
	t.Helper()
	s := testStore(t)
	ctx := context.Background()
	project := &model.Project{Name: "demo", RepoURL: "https://github.com/acme/demo"}
	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	session := &model.Session{ProjectID: project.ID, Name: "s1"}
	if err := s.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if canceller == nil {
		canceller = fakeCanceller{}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wf := &fakeWorkflow{}
	sb := &fakeSandboxes{infos: map[string]*sandbox.Info{}}
	h := New(s, wf, sb, canceller, logger)
	cfg := &config.Config{APIToken: token, CORSOrigins: []string{"*"}}
	return &testServer{store: s, workflow: wf, sandboxes: sb, handler: h.Router(cfg, logger), session: session}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestPlan_StreamsEvents(t *testing.T) {
	ts := newTestServer(t, "", nil)
	ts.workflow.emit = []events.Event{
		{Type: events.TypeBlockStart},
		{Type: events.TypeBlockDelta, Text: "hello"},
		{Type: events.TypeMessageComplete, MessageID: "m1"},
	}

	rec := ts.do(t, http.MethodPost, "/api/sessions/"+ts.session.ID+"/plan", PlanRequest{Message: "build a todo app"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"text":"hello"`) || !strings.Contains(body, `"type":"message_complete"`) {
		t.Errorf("stream missing events: %s", body)
	}
	if !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated: %q", body)
	}
	if len(ts.workflow.turns) != 1 || ts.workflow.turns[0].Message != "build a todo app" {
		t.Errorf("turns = %+v", ts.workflow.turns)
	}
}

func TestPlan_Validation(t *testing.T) {
	ts := newTestServer(t, "", nil)

	tests := []struct {
		name   string
		path   string
		body   PlanRequest
		status int
	}{
		{"empty message", "/api/sessions/" + ts.session.ID + "/plan", PlanRequest{}, http.StatusBadRequest},
		{"unknown mode", "/api/sessions/" + ts.session.ID + "/plan", PlanRequest{Message: "x", Mode: "deploy"}, http.StatusBadRequest},
		{"unknown session", "/api/sessions/missing/plan", PlanRequest{Message: "x"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
	if len(ts.workflow.turns) != 0 {
		t.Errorf("invalid requests reached the workflow: %+v", ts.workflow.turns)
	}
}

func TestProjectsAndSessions(t *testing.T) {
	ts := newTestServer(t, "", nil)

	rec := ts.do(t, http.MethodPost, "/api/projects", CreateProjectRequest{Name: "shop", RepoURL: "https://github.com/acme/shop"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project = %d: %s", rec.Code, rec.Body.String())
	}
	var project model.Project
	if err := json.Unmarshal(rec.Body.Bytes(), &project); err != nil {
		t.Fatalf("decode project: %v", err)
	}

	rec = ts.do(t, http.MethodPost, "/api/projects/"+project.ID+"/sessions", CreateSessionRequest{Name: "first", SandboxMode: "production"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session = %d: %s", rec.Code, rec.Body.String())
	}
	var session model.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.SandboxMode != "production" || session.ServicesMode != string(sandbox.ServicesFull) {
		t.Errorf("session modes = %q/%q", session.SandboxMode, session.ServicesMode)
	}

	rec = ts.do(t, http.MethodGet, "/api/projects/"+project.ID+"/sessions", nil)
	var list struct {
		Sessions []model.Session `json:"sessions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list.Sessions) != 1 {
		t.Errorf("list sessions = %s (%v)", rec.Body.String(), err)
	}

	if rec := ts.do(t, http.MethodPost, "/api/projects", CreateProjectRequest{Name: "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing repoUrl = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/projects/"+project.ID+"/sessions", CreateSessionRequest{SandboxMode: "staging"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown sandbox mode = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/projects/missing", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown project = %d", rec.Code)
	}
}

func TestSandboxEndpoints(t *testing.T) {
	ts := newTestServer(t, "", nil)
	id := ts.session.ID

	if rec := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/sandbox", nil); rec.Code != http.StatusNotFound {
		t.Errorf("absent sandbox = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/sandbox/stop", nil); rec.Code != http.StatusNotFound {
		t.Errorf("stop absent sandbox = %d", rec.Code)
	}

	ts.sandboxes.infos[id] = &sandbox.Info{SessionID: id, ProjectID: ts.session.ProjectID, Status: sandbox.StatusRunning, Mode: sandbox.ModeDevelopment}
	rec := ts.do(t, http.MethodGet, "/api/sessions/"+id+"/sandbox", nil)
	var resp SandboxResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp.Status != "running" {
		t.Errorf("get sandbox = %s (%v)", rec.Body.String(), err)
	}

	if rec := ts.do(t, http.MethodPost, "/api/sessions/"+id+"/sandbox/stop", nil); rec.Code != http.StatusNoContent {
		t.Errorf("stop = %d", rec.Code)
	}
	session, err := ts.store.GetSessionByID(context.Background(), id)
	if err != nil || session.SandboxStatus != model.SandboxStatusStopped {
		t.Errorf("status after stop = %v (%v)", session, err)
	}

	rec = ts.do(t, http.MethodPost, "/api/sessions/"+id+"/sandbox/restart", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ready":true`) {
		t.Errorf("restart = %d %s", rec.Code, rec.Body.String())
	}

	if rec := ts.do(t, http.MethodDelete, "/api/sessions/"+id+"/sandbox", nil); rec.Code != http.StatusNoContent {
		t.Errorf("destroy = %d", rec.Code)
	}
	if len(ts.sandboxes.destroyed) != 1 {
		t.Errorf("destroyed = %v", ts.sandboxes.destroyed)
	}

	rec = ts.do(t, http.MethodDelete, "/api/projects/"+ts.session.ProjectID+"/sandboxes", nil)
	if !strings.Contains(rec.Body.String(), `"destroyed":2`) || !strings.Contains(rec.Body.String(), `"failed":1`) {
		t.Errorf("destroy all = %s", rec.Body.String())
	}
}

func TestRunCommand(t *testing.T) {
	ts := newTestServer(t, "", nil)
	path := "/api/sessions/" + ts.session.ID + "/commands"

	rec := ts.do(t, http.MethodPost, path, CommandRequest{Command: []string{"npm", "test"}})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"exitCode":0`) {
		t.Errorf("run = %d %s", rec.Code, rec.Body.String())
	}
	if rec := ts.do(t, http.MethodPost, path, CommandRequest{}); rec.Code != http.StatusBadRequest {
		t.Errorf("empty command = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, path, CommandRequest{Command: []string{"sleep", "100"}, TimeoutSeconds: 1}); rec.Code != http.StatusGatewayTimeout {
		t.Errorf("timeout = %d", rec.Code)
	}
}

func TestCancelBuild(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"cancelled", nil, http.StatusNoContent},
		{"finished", builds.ErrNotCancellable, http.StatusConflict},
		{"unknown", fmt.Errorf("load: %w", store.ErrNotFound), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "", fakeCanceller{err: tt.err})
			rec := ts.do(t, http.MethodPost, "/api/builds/b1/cancel", nil)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := newTestServer(t, "secret", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+ts.session.ID, nil)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without token = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+ts.session.ID, nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with token = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
}
