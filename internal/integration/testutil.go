package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/config"
	"github.com/forgeline/sandboxd/internal/credential"
	"github.com/forgeline/sandboxd/internal/crypto"
	"github.com/forgeline/sandboxd/internal/database"
	"github.com/forgeline/sandboxd/internal/dispatcher"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/handler"
	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/provision"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/sandbox/mock"
	"github.com/forgeline/sandboxd/internal/service"
	"github.com/forgeline/sandboxd/internal/store"
	"github.com/forgeline/sandboxd/internal/sweeper"
)

// testAPIToken is the bearer token every TestServer requires.
const testAPIToken = "integration-token"

// TestServer is the full HTTP stack over a mock container runtime and a
// fake sandbox agent.
type TestServer struct {
	Server     *httptest.Server
	Store      *store.Store
	Config     *config.Config
	DB         *database.DB
	Runtime    *mock.Runtime
	Manager    *sandbox.Manager
	Agent      *FakeAgent
	Dispatcher *dispatcher.Service
	Sweeper    *sweeper.Sweeper
	T          *testing.T
}

// Option adjusts a TestServer before it starts.
type Option func(*serverOptions)

type serverOptions struct {
	dispatcher bool
}

// WithoutDispatcher leaves queued builds pending.
func WithoutDispatcher() Option {
	return func(o *serverOptions) { o.dispatcher = false }
}

// NewTestServer creates a test server backed by file SQLite, or PostgreSQL
// when TEST_POSTGRES=1.
func NewTestServer(t *testing.T, opts ...Option) *TestServer {
	t.Helper()
	o := serverOptions{dispatcher: true}
	for _, opt := range opts {
		opt(&o)
	}

	var dsn, driver string
	switch {
	case PostgresEnabled():
		dsn = PostgresDSN()
		driver = "postgres"
	case os.Getenv("TEST_DATABASE_DSN") != "":
		dsn = os.Getenv("TEST_DATABASE_DSN")
		driver = "sqlite"
		if strings.HasPrefix(dsn, "postgres") {
			driver = "postgres"
		}
	default:
		// In-memory SQLite is per connection, and the dispatcher runs on its
		// own goroutines.
		dsn = fmt.Sprintf("sqlite3://%s/test.db", t.TempDir())
		driver = "sqlite"
	}

	cfg := &config.Config{
		Port:             8080,
		CORSOrigins:      []string{"*"},
		DatabaseDSN:      dsn,
		DatabaseDriver:   driver,
		EncryptionKey:    []byte("01234567890123456789012345678901"),
		APIToken:         testAPIToken,
		PlatformGitToken: "platform-token",
		Sandbox: config.SandboxConfig{
			Image:          "sandbox:test",
			NamePrefix:     "itest",
			AgentPort:      3002,
			ServicePort:    3000,
			StopTimeout:    time.Second,
			CommandTimeout: 10 * time.Second,
			HealthAttempts: 3,
		},
		Routing:          config.RoutingConfig{Mode: config.RoutingLocal, PortMin: 21000, PortMax: 21999},
		IdleTimeout:      30 * time.Minute,
		SweepInterval:    time.Hour,
		CommandRetention: time.Hour,

		DispatcherEnabled:            o.dispatcher,
		DispatcherPollInterval:       10 * time.Millisecond,
		DispatcherHeartbeatInterval:  50 * time.Millisecond,
		DispatcherHeartbeatTimeout:   500 * time.Millisecond,
		DispatcherJobTimeout:         30 * time.Second,
		DispatcherStaleJobTimeout:    time.Minute,
		DispatcherImmediateExecution: true,
		JobMaxAttempts:               1,
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	if driver == "postgres" {
		cleanTables(db)
	}
	s := store.New(db.DB)

	logger := testLogger()
	agent := NewFakeAgent(t)
	client := agentapi.NewClient(agent)

	router, err := sandbox.NewRouter(cfg)
	if err != nil {
		t.Fatalf("Failed to create router: %v", err)
	}
	runtime := mock.NewRuntime()
	manager := sandbox.NewManager(cfg, runtime, provision.Noop{}, router, logger,
		sandbox.WithAgentClient(client),
		sandbox.WithPollInterval(10*time.Millisecond),
	)

	enc, err := crypto.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		t.Fatalf("Failed to create encryptor: %v", err)
	}
	credentials := credential.NewResolver(cfg, s, enc)

	queue := jobs.NewQueue(s, cfg.JobMaxAttempts)
	var disp *dispatcher.Service
	if o.dispatcher {
		disp = dispatcher.NewService(s, cfg, logger)
		disp.RegisterExecutor(dispatcher.NewBuildExecutor(s, manager, client, nil, logger))
		queue.SetNotifyFunc(disp.NotifyNewJob)
		disp.Start(context.Background())
	}

	buildDispatcher := builds.NewDispatcher(s, queue, credentials, client, logger)
	phases := orchestrator.NewAgentPhases(client)
	orch := orchestrator.New(phases, phases, buildDispatcher, s, logger)
	workflow := service.NewWorkflow(s, manager, credentials, orch, logger)

	h := handler.New(s, workflow, manager, buildDispatcher, logger)
	server := httptest.NewServer(h.Router(cfg, logger))

	ts := &TestServer{
		Server:     server,
		Store:      s,
		Config:     cfg,
		DB:         db,
		Runtime:    runtime,
		Manager:    manager,
		Agent:      agent,
		Dispatcher: disp,
		Sweeper:    sweeper.New(s, manager, cfg, logger),
		T:          t,
	}

	t.Cleanup(func() {
		if disp != nil {
			disp.Stop()
		}
		server.Close()
		_ = db.Close()
	})
	return ts
}

// CreateTestProject creates a first-party project through the API.
func (ts *TestServer) CreateTestProject(name string) *model.Project {
	ts.T.Helper()
	resp := ts.Post("/api/projects", map[string]string{
		"name":    name,
		"repoUrl": "https://github.com/acme/" + name,
	})
	AssertStatus(ts.T, resp, http.StatusCreated)
	var project model.Project
	ParseJSON(ts.T, resp, &project)
	return &project
}

// CreateTestSession creates a session through the API.
func (ts *TestServer) CreateTestSession(project *model.Project, body map[string]string) *model.Session {
	ts.T.Helper()
	resp := ts.Post("/api/projects/"+project.ID+"/sessions", body)
	AssertStatus(ts.T, resp, http.StatusCreated)
	var session model.Session
	ParseJSON(ts.T, resp, &session)
	return &session
}

func (ts *TestServer) Get(path string) *http.Response {
	ts.T.Helper()
	return ts.do(http.MethodGet, path, nil)
}

func (ts *TestServer) Post(path string, body any) *http.Response {
	ts.T.Helper()
	return ts.do(http.MethodPost, path, body)
}

func (ts *TestServer) Delete(path string) *http.Response {
	ts.T.Helper()
	return ts.do(http.MethodDelete, path, nil)
}

func (ts *TestServer) do(method, path string, body any) *http.Response {
	ts.T.Helper()

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			ts.T.Fatalf("Failed to marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequest(method, ts.Server.URL+path, bodyReader)
	if err != nil {
		ts.T.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ts.T.Fatalf("Request failed: %v", err)
	}
	return resp
}

// Plan posts a turn and collects the streamed events until [DONE].
func (ts *TestServer) Plan(sessionID string, body map[string]any) []events.Event {
	ts.T.Helper()
	resp := ts.Post("/api/sessions/"+sessionID+"/plan", body)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		ts.T.Fatalf("plan status %d: %s", resp.StatusCode, data)
	}

	var out []events.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			return out
		}
		var ev events.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			ts.T.Fatalf("bad event %q: %v", data, err)
		}
		out = append(out, ev)
	}
	ts.T.Fatalf("stream ended without [DONE]")
	return nil
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

// ParseJSON parses the response body as JSON
func ParseJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("Failed to parse JSON: %v\nBody: %s", err, string(body))
	}
}

// AssertStatus checks the response status code
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		t.Fatalf("Expected status %d, got %d\nBody: %s", expected, resp.StatusCode, string(body))
	}
}

// cleanTables truncates all tables for test isolation (PostgreSQL only)
func cleanTables(db *database.DB) {
	// Children first.
	tables := []string{
		"messages",
		"build_jobs",
		"jobs",
		"credentials",
		"sessions",
		"projects",
		"dispatcher_leaders",
	}
	for _, table := range tables {
		db.Exec("TRUNCATE TABLE " + table + " CASCADE")
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
