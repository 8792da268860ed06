package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/model"
)

var twoTickets = []agentapi.Ticket{
	{ID: "T1", Title: "Create schema", Type: "schema", EstimatedEffort: 2},
	{ID: "T2", Title: "Add endpoints", Type: "api", EstimatedEffort: 3},
}

func scriptPlanWithTickets(a *FakeAgent) {
	a.ScriptPlan(
		AgentEvent{agentapi.EventText, agentapi.TextPayload{Text: "Here is the plan."}},
		AgentEvent{agentapi.EventTickets, agentapi.TicketsPayload{Tickets: twoTickets, Path: "tickets.json"}},
		AgentEvent{agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 120, OutputTokens: 80, CostUSD: 0.1}},
	)
}

func queuedBuildID(t *testing.T, evs []events.Event) string {
	t.Helper()
	for _, ev := range evs {
		if ev.Type == events.TypeMessageComplete && ev.BuildJobID != "" {
			return ev.BuildJobID
		}
	}
	t.Fatalf("no queued build in %+v", evs)
	return ""
}

func (ts *TestServer) getBuild(id string) *model.BuildJob {
	ts.T.Helper()
	resp := ts.Get("/api/builds/" + id)
	AssertStatus(ts.T, resp, http.StatusOK)
	var job model.BuildJob
	ParseJSON(ts.T, resp, &job)
	return &job
}

func TestPlanQueuesAndRunsBuild(t *testing.T) {
	ts := NewTestServer(t)
	scriptPlanWithTickets(ts.Agent)
	ts.Agent.ScriptBuild(
		AgentEvent{agentapi.EventTicketStart, agentapi.TicketProgressPayload{TicketID: "T1"}},
		AgentEvent{agentapi.EventTicketDone, agentapi.TicketProgressPayload{TicketID: "T1"}},
		AgentEvent{agentapi.EventTicketStart, agentapi.TicketProgressPayload{TicketID: "T2"}},
		AgentEvent{agentapi.EventTicketDone, agentapi.TicketProgressPayload{TicketID: "T2"}},
		AgentEvent{agentapi.EventBuildComplete, agentapi.BuildCompletePayload{Succeeded: 2, Failed: 0, CostUSD: 0.4}},
	)

	project := ts.CreateTestProject("shop")
	session := ts.CreateTestSession(project, map[string]string{"name": "checkout"})

	evs := ts.Plan(session.ID, map[string]any{"message": "Build a checkout flow"})
	buildID := queuedBuildID(t, evs)

	var sawTickets bool
	for _, ev := range evs {
		if ev.Type == events.TypeTickets && len(ev.Tickets) == 2 {
			sawTickets = true
		}
	}
	if !sawTickets {
		t.Error("tickets event missing from plan stream")
	}

	// The placeholder message is filled in after the job row turns terminal.
	ok := WaitFor(t, 5*time.Second, func() bool {
		job, err := ts.Store.GetBuildJobByID(context.Background(), buildID)
		if err != nil || !model.BuildJobStatus(job.Status).IsTerminal() || job.MessageID == nil {
			return false
		}
		msg, err := ts.Store.GetMessageByID(context.Background(), *job.MessageID)
		return err == nil && msg.Status != model.MessageStatusStreaming
	})
	if !ok {
		t.Fatal("build did not finish")
	}
	job := ts.getBuild(buildID)
	if job.Status != string(model.BuildJobCompleted) || job.CompletedTickets != 2 || job.FailedTickets != 0 {
		t.Errorf("build = %s %d/%d", job.Status, job.CompletedTickets, job.FailedTickets)
	}

	var req agentapi.BuildRequest
	if err := json.Unmarshal(ts.Agent.LastBody("/agent/build"), &req); err != nil {
		t.Fatalf("build request: %v", err)
	}
	if req.Token != "platform-token" || len(req.Tickets) != 2 || req.TicketsPath != "tickets.json" {
		t.Errorf("build request = %+v", req)
	}

	resp := ts.Get("/api/sessions/" + session.ID + "/messages")
	var list struct {
		Messages []model.Message `json:"messages"`
	}
	ParseJSON(t, resp, &list)
	if len(list.Messages) != 3 {
		t.Fatalf("got %d messages", len(list.Messages))
	}
	var plan, build *model.Message
	for i := range list.Messages {
		m := &list.Messages[i]
		switch {
		case m.Role == model.RoleAssistant && m.Kind == model.MessageKindBuild:
			build = m
		case m.Role == model.RoleAssistant:
			plan = m
		}
	}
	if plan == nil || plan.Status != model.MessageStatusComplete || !strings.Contains(plan.Content, "Queued 2 tickets") {
		t.Errorf("plan message = %+v", plan)
	}
	if plan != nil && plan.InputTokens != 120 {
		t.Errorf("plan usage = %d", plan.InputTokens)
	}
	if build == nil || build.Status != model.MessageStatusComplete || !strings.Contains(build.Content, "Build complete: 2 succeeded, 0 failed") {
		t.Errorf("build message = %+v", build)
	}

	current, err := ts.Store.GetSessionByID(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSessionByID: %v", err)
	}
	if current.SandboxStatus != model.SandboxStatusRunning {
		t.Errorf("sandbox status = %q", current.SandboxStatus)
	}
	if ts.Runtime.Count() != 1 {
		t.Errorf("containers = %d", ts.Runtime.Count())
	}
}

func TestSecondPlanWhileBuildPending(t *testing.T) {
	ts := NewTestServer(t, WithoutDispatcher())
	scriptPlanWithTickets(ts.Agent)

	project := ts.CreateTestProject("shop")
	session := ts.CreateTestSession(project, map[string]string{"name": "checkout"})

	first := queuedBuildID(t, ts.Plan(session.ID, map[string]any{"message": "first"}))
	second := ts.Plan(session.ID, map[string]any{"message": "second"})

	var warned bool
	for _, ev := range second {
		if ev.Type == events.TypeBuildProgress && ev.Status == builds.StatusAlreadyActive {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no already-active warning in %+v", second)
	}
	if id := queuedBuildID(t, second); id != first {
		t.Errorf("second plan referenced build %s, want %s", id, first)
	}
	if job := ts.getBuild(first); job.Status != string(model.BuildJobPending) {
		t.Errorf("build status = %s", job.Status)
	}
}

func TestCancelPendingBuild(t *testing.T) {
	ts := NewTestServer(t, WithoutDispatcher())
	scriptPlanWithTickets(ts.Agent)

	project := ts.CreateTestProject("shop")
	session := ts.CreateTestSession(project, map[string]string{"name": "checkout"})
	buildID := queuedBuildID(t, ts.Plan(session.ID, map[string]any{"message": "go"}))

	resp := ts.Post("/api/builds/"+buildID+"/cancel", nil)
	AssertStatus(t, resp, http.StatusNoContent)
	_ = resp.Body.Close()

	if job := ts.getBuild(buildID); job.Status != string(model.BuildJobCancelled) {
		t.Errorf("build status = %s", job.Status)
	}

	resp = ts.Post("/api/builds/"+buildID+"/cancel", nil)
	AssertStatus(t, resp, http.StatusConflict)
	_ = resp.Body.Close()

	for _, r := range ts.Agent.Requests() {
		if r == "POST /agent/build/cancel" {
			t.Error("pending build must not reach the agent")
		}
	}
}

func TestRequirementsModeUsesRequirementsEndpoint(t *testing.T) {
	ts := NewTestServer(t)
	ts.Agent.ScriptRequirements(
		AgentEvent{agentapi.EventClarification, agentapi.ClarificationPayload{Question: "Who are the users?", Options: []string{"staff", "public"}}},
	)

	project := ts.CreateTestProject("intake")
	session := ts.CreateTestSession(project, map[string]string{"name": "scoping", "sandboxMode": "requirements"})

	evs := ts.Plan(session.ID, map[string]any{"message": "I need an app", "mode": "requirements"})

	var question string
	for _, ev := range evs {
		if ev.Type == events.TypeClarification {
			question = ev.Question
		}
	}
	if question != "Who are the users?" {
		t.Errorf("clarification = %q", question)
	}

	var sawRequirements bool
	for _, r := range ts.Agent.Requests() {
		if r == "POST /agent/plan" {
			t.Error("requirements turn must not call the plan endpoint")
		}
		if r == "POST /agent/requirements" {
			sawRequirements = true
		}
	}
	if !sawRequirements {
		t.Errorf("requests = %v", ts.Agent.Requests())
	}
}
