package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/model"
)

func ev(t *testing.T, typ string, payload any) agentapi.StreamEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return agentapi.StreamEvent{Type: typ, Data: data}
}

func script(evs ...agentapi.StreamEvent) <-chan agentapi.StreamEvent {
	ch := make(chan agentapi.StreamEvent, len(evs)+1)
	for _, e := range evs {
		ch <- e
	}
	ch <- agentapi.StreamEvent{Done: true}
	close(ch)
	return ch
}

type fakePlanner struct {
	streams [][]agentapi.StreamEvent
	calls   []agentapi.PlanRequest
	modes   []PlanMode
	err     error
}

func (p *fakePlanner) Plan(_ context.Context, _ string, mode PlanMode, req agentapi.PlanRequest) (<-chan agentapi.StreamEvent, error) {
	p.calls = append(p.calls, req)
	p.modes = append(p.modes, mode)
	if p.err != nil {
		return nil, p.err
	}
	next := p.streams[0]
	p.streams = p.streams[1:]
	return script(next...), nil
}

type fakeBuilder struct {
	stream []agentapi.StreamEvent
	calls  []agentapi.BuildRequest
}

func (b *fakeBuilder) Build(_ context.Context, _ string, req agentapi.BuildRequest) (<-chan agentapi.StreamEvent, error) {
	b.calls = append(b.calls, req)
	return script(b.stream...), nil
}

type fakeDispatcher struct {
	requests []builds.Request
	result   *builds.Result
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req builds.Request, _ events.Sink) (*builds.Result, error) {
	d.requests = append(d.requests, req)
	return d.result, nil
}

type memHistory struct {
	messages []*model.Message
	updates  int
}

func (h *memHistory) ListMessagesBySession(context.Context, string) ([]*model.Message, error) {
	return h.messages, nil
}

func (h *memHistory) UpdateMessage(_ context.Context, m *model.Message) error {
	h.updates++
	for i, existing := range h.messages {
		if existing.ID == m.ID {
			copied := *m
			h.messages[i] = &copied
		}
	}
	return nil
}

type recorder struct{ events []events.Event }

func (r *recorder) Emit(e events.Event) { r.events = append(r.events, e) }

func (r *recorder) last() events.Event { return r.events[len(r.events)-1] }

// turn appends a user message and an empty assistant target to h.
func turn(h *memHistory, n int, text string) Input {
	user := &model.Message{ID: "u" + string(rune('0'+n)), Role: model.RoleUser, Content: text}
	target := &model.Message{ID: "a" + string(rune('0'+n)), Role: model.RoleAssistant, Status: model.MessageStatusStreaming}
	h.messages = append(h.messages, user, target)
	return Input{SessionID: "s1", Message: text, UserMessageID: user.ID, Target: target}
}

var planTickets = agentapi.TicketsPayload{
	Path: ".plan/tickets.json",
	Tickets: []agentapi.Ticket{
		{ID: "T1", Title: "Add table", Type: "schema", EstimatedEffort: 2},
		{ID: "T2", Title: "Add page", Type: "frontend", EstimatedEffort: 1},
	},
}

func TestRun_ClarificationPausesAndResumes(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{
		{
			ev(t, agentapi.EventText, agentapi.TextPayload{Text: "Let me check the repo."}),
			ev(t, agentapi.EventToolUse, agentapi.ToolUsePayload{ID: "t1", Name: "list_files"}),
			ev(t, agentapi.EventToolResult, agentapi.ToolResultPayload{ID: "t1", Output: json.RawMessage(`["main.go"]`)}),
			ev(t, agentapi.EventClarification, agentapi.ClarificationPayload{Question: "Postgres or SQLite?"}),
			ev(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 100, OutputTokens: 20, ContextWindow: 120}),
		},
		{
			ev(t, agentapi.EventText, agentapi.TextPayload{Text: "Great, planning now."}),
			ev(t, agentapi.EventTickets, planTickets),
		},
	}}
	builder := &fakeBuilder{}
	o := New(planner, builder, &fakeDispatcher{result: &builds.Result{BuildJobID: "b1"}}, h, slog.Default())

	first := turn(h, 1, "Add a todo list")
	rec := &recorder{}
	state, err := o.Run(context.Background(), first, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Phase != PhaseClarification || len(state.Tickets) != 0 {
		t.Fatalf("state = %+v", state)
	}
	if rec.last().Type != events.TypeMessageComplete {
		t.Errorf("last event = %s", rec.last().Type)
	}
	if len(builder.calls) != 0 {
		t.Error("clarification must not build")
	}

	persisted := h.messages[1]
	if persisted.Status != model.MessageStatusComplete || persisted.InputTokens != 100 || persisted.ContextWindow != 120 {
		t.Errorf("persisted = %+v", persisted)
	}
	var blocks []events.Block
	if err := json.Unmarshal(persisted.Blocks, &blocks); err != nil || len(blocks) != 2 {
		t.Fatalf("blocks = %s (%v)", persisted.Blocks, err)
	}
	if blocks[1].Type != events.BlockTool || blocks[1].Status != events.ToolCompleted {
		t.Errorf("tool block = %+v", blocks[1])
	}

	second := turn(h, 2, "Postgres")
	rec = &recorder{}
	state, err = o.Run(context.Background(), second, rec)
	if err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if state.Phase != PhaseBuilding || len(state.Tickets) != 2 {
		t.Fatalf("resumed state = %+v", state)
	}

	history := planner.calls[1].History
	if len(history) != 2 || history[0].Content != "Add a todo list" || history[1].Content != "Let me check the repo." {
		t.Errorf("history = %+v", history)
	}
	for _, e := range rec.events {
		if e.Type == events.TypeToolStart {
			t.Error("resumed run re-emitted a persisted tool block")
		}
	}
	if rec.events[0].Type != events.TypeBlockStart || rec.events[0].Index != 0 {
		t.Errorf("resumed run should start a fresh transcript, got %+v", rec.events[0])
	}
}

func TestRun_InlineBuild(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{{
		ev(t, agentapi.EventTickets, planTickets),
		ev(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 10, OutputTokens: 5, CostUSD: 0.10}),
	}}}
	builder := &fakeBuilder{stream: []agentapi.StreamEvent{
		ev(t, agentapi.EventTicketStart, agentapi.TicketProgressPayload{TicketID: "T1"}),
		ev(t, agentapi.EventTicketDone, agentapi.TicketProgressPayload{TicketID: "T1"}),
		ev(t, agentapi.EventTicketDone, agentapi.TicketProgressPayload{TicketID: "T2"}),
		ev(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 30, OutputTokens: 15}),
		ev(t, agentapi.EventBuildComplete, agentapi.BuildCompletePayload{Succeeded: 2, CostUSD: 0.40}),
	}}
	o := New(planner, builder, nil, h, slog.Default())

	in := turn(h, 1, "Build it")
	in.Credential = "tok"
	rec := &recorder{}
	state, err := o.Run(context.Background(), in, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s", state.Phase)
	}
	for _, tk := range state.Tickets {
		if tk.Status != agentapi.TicketDone {
			t.Errorf("ticket %s status %s", tk.ID, tk.Status)
		}
	}
	if len(builder.calls) != 1 || builder.calls[0].Token != "tok" || builder.calls[0].TicketsPath != ".plan/tickets.json" {
		t.Errorf("build calls = %+v", builder.calls)
	}

	persisted := h.messages[1]
	if persisted.InputTokens != 40 || persisted.OutputTokens != 20 {
		t.Errorf("tokens = %d/%d", persisted.InputTokens, persisted.OutputTokens)
	}
	if persisted.CostUSD < 0.499 || persisted.CostUSD > 0.501 {
		t.Errorf("cost = %v", persisted.CostUSD)
	}
	if !strings.Contains(persisted.Content, "Build complete: 2 succeeded, 0 failed") {
		t.Errorf("content = %q", persisted.Content)
	}
}

func TestRun_DispatchedBuild(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{{ev(t, agentapi.EventTickets, planTickets)}}}
	builder := &fakeBuilder{}
	dispatcher := &fakeDispatcher{result: &builds.Result{BuildJobID: "b1", QueueJobID: "q1", MessageID: "m1"}}
	o := New(planner, builder, dispatcher, h, slog.Default())

	in := turn(h, 1, "Build it")
	in.WorkDir = "/workspace"
	rec := &recorder{}
	state, err := o.Run(context.Background(), in, rec)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if state.Phase != PhaseBuilding || state.BuildJobID != "b1" {
		t.Fatalf("state = %+v", state)
	}
	if len(builder.calls) != 0 {
		t.Error("dispatched build must not stream inline")
	}
	if len(dispatcher.requests) != 1 || dispatcher.requests[0].WorkDir != "/workspace" || len(dispatcher.requests[0].Tickets) != 2 {
		t.Errorf("requests = %+v", dispatcher.requests)
	}
	last := rec.last()
	if last.Type != events.TypeMessageComplete || last.BuildJobID != "b1" {
		t.Errorf("last event = %+v", last)
	}
	if !strings.Contains(h.messages[1].Content, "Queued 2 tickets") {
		t.Errorf("content = %q", h.messages[1].Content)
	}
}

func TestRun_NoTickets(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{{
		ev(t, agentapi.EventText, agentapi.TextPayload{Text: "Hmm."}),
	}}}
	o := New(planner, &fakeBuilder{}, &fakeDispatcher{}, h, slog.Default())

	state, err := o.Run(context.Background(), turn(h, 1, "?"), events.Discard)
	if err != nil {
		t.Fatal(err)
	}
	if state.Phase != PhaseComplete || state.Tickets != nil {
		t.Errorf("state = %+v", state)
	}
	if !strings.Contains(h.messages[1].Content, noTicketsText) {
		t.Errorf("content = %q", h.messages[1].Content)
	}
}

func TestRun_StreamErrorPersistsPartialTranscript(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{{
		ev(t, agentapi.EventText, agentapi.TextPayload{Text: "Working on it"}),
		ev(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 7, OutputTokens: 3}),
		ev(t, agentapi.EventError, agentapi.ErrorPayload{Message: "model overloaded"}),
		ev(t, agentapi.EventText, agentapi.TextPayload{Text: "never seen"}),
	}}}
	o := New(planner, &fakeBuilder{}, nil, h, slog.Default())

	rec := &recorder{}
	state, err := o.Run(context.Background(), turn(h, 1, "go"), rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if state.Err != "model overloaded" {
		t.Errorf("state.Err = %q", state.Err)
	}
	if last := rec.last(); last.Type != events.TypeError || last.Message != "model overloaded" {
		t.Errorf("last event = %+v", last)
	}

	persisted := h.messages[1]
	if persisted.Status != model.MessageStatusError {
		t.Errorf("status = %s", persisted.Status)
	}
	if persisted.Content != "Working on it\n\nError: model overloaded" {
		t.Errorf("content = %q", persisted.Content)
	}
	if persisted.InputTokens != 7 {
		t.Errorf("tokens not persisted on error: %d", persisted.InputTokens)
	}
}

func TestRun_PlanRequestFailure(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{err: errors.New("connection refused")}
	o := New(planner, &fakeBuilder{}, nil, h, slog.Default())

	rec := &recorder{}
	_, err := o.Run(context.Background(), turn(h, 1, "go"), rec)
	if err == nil {
		t.Fatal("expected error")
	}
	if rec.last().Type != events.TypeError {
		t.Errorf("last event = %s", rec.last().Type)
	}
	if h.updates != 1 || h.messages[1].Status != model.MessageStatusError {
		t.Errorf("error transcript not persisted")
	}
}

func TestRun_RequirementsMode(t *testing.T) {
	h := &memHistory{}
	planner := &fakePlanner{streams: [][]agentapi.StreamEvent{{}}}
	o := New(planner, &fakeBuilder{}, nil, h, slog.Default())

	in := turn(h, 1, "spec it")
	in.Mode = ModeRequirements
	if _, err := o.Run(context.Background(), in, events.Discard); err != nil {
		t.Fatal(err)
	}
	if planner.modes[0] != ModeRequirements {
		t.Errorf("mode = %s", planner.modes[0])
	}
}

func TestLoadHistory_Filters(t *testing.T) {
	h := &memHistory{messages: []*model.Message{
		{ID: "1", Role: model.RoleUser, Content: "hi"},
		{ID: "2", Role: model.RoleAssistant, Content: "   "},
		{ID: "3", Role: "system", Content: "ignored"},
		{ID: "4", Role: model.RoleAssistant, Content: "hello"},
		{ID: "5", Role: model.RoleUser, Content: "current"},
		{ID: "6", Role: model.RoleAssistant, Content: ""},
	}}
	o := New(nil, nil, nil, h, slog.Default())

	got, err := o.loadHistory(context.Background(), Input{UserMessageID: "5", Target: &model.Message{ID: "6"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "hi" || got[1].Content != "hello" {
		t.Errorf("history = %+v", got)
	}
}
