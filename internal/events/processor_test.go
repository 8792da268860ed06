package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/forgeline/sandboxd/internal/agentapi"
)

func upstream(t *testing.T, typ string, payload any) agentapi.StreamEvent {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return agentapi.StreamEvent{Type: typ, Data: data}
}

func types(evs []Event) []Type {
	out := make([]Type, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func TestProcessor_InterleavedTextAndTools(t *testing.T) {
	p := NewProcessor()
	var all []Event
	feed := func(ev agentapi.StreamEvent) { all = append(all, p.Process(ev)...) }

	feed(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "Looking "}))
	feed(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "around."}))
	feed(upstream(t, agentapi.EventToolUse, agentapi.ToolUsePayload{ID: "tu1", Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)}))
	feed(upstream(t, agentapi.EventToolResult, agentapi.ToolResultPayload{ID: "tu1", Output: json.RawMessage(`"ok"`)}))
	feed(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "Done."}))

	want := []Type{
		TypeBlockStart, TypeBlockDelta, TypeBlockDelta, TypeBlockStop,
		TypeToolStart, TypeToolStop,
		TypeBlockStart, TypeBlockDelta,
	}
	got := types(all)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	blocks := p.Blocks()
	if len(blocks) != 3 {
		t.Fatalf("blocks = %+v", blocks)
	}
	if blocks[0].Text != "Looking around." || blocks[1].Type != BlockTool || blocks[2].Text != "Done." {
		t.Errorf("unexpected blocks %+v", blocks)
	}
	if blocks[1].Status != ToolCompleted || string(blocks[1].Output) != `"ok"` {
		t.Errorf("tool block = %+v", blocks[1])
	}
	if got := p.TextContent(); got != "Looking around.\n\nDone." {
		t.Errorf("TextContent = %q", got)
	}
}

func TestProcessor_ToolErrorAndUnknownResult(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventToolUse, agentapi.ToolUsePayload{ID: "a", Name: "bash"}))
	evs := p.Process(upstream(t, agentapi.EventToolResult, agentapi.ToolResultPayload{ID: "a", IsError: true}))
	if len(evs) != 1 || evs[0].Status != ToolError {
		t.Fatalf("events = %+v", evs)
	}
	if evs := p.Process(upstream(t, agentapi.EventToolResult, agentapi.ToolResultPayload{ID: "missing"})); evs != nil {
		t.Errorf("unknown tool result should produce nothing, got %+v", evs)
	}
}

func TestProcessor_UsageAccumulates(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 10, OutputTokens: 5, ContextWindow: 1000, CostUSD: 0.01}))
	p.Process(upstream(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 20, OutputTokens: 7, ContextWindow: 1500, CostUSD: 0.02}))

	u := p.Usage()
	if u.InputTokens != 30 || u.OutputTokens != 12 || u.ContextWindow != 1500 {
		t.Errorf("usage = %+v", u)
	}
	if c := p.Cost(); c < 0.0299 || c > 0.0301 {
		t.Errorf("cost = %v", c)
	}
}

func TestProcessor_ErrorKeepsPartialState(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "partial"}))
	evs := p.Process(agentapi.StreamEvent{Err: errors.New("connection reset")})

	if got := types(evs); len(got) != 2 || got[0] != TypeBlockStop || got[1] != TypeError {
		t.Fatalf("events = %v", got)
	}
	if p.Err() != "connection reset" {
		t.Errorf("Err = %q", p.Err())
	}
	if p.TextContent() != "partial" {
		t.Errorf("TextContent = %q", p.TextContent())
	}
}

func TestProcessor_OpenTextIsVisibleInAccessors(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "still typing"}))

	blocks := p.Blocks()
	if len(blocks) != 1 || blocks[0].Text != "still typing" {
		t.Fatalf("blocks = %+v", blocks)
	}
	// Accessors must not close the block.
	if evs := p.Process(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "!"})); len(evs) != 1 {
		t.Errorf("expected a single delta, got %+v", evs)
	}
}

func TestProcessor_Clarification(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "One question."}))
	evs := p.Process(upstream(t, agentapi.EventClarification, agentapi.ClarificationPayload{
		Question: "Which database?",
		Options:  []string{"postgres", "sqlite"},
	}))
	if got := types(evs); len(got) != 2 || got[1] != TypeClarification {
		t.Fatalf("events = %v", got)
	}
	c := p.Clarification()
	if c == nil || c.Question != "Which database?" {
		t.Fatalf("Clarification = %+v", c)
	}
}

func TestProcessor_TicketsAndBuildProgress(t *testing.T) {
	p := NewProcessor()
	evs := p.Process(upstream(t, agentapi.EventTickets, agentapi.TicketsPayload{
		Path: ".plan/tickets.json",
		Tickets: []agentapi.Ticket{
			{ID: "T1", Title: "Add table", Type: "schema", EstimatedEffort: 2},
			{ID: "T2", Title: "Add page", Type: "frontend", EstimatedEffort: 3},
		},
	}))
	if evs[0].Type != TypeTickets || len(evs[0].Tickets) != 2 {
		t.Fatalf("first event = %+v", evs[0])
	}
	if p.TicketsPath() != ".plan/tickets.json" {
		t.Errorf("TicketsPath = %q", p.TicketsPath())
	}
	if !strings.Contains(p.TextContent(), "T1: Add table") {
		t.Errorf("summary missing from transcript: %q", p.TextContent())
	}
	if p.Tickets()[0].Status != agentapi.TicketTodo {
		t.Errorf("tickets should default to todo")
	}

	p.Process(upstream(t, agentapi.EventTicketStart, agentapi.TicketProgressPayload{TicketID: "T1"}))
	p.Process(upstream(t, agentapi.EventTicketDone, agentapi.TicketProgressPayload{TicketID: "T1"}))
	evs = p.Process(upstream(t, agentapi.EventTicketError, agentapi.TicketProgressPayload{TicketID: "T2", Error: "tests failed"}))
	if evs[0].Type != TypeBuildProgress || evs[0].Completed != 1 || evs[0].Failed != 1 || evs[0].Total != 2 {
		t.Errorf("progress = %+v", evs[0])
	}
	tickets := p.Tickets()
	if tickets[0].Status != agentapi.TicketDone || tickets[1].Status != agentapi.TicketError || tickets[1].Error != "tests failed" {
		t.Errorf("tickets = %+v", tickets)
	}

	p.Process(upstream(t, agentapi.EventBuildComplete, agentapi.BuildCompletePayload{Succeeded: 1, Failed: 1, CostUSD: 1.5}))
	if !strings.HasSuffix(p.TextContent(), "Build complete: 1 succeeded, 1 failed (cost $1.50)") {
		t.Errorf("TextContent = %q", p.TextContent())
	}
}

func TestProcessor_Reset(t *testing.T) {
	p := NewProcessor()
	p.Process(upstream(t, agentapi.EventText, agentapi.TextPayload{Text: "x"}))
	p.Process(upstream(t, agentapi.EventUsage, agentapi.UsagePayload{InputTokens: 1}))
	p.Reset()
	if len(p.Blocks()) != 0 || p.Usage().InputTokens != 0 || p.TextContent() != "" {
		t.Error("Reset left state behind")
	}
	// Tool tracking must work after Reset.
	p.Process(upstream(t, agentapi.EventToolUse, agentapi.ToolUsePayload{ID: "a"}))
	if evs := p.Process(upstream(t, agentapi.EventToolResult, agentapi.ToolResultPayload{ID: "a"})); len(evs) != 1 {
		t.Error("tool tracking broken after Reset")
	}
}

func TestFormatTicketSummary_PriorityOrder(t *testing.T) {
	summary := FormatTicketSummary([]agentapi.Ticket{
		{ID: "T2", Title: "Page", Type: "frontend"},
		{ID: "T1", Title: "Table", Type: "schema"},
		{ID: "T3", Title: "Misc", Type: "chore"},
	})

	schema := strings.Index(summary, "**schema**")
	frontend := strings.Index(summary, "**frontend**")
	other := strings.Index(summary, "**other**")
	if schema < 0 || frontend < 0 || other < 0 {
		t.Fatalf("missing groups in %q", summary)
	}
	if !(schema < frontend && frontend < other) {
		t.Errorf("groups out of order:\n%s", summary)
	}
	if FormatTicketSummary(nil) != "" {
		t.Error("empty ticket set should render nothing")
	}
}

func TestChannelSink_DropsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Event, 1)
	sink := NewChannelSink(ctx, ch)

	sink.Emit(Event{Type: TypeBlockStart})
	cancel()
	sink.Emit(Event{Type: TypeBlockStop}) // channel full, must not block

	if got := <-ch; got.Type != TypeBlockStart {
		t.Errorf("got %v", got.Type)
	}
}
