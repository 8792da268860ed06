// Package orchestrator runs the plan then build workflow for one user
// message against a session's sandbox agent.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/metrics"
	"github.com/forgeline/sandboxd/internal/model"
)

// Phase is the workflow state of one run.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhasePlanning      Phase = "planning"
	PhaseClarification Phase = "clarification"
	PhaseBuilding      Phase = "building"
	PhaseComplete      Phase = "complete"
)

// PlanMode selects the agent's planning endpoint.
type PlanMode string

const (
	ModePlan         PlanMode = "plan"
	ModeRequirements PlanMode = "requirements"
)

const noTicketsText = "I couldn't turn that into concrete work yet. Could you describe what you want built in more detail?"

// State is the outcome of a run. Tickets is only set once the run reached
// PhaseBuilding.
type State struct {
	Phase       Phase
	Tickets     []agentapi.Ticket
	TicketsPath string
	BuildJobID  string // set when the build was queued
	Err         string
}

// Planner streams the planning phase.
type Planner interface {
	Plan(ctx context.Context, sessionID string, mode PlanMode, req agentapi.PlanRequest) (<-chan agentapi.StreamEvent, error)
}

// Builder streams an inline build.
type Builder interface {
	Build(ctx context.Context, sessionID string, req agentapi.BuildRequest) (<-chan agentapi.StreamEvent, error)
}

// Dispatcher queues a build for a worker.
type Dispatcher interface {
	Dispatch(ctx context.Context, req builds.Request, sink events.Sink) (*builds.Result, error)
}

// History loads and persists conversation messages.
type History interface {
	ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error)
	UpdateMessage(ctx context.Context, message *model.Message) error
}

// Input is one user turn.
type Input struct {
	SessionID     string
	Mode          PlanMode
	Message       string
	UserMessageID string
	// Target is the assistant message the transcript is written to.
	Target *model.Message

	WorkDir    string
	Credential string
	Flags      map[string]bool
}

// Orchestrator is safe for concurrent runs; each Run owns its own
// processor.
type Orchestrator struct {
	planner    Planner
	builder    Builder
	dispatcher Dispatcher
	history    History
	logger     *slog.Logger
}

// New returns an orchestrator. A nil dispatcher runs builds inline through
// builder; otherwise builds are queued.
func New(planner Planner, builder Builder, dispatcher Dispatcher, history History, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		planner:    planner,
		builder:    builder,
		dispatcher: dispatcher,
		history:    history,
		logger:     logger.With("component", "orchestrator"),
	}
}

type run struct {
	o     *Orchestrator
	in    Input
	sink  events.Sink
	proc  *events.Processor
	state *State
}

func (r *run) emit(evs []events.Event) {
	for _, e := range evs {
		r.sink.Emit(e)
	}
}

// Run executes the workflow for in, emitting normalized events to sink. The
// transcript is always persisted to in.Target before Run returns. The
// returned error is non-nil only when the run ended in the error state; the
// error has already been reported to sink.
func (o *Orchestrator) Run(ctx context.Context, in Input, sink events.Sink) (*State, error) {
	// Abandoned streams stop their reader goroutine when the run returns.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{o: o, in: in, sink: sink, proc: events.NewProcessor(), state: &State{Phase: PhaseIdle}}
	if in.Mode == "" {
		r.in.Mode = ModePlan
	}

	history, err := o.loadHistory(ctx, in)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to load history: %w", err))
	}

	r.state.Phase = PhasePlanning
	stream, err := o.planner.Plan(ctx, in.SessionID, r.in.Mode, agentapi.PlanRequest{
		Message: in.Message,
		History: history,
		WorkDir: in.WorkDir,
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("planning request failed: %w", err))
	}
	if err := r.consume(ctx, stream); err != nil {
		return r.fail(ctx, err)
	}

	if r.proc.Clarification() != nil {
		r.state.Phase = PhaseClarification
		return r.complete(ctx, "clarification")
	}

	tickets := r.proc.Tickets()
	if len(tickets) == 0 {
		r.emit(r.proc.Text(noTicketsText))
		r.state.Phase = PhaseComplete
		return r.complete(ctx, "no_tickets")
	}

	r.state.Phase = PhaseBuilding
	r.state.Tickets = tickets
	r.state.TicketsPath = r.proc.TicketsPath()

	if o.dispatcher != nil {
		return r.dispatch(ctx, tickets)
	}
	return r.buildInline(ctx, tickets)
}

func (r *run) buildInline(ctx context.Context, tickets []agentapi.Ticket) (*State, error) {
	stream, err := r.o.builder.Build(ctx, r.in.SessionID, agentapi.BuildRequest{
		Tickets:     tickets,
		TicketsPath: r.state.TicketsPath,
		WorkDir:     r.in.WorkDir,
		Token:       r.in.Credential,
		Flags:       r.in.Flags,
	})
	if err != nil {
		return r.fail(ctx, fmt.Errorf("build request failed: %w", err))
	}
	if err := r.consume(ctx, stream); err != nil {
		return r.fail(ctx, err)
	}
	r.state.Tickets = r.proc.Tickets()
	r.state.Phase = PhaseComplete
	return r.complete(ctx, "built")
}

func (r *run) dispatch(ctx context.Context, tickets []agentapi.Ticket) (*State, error) {
	res, err := r.o.dispatcher.Dispatch(ctx, builds.Request{
		SessionID:   r.in.SessionID,
		WorkDir:     r.in.WorkDir,
		Tickets:     tickets,
		TicketsPath: r.state.TicketsPath,
		Flags:       r.in.Flags,
	}, r.sink)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("build dispatch failed: %w", err))
	}

	r.state.BuildJobID = res.BuildJobID
	if res.AlreadyActive {
		r.emit(r.proc.Text("A build is already in progress for this session, so these tickets were not queued."))
		return r.complete(ctx, "already_active")
	}
	r.emit(r.proc.Text(fmt.Sprintf("Queued %d tickets for building. Progress will appear in the build message.", len(tickets))))
	return r.complete(ctx, "queued")
}

// consume feeds a stream through the processor until it ends or reports an
// error.
func (r *run) consume(ctx context.Context, stream <-chan agentapi.StreamEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok || ev.Done {
				r.emit(r.proc.Flush())
				return nil
			}
			r.emit(r.proc.Process(ev))
			if msg := r.proc.Err(); msg != "" {
				return errReported(msg)
			}
		}
	}
}

// errReported is an error whose event was already emitted by the processor.
type errReported string

func (e errReported) Error() string { return string(e) }

func (r *run) complete(ctx context.Context, outcome string) (*State, error) {
	r.emit(r.proc.Flush())
	r.finalize(ctx, model.MessageStatusComplete, r.proc.TextContent())
	metrics.RecordOrchestratorRun(outcome)

	done := events.Event{Type: events.TypeMessageComplete, BuildJobID: r.state.BuildJobID}
	if r.in.Target != nil {
		done.MessageID = r.in.Target.ID
	}
	r.sink.Emit(done)
	return r.state, nil
}

func (r *run) fail(ctx context.Context, err error) (*State, error) {
	var msg string
	if reported, ok := err.(errReported); ok {
		msg = string(reported)
	} else {
		msg = err.Error()
		r.emit(r.proc.FailWith(msg))
	}
	r.state.Err = msg

	content := r.proc.TextContent()
	if content != "" {
		content += "\n\n"
	}
	content += "Error: " + msg
	r.finalize(ctx, model.MessageStatusError, content)
	metrics.RecordOrchestratorRun("error")

	r.o.logger.Warn("Run failed", "session_id", r.in.SessionID, "phase", r.state.Phase, "error", msg)
	return r.state, err
}

// finalize persists the transcript. It runs even if ctx was cancelled.
func (r *run) finalize(ctx context.Context, status, content string) {
	target := r.in.Target
	if target == nil {
		return
	}
	usage := r.proc.Usage()
	target.Status = status
	target.Content = content
	target.Blocks = r.proc.BlocksJSON()
	target.InputTokens = usage.InputTokens
	target.OutputTokens = usage.OutputTokens
	target.ContextWindow = usage.ContextWindow
	target.CostUSD = r.proc.Cost()

	if err := r.o.history.UpdateMessage(context.WithoutCancel(ctx), target); err != nil {
		r.o.logger.Error("Failed to persist transcript", "session_id", r.in.SessionID, "message_id", target.ID, "error", err)
	}
}

// loadHistory returns prior user and assistant turns with text, oldest
// first, excluding the message being answered and the one being written.
func (o *Orchestrator) loadHistory(ctx context.Context, in Input) ([]agentapi.HistoryMessage, error) {
	messages, err := o.history.ListMessagesBySession(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	targetID := ""
	if in.Target != nil {
		targetID = in.Target.ID
	}

	var out []agentapi.HistoryMessage
	for _, m := range messages {
		if m.ID == in.UserMessageID || m.ID == targetID {
			continue
		}
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, agentapi.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}
