package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/metrics"
	"github.com/forgeline/sandboxd/internal/model"
)

// BuildStore is the persistence the build executor needs.
type BuildStore interface {
	GetBuildJobByID(ctx context.Context, id string) (*model.BuildJob, error)
	StartBuildJob(ctx context.Context, id string) (bool, error)
	UpdateBuildJobProgress(ctx context.Context, id string, completed, failed int) error
	FinishBuildJob(ctx context.Context, job *model.BuildJob) error
	GetMessageByID(ctx context.Context, id string) (*model.Message, error)
	UpdateMessage(ctx context.Context, message *model.Message) error
}

// AgentWaiter blocks until a session's agent is ready.
type AgentWaiter interface {
	WaitForAgent(ctx context.Context, sessionID string, maxAttempts int) bool
}

// BuildStreamer starts a build on the sandbox agent.
type BuildStreamer interface {
	StreamBuild(ctx context.Context, sessionID string, req agentapi.BuildRequest) (<-chan agentapi.StreamEvent, error)
}

// BuildExecutor runs queued builds against the session's sandbox agent and
// writes the outcome into the build job and its placeholder message.
type BuildExecutor struct {
	store  BuildStore
	agents AgentWaiter
	agent  BuildStreamer
	sink   events.Sink
	logger *slog.Logger
}

// NewBuildExecutor creates a build executor. Normalized build events are
// forwarded to sink; pass nil to discard them.
func NewBuildExecutor(s BuildStore, agents AgentWaiter, agent BuildStreamer, sink events.Sink, logger *slog.Logger) *BuildExecutor {
	if sink == nil {
		sink = events.Discard
	}
	return &BuildExecutor{
		store:  s,
		agents: agents,
		agent:  agent,
		sink:   sink,
		logger: logger.With("component", "build_executor"),
	}
}

func (e *BuildExecutor) Type() jobs.JobType {
	return jobs.JobTypeBuild
}

func (e *BuildExecutor) Execute(ctx context.Context, job *model.Job) error {
	var payload jobs.BuildPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	log := e.logger.With("build_job_id", payload.BuildJobID, "session_id", payload.SessionID)

	started, err := e.store.StartBuildJob(ctx, payload.BuildJobID)
	if err != nil {
		return fmt.Errorf("failed to start build job: %w", err)
	}
	if !started {
		// Cancelled (or otherwise finished) before a worker picked it up.
		log.Info("Build job no longer pending, skipping")
		if current, err := e.store.GetBuildJobByID(ctx, payload.BuildJobID); err == nil &&
			model.BuildJobStatus(current.Status) == model.BuildJobCancelled {
			if err := e.updateMessage(ctx, payload.MessageID, model.BuildJobCancelled, events.NewProcessor()); err != nil {
				log.Error("Failed to update build message", "error", err)
			}
		}
		return nil
	}

	proc := events.NewProcessor()
	proc.SetTickets(payload.Tickets, payload.TicketsPath)

	if !e.agents.WaitForAgent(ctx, payload.SessionID, 0) {
		proc.FailWith("sandbox agent is not ready")
		return e.finish(ctx, log, payload, proc)
	}

	stream, err := e.agent.StreamBuild(ctx, payload.SessionID, agentapi.BuildRequest{
		Tickets:     payload.Tickets,
		TicketsPath: payload.TicketsPath,
		WorkDir:     payload.WorkDir,
		Token:       payload.Credential,
		Flags:       payload.Flags,
	})
	if err != nil {
		proc.FailWith(fmt.Sprintf("failed to start build: %v", err))
		return e.finish(ctx, log, payload, proc)
	}

	for ev := range stream {
		for _, out := range proc.Process(ev) {
			out.BuildJobID = payload.BuildJobID
			out.MessageID = payload.MessageID
			if out.Type == events.TypeBuildProgress {
				if err := e.store.UpdateBuildJobProgress(ctx, payload.BuildJobID, out.Completed, out.Failed); err != nil {
					log.Warn("Failed to record build progress", "error", err)
				}
			}
			e.sink.Emit(out)
		}
	}
	if ctx.Err() != nil && proc.Err() == "" {
		proc.FailWith("build interrupted: " + ctx.Err().Error())
	}
	return e.finish(ctx, log, payload, proc)
}

// finish records the terminal build status and fills in the placeholder
// message. A build that failed is reported through the job row, not as an
// executor error, so the queue does not retry it.
func (e *BuildExecutor) finish(ctx context.Context, log *slog.Logger, payload jobs.BuildPayload, proc *events.Processor) error {
	ctx = context.WithoutCancel(ctx)
	proc.Flush()

	completed, failed := proc.Progress()
	tickets, err := json.Marshal(proc.Tickets())
	if err != nil {
		return fmt.Errorf("failed to encode tickets: %w", err)
	}

	status := model.BuildJobCompleted
	var errMsg *string
	if msg := proc.Err(); msg != "" {
		status = model.BuildJobFailed
		errMsg = &msg
	}

	result := &model.BuildJob{
		ID:               payload.BuildJobID,
		Status:           string(status),
		Tickets:          tickets,
		CompletedTickets: completed,
		FailedTickets:    failed,
		CostUSD:          proc.Cost(),
		Error:            errMsg,
	}
	if err := e.store.FinishBuildJob(ctx, result); err != nil {
		return fmt.Errorf("failed to finish build job: %w", err)
	}

	// A cancel that landed mid-build wins over the stream's outcome.
	if current, err := e.store.GetBuildJobByID(ctx, payload.BuildJobID); err == nil {
		status = model.BuildJobStatus(current.Status)
	}
	metrics.RecordBuildJobFinished(string(status))

	if err := e.updateMessage(ctx, payload.MessageID, status, proc); err != nil {
		log.Error("Failed to update build message", "error", err)
	}

	log.Info("Build finished", "status", status, "completed", completed, "failed", failed, "cost_usd", proc.Cost())
	final := events.Event{
		Type:       events.TypeMessageComplete,
		MessageID:  payload.MessageID,
		BuildJobID: payload.BuildJobID,
		Status:     string(status),
	}
	e.sink.Emit(final)
	return nil
}

func (e *BuildExecutor) updateMessage(ctx context.Context, messageID string, status model.BuildJobStatus, proc *events.Processor) error {
	if messageID == "" {
		return nil
	}
	msg, err := e.store.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}

	content := proc.TextContent()
	switch status {
	case model.BuildJobFailed:
		msg.Status = model.MessageStatusError
		content = appendLine(content, "Error: "+proc.Err())
	case model.BuildJobCancelled:
		msg.Status = model.MessageStatusComplete
		content = appendLine(content, "Build cancelled.")
	default:
		msg.Status = model.MessageStatusComplete
	}

	usage := proc.Usage()
	msg.Content = content
	msg.Blocks = proc.BlocksJSON()
	msg.InputTokens = usage.InputTokens
	msg.OutputTokens = usage.OutputTokens
	msg.ContextWindow = usage.ContextWindow
	msg.CostUSD = proc.Cost()
	return e.store.UpdateMessage(ctx, msg)
}

func appendLine(content, line string) string {
	if content == "" {
		return line
	}
	return content + "\n\n" + line
}
