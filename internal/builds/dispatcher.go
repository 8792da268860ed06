// Package builds turns a generated ticket set into a queued build job.
package builds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forgeline/sandboxd/internal/agentapi"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/jobs"
	"github.com/forgeline/sandboxd/internal/metrics"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/store"
)

// StatusAlreadyActive marks the build_progress warning emitted when a build
// is already pending or running for the session.
const StatusAlreadyActive = "already_active"

// ErrNotCancellable is returned by Cancel for builds that already finished.
var ErrNotCancellable = errors.New("build job is not active")

// Store is the persistence the dispatcher needs.
type Store interface {
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	GetProjectByID(ctx context.Context, id string) (*model.Project, error)
	GetActiveBuildJob(ctx context.Context, sessionID string) (*model.BuildJob, error)
	GetBuildJobByID(ctx context.Context, id string) (*model.BuildJob, error)
	CreateBuildJob(ctx context.Context, job *model.BuildJob) error
	FinishBuildJob(ctx context.Context, job *model.BuildJob) error
	SetBuildJobQueued(ctx context.Context, id, queueJobID, messageID string) error
	CancelBuildJob(ctx context.Context, id string) (bool, error)
	CreateMessage(ctx context.Context, message *model.Message) error
}

// CredentialResolver returns the source-control token for a project.
type CredentialResolver interface {
	Resolve(ctx context.Context, project *model.Project) (string, error)
}

// BuildCanceller stops a running build inside the sandbox.
type BuildCanceller interface {
	CancelBuild(ctx context.Context, sessionID string) error
}

// Request describes one build to dispatch.
type Request struct {
	SessionID   string
	WorkDir     string
	Tickets     []agentapi.Ticket
	TicketsPath string
	Flags       map[string]bool
}

// Result reports what Dispatch did. When AlreadyActive is set, BuildJobID
// names the existing build and nothing new was created.
type Result struct {
	BuildJobID    string
	QueueJobID    string
	MessageID     string
	AlreadyActive bool
}

type Dispatcher struct {
	store       Store
	queue       jobs.Enqueuer
	credentials CredentialResolver
	agent       BuildCanceller
	logger      *slog.Logger
}

func NewDispatcher(s Store, queue jobs.Enqueuer, credentials CredentialResolver, agent BuildCanceller, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       s,
		queue:       queue,
		credentials: credentials,
		agent:       agent,
		logger:      logger.With("component", "build_dispatcher"),
	}
}

// Dispatch persists a BuildJob for req, enqueues it and creates the
// placeholder message the worker later fills in. At most one build per
// session is active; a second request emits a warning and changes nothing.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, sink events.Sink) (*Result, error) {
	session, err := d.store.GetSessionByID(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	active, err := d.store.GetActiveBuildJob(ctx, session.ID)
	switch {
	case err == nil:
		return d.alreadyActive(session.ID, active.ID, sink), nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to check active build: %w", err)
	}

	snapshot, err := json.Marshal(req.Tickets)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot tickets: %w", err)
	}
	job := &model.BuildJob{
		SessionID:    session.ID,
		ProjectID:    session.ProjectID,
		Status:       string(model.BuildJobPending),
		Tickets:      snapshot,
		TicketsPath:  req.TicketsPath,
		TotalTickets: len(req.Tickets),
	}
	if err := d.store.CreateBuildJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrActiveBuildExists) {
			// Lost a race with a concurrent dispatch.
			existing, lookupErr := d.store.GetActiveBuildJob(ctx, session.ID)
			existingID := ""
			if lookupErr == nil {
				existingID = existing.ID
			}
			return d.alreadyActive(session.ID, existingID, sink), nil
		}
		return nil, fmt.Errorf("failed to create build job: %w", err)
	}

	project, err := d.store.GetProjectByID(ctx, session.ProjectID)
	if err != nil {
		return nil, d.abandon(ctx, job, fmt.Errorf("failed to load project: %w", err))
	}
	token, err := d.credentials.Resolve(ctx, project)
	if err != nil {
		return nil, d.abandon(ctx, job, fmt.Errorf("failed to resolve credential: %w", err))
	}

	// The placeholder exists before the job is visible to workers, which
	// fill it in by id.
	jobID := job.ID
	placeholder := &model.Message{
		SessionID:  session.ID,
		Role:       model.RoleAssistant,
		Kind:       model.MessageKindBuild,
		Status:     model.MessageStatusStreaming,
		BuildJobID: &jobID,
	}
	if err := d.store.CreateMessage(ctx, placeholder); err != nil {
		return nil, d.abandon(ctx, job, fmt.Errorf("failed to create build message: %w", err))
	}

	queueJobID, err := d.queue.Enqueue(ctx, jobs.BuildPayload{
		BuildJobID:  job.ID,
		MessageID:   placeholder.ID,
		SessionID:   session.ID,
		ProjectID:   session.ProjectID,
		WorkDir:     req.WorkDir,
		Tickets:     req.Tickets,
		TicketsPath: req.TicketsPath,
		Credential:  token,
		Flags:       req.Flags,
	})
	if err != nil {
		return nil, d.abandon(ctx, job, fmt.Errorf("failed to enqueue build: %w", err))
	}

	if err := d.store.SetBuildJobQueued(ctx, job.ID, queueJobID, placeholder.ID); err != nil {
		// The job is live and the worker finds the message through its payload.
		d.logger.Error("Failed to record queued build", "build_job_id", job.ID, "queue_job_id", queueJobID, "error", err)
	}

	metrics.RecordBuildDispatch("queued")
	d.logger.Info("Build queued",
		"session_id", session.ID,
		"build_job_id", job.ID,
		"queue_job_id", queueJobID,
		"tickets", len(req.Tickets))

	return &Result{BuildJobID: job.ID, QueueJobID: queueJobID, MessageID: placeholder.ID}, nil
}

func (d *Dispatcher) alreadyActive(sessionID, buildJobID string, sink events.Sink) *Result {
	metrics.RecordBuildDispatch(StatusAlreadyActive)
	d.logger.Warn("Build already active, not dispatching", "session_id", sessionID, "build_job_id", buildJobID)
	sink.Emit(events.Event{
		Type:       events.TypeBuildProgress,
		Status:     StatusAlreadyActive,
		BuildJobID: buildJobID,
		Message:    "A build is already in progress for this session.",
	})
	return &Result{BuildJobID: buildJobID, AlreadyActive: true}
}

// abandon fails a BuildJob that never reached the queue so it does not
// block later dispatches.
func (d *Dispatcher) abandon(ctx context.Context, job *model.BuildJob, cause error) error {
	msg := cause.Error()
	job.Status = string(model.BuildJobFailed)
	job.Error = &msg
	if err := d.store.FinishBuildJob(ctx, job); err != nil {
		d.logger.Error("Failed to mark build job failed", "build_job_id", job.ID, "error", err)
	}
	metrics.RecordBuildDispatch("failed")
	return cause
}

// Cancel marks an active build cancelled and asks the sandbox agent to stop
// it. A sandbox with no running build is not an error.
func (d *Dispatcher) Cancel(ctx context.Context, buildJobID string) error {
	job, err := d.store.GetBuildJobByID(ctx, buildJobID)
	if err != nil {
		return err
	}
	changed, err := d.store.CancelBuildJob(ctx, buildJobID)
	if err != nil {
		return fmt.Errorf("failed to cancel build job: %w", err)
	}
	if !changed {
		return ErrNotCancellable
	}

	if model.BuildJobStatus(job.Status) == model.BuildJobRunning {
		if err := d.agent.CancelBuild(ctx, job.SessionID); err != nil && !errors.Is(err, agentapi.ErrNoActiveBuild) {
			d.logger.Warn("Agent build cancel failed", "session_id", job.SessionID, "build_job_id", buildJobID, "error", err)
		}
	}
	d.logger.Info("Build cancelled", "session_id", job.SessionID, "build_job_id", buildJobID)
	return nil
}
