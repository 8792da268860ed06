// Package service ties a user turn to its session's sandbox and runs the
// agent workflow for it.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/forgeline/sandboxd/internal/credential"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/sandbox"
)

// ErrEmptyMessage is returned for turns without text.
var ErrEmptyMessage = errors.New("message is required")

// Store is the persistence the workflow needs.
type Store interface {
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	GetProjectByID(ctx context.Context, id string) (*model.Project, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	UpdateSandboxStatus(ctx context.Context, id, status string) error
	CreateMessage(ctx context.Context, message *model.Message) error
	UpdateMessage(ctx context.Context, message *model.Message) error
}

// Sandboxes is the part of sandbox.Manager the workflow uses.
type Sandboxes interface {
	Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Info, error)
	WaitForAgent(ctx context.Context, sessionID string, maxAttempts int) bool
	UpdateSandbox(ctx context.Context, sessionID, branch, credential string) error
}

// CredentialResolver returns the source-control token for a project.
type CredentialResolver interface {
	Resolve(ctx context.Context, project *model.Project) (string, error)
}

// Runner executes one orchestrated turn.
type Runner interface {
	Run(ctx context.Context, in orchestrator.Input, sink events.Sink) (*orchestrator.State, error)
}

// Turn is one user message to a session.
type Turn struct {
	SessionID string
	Mode      orchestrator.PlanMode
	Message   string
	WorkDir   string
	Flags     map[string]bool
}

// Workflow prepares a session's sandbox and hands the turn to the
// orchestrator.
type Workflow struct {
	store       Store
	sandboxes   Sandboxes
	credentials CredentialResolver
	runner      Runner
	logger      *slog.Logger
	now         func() time.Time
}

func NewWorkflow(s Store, sandboxes Sandboxes, credentials CredentialResolver, runner Runner, logger *slog.Logger) *Workflow {
	return &Workflow{
		store:       s,
		sandboxes:   sandboxes,
		credentials: credentials,
		runner:      runner,
		logger:      logger.With("component", "workflow"),
		now:         time.Now,
	}
}

// Run records the user message and an assistant placeholder, makes sure the
// session's sandbox is running and runs the orchestrator, streaming
// normalized events to sink. Setup failures are persisted on the placeholder
// and reported to sink as an error event.
func (w *Workflow) Run(ctx context.Context, turn Turn, sink events.Sink) (*orchestrator.State, error) {
	if turn.Message == "" {
		return nil, ErrEmptyMessage
	}

	session, project, err := w.load(ctx, turn.SessionID)
	if err != nil {
		return nil, err
	}
	log := w.logger.With("session_id", session.ID, "project_id", project.ID)

	if err := w.store.TouchSession(ctx, session.ID, w.now()); err != nil {
		log.Warn("Failed to record session activity", "error", err)
	}

	userMsg := &model.Message{SessionID: session.ID, Role: model.RoleUser, Content: turn.Message}
	if err := w.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	target := &model.Message{
		SessionID: session.ID,
		Role:      model.RoleAssistant,
		Status:    model.MessageStatusStreaming,
	}
	if err := w.store.CreateMessage(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	token, err := w.resolveToken(ctx, session, project)
	if err != nil {
		return nil, w.setupFailed(ctx, target, sink, err)
	}

	if _, err := w.ensureSandbox(ctx, session, project, token); err != nil {
		return nil, w.setupFailed(ctx, target, sink, err)
	}

	if !w.sandboxes.WaitForAgent(ctx, session.ID, 0) {
		// The planning request reports the failure if the agent stays down.
		log.Warn("Agent not ready, continuing degraded")
	}

	return w.runner.Run(ctx, orchestrator.Input{
		SessionID:     session.ID,
		Mode:          turn.Mode,
		Message:       turn.Message,
		UserMessageID: userMsg.ID,
		Target:        target,
		WorkDir:       turn.WorkDir,
		Credential:    token,
		Flags:         turn.Flags,
	}, sink)
}

// StartSandbox creates or resumes the session's sandbox.
func (w *Workflow) StartSandbox(ctx context.Context, sessionID string) (*sandbox.Info, error) {
	session, project, err := w.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	token, err := w.resolveToken(ctx, session, project)
	if err != nil {
		return nil, err
	}
	return w.ensureSandbox(ctx, session, project, token)
}

// Command is a one-shot command run in a fresh sandbox.
type Command struct {
	Args    []string
	Env     map[string]string
	Timeout time.Duration
	Logs    io.Writer
}

// RunCommand runs cmd in a command-mode sandbox for the session and blocks
// until it exits or times out. The container is kept for inspection.
func (w *Workflow) RunCommand(ctx context.Context, sessionID string, cmd Command) (*sandbox.Info, error) {
	session, project, err := w.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	token, err := w.resolveToken(ctx, session, project)
	if err != nil {
		return nil, err
	}
	if err := w.store.TouchSession(ctx, session.ID, w.now()); err != nil {
		w.logger.Warn("Failed to record session activity", "session_id", session.ID, "error", err)
	}

	opts := w.createOptions(session, project, token)
	opts.ServicesMode = sandbox.ServicesCommand
	opts.Command = cmd.Args
	opts.CommandEnv = cmd.Env
	opts.CommandTimeout = cmd.Timeout
	opts.LogSink = cmd.Logs

	info, err := w.sandboxes.Create(ctx, opts)
	if err != nil {
		if errors.Is(err, sandbox.ErrCommandTimeout) {
			w.setStatus(ctx, session.ID, model.SandboxStatusError)
		}
		return nil, err
	}
	w.setStatus(ctx, session.ID, string(info.Status))
	return info, nil
}

// UpdateSandbox pulls the session's branch, or branch when set, into its
// running sandbox.
func (w *Workflow) UpdateSandbox(ctx context.Context, sessionID, branch string) error {
	session, project, err := w.load(ctx, sessionID)
	if err != nil {
		return err
	}
	token, err := w.resolveToken(ctx, session, project)
	if err != nil {
		return err
	}
	if branch == "" {
		branch = w.createOptions(session, project, token).Branch
	}
	return w.sandboxes.UpdateSandbox(ctx, session.ID, branch, token)
}

func (w *Workflow) load(ctx context.Context, sessionID string) (*model.Session, *model.Project, error) {
	session, err := w.store.GetSessionByID(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}
	project, err := w.store.GetProjectByID(ctx, session.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load project: %w", err)
	}
	return session, project, nil
}

// resolveToken resolves the project token. Requirements sandboxes never touch
// the repository, so they may run without one.
func (w *Workflow) resolveToken(ctx context.Context, session *model.Session, project *model.Project) (string, error) {
	token, err := w.credentials.Resolve(ctx, project)
	if err != nil {
		if errors.Is(err, credential.ErrNoCredential) && session.SandboxMode == string(sandbox.ModeRequirements) {
			return "", nil
		}
		return "", fmt.Errorf("failed to resolve credential: %w", err)
	}
	return token, nil
}

func (w *Workflow) createOptions(session *model.Session, project *model.Project, token string) sandbox.CreateOptions {
	branch := session.Branch
	if branch == "" {
		branch = project.DefaultBranch
	}
	return sandbox.CreateOptions{
		ProjectID:    project.ID,
		SessionID:    session.ID,
		Mode:         sandbox.Mode(session.SandboxMode),
		ServicesMode: sandbox.ServicesMode(session.ServicesMode),
		Branch:       branch,
		RepoURL:      project.RepoURL,
		Credential:   token,
	}
}

func (w *Workflow) ensureSandbox(ctx context.Context, session *model.Session, project *model.Project, token string) (*sandbox.Info, error) {
	info, err := w.sandboxes.Create(ctx, w.createOptions(session, project, token))
	if err != nil {
		w.setStatus(ctx, session.ID, model.SandboxStatusError)
		return nil, fmt.Errorf("failed to start sandbox: %w", err)
	}
	w.setStatus(ctx, session.ID, model.SandboxStatusRunning)
	return info, nil
}

func (w *Workflow) setStatus(ctx context.Context, sessionID, status string) {
	if err := w.store.UpdateSandboxStatus(context.WithoutCancel(ctx), sessionID, status); err != nil {
		w.logger.Error("Failed to record sandbox status", "session_id", sessionID, "status", status, "error", err)
	}
}

func (w *Workflow) setupFailed(ctx context.Context, target *model.Message, sink events.Sink, err error) error {
	target.Status = model.MessageStatusError
	target.Content = "Error: " + err.Error()
	if updateErr := w.store.UpdateMessage(context.WithoutCancel(ctx), target); updateErr != nil {
		w.logger.Error("Failed to persist setup failure", "message_id", target.ID, "error", updateErr)
	}
	sink.Emit(events.Event{Type: events.TypeError, Message: err.Error(), MessageID: target.ID})
	return err
}
