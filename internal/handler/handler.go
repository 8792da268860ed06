// Package handler serves the sandboxd HTTP API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/forgeline/sandboxd/internal/builds"
	"github.com/forgeline/sandboxd/internal/credential"
	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/service"
	"github.com/forgeline/sandboxd/internal/store"
)

// Store is the persistence the handlers read and write directly.
type Store interface {
	CreateProject(ctx context.Context, project *model.Project) error
	GetProjectByID(ctx context.Context, id string) (*model.Project, error)
	CreateSession(ctx context.Context, session *model.Session) error
	GetSessionByID(ctx context.Context, id string) (*model.Session, error)
	ListSessionsByProject(ctx context.Context, projectID string) ([]*model.Session, error)
	ListMessagesBySession(ctx context.Context, sessionID string) ([]*model.Message, error)
	UpdateSandboxStatus(ctx context.Context, id, status string) error
	GetBuildJobByID(ctx context.Context, id string) (*model.BuildJob, error)
}

// Workflow runs turns and sandbox operations that need session context.
type Workflow interface {
	Run(ctx context.Context, turn service.Turn, sink events.Sink) (*orchestrator.State, error)
	StartSandbox(ctx context.Context, sessionID string) (*sandbox.Info, error)
	RunCommand(ctx context.Context, sessionID string, cmd service.Command) (*sandbox.Info, error)
	UpdateSandbox(ctx context.Context, sessionID, branch string) error
}

// Sandboxes is the part of sandbox.Manager the handlers call directly.
type Sandboxes interface {
	Get(ctx context.Context, sessionID string) (*sandbox.Info, error)
	Stop(ctx context.Context, sessionID string) error
	Restart(ctx context.Context, sessionID string) (bool, error)
	Destroy(ctx context.Context, sessionID string) error
	ListProjectSandboxes(ctx context.Context, projectID string) ([]*sandbox.Info, error)
	DestroyAllProjectSandboxes(ctx context.Context, projectID string) (destroyed, failed int, err error)
}

// BuildCanceller cancels queued or running builds.
type BuildCanceller interface {
	Cancel(ctx context.Context, buildJobID string) error
}

// Handler contains all HTTP handlers
type Handler struct {
	store     Store
	workflow  Workflow
	sandboxes Sandboxes
	builds    BuildCanceller
	logger    *slog.Logger
}

func New(s Store, workflow Workflow, sandboxes Sandboxes, builds BuildCanceller, logger *slog.Logger) *Handler {
	return &Handler{
		store:     s,
		workflow:  workflow,
		sandboxes: sandboxes,
		builds:    builds,
		logger:    logger.With("component", "handler"),
	}
}

// JSON helper to write JSON responses
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Error helper to write error responses
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// DecodeJSON decodes the request body. An empty body leaves v untouched.
func (h *Handler) DecodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Fail maps domain errors to HTTP statuses.
func (h *Handler) Fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, sandbox.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sandbox.ErrInvalidOptions), errors.Is(err, service.ErrEmptyMessage):
		status = http.StatusBadRequest
	case errors.Is(err, sandbox.ErrNotRunning), errors.Is(err, builds.ErrNotCancellable):
		status = http.StatusConflict
	case errors.Is(err, credential.ErrNoCredential), errors.Is(err, credential.ErrCredentialExpired):
		status = http.StatusPreconditionFailed
	case errors.Is(err, sandbox.ErrCommandTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.Error(w, status, err.Error())
}
