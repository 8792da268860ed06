package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/sandbox"
)

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Name          string `json:"name"`
	RepoURL       string `json:"repoUrl"`
	DefaultBranch string `json:"defaultBranch,omitempty"`
	Ownership     string `json:"ownership,omitempty"` // "first_party" (default) or "imported"
}

// CreateProject registers a project.
// POST /api/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" || req.RepoURL == "" {
		h.Error(w, http.StatusBadRequest, "name and repoUrl are required")
		return
	}
	switch req.Ownership {
	case "", model.OwnershipFirstParty, model.OwnershipImported:
	default:
		h.Error(w, http.StatusBadRequest, "unknown ownership")
		return
	}

	project := &model.Project{
		Name:          req.Name,
		RepoURL:       req.RepoURL,
		DefaultBranch: req.DefaultBranch,
		Ownership:     req.Ownership,
	}
	if err := h.store.CreateProject(r.Context(), project); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, project)
}

// GetProject returns a project.
// GET /api/projects/{projectId}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProjectByID(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, project)
}

// CreateSessionRequest is the body of POST /api/projects/{projectId}/sessions.
type CreateSessionRequest struct {
	Name         string `json:"name"`
	Branch       string `json:"branch,omitempty"`
	SandboxMode  string `json:"sandboxMode,omitempty"`
	ServicesMode string `json:"servicesMode,omitempty"`
}

// CreateSession creates a session in a project.
// POST /api/projects/{projectId}/sessions
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	if _, err := h.store.GetProjectByID(r.Context(), projectID); err != nil {
		h.Fail(w, r, err)
		return
	}

	var req CreateSessionRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch sandbox.Mode(req.SandboxMode) {
	case "", sandbox.ModeDevelopment, sandbox.ModeProduction, sandbox.ModeRequirements:
	default:
		h.Error(w, http.StatusBadRequest, "unknown sandboxMode")
		return
	}
	switch sandbox.ServicesMode(req.ServicesMode) {
	case "", sandbox.ServicesFull, sandbox.ServicesAgentOnly:
	default:
		h.Error(w, http.StatusBadRequest, "unknown servicesMode")
		return
	}

	session := &model.Session{
		ProjectID:    projectID,
		Name:         req.Name,
		Branch:       req.Branch,
		SandboxMode:  req.SandboxMode,
		ServicesMode: req.ServicesMode,
	}
	if session.SandboxMode == "" {
		session.SandboxMode = string(sandbox.ModeDevelopment)
	}
	if session.ServicesMode == "" {
		session.ServicesMode = string(sandbox.ServicesFull)
	}
	if err := h.store.CreateSession(r.Context(), session); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusCreated, session)
}

// ListSessions lists a project's sessions.
// GET /api/projects/{projectId}/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessionsByProject(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// GetSession returns a session.
// GET /api/sessions/{sessionId}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.store.GetSessionByID(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, session)
}

// ListMessages returns a session's transcript.
// GET /api/sessions/{sessionId}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.store.ListMessagesBySession(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// ListProjectSandboxes lists every sandbox of a project.
// GET /api/projects/{projectId}/sandboxes
func (h *Handler) ListProjectSandboxes(w http.ResponseWriter, r *http.Request) {
	infos, err := h.sandboxes.ListProjectSandboxes(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"sandboxes": sandboxList(infos)})
}

// DestroyProjectSandboxes destroys every sandbox of a project.
// DELETE /api/projects/{projectId}/sandboxes
// Response: { destroyed, failed }
func (h *Handler) DestroyProjectSandboxes(w http.ResponseWriter, r *http.Request) {
	destroyed, failed, err := h.sandboxes.DestroyAllProjectSandboxes(r.Context(), chi.URLParam(r, "projectId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]int{"destroyed": destroyed, "failed": failed})
}
