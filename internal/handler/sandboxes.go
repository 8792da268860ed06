package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forgeline/sandboxd/internal/model"
	"github.com/forgeline/sandboxd/internal/sandbox"
	"github.com/forgeline/sandboxd/internal/service"
)

// SandboxResponse is the JSON view of a sandbox.
type SandboxResponse struct {
	SessionID    string     `json:"sessionId"`
	ProjectID    string     `json:"projectId"`
	ContainerID  string     `json:"containerId"`
	Name         string     `json:"name"`
	Mode         string     `json:"mode"`
	ServicesMode string     `json:"servicesMode"`
	Branch       string     `json:"branch,omitempty"`
	Status       string     `json:"status"`
	URL          string     `json:"url,omitempty"`
	ExitCode     *int       `json:"exitCode,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

func sandboxResponse(info *sandbox.Info) SandboxResponse {
	resp := SandboxResponse{
		SessionID:    info.SessionID,
		ProjectID:    info.ProjectID,
		ContainerID:  info.ContainerID,
		Name:         info.Name,
		Mode:         string(info.Mode),
		ServicesMode: string(info.ServicesMode),
		Branch:       info.Branch,
		Status:       string(info.Status),
		URL:          info.URL,
		ExitCode:     info.ExitCode,
	}
	if !info.StartedAt.IsZero() {
		resp.StartedAt = &info.StartedAt
	}
	if !info.FinishedAt.IsZero() {
		resp.FinishedAt = &info.FinishedAt
	}
	return resp
}

func sandboxList(infos []*sandbox.Info) []SandboxResponse {
	out := make([]SandboxResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, sandboxResponse(info))
	}
	return out
}

// GetSandbox returns the session's sandbox.
// GET /api/sessions/{sessionId}/sandbox
func (h *Handler) GetSandbox(w http.ResponseWriter, r *http.Request) {
	info, err := h.sandboxes.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	if info == nil {
		h.Error(w, http.StatusNotFound, "sandbox not found")
		return
	}
	h.JSON(w, http.StatusOK, sandboxResponse(info))
}

// CreateSandbox creates or resumes the session's sandbox.
// POST /api/sessions/{sessionId}/sandbox
func (h *Handler) CreateSandbox(w http.ResponseWriter, r *http.Request) {
	info, err := h.workflow.StartSandbox(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, sandboxResponse(info))
}

// StopSandbox stops the session's sandbox.
// POST /api/sessions/{sessionId}/sandbox/stop
func (h *Handler) StopSandbox(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := h.sandboxes.Stop(r.Context(), sessionID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.setStatus(r, sessionID, model.SandboxStatusStopped)
	w.WriteHeader(http.StatusNoContent)
}

// RestartSandbox restarts the sandbox in place.
// POST /api/sessions/{sessionId}/sandbox/restart
// Response: { ready }, true when the agent answered healthy after the restart
func (h *Handler) RestartSandbox(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	ready, err := h.sandboxes.Restart(r.Context(), sessionID)
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.setStatus(r, sessionID, model.SandboxStatusRunning)
	h.JSON(w, http.StatusOK, map[string]bool{"ready": ready})
}

// UpdateSandboxRequest is the body of POST /api/sessions/{sessionId}/sandbox/update.
type UpdateSandboxRequest struct {
	Branch string `json:"branch,omitempty"`
}

// UpdateSandbox pulls the latest source into the running sandbox.
// POST /api/sessions/{sessionId}/sandbox/update
func (h *Handler) UpdateSandbox(w http.ResponseWriter, r *http.Request) {
	var req UpdateSandboxRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.workflow.UpdateSandbox(r.Context(), chi.URLParam(r, "sessionId"), req.Branch); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DestroySandbox removes the sandbox and its database.
// DELETE /api/sessions/{sessionId}/sandbox
func (h *Handler) DestroySandbox(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if err := h.sandboxes.Destroy(r.Context(), sessionID); err != nil {
		h.Fail(w, r, err)
		return
	}
	h.setStatus(r, sessionID, model.SandboxStatusNone)
	w.WriteHeader(http.StatusNoContent)
}

// CommandRequest is the body of POST /api/sessions/{sessionId}/commands.
type CommandRequest struct {
	Command        []string          `json:"command"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// RunCommand runs a one-shot command sandbox and waits for it to exit.
// POST /api/sessions/{sessionId}/commands
func (h *Handler) RunCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Command) == 0 {
		h.Error(w, http.StatusBadRequest, "command is required")
		return
	}

	info, err := h.workflow.RunCommand(r.Context(), chi.URLParam(r, "sessionId"), service.Command{
		Args:    req.Command,
		Env:     req.Env,
		Timeout: time.Duration(req.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, sandboxResponse(info))
}

func (h *Handler) setStatus(r *http.Request, sessionID, status string) {
	if err := h.store.UpdateSandboxStatus(r.Context(), sessionID, status); err != nil {
		h.logger.Warn("Failed to record sandbox status", "session_id", sessionID, "status", status, "error", err)
	}
}
