package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/forgeline/sandboxd/internal/events"
	"github.com/forgeline/sandboxd/internal/orchestrator"
	"github.com/forgeline/sandboxd/internal/service"
)

// PlanRequest is the body of POST /api/sessions/{sessionId}/plan.
type PlanRequest struct {
	Message string          `json:"message"`
	Mode    string          `json:"mode,omitempty"` // "plan" (default) or "requirements"
	WorkDir string          `json:"workdir,omitempty"`
	Flags   map[string]bool `json:"flags,omitempty"`
}

// Plan runs one turn of the agent workflow.
// POST /api/sessions/{sessionId}/plan
// Response: SSE stream of normalized events, terminated by data: [DONE]
func (h *Handler) Plan(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")

	var req PlanRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Message == "" {
		h.Error(w, http.StatusBadRequest, "message is required")
		return
	}
	mode := orchestrator.PlanMode(req.Mode)
	switch mode {
	case "", orchestrator.ModePlan, orchestrator.ModeRequirements:
	default:
		h.Error(w, http.StatusBadRequest, "unknown mode")
		return
	}

	// Unknown sessions get a plain 404 instead of an empty stream.
	if _, err := h.store.GetSessionByID(r.Context(), sessionID); err != nil {
		h.Fail(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	_, err := h.workflow.Run(r.Context(), service.Turn{
		SessionID: sessionID,
		Mode:      mode,
		Message:   req.Message,
		WorkDir:   req.WorkDir,
		Flags:     req.Flags,
	}, sink)
	if err != nil {
		// Already reported on the stream as an error event.
		h.logger.Debug("Plan run ended with error", "session_id", sessionID, "error", err)
	}
	sink.done()
}

// sseSink writes normalized events as SSE data lines.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Emit(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintf(s.w, "data: %s\n\n", data)
	s.flusher.Flush()
}

func (s *sseSink) done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}
