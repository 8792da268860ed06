package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetBuild returns a build job with its ticket snapshot and counters.
// GET /api/builds/{buildJobId}
func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetBuildJobByID(r.Context(), chi.URLParam(r, "buildJobId"))
	if err != nil {
		h.Fail(w, r, err)
		return
	}
	h.JSON(w, http.StatusOK, job)
}

// CancelBuild cancels a pending or running build.
// POST /api/builds/{buildJobId}/cancel
func (h *Handler) CancelBuild(w http.ResponseWriter, r *http.Request) {
	if err := h.builds.Cancel(r.Context(), chi.URLParam(r, "buildJobId")); err != nil {
		h.Fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
