package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/semesterpass/backend/internal/domain"
)

// PlansHandler serves the public pricing table.
type PlansHandler struct{}

func NewPlansHandler() *PlansHandler {
	return &PlansHandler{}
}

// List handles GET /api/plans.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	JSON(w, http.StatusOK, domain.AvailableTiers())
}

// Get handles GET /api/plans/{type}.
func (h *PlansHandler) Get(w http.ResponseWriter, r *http.Request) {
	tier, ok := domain.GetTier(chi.URLParam(r, "type"))
	if !ok {
		Error(w, domain.ErrNotFound("unknown subscription type"))
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	JSON(w, http.StatusOK, tier)
}
