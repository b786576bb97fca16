package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/service"
)

type AdminHandler struct {
	subs *service.SubscriptionService
}

func NewAdminHandler(subs *service.SubscriptionService) *AdminHandler {
	return &AdminHandler{subs: subs}
}

// UpdateStatus handles PATCH /api/admin/subscriptions/{id}/status.
func (h *AdminHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,uuid"); err != nil {
		Error(w, domain.ErrBadRequest("invalid subscription id"))
		return
	}

	var req domain.UpdateStatusRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	sub, err := h.subs.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// RefreshUser handles POST /api/admin/users/{id}/refresh-subscription.
func (h *AdminHandler) RefreshUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,max=255"); err != nil {
		Error(w, domain.ErrBadRequest("invalid user id"))
		return
	}

	user, err := h.subs.RefreshUser(r.Context(), id)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, user)
}
