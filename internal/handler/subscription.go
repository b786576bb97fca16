package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/service"
)

// SubscriptionHandler handles the user-facing subscription endpoints.
type SubscriptionHandler struct {
	svc  *service.SubscriptionService
	gate *service.AccessGate
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(svc *service.SubscriptionService, gate *service.AccessGate) *SubscriptionHandler {
	return &SubscriptionHandler{svc: svc, gate: gate}
}

// Create handles POST /api/subscriptions.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req domain.CreateSubscriptionRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.svc.Create(r.Context(), uid, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusCreated, resp)
}

// List handles GET /api/subscriptions.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	subs, err := h.svc.List(r.Context(), uid)
	if err != nil {
		Error(w, err)
		return
	}
	if subs == nil {
		subs = []*domain.Subscription{}
	}
	JSON(w, http.StatusOK, subs)
}

// Active handles GET /api/subscriptions/active.
func (h *SubscriptionHandler) Active(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	sub, err := h.svc.GetActive(r.Context(), uid)
	if err != nil {
		Error(w, err)
		return
	}
	if sub == nil {
		JSON(w, http.StatusOK, map[string]interface{}{"status": "none"})
		return
	}
	JSON(w, http.StatusOK, sub)
}

// Cancel handles POST /api/subscriptions/{id}/cancel.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,uuid"); err != nil {
		Error(w, domain.ErrBadRequest("invalid subscription id"))
		return
	}

	sub, err := h.svc.Cancel(r.Context(), uid, id)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// CheckAccess handles GET /api/subscriptions/check-access/{feature}.
func (h *SubscriptionHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	semester := 0
	if raw := r.URL.Query().Get("semester"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, domain.ErrBadRequest("semester must be a positive integer"))
			return
		}
		semester = n
	}

	resp, err := h.gate.Check(r.Context(), uid, chi.URLParam(r, "feature"), semester)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}
