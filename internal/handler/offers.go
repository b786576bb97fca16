package handler

import (
	"net/http"
	"strconv"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/service"
)

// OffersHandler lists offers a user can apply at checkout.
type OffersHandler struct {
	pricing *service.PricingService
}

// NewOffersHandler creates a new OffersHandler.
func NewOffersHandler(pricing *service.PricingService) *OffersHandler {
	return &OffersHandler{pricing: pricing}
}

// Applicable handles GET /api/offers/applicable.
func (h *OffersHandler) Applicable(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	semester, err := strconv.Atoi(q.Get("semester"))
	if err != nil {
		Error(w, domain.ErrBadRequest("semester must be an integer"))
		return
	}

	query := domain.ApplicableOffersQuery{
		Semester:         semester,
		Branch:           q.Get("branch"),
		SubscriptionType: q.Get("subscriptionType"),
	}
	if err := Validate(&query); err != nil {
		Error(w, err)
		return
	}

	offers, err := h.pricing.ApplicableOffers(r.Context(), query)
	if err != nil {
		Error(w, err)
		return
	}
	if offers == nil {
		offers = []domain.ApplicableOffer{}
	}
	JSON(w, http.StatusOK, offers)
}
