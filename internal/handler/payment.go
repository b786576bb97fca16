package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/service"
	"github.com/semesterpass/backend/pkg/payment"
)

const maxWebhookBody = 1 << 20

// EventSigner produces signed gateway events. Only the local gateway
// implements it, so simulation is unavailable against a real provider.
type EventSigner interface {
	SignedEvent(eventType string, object any, at time.Time) ([]byte, string, error)
}

// SimulateRequest is the admin input for POST /api/admin/payments/simulate.
type SimulateRequest struct {
	Type   string         `json:"type" validate:"required"`
	Object map[string]any `json:"object" validate:"required"`
}

type PaymentHandler struct {
	checkout  *service.CheckoutService
	subs      *service.SubscriptionService
	processor *service.WebhookProcessor
	signer    EventSigner
	logger    *slog.Logger
}

// NewPaymentHandler creates a new PaymentHandler. signer may be nil.
func NewPaymentHandler(
	checkout *service.CheckoutService,
	subs *service.SubscriptionService,
	processor *service.WebhookProcessor,
	signer EventSigner,
	logger *slog.Logger,
) *PaymentHandler {
	return &PaymentHandler{checkout: checkout, subs: subs, processor: processor, signer: signer, logger: logger}
}

// CreateCheckout handles POST /api/payments/create-checkout-session.
func (h *PaymentHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req domain.CheckoutRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.checkout.CreateCheckoutSession(r.Context(), uid, &req)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// CreatePortal handles POST /api/payments/create-portal-session.
func (h *PaymentHandler) CreatePortal(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req domain.PortalRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	resp, err := h.checkout.CreatePortalSession(r.Context(), uid, req.ReturnURL)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, resp)
}

// CancelSubscription handles POST /api/payments/cancel-subscription.
func (h *PaymentHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req domain.CancelGatewayRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	sub, err := h.subs.Cancel(r.Context(), uid, req.SubscriptionID)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, sub)
}

// Webhook handles POST /api/payments/webhook. The raw body is passed to the
// processor untouched because the signature covers the exact bytes.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, domain.ErrBadRequest("webhook body too large"))
			return
		}
		Error(w, domain.ErrBadRequest("failed to read webhook body"))
		return
	}

	result, err := h.processor.Process(r.Context(), body, r.Header.Get(payment.SignatureHeader))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, result)
}

// Simulate handles POST /api/admin/payments/simulate (ADMIN ONLY, gated in router).
// It signs the given event with the local gateway and runs it through the
// same processor the real webhook uses.
func (h *PaymentHandler) Simulate(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		Error(w, domain.ErrNotFound("payment simulation is not available with this gateway"))
		return
	}

	var req SimulateRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, err)
		return
	}

	body, sig, err := h.signer.SignedEvent(req.Type, req.Object, time.Now())
	if err != nil {
		Error(w, domain.ErrBadRequest("failed to build event"))
		return
	}

	result, err := h.processor.Process(r.Context(), body, sig)
	if err != nil {
		Error(w, err)
		return
	}
	h.logger.Info("simulated payment event", "type", req.Type, "event_id", result.EventID, "outcome", result.Outcome)
	JSON(w, http.StatusOK, result)
}

// Event handles GET /api/admin/payments/events/{id} (ADMIN ONLY).
func (h *PaymentHandler) Event(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validate.Var(id, "required,max=255"); err != nil {
		Error(w, domain.ErrBadRequest("invalid event id"))
		return
	}

	entry, err := h.processor.Inspect(r.Context(), id)
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, entry)
}
