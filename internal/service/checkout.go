package service

import (
	"context"
	"log/slog"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/pkg/payment"
)

// CheckoutService starts hosted payment flows. The subscription itself is
// written when the gateway reports the checkout as completed.
type CheckoutService struct {
	subs       SubscriptionStore
	users      UserStore
	pricing    *PricingService
	gateway    payment.PaymentGatewayClient
	successURL string
	cancelURL  string
	now        Clock
	logger     *slog.Logger
}

// NewCheckoutService creates a new CheckoutService. successURL and cancelURL
// are used when a request does not supply its own.
func NewCheckoutService(
	subs SubscriptionStore,
	users UserStore,
	pricing *PricingService,
	gateway payment.PaymentGatewayClient,
	successURL, cancelURL string,
	now Clock,
	logger *slog.Logger,
) *CheckoutService {
	return &CheckoutService{
		subs:       subs,
		users:      users,
		pricing:    pricing,
		gateway:    gateway,
		successURL: successURL,
		cancelURL:  cancelURL,
		now:        now,
		logger:     logger,
	}
}

// CreateCheckoutSession prices the purchase and asks the gateway for a
// checkout URL. The offer, if any, is reserved for the session so two
// checkouts cannot both get its last use; besides that the only local change
// is linking a new gateway customer.
func (s *CheckoutService) CreateCheckoutSession(ctx context.Context, userID string, req *domain.CheckoutRequest) (*domain.CheckoutResponse, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load user", err)
	}
	if user == nil {
		return nil, domain.ErrNotFound("user not found")
	}

	existing, err := s.subs.FindActive(ctx, user.ID, req.Semester, s.now())
	if err != nil {
		return nil, domain.ErrInternal("failed to check existing subscription", err)
	}
	if existing != nil {
		return nil, domain.ErrConflict("an active subscription already exists for this semester")
	}

	oc := domain.OfferContext{Branch: req.Branch, Semester: req.Semester, SubscriptionType: req.SubscriptionType}
	quote, err := s.pricing.Quote(ctx, oc, req.OfferID)
	if err != nil {
		return nil, err
	}

	customerID, err := ensureCustomer(ctx, s.users, s.gateway, user)
	if err != nil {
		return nil, err
	}

	purchase := domain.PurchaseMetadata{
		UserID:           user.ID,
		Semester:         req.Semester,
		Branch:           req.Branch,
		SubscriptionType: req.SubscriptionType,
		OfferID:          quote.OfferID,
		OriginalPrice:    quote.OriginalPrice,
		Price:            quote.Price,
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, payment.CheckoutParams{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		Amount:     quote.Price,
		Metadata:   purchase.Map(),
		SuccessURL: firstNonEmpty(req.SuccessURL, s.successURL),
		CancelURL:  firstNonEmpty(req.CancelURL, s.cancelURL),
	})
	if err != nil {
		return nil, domain.ErrUpstream("payment gateway failed to create checkout session", err)
	}
	if quote.OfferID != nil {
		// the session is never shown to the caller if this fails, so it simply lapses
		if err := s.pricing.Reserve(ctx, *quote.OfferID, session.ID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("checkout session created", "user_id", user.ID, "session_id", session.ID,
		"type", req.SubscriptionType, "price", quote.Price)
	return &domain.CheckoutResponse{SessionID: session.ID, PaymentURL: session.URL, Quote: *quote}, nil
}

// CreatePortalSession returns the gateway's billing portal for the user.
func (s *CheckoutService) CreatePortalSession(ctx context.Context, userID, returnURL string) (*domain.PortalResponse, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load user", err)
	}
	if user == nil {
		return nil, domain.ErrNotFound("user not found")
	}
	if user.ExternalCustomerID == nil || *user.ExternalCustomerID == "" {
		return nil, domain.ErrNotFound("no billing account for user")
	}

	url, err := s.gateway.CreatePortalSession(ctx, *user.ExternalCustomerID, firstNonEmpty(returnURL, s.successURL))
	if err != nil {
		return nil, domain.ErrUpstream("payment gateway failed to create portal session", err)
	}
	return &domain.PortalResponse{URL: url}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
