package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/repository"
	"github.com/semesterpass/backend/pkg/payment"
)

// LifecycleExchange is the topic exchange subscription changes are published to.
const LifecycleExchange = "subscription.events"

// SubscriptionService owns the subscription state machine: direct user
// actions and the transitions driven by gateway events.
type SubscriptionService struct {
	subs      SubscriptionStore
	users     UserStore
	pricing   *PricingService
	gateway   payment.PaymentGatewayClient
	publisher Publisher
	now       Clock
	logger    *slog.Logger
}

// NewSubscriptionService creates a new SubscriptionService.
func NewSubscriptionService(
	subs SubscriptionStore,
	users UserStore,
	pricing *PricingService,
	gateway payment.PaymentGatewayClient,
	publisher Publisher,
	now Clock,
	logger *slog.Logger,
) *SubscriptionService {
	return &SubscriptionService{
		subs:      subs,
		users:     users,
		pricing:   pricing,
		gateway:   gateway,
		publisher: publisher,
		now:       now,
		logger:    logger,
	}
}

// Create directly creates an active subscription for the user. The price is
// computed from the pricing table and the optional offer; the offer use is
// redeemed atomically with the insert.
func (s *SubscriptionService) Create(ctx context.Context, userID string, req *domain.CreateSubscriptionRequest) (*domain.CreateSubscriptionResponse, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
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

	now := s.now()
	paymentID := req.PaymentID
	if paymentID == "" {
		paymentID = "pay_" + uuid.NewString()
	}
	sub := &domain.Subscription{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		ExternalCustomerID: customerID,
		Semester:           req.Semester,
		Branch:             req.Branch,
		SubscriptionType:   req.SubscriptionType,
		Status:             domain.StatusActive,
		StartDate:          now,
		EndDate:            now.Add(domain.DurationFor(req.SubscriptionType)),
		Price:              quote.Price,
		OriginalPrice:      quote.OriginalPrice,
		OfferID:            quote.OfferID,
		PaymentID:          paymentID,
		PaymentMethod:      req.PaymentMethod,
		Features:           domain.FeaturesFor(req.SubscriptionType),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		switch {
		case errors.Is(err, repository.ErrActiveSubscriptionExists):
			return nil, domain.ErrConflict("an active subscription already exists for this semester")
		case errors.Is(err, repository.ErrOfferUnavailable):
			return nil, domain.ErrConflict("offer is no longer available")
		}
		return nil, domain.ErrInternal("failed to create subscription", err)
	}

	s.refreshUser(ctx, user.ID)
	s.publish(ctx, sub, "created")
	s.logger.Info("subscription created",
		"subscription_id", sub.ID, "user_id", user.ID, "semester", sub.Semester,
		"type", sub.SubscriptionType, "price", sub.Price, "offer", quote.OfferID != nil)

	return &domain.CreateSubscriptionResponse{Subscription: sub, PaymentReference: paymentID}, nil
}

// Cancel cancels a subscription owned by userID. The gateway subscription is
// cancelled first so a gateway failure leaves local state untouched.
func (s *SubscriptionService) Cancel(ctx context.Context, userID, subscriptionID string) (*domain.Subscription, error) {
	sub, err := s.subs.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if sub == nil {
		return nil, domain.ErrNotFound("subscription not found")
	}
	if sub.UserID != userID {
		s.logger.Warn("cancel attempted by non-owner", "subscription_id", sub.ID, "user_id", userID)
		return nil, domain.ErrForbidden("subscription belongs to another user")
	}
	if sub.Status == domain.StatusCancelled {
		return sub, nil
	}
	if !domain.CanTransition(sub.Status, domain.StatusCancelled) {
		return nil, domain.ErrConflict("subscription cannot be cancelled from status " + sub.Status)
	}

	if sub.ExternalSubscriptionID != nil {
		if err := s.gateway.CancelSubscription(ctx, *sub.ExternalSubscriptionID); err != nil {
			return nil, domain.ErrUpstream("payment gateway failed to cancel subscription", err)
		}
	}

	updated, err := s.subs.UpdateStatus(ctx, sub.ID, domain.StatusCancelled, s.now())
	if err != nil {
		return nil, domain.ErrInternal("failed to cancel subscription", err)
	}
	if updated == nil {
		return nil, domain.ErrNotFound("subscription not found")
	}

	s.refreshUser(ctx, sub.UserID)
	s.publish(ctx, updated, "cancelled")
	return updated, nil
}

// UpdateStatus changes a subscription's status on behalf of an administrator,
// following the state machine.
func (s *SubscriptionService) UpdateStatus(ctx context.Context, subscriptionID, status string) (*domain.Subscription, error) {
	sub, err := s.subs.FindByID(ctx, subscriptionID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	if sub == nil {
		return nil, domain.ErrNotFound("subscription not found")
	}
	if !domain.CanTransition(sub.Status, status) {
		return nil, domain.ErrConflict("invalid status transition from " + sub.Status + " to " + status)
	}
	if status == domain.StatusActive && len(sub.Features) == 0 {
		return nil, domain.ErrConflict("subscription has no features to activate")
	}

	updated, err := s.subs.UpdateStatus(ctx, sub.ID, status, s.now())
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return nil, domain.ErrConflict("an active subscription already exists for this semester")
		}
		return nil, domain.ErrInternal("failed to update subscription", err)
	}
	if updated == nil {
		return nil, domain.ErrNotFound("subscription not found")
	}

	s.refreshUser(ctx, updated.UserID)
	s.publish(ctx, updated, "status_updated")
	return updated, nil
}

// GetActive returns the caller's active subscription for their own
// semester, or nil when there is none.
func (s *SubscriptionService) GetActive(ctx context.Context, userID string) (*domain.Subscription, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sub, err := s.subs.FindActive(ctx, user.ID, user.Semester, s.now())
	if err != nil {
		return nil, domain.ErrInternal("failed to load subscription", err)
	}
	return sub, nil
}

// List returns the caller's subscription history.
func (s *SubscriptionService) List(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	subs, err := s.subs.ListByUser(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to list subscriptions", err)
	}
	return subs, nil
}

// RefreshUser re-derives the user's cached subscription flags from the store.
func (s *SubscriptionService) RefreshUser(ctx context.Context, userID string) (*domain.User, error) {
	if _, err := s.loadUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.users.RefreshSubscription(ctx, userID, s.now()); err != nil {
		return nil, domain.ErrInternal("failed to refresh user", err)
	}
	return s.loadUser(ctx, userID)
}

// ExpireDue moves every active subscription past its end date to expired.
func (s *SubscriptionService) ExpireDue(ctx context.Context) (int, error) {
	userIDs, err := s.subs.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		s.refreshUser(ctx, id)
	}
	return len(userIDs), nil
}

func (s *SubscriptionService) loadUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load user", err)
	}
	if user == nil {
		return nil, domain.ErrNotFound("user not found")
	}
	return user, nil
}

// refreshUser re-derives the user cache. Failures are logged: the store stays
// authoritative and the next refresh repairs the cache.
func (s *SubscriptionService) refreshUser(ctx context.Context, userID string) {
	if err := s.users.RefreshSubscription(ctx, userID, s.now()); err != nil {
		s.logger.Error("failed to refresh user subscription cache", "user_id", userID, "error", err)
	}
}

func (s *SubscriptionService) publish(ctx context.Context, sub *domain.Subscription, action string) {
	if s.publisher == nil {
		return
	}
	body := map[string]interface{}{
		"subscriptionId":   sub.ID,
		"userId":           sub.UserID,
		"semester":         sub.Semester,
		"subscriptionType": sub.SubscriptionType,
		"status":           sub.Status,
		"action":           action,
		"occurredAt":       s.now(),
	}
	if err := s.publisher.Publish(ctx, LifecycleExchange, "subscription."+action, body); err != nil {
		s.logger.Warn("failed to publish subscription event", "subscription_id", sub.ID, "action", action, "error", err)
	}
}

// ensureCustomer returns the user's gateway customer id, creating and
// linking one when missing.
func ensureCustomer(ctx context.Context, users UserStore, gateway payment.PaymentGatewayClient, user *domain.User) (string, error) {
	if user.ExternalCustomerID != nil && *user.ExternalCustomerID != "" {
		return *user.ExternalCustomerID, nil
	}
	customerID, err := gateway.CreateCustomer(ctx, payment.CustomerParams{UserID: user.ID, Email: user.Email})
	if err != nil {
		return "", domain.ErrUpstream("payment gateway failed to create customer", err)
	}
	if err := users.SetExternalCustomerID(ctx, user.ID, customerID); err != nil {
		return "", domain.ErrInternal("failed to link billing customer", err)
	}
	user.ExternalCustomerID = &customerID
	return customerID, nil
}
