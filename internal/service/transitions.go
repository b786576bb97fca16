package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/repository"
)

// Gateway-driven transitions. Each is safe to apply more than once and
// returns nil without touching state when the event refers to a customer or
// subscription this service does not know.

// ApplyCheckoutCompleted records the subscription a checkout paid for and
// marks the user as subscribed, activating a row an earlier
// subscription.created left pending. The offer reservation taken for the
// session is turned into the redemption, so a replayed event cannot redeem
// twice.
func (s *SubscriptionService) ApplyCheckoutCompleted(ctx context.Context, e domain.CheckoutCompleted) error {
	if e.ExternalCustomerID == "" || e.ExternalSubscriptionID == "" {
		s.logger.Info("checkout without customer or subscription, ignoring", "event_id", e.ID)
		return nil
	}
	user, err := s.resolveUser(ctx, e.Purchase.UserID, e.ExternalCustomerID)
	if err != nil || user == nil {
		return err
	}
	if _, ok := domain.GetTier(e.Purchase.SubscriptionType); !ok || e.Purchase.Semester <= 0 {
		s.logger.Info("checkout without purchase metadata, ignoring", "event_id", e.ID)
		return nil
	}
	if user.ExternalCustomerID == nil {
		if err := s.users.SetExternalCustomerID(ctx, user.ID, e.ExternalCustomerID); err != nil {
			return err
		}
	}

	extID := e.ExternalSubscriptionID
	eventAt := e.Created
	sub := s.subscriptionFromPurchase(user.ID, e.ExternalCustomerID, e.Purchase)
	sub.ExternalSubscriptionID = &extID
	sub.Status = domain.StatusActive
	sub.StartDate = e.Created
	sub.EndDate = e.Created.Add(domain.DurationFor(sub.SubscriptionType))
	sub.PaymentID = e.PaymentID
	sub.PaymentMethod = e.PaymentMethod
	sub.LastEventAt = &eventAt

	stored, overflow, err := s.subs.RecordCheckout(ctx, sub, e.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			s.logger.Error("paid checkout conflicts with an existing active subscription",
				"event_id", e.ID, "user_id", user.ID, "semester", sub.Semester)
			return domain.Permanent("user already has an active subscription for this semester", err)
		}
		return err
	}
	if overflow {
		s.logger.Warn("offer exhausted before checkout completed; price stands",
			"event_id", e.ID, "offer_id", *stored.OfferID, "subscription_id", stored.ID)
	}

	s.refreshUser(ctx, user.ID)
	s.publish(ctx, stored, "checkout_completed")
	return nil
}

// ApplyCheckoutExpired gives the offer reservation of an unpaid checkout
// back.
func (s *SubscriptionService) ApplyCheckoutExpired(ctx context.Context, e domain.CheckoutExpired) error {
	if e.SessionID == "" {
		return nil
	}
	released, err := s.pricing.Release(ctx, e.SessionID)
	if err != nil {
		return err
	}
	if released {
		s.logger.Info("offer reservation released", "event_id", e.ID, "session_id", e.SessionID)
	}
	return nil
}

// ApplySubscriptionCreated stores a subscription the gateway created. It
// only ever inserts: by the time a created event is seen again, checkout or
// later updates own the row.
func (s *SubscriptionService) ApplySubscriptionCreated(ctx context.Context, e domain.SubscriptionCreated) error {
	return s.syncSubscription(ctx, e.GatewaySubscription, true)
}

// ApplySubscriptionUpdated upserts the gateway's view of a subscription. It
// may arrive before the row exists, in which case it creates it.
func (s *SubscriptionService) ApplySubscriptionUpdated(ctx context.Context, e domain.SubscriptionUpdated) error {
	return s.syncSubscription(ctx, e.GatewaySubscription, false)
}

func (s *SubscriptionService) syncSubscription(ctx context.Context, gs domain.GatewaySubscription, insertOnly bool) error {
	if gs.ExternalSubscriptionID == "" {
		return nil
	}
	existing, err := s.subs.FindByExternalID(ctx, gs.ExternalSubscriptionID)
	if err != nil {
		return err
	}
	if existing != nil && insertOnly {
		s.logger.Info("subscription already recorded, ignoring created event",
			"event_id", gs.ID, "subscription_id", existing.ID, "status", existing.Status)
		return nil
	}

	var sub *domain.Subscription
	if existing != nil {
		copied := *existing
		sub = &copied
	} else {
		user, err := s.resolveUser(ctx, "", gs.ExternalCustomerID)
		if err != nil || user == nil {
			return err
		}
		if _, ok := domain.GetTier(gs.Purchase.SubscriptionType); !ok || gs.Purchase.Semester <= 0 {
			s.logger.Info("gateway subscription without purchase metadata, ignoring",
				"event_id", gs.ID, "external_subscription_id", gs.ExternalSubscriptionID)
			return nil
		}
		sub = s.subscriptionFromPurchase(user.ID, gs.ExternalCustomerID, gs.Purchase)
		extID := gs.ExternalSubscriptionID
		sub.ExternalSubscriptionID = &extID
	}

	sub.Status = gs.Status
	if gs.ExternalCustomerID != "" {
		sub.ExternalCustomerID = gs.ExternalCustomerID
	}
	sub.StartDate, sub.EndDate = periodBounds(gs, sub)

	write := s.subs.UpsertFromGateway
	if insertOnly {
		write = s.subs.InsertFromGateway
	}
	stored, applied, err := write(ctx, sub, gs.Created)
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return domain.Permanent("gateway activation conflicts with an existing active subscription", err)
		}
		return err
	}
	if !applied {
		s.logger.Info("gateway subscription event is stale or would reopen pending, ignoring",
			"event_id", gs.ID, "external_subscription_id", gs.ExternalSubscriptionID)
		return nil
	}

	s.refreshUser(ctx, stored.UserID)
	s.publish(ctx, stored, "synced")
	return nil
}

// ApplySubscriptionDeleted cancels the local subscription.
func (s *SubscriptionService) ApplySubscriptionDeleted(ctx context.Context, e domain.SubscriptionDeleted) error {
	return s.applyGatewayStatus(ctx, e.EventMeta, e.ExternalSubscriptionID, domain.StatusCancelled, "", nil)
}

// ApplyInvoicePaid reactivates the subscription and stamps the payment.
func (s *SubscriptionService) ApplyInvoicePaid(ctx context.Context, e domain.InvoicePaid) error {
	return s.applyGatewayStatus(ctx, e.EventMeta, e.ExternalSubscriptionID, domain.StatusActive, e.PaymentID,
		[]string{domain.StatusPending, domain.StatusActive, domain.StatusPastDue})
}

// ApplyInvoiceFailed marks the subscription past due.
func (s *SubscriptionService) ApplyInvoiceFailed(ctx context.Context, e domain.InvoiceFailed) error {
	return s.applyGatewayStatus(ctx, e.EventMeta, e.ExternalSubscriptionID, domain.StatusPastDue, "",
		[]string{domain.StatusActive, domain.StatusPastDue})
}

// applyGatewayStatus writes status to an existing subscription. When from is
// non-nil the current status must be one of its entries; terminal states are
// not revived by invoice events.
func (s *SubscriptionService) applyGatewayStatus(ctx context.Context, meta domain.EventMeta, externalID, status, paymentID string, from []string) error {
	if externalID == "" {
		return nil
	}
	current, err := s.subs.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if current == nil {
		s.logger.Info("event for unknown subscription, ignoring", "event_id", meta.ID, "type", meta.Type,
			"external_subscription_id", externalID)
		return nil
	}
	if from != nil && !slices.Contains(from, current.Status) {
		s.logger.Info("event does not apply to current status, ignoring", "event_id", meta.ID, "type", meta.Type,
			"subscription_id", current.ID, "status", current.Status)
		return nil
	}

	stored, applied, err := s.subs.ApplyGatewayStatus(ctx, externalID, status, paymentID, meta.Created)
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return domain.Permanent("reactivation conflicts with an existing active subscription", err)
		}
		return err
	}
	if stored == nil {
		return nil
	}
	if !applied {
		s.logger.Info("stale gateway event, ignoring", "event_id", meta.ID, "type", meta.Type, "subscription_id", stored.ID)
		return nil
	}

	s.refreshUser(ctx, stored.UserID)
	s.publish(ctx, stored, stored.Status)
	return nil
}

// resolveUser finds the user an event belongs to, by the user id carried in
// metadata first and the gateway customer id second.
func (s *SubscriptionService) resolveUser(ctx context.Context, userID, customerID string) (*domain.User, error) {
	if userID != "" {
		u, err := s.users.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if u != nil {
			if u.ExternalCustomerID != nil && customerID != "" && *u.ExternalCustomerID != customerID {
				s.logger.Warn("metadata user is linked to a different customer, ignoring", "user_id", userID)
				return nil, nil
			}
			return u, nil
		}
	}
	if customerID == "" {
		return nil, nil
	}
	u, err := s.users.FindByExternalCustomerID(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		s.logger.Info("event for unknown customer, ignoring", "customer_id", customerID)
	}
	return u, nil
}

func (s *SubscriptionService) subscriptionFromPurchase(userID, customerID string, p domain.PurchaseMetadata) *domain.Subscription {
	base, _ := domain.BasePrice(p.SubscriptionType)
	original := p.OriginalPrice
	if original <= 0 {
		original = base
	}
	price := p.Price
	if price < 0 || price > original {
		price = original
	}
	now := s.now()
	return &domain.Subscription{
		ID:                 uuid.NewString(),
		UserID:             userID,
		ExternalCustomerID: customerID,
		Semester:           p.Semester,
		Branch:             p.Branch,
		SubscriptionType:   p.SubscriptionType,
		Status:             domain.StatusPending,
		Price:              price,
		OriginalPrice:      original,
		OfferID:            p.OfferID,
		Features:           domain.FeaturesFor(p.SubscriptionType),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// periodBounds picks the gateway's billing period, falling back to the
// existing start and the tier duration when the payload lacks one.
func periodBounds(gs domain.GatewaySubscription, sub *domain.Subscription) (time.Time, time.Time) {
	start := gs.PeriodStart
	if start.IsZero() {
		start = sub.StartDate
	}
	if start.IsZero() {
		start = gs.Created
	}
	end := gs.PeriodEnd
	if !end.After(start) {
		end = start.Add(domain.DurationFor(sub.SubscriptionType))
	}
	return start, end
}
