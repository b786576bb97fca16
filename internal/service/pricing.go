package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/internal/repository"
)

// PricingService combines the pricing table with offers.
type PricingService struct {
	offers OfferStore
	now    Clock
	logger *slog.Logger
}

// NewPricingService creates a new PricingService.
func NewPricingService(offers OfferStore, now Clock, logger *slog.Logger) *PricingService {
	return &PricingService{offers: offers, now: now, logger: logger}
}

// Quote prices a purchase, applying offerID when given. An unknown offer is
// NotFound; one that does not apply to the purchase is a Conflict.
func (s *PricingService) Quote(ctx context.Context, oc domain.OfferContext, offerID *string) (*domain.PriceQuote, error) {
	base, ok := domain.BasePrice(oc.SubscriptionType)
	if !ok {
		return nil, domain.ErrValidation("unknown subscription type")
	}
	quote := &domain.PriceQuote{
		SubscriptionType: oc.SubscriptionType,
		OriginalPrice:    base,
		Price:            base,
	}
	if offerID == nil || *offerID == "" {
		return quote, nil
	}

	offer, err := s.offers.FindByID(ctx, *offerID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load offer", err)
	}
	if offer == nil {
		return nil, domain.ErrNotFound("offer not found")
	}
	if !offer.Applies(oc, s.now()) {
		return nil, domain.ErrConflict("offer is invalid or expired for this purchase")
	}

	id := offer.ID
	quote.Price = offer.DiscountedPrice(base)
	quote.OfferID = &id
	return quote, nil
}

// ApplicableOffers lists offers usable for the purchase right now.
func (s *PricingService) ApplicableOffers(ctx context.Context, q domain.ApplicableOffersQuery) ([]domain.ApplicableOffer, error) {
	base, ok := domain.BasePrice(q.SubscriptionType)
	if !ok {
		return nil, domain.ErrValidation("unknown subscription type")
	}
	now := s.now()
	candidates, err := s.offers.ListCandidates(ctx, q.SubscriptionType, now)
	if err != nil {
		return nil, domain.ErrInternal("failed to list offers", err)
	}

	oc := domain.OfferContext{Branch: q.Branch, Semester: q.Semester, SubscriptionType: q.SubscriptionType}
	out := []domain.ApplicableOffer{}
	for _, o := range candidates {
		if !o.Applies(oc, now) {
			continue
		}
		out = append(out, domain.ApplicableOffer{
			Offer:           o,
			OriginalPrice:   base,
			DiscountedPrice: o.DiscountedPrice(base),
		})
	}
	s.logger.Debug("applicable offers", "type", q.SubscriptionType, "count", len(out))
	return out, nil
}

// Reserve holds one use of offerID for a checkout session until it is paid
// or released.
func (s *PricingService) Reserve(ctx context.Context, offerID, sessionID string) error {
	if err := s.offers.Reserve(ctx, offerID, sessionID); err != nil {
		if errors.Is(err, repository.ErrOfferUnavailable) {
			return domain.ErrConflict("offer is no longer available")
		}
		return domain.ErrInternal("failed to reserve offer", err)
	}
	return nil
}

// Release returns an unpaid reservation to the offer.
func (s *PricingService) Release(ctx context.Context, sessionID string) (bool, error) {
	return s.offers.Release(ctx, sessionID)
}
