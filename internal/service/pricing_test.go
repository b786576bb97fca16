package service

import (
	"context"
	"testing"
	"time"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	h := newHarness(t)
	o := annualOffer(h, 0)
	ctx := context.Background()
	oc := domain.OfferContext{Branch: "cse", Semester: 3, SubscriptionType: domain.TypeAnnual}

	q, err := h.pricing.Quote(ctx, oc, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2999), q.Price)
	assert.Nil(t, q.OfferID)

	empty := ""
	q, err = h.pricing.Quote(ctx, oc, &empty)
	require.NoError(t, err)
	assert.Nil(t, q.OfferID)

	q, err = h.pricing.Quote(ctx, oc, &o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2400), q.Price)
	assert.Equal(t, int64(2999), q.OriginalPrice)
	require.NotNil(t, q.OfferID)
	assert.Equal(t, o.ID, *q.OfferID)

	h.now = o.ValidUntil.Add(time.Second)
	_, err = h.pricing.Quote(ctx, oc, &o.ID)
	requireKind(t, err, domain.KindConflict)
}

func TestApplicableOffers(t *testing.T) {
	h := newHarness(t)
	annualOffer(h, 0)
	h.addOffer(&domain.Offer{
		ID: "flat", Code: "FLAT500", Branch: "cse", SubscriptionType: domain.TypeAnnual,
		DiscountKind: domain.DiscountFlat, DiscountValue: 500,
		ValidFrom: h.now.Add(-time.Hour), ValidUntil: h.now.Add(time.Hour), Active: true,
	})
	h.addOffer(&domain.Offer{
		ID: "ece-only", Code: "ECE", Branch: "ece", SubscriptionType: domain.TypeAnnual,
		DiscountKind: domain.DiscountFlat, DiscountValue: 100,
		ValidFrom: h.now.Add(-time.Hour), ValidUntil: h.now.Add(time.Hour), Active: true,
	})
	h.addOffer(&domain.Offer{
		ID: "spent", Code: "SPENT", Branch: domain.WildcardBranch, SubscriptionType: domain.TypeAnnual,
		DiscountKind: domain.DiscountFlat, DiscountValue: 100, UsageLimit: 1, UsageCount: 1,
		ValidFrom: h.now.Add(-time.Hour), ValidUntil: h.now.Add(time.Hour), Active: true,
	})

	offers, err := h.pricing.ApplicableOffers(context.Background(), domain.ApplicableOffersQuery{
		Semester: 3, Branch: "cse", SubscriptionType: domain.TypeAnnual,
	})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "FLAT500", offers[0].Offer.Code)
	assert.Equal(t, int64(2499), offers[0].DiscountedPrice)
	assert.Equal(t, "SPRING20", offers[1].Offer.Code)
	assert.Equal(t, int64(2400), offers[1].DiscountedPrice)

	offers, err = h.pricing.ApplicableOffers(context.Background(), domain.ApplicableOffersQuery{
		Semester: 3, Branch: "cse", SubscriptionType: domain.TypeSemester,
	})
	require.NoError(t, err)
	assert.Empty(t, offers)
}
