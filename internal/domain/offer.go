package domain

import "time"

// Discount kinds.
const (
	DiscountPercentage = "percentage"
	DiscountFlat       = "flat"
)

// WildcardBranch matches every branch. A zero Offer.Semester matches every semester.
const WildcardBranch = "all"

// Offer is a time-bound, usage-limited discount on a subscription purchase.
type Offer struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	Branch           string    `json:"branch"`
	Semester         int       `json:"semester"`
	SubscriptionType string    `json:"subscriptionType"`
	DiscountKind     string    `json:"discountKind"`
	DiscountValue    int64     `json:"discountValue"`
	ValidFrom        time.Time `json:"validFrom"`
	ValidUntil       time.Time `json:"validUntil"`
	UsageLimit       int       `json:"usageLimit"` // 0 = unlimited
	UsageCount       int       `json:"usageCount"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"createdAt"`
}

// OfferContext is the purchase an offer is evaluated against.
type OfferContext struct {
	Branch           string
	Semester         int
	SubscriptionType string
}

// Applies reports whether the offer can be used for the purchase at time now.
func (o *Offer) Applies(c OfferContext, now time.Time) bool {
	if o == nil || !o.Active {
		return false
	}
	if o.Branch != WildcardBranch && o.Branch != c.Branch {
		return false
	}
	if o.Semester != 0 && o.Semester != c.Semester {
		return false
	}
	if o.SubscriptionType != c.SubscriptionType {
		return false
	}
	if now.Before(o.ValidFrom) || now.After(o.ValidUntil) {
		return false
	}
	return o.HasCapacity()
}

// HasCapacity reports whether the offer is under its usage limit.
func (o *Offer) HasCapacity() bool {
	return o.UsageLimit == 0 || o.UsageCount < o.UsageLimit
}

// DiscountedPrice applies the discount to base. The result is never negative
// and never above base.
func (o *Offer) DiscountedPrice(base int64) int64 {
	if base <= 0 {
		return 0
	}
	var off int64
	switch o.DiscountKind {
	case DiscountPercentage:
		pct := clamp(o.DiscountValue, 0, 100)
		off = base * pct / 100
	case DiscountFlat:
		off = clamp(o.DiscountValue, 0, base)
	}
	return clamp(base-off, 0, base)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PriceQuote is the computed price of a purchase.
type PriceQuote struct {
	SubscriptionType string  `json:"subscriptionType"`
	OriginalPrice    int64   `json:"originalPrice"`
	Price            int64   `json:"price"`
	OfferID          *string `json:"offerId,omitempty"`
}

// ApplicableOffer is an offer together with the price it yields.
type ApplicableOffer struct {
	Offer           *Offer `json:"offer"`
	OriginalPrice   int64  `json:"originalPrice"`
	DiscountedPrice int64  `json:"discountedPrice"`
}

// ApplicableOffersQuery filters GET /api/offers/applicable.
type ApplicableOffersQuery struct {
	Semester         int    `validate:"required,min=1,max=12"`
	Branch           string `validate:"required,max=64"`
	SubscriptionType string `validate:"required,oneof=semester annual lifetime"`
}
