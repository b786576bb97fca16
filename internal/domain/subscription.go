package domain

import (
	"slices"
	"time"
)

// Subscription statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusCancelled = "cancelled"
	StatusPastDue   = "past_due"
	StatusExpired   = "expired"
)

// Subscription represents a time-bounded grant of feature access for one semester.
type Subscription struct {
	ID                     string     `json:"id"`
	UserID                 string     `json:"userId"`
	ExternalSubscriptionID *string    `json:"externalSubscriptionId,omitempty"`
	ExternalCustomerID     string     `json:"externalCustomerId,omitempty"`
	Semester               int        `json:"semester"`
	Branch                 string     `json:"branch"`
	SubscriptionType       string     `json:"subscriptionType"`
	Status                 string     `json:"status"`
	StartDate              time.Time  `json:"startDate"`
	EndDate                time.Time  `json:"endDate"`
	Price                  int64      `json:"price"`
	OriginalPrice          int64      `json:"originalPrice"`
	OfferID                *string    `json:"offerId,omitempty"`
	PaymentID              string     `json:"paymentId,omitempty"`
	PaymentMethod          string     `json:"paymentMethod,omitempty"`
	Features               []string   `json:"features"`
	CancelledAt            *time.Time `json:"cancelledAt,omitempty"`
	LastPaymentDate        *time.Time `json:"lastPaymentDate,omitempty"`
	LastPaymentFailed      *time.Time `json:"lastPaymentFailed,omitempty"`
	LastEventAt            *time.Time `json:"-"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// HasFeature reports whether the subscription unlocks feature.
func (s *Subscription) HasFeature(feature string) bool {
	return slices.Contains(s.Features, feature)
}

// GrantsAccess reports whether the subscription is usable at time now.
func (s *Subscription) GrantsAccess(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.EndDate)
}

var transitions = map[string][]string{
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusCancelled, StatusPastDue, StatusExpired},
	StatusPastDue:   {StatusActive, StatusCancelled},
	StatusCancelled: {},
	StatusExpired:   {},
}

// CanTransition reports whether a status change is allowed for direct
// (non-gateway) updates. Writing the current status again is always allowed.
func CanTransition(from, to string) bool {
	if from == to {
		_, known := transitions[from]
		return known
	}
	return slices.Contains(transitions[from], to)
}

// ValidStatus reports whether status is a known subscription status.
func ValidStatus(status string) bool {
	_, ok := transitions[status]
	return ok
}

// CreateSubscriptionRequest is the input for POST /api/subscriptions.
type CreateSubscriptionRequest struct {
	Semester         int     `json:"semester" validate:"required,min=1,max=12"`
	Branch           string  `json:"branch" validate:"required,max=64"`
	SubscriptionType string  `json:"subscriptionType" validate:"required,oneof=semester annual lifetime"`
	OfferID          *string `json:"offerId,omitempty" validate:"omitempty,uuid"`
	PaymentID        string  `json:"paymentId,omitempty" validate:"max=255"`
	PaymentMethod    string  `json:"paymentMethod,omitempty" validate:"max=64"`
}

// CreateSubscriptionResponse is returned after a direct create.
type CreateSubscriptionResponse struct {
	Subscription     *Subscription `json:"subscription"`
	PaymentReference string        `json:"paymentReference"`
}

// UpdateStatusRequest is the input for the admin status update.
type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending active cancelled past_due expired"`
}

// CheckoutRequest is the input for POST /api/payments/create-checkout-session.
type CheckoutRequest struct {
	PriceID          string  `json:"priceId" validate:"required,max=255"`
	Semester         int     `json:"semester" validate:"required,min=1,max=12"`
	Branch           string  `json:"branch" validate:"required,max=64"`
	SubscriptionType string  `json:"subscriptionType" validate:"required,oneof=semester annual lifetime"`
	OfferID          *string `json:"offerId,omitempty" validate:"omitempty,uuid"`
	SuccessURL       string  `json:"successUrl" validate:"omitempty,url"`
	CancelURL        string  `json:"cancelUrl" validate:"omitempty,url"`
}

// CheckoutResponse returns the URL to redirect the user to for payment.
type CheckoutResponse struct {
	SessionID  string     `json:"sessionId"`
	PaymentURL string     `json:"paymentUrl"`
	Quote      PriceQuote `json:"quote"`
}

// PortalRequest is the input for POST /api/payments/create-portal-session.
type PortalRequest struct {
	ReturnURL string `json:"returnUrl" validate:"omitempty,url"`
}

// PortalResponse returns the billing portal URL.
type PortalResponse struct {
	URL string `json:"url"`
}

// CancelGatewayRequest is the input for POST /api/payments/cancel-subscription.
type CancelGatewayRequest struct {
	SubscriptionID string `json:"subscriptionId" validate:"required,uuid"`
}

// AccessResponse is the result of a feature access check.
type AccessResponse struct {
	Feature   string `json:"feature"`
	Semester  int    `json:"semester"`
	HasAccess bool   `json:"hasAccess"`
}
