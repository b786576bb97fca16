package payment

import (
	"context"
	"errors"
)

// ErrSignature is returned when a webhook signature does not verify.
var ErrSignature = errors.New("invalid webhook signature")

// PaymentGatewayClient defines the interface for payment providers.
type PaymentGatewayClient interface {
	// CreateCustomer registers a billing customer and returns its gateway id.
	CreateCustomer(ctx context.Context, params CustomerParams) (string, error)
	// CreateCheckoutSession creates a hosted checkout for a subscription purchase.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)
	// CreatePortalSession returns a billing portal URL for the customer.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	// CancelSubscription cancels a gateway subscription immediately.
	CancelSubscription(ctx context.Context, externalSubscriptionID string) error
	// VerifySignature checks a webhook body against its signature header.
	VerifySignature(payload []byte, header string) error
}

// CustomerParams describes a new billing customer.
type CustomerParams struct {
	UserID string
	Email  string
}

// CheckoutParams describes a checkout session.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	Amount     int64
	Metadata   map[string]string
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is the gateway's answer to a checkout request.
type CheckoutSession struct {
	ID  string
	URL string
}
