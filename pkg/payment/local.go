package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalGateway is an in-process gateway for development and tests. It keeps
// customers in memory and signs events with the shared
// webhook secret so they can be replayed through the real processor.
type LocalGateway struct {
	secret    string
	tolerance time.Duration
	baseURL   string

	mu        sync.Mutex
	customers map[string]string // customer id -> user id
}

// NewLocalGateway creates a LocalGateway signing with secret.
func NewLocalGateway(secret, baseURL string) *LocalGateway {
	if baseURL == "" {
		baseURL = "https://pay.localhost"
	}
	return &LocalGateway{
		secret:    secret,
		tolerance: DefaultTolerance,
		baseURL:   baseURL,
		customers: make(map[string]string),
	}
}

func (g *LocalGateway) CreateCustomer(ctx context.Context, params CustomerParams) (string, error) {
	id := "cus_" + uuid.NewString()
	g.mu.Lock()
	g.customers[id] = params.UserID
	g.mu.Unlock()
	return id, nil
}

func (g *LocalGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	if params.CustomerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}
	id := "cs_" + uuid.NewString()
	return &CheckoutSession{
		ID:  id,
		URL: g.baseURL + "/checkout?session_id=" + url.QueryEscape(id),
	}, nil
}

func (g *LocalGateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	u := g.baseURL + "/portal?customer=" + url.QueryEscape(customerID)
	if returnURL != "" {
		u += "&return_url=" + url.QueryEscape(returnURL)
	}
	return u, nil
}

func (g *LocalGateway) CancelSubscription(ctx context.Context, externalSubscriptionID string) error {
	if externalSubscriptionID == "" {
		return fmt.Errorf("subscription id is required")
	}
	return nil
}

func (g *LocalGateway) VerifySignature(payload []byte, header string) error {
	return VerifySignature(payload, header, g.secret, g.tolerance, time.Now())
}

// SignedEvent builds a webhook body for eventType wrapping object and returns
// it with a valid signature header.
func (g *LocalGateway) SignedEvent(eventType string, object any, at time.Time) ([]byte, string, error) {
	body, err := json.Marshal(map[string]any{
		"id":      "evt_" + uuid.NewString(),
		"type":    eventType,
		"created": at.Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode event: %w", err)
	}
	return body, Sign(body, g.secret, at), nil
}
