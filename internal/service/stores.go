package service

import (
	"context"
	"time"

	"github.com/semesterpass/backend/internal/domain"
)

// SubscriptionStore is the durable subscription record. Implemented by
// repository.SubscriptionRepository.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *domain.Subscription) error
	RecordCheckout(ctx context.Context, sub *domain.Subscription, reference string) (*domain.Subscription, bool, error)
	InsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error)
	UpsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error)
	ApplyGatewayStatus(ctx context.Context, externalID, status, paymentID string, eventAt time.Time) (*domain.Subscription, bool, error)
	UpdateStatus(ctx context.Context, id, status string, at time.Time) (*domain.Subscription, error)
	FindByID(ctx context.Context, id string) (*domain.Subscription, error)
	FindByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
	FindActive(ctx context.Context, userID string, semester int, now time.Time) (*domain.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error)
	ExpireDue(ctx context.Context, now time.Time) ([]string, error)
}

// OfferStore reads offers and holds checkout reservations. Redemption for a
// stored subscription happens inside SubscriptionStore writes.
type OfferStore interface {
	FindByID(ctx context.Context, id string) (*domain.Offer, error)
	ListCandidates(ctx context.Context, subscriptionType string, now time.Time) ([]*domain.Offer, error)
	Reserve(ctx context.Context, offerID, reference string) error
	Release(ctx context.Context, reference string) (bool, error)
}

// UserStore reads user records and maintains the subscription cache on them.
type UserStore interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	FindByExternalCustomerID(ctx context.Context, customerID string) (*domain.User, error)
	SetExternalCustomerID(ctx context.Context, userID, customerID string) error
	RefreshSubscription(ctx context.Context, userID string, now time.Time) error
}

// EventLedger remembers which webhook events were applied.
type EventLedger interface {
	IsProcessed(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id, eventType, payload string) error
	Find(ctx context.Context, id string) (*domain.LedgerEntry, error)
}

// Publisher announces subscription lifecycle changes. Implemented by the
// rabbitmq producer and its logging fallback.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Clock returns the current time.
type Clock func() time.Time
