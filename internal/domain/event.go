package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Gateway event types.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventCheckoutExpired     = "checkout.session.expired"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaid         = "invoice.payment_succeeded"
	EventInvoiceFailed       = "invoice.payment_failed"
)

// Event is a verified payment gateway notification. The set of
// implementations is closed; anything unrecognised parses to UnknownEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta is common to every gateway event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

func (m EventMeta) Meta() EventMeta { return m }
func (EventMeta) isEvent()          {}

// PurchaseMetadata is attached by this service to checkout sessions and
// gateway subscriptions so events can be mapped back to a purchase.
type PurchaseMetadata struct {
	UserID           string
	Semester         int
	Branch           string
	SubscriptionType string
	OfferID          *string
	OriginalPrice    int64
	Price            int64
}

// CheckoutCompleted: the customer finished the hosted checkout.
type CheckoutCompleted struct {
	EventMeta
	SessionID              string
	ExternalCustomerID     string
	ExternalSubscriptionID string
	PaymentID              string
	PaymentMethod          string // empty when the gateway does not say
	Purchase               PurchaseMetadata
}

// CheckoutExpired: the hosted checkout lapsed without payment.
type CheckoutExpired struct {
	EventMeta
	SessionID string
}

// GatewaySubscription carries the gateway's view of a subscription.
type GatewaySubscription struct {
	EventMeta
	ExternalSubscriptionID string
	ExternalCustomerID     string
	Status                 string // already mapped to a local status
	PeriodStart            time.Time
	PeriodEnd              time.Time
	Purchase               PurchaseMetadata
}

// SubscriptionCreated: the gateway created a subscription.
type SubscriptionCreated struct{ GatewaySubscription }

// SubscriptionUpdated: the gateway changed status or billing period.
type SubscriptionUpdated struct{ GatewaySubscription }

// SubscriptionDeleted: the gateway ended the subscription.
type SubscriptionDeleted struct {
	EventMeta
	ExternalSubscriptionID string
}

// InvoicePaid: a payment for the subscription went through.
type InvoicePaid struct {
	EventMeta
	ExternalSubscriptionID string
	PaymentID              string
}

// InvoiceFailed: a payment for the subscription failed.
type InvoiceFailed struct {
	EventMeta
	ExternalSubscriptionID string
}

// LedgerEntry is a webhook event kept in the ledger. Sealed holds the stored
// payload as written; Payload is filled only once it has been opened.
type LedgerEntry struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	ProcessedAt  time.Time       `json:"processedAt"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PayloadError string          `json:"payloadError,omitempty"`
	Sealed       string          `json:"-"`
}

// UnknownEvent is any event type this service does not handle.
type UnknownEvent struct {
	EventMeta
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Subscription       string            `json:"subscription"`
	PaymentIntent      string            `json:"payment_intent"`
	PaymentMethodTypes []string          `json:"payment_method_types"`
	Metadata           map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID            string `json:"id"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
}

// ParseEvent decodes a verified webhook body into its Event variant.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("event id and type are required")
	}
	meta := EventMeta{ID: env.ID, Type: env.Type, Created: time.Unix(env.Created, 0).UTC()}

	switch env.Type {
	case EventCheckoutCompleted:
		var o checkoutObject
		if err := json.Unmarshal(env.Data.Object, &o); err != nil {
			return nil, fmt.Errorf("invalid checkout object: %w", err)
		}
		cc := CheckoutCompleted{
			EventMeta:              meta,
			SessionID:              o.ID,
			ExternalCustomerID:     o.Customer,
			ExternalSubscriptionID: o.Subscription,
			PaymentID:              o.PaymentIntent,
			Purchase:               parsePurchase(o.Metadata),
		}
		// a single offered method is the one that was used
		if len(o.PaymentMethodTypes) == 1 {
			cc.PaymentMethod = o.PaymentMethodTypes[0]
		}
		return cc, nil

	case EventCheckoutExpired:
		var o checkoutObject
		if err := json.Unmarshal(env.Data.Object, &o); err != nil {
			return nil, fmt.Errorf("invalid checkout object: %w", err)
		}
		return CheckoutExpired{EventMeta: meta, SessionID: o.ID}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		var o subscriptionObject
		if err := json.Unmarshal(env.Data.Object, &o); err != nil {
			return nil, fmt.Errorf("invalid subscription object: %w", err)
		}
		gs := GatewaySubscription{
			EventMeta:              meta,
			ExternalSubscriptionID: o.ID,
			ExternalCustomerID:     o.Customer,
			Status:                 MapGatewayStatus(o.Status),
			Purchase:               parsePurchase(o.Metadata),
		}
		if o.CurrentPeriodStart > 0 {
			gs.PeriodStart = time.Unix(o.CurrentPeriodStart, 0).UTC()
		}
		if o.CurrentPeriodEnd > 0 {
			gs.PeriodEnd = time.Unix(o.CurrentPeriodEnd, 0).UTC()
		}
		if env.Type == EventSubscriptionCreated {
			return SubscriptionCreated{gs}, nil
		}
		return SubscriptionUpdated{gs}, nil

	case EventSubscriptionDeleted:
		var o subscriptionObject
		if err := json.Unmarshal(env.Data.Object, &o); err != nil {
			return nil, fmt.Errorf("invalid subscription object: %w", err)
		}
		return SubscriptionDeleted{EventMeta: meta, ExternalSubscriptionID: o.ID}, nil

	case EventInvoicePaid, EventInvoiceFailed:
		var o invoiceObject
		if err := json.Unmarshal(env.Data.Object, &o); err != nil {
			return nil, fmt.Errorf("invalid invoice object: %w", err)
		}
		if env.Type == EventInvoicePaid {
			return InvoicePaid{EventMeta: meta, ExternalSubscriptionID: o.Subscription, PaymentID: o.PaymentIntent}, nil
		}
		return InvoiceFailed{EventMeta: meta, ExternalSubscriptionID: o.Subscription}, nil
	}

	return UnknownEvent{EventMeta: meta}, nil
}

// MapGatewayStatus converts a gateway subscription status to a local one.
func MapGatewayStatus(s string) string {
	switch s {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCancelled
	case "incomplete_expired", "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// Metadata keys written to checkout sessions.
const (
	MetaUserID           = "userId"
	MetaSemester         = "semester"
	MetaBranch           = "branch"
	MetaSubscriptionType = "subscriptionType"
	MetaOfferID          = "offerId"
	MetaOriginalPrice    = "originalPrice"
	MetaPrice            = "price"
)

// Map renders the metadata in the form sent to the gateway.
func (p PurchaseMetadata) Map() map[string]string {
	m := map[string]string{
		MetaUserID:           p.UserID,
		MetaSemester:         strconv.Itoa(p.Semester),
		MetaBranch:           p.Branch,
		MetaSubscriptionType: p.SubscriptionType,
		MetaOriginalPrice:    strconv.FormatInt(p.OriginalPrice, 10),
		MetaPrice:            strconv.FormatInt(p.Price, 10),
	}
	if p.OfferID != nil {
		m[MetaOfferID] = *p.OfferID
	}
	return m
}

func parsePurchase(m map[string]string) PurchaseMetadata {
	p := PurchaseMetadata{
		UserID:           m[MetaUserID],
		Branch:           m[MetaBranch],
		SubscriptionType: m[MetaSubscriptionType],
	}
	p.Semester, _ = strconv.Atoi(m[MetaSemester])
	p.OriginalPrice, _ = strconv.ParseInt(m[MetaOriginalPrice], 10, 64)
	p.Price, _ = strconv.ParseInt(m[MetaPrice], 10, 64)
	if id := m[MetaOfferID]; id != "" {
		p.OfferID = &id
	}
	return p
}
