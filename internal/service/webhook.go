package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/semesterpass/backend/internal/domain"
	"github.com/semesterpass/backend/pkg/payment"
)

// Webhook outcomes reported back to the gateway.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// WebhookResult describes how a verified event was handled.
type WebhookResult struct {
	EventID string `json:"eventId,omitempty"`
	Type    string `json:"type,omitempty"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// PayloadSealer encrypts event payloads before they are stored in the ledger
// and opens them again for inspection.
type PayloadSealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(value string) ([]byte, error)
}

// WebhookProcessor verifies gateway events and dispatches them to the
// subscription state machine.
type WebhookProcessor struct {
	gateway payment.PaymentGatewayClient
	subs    *SubscriptionService
	ledger  EventLedger
	sealer  PayloadSealer
	logger  *slog.Logger
}

// NewWebhookProcessor creates a new WebhookProcessor. sealer may be nil, in
// which case payloads are not kept in the ledger.
func NewWebhookProcessor(gateway payment.PaymentGatewayClient, subs *SubscriptionService, ledger EventLedger, sealer PayloadSealer, logger *slog.Logger) *WebhookProcessor {
	return &WebhookProcessor{gateway: gateway, subs: subs, ledger: ledger, sealer: sealer, logger: logger}
}

// Process verifies and applies one webhook delivery.
//
// A signature failure returns an Unauthorized AppError and applies nothing.
// Events that can never be applied (malformed bodies, permanent conflicts)
// are acknowledged with OutcomeIgnored. Any other failure is returned as an
// error so the gateway redelivers.
func (p *WebhookProcessor) Process(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	if err := p.gateway.VerifySignature(body, signature); err != nil {
		p.logger.Warn("webhook signature rejected", "error", err)
		return nil, domain.ErrUnauthorized("invalid webhook signature")
	}

	event, err := domain.ParseEvent(body)
	if err != nil {
		p.logger.Error("verified webhook could not be parsed", "error", err)
		return &WebhookResult{Outcome: OutcomeIgnored, Reason: "malformed event"}, nil
	}
	meta := event.Meta()
	result := &WebhookResult{EventID: meta.ID, Type: meta.Type}

	done, err := p.ledger.IsProcessed(ctx, meta.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check event ledger: %w", err)
	}
	if done {
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	if err := p.dispatch(ctx, event); err != nil {
		if !domain.IsPermanent(err) {
			p.logger.Error("webhook transition failed, requesting redelivery", "event_id", meta.ID, "type", meta.Type, "error", err)
			return nil, fmt.Errorf("failed to apply %s: %w", meta.Type, err)
		}
		p.logger.Error("webhook event permanently inapplicable", "event_id", meta.ID, "type", meta.Type, "error", err)
		result.Outcome = OutcomeIgnored
		result.Reason = err.Error()
	} else {
		result.Outcome = OutcomeApplied
	}

	p.record(ctx, meta, body)
	p.logger.Info("webhook processed", "event_id", meta.ID, "type", meta.Type, "outcome", result.Outcome)
	return result, nil
}

func (p *WebhookProcessor) dispatch(ctx context.Context, event domain.Event) error {
	switch e := event.(type) {
	case domain.CheckoutCompleted:
		return p.subs.ApplyCheckoutCompleted(ctx, e)
	case domain.CheckoutExpired:
		return p.subs.ApplyCheckoutExpired(ctx, e)
	case domain.SubscriptionCreated:
		return p.subs.ApplySubscriptionCreated(ctx, e)
	case domain.SubscriptionUpdated:
		return p.subs.ApplySubscriptionUpdated(ctx, e)
	case domain.SubscriptionDeleted:
		return p.subs.ApplySubscriptionDeleted(ctx, e)
	case domain.InvoicePaid:
		return p.subs.ApplyInvoicePaid(ctx, e)
	case domain.InvoiceFailed:
		return p.subs.ApplyInvoiceFailed(ctx, e)
	case domain.UnknownEvent:
		p.logger.Debug("unhandled webhook event type", "event_id", e.ID, "type", e.Type)
		return nil
	default:
		return domain.Permanent(fmt.Sprintf("no handler for %T", event), nil)
	}
}

// record adds the event to the ledger. A failure here only means a replay
// would run the (idempotent) transition again.
func (p *WebhookProcessor) record(ctx context.Context, meta domain.EventMeta, body []byte) {
	payload := ""
	if p.sealer != nil {
		sealed, err := p.sealer.Encrypt(body)
		if err != nil {
			p.logger.Warn("failed to encrypt webhook payload", "event_id", meta.ID, "error", err)
		} else {
			payload = sealed
		}
	}
	if err := p.ledger.MarkProcessed(ctx, meta.ID, meta.Type, payload); err != nil {
		p.logger.Warn("failed to record webhook event", "event_id", meta.ID, "error", err)
	}
}

// Inspect returns a ledger entry with its payload opened when this process
// holds the key it was sealed with.
func (p *WebhookProcessor) Inspect(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	entry, err := p.ledger.Find(ctx, eventID)
	if err != nil {
		return nil, domain.ErrInternal("failed to load webhook event", err)
	}
	if entry == nil {
		return nil, domain.ErrNotFound("webhook event not found")
	}

	switch {
	case entry.Sealed == "":
		entry.PayloadError = "payload not stored"
	case p.sealer == nil:
		entry.PayloadError = "no encryption key configured"
	default:
		plain, err := p.sealer.Decrypt(entry.Sealed)
		if err != nil {
			p.logger.Warn("failed to open webhook payload", "event_id", eventID, "error", err)
			entry.PayloadError = "payload cannot be opened with the current key"
		} else if json.Valid(plain) {
			entry.Payload = plain
		} else {
			entry.PayloadError = "stored payload is not JSON"
		}
	}
	return entry, nil
}
