package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/semesterpass/backend/internal/domain"
)

const subscriptionColumns = `
	id, user_id, external_subscription_id, external_customer_id, semester, branch,
	subscription_type, status, start_date, end_date, price, original_price, offer_id,
	payment_id, payment_method, features, cancelled_at, last_payment_date,
	last_payment_failed, last_event_at, created_at, updated_at`

// SubscriptionRepository is the PostgreSQL subscription store.
type SubscriptionRepository struct {
	db *pgxpool.Pool
}

// NewSubscriptionRepository creates a new SubscriptionRepository.
func NewSubscriptionRepository(db *pgxpool.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.ExternalSubscriptionID, &s.ExternalCustomerID, &s.Semester, &s.Branch,
		&s.SubscriptionType, &s.Status, &s.StartDate, &s.EndDate, &s.Price, &s.OriginalPrice, &s.OfferID,
		&s.PaymentID, &s.PaymentMethod, &s.Features, &s.CancelledAt, &s.LastPaymentDate,
		&s.LastPaymentFailed, &s.LastEventAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// scanOne returns nil, nil when the row does not exist.
func scanOne(row pgx.Row, what string) (*domain.Subscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to %s: %w", what, err)
	}
	return sub, nil
}

// Create inserts a subscription and, when it references an offer, redeems
// one use of the offer in the same transaction. Returns
// ErrActiveSubscriptionExists or ErrOfferUnavailable without writing anything.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *domain.Subscription) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO subscriptions (
			id, user_id, external_subscription_id, external_customer_id, semester, branch,
			subscription_type, status, start_date, end_date, price, original_price, offer_id,
			payment_id, payment_method, features, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = tx.Exec(ctx, query,
		sub.ID, sub.UserID, sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.Semester, sub.Branch,
		sub.SubscriptionType, sub.Status, sub.StartDate, sub.EndDate, sub.Price, sub.OriginalPrice, sub.OfferID,
		sub.PaymentID, sub.PaymentMethod, sub.Features, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isActiveConflict(err) {
			return ErrActiveSubscriptionExists
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	if sub.OfferID != nil {
		if err := redeemOffer(ctx, tx, *sub.OfferID, sub.ID, sub.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit subscription: %w", err)
	}
	return nil
}

// redeemOffer records one use of an offer under reference and links it to
// subscriptionID when given. A second call for the same reference only
// fills in the link. The usage counter only moves while it is under the
// limit and inside the validity window.
func redeemOffer(ctx context.Context, tx pgx.Tx, offerID, reference, subscriptionID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE offer_redemptions SET subscription_id = COALESCE(subscription_id, NULLIF($2, ''))
		WHERE reference = $1
	`, reference, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to link offer redemption: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO offer_redemptions (reference, offer_id, subscription_id) VALUES ($1, $2, NULLIF($3, ''))
		ON CONFLICT (reference) DO NOTHING
	`, reference, offerID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to record offer redemption: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	tag, err = tx.Exec(ctx, `
		UPDATE offers SET usage_count = usage_count + 1
		WHERE id = $1 AND active
		  AND (usage_limit = 0 OR usage_count < usage_limit)
		  AND NOW() BETWEEN valid_from AND valid_until
	`, offerID)
	if err != nil {
		return fmt.Errorf("failed to redeem offer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferUnavailable
	}
	return nil
}

// RecordCheckout stores the subscription a completed checkout paid for. If a
// row for the external subscription already exists the payment details and
// offer are filled in, and a pending row is activated with the checkout's
// period. Offer redemption is keyed on reference (the checkout session, or
// the subscription id when empty), so the reservation taken when the
// session was created is reused and replays never count twice. An exhausted
// offer is reported through the second return value and does not fail the
// write, since the customer has already paid.
func (r *SubscriptionRepository) RecordCheckout(ctx context.Context, sub *domain.Subscription, reference string) (*domain.Subscription, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO subscriptions (
			id, user_id, external_subscription_id, external_customer_id, semester, branch,
			subscription_type, status, start_date, end_date, price, original_price, offer_id,
			payment_id, payment_method, features, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW(), NOW())
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			payment_id     = COALESCE(NULLIF(EXCLUDED.payment_id, ''), subscriptions.payment_id),
			payment_method = COALESCE(NULLIF(EXCLUDED.payment_method, ''), subscriptions.payment_method),
			offer_id       = COALESCE(subscriptions.offer_id, EXCLUDED.offer_id),
			status         = CASE WHEN subscriptions.status = 'pending' THEN EXCLUDED.status ELSE subscriptions.status END,
			start_date     = CASE WHEN subscriptions.status = 'pending' THEN EXCLUDED.start_date ELSE subscriptions.start_date END,
			end_date       = CASE WHEN subscriptions.status = 'pending' THEN EXCLUDED.end_date ELSE subscriptions.end_date END,
			last_event_at  = GREATEST(subscriptions.last_event_at, EXCLUDED.last_event_at),
			updated_at     = NOW()
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(tx.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.Semester, sub.Branch,
		sub.SubscriptionType, sub.Status, sub.StartDate, sub.EndDate, sub.Price, sub.OriginalPrice, sub.OfferID,
		sub.PaymentID, sub.PaymentMethod, sub.Features, sub.LastEventAt,
	))
	if err != nil {
		if isActiveConflict(err) {
			return nil, false, ErrActiveSubscriptionExists
		}
		return nil, false, fmt.Errorf("failed to record checkout: %w", err)
	}

	if reference == "" {
		reference = stored.ID
	}
	overflow := false
	if stored.OfferID != nil {
		sp, err := tx.Begin(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("failed to open savepoint: %w", err)
		}
		switch err := redeemOffer(ctx, sp, *stored.OfferID, reference, stored.ID); {
		case errors.Is(err, ErrOfferUnavailable):
			overflow = true
			if err := sp.Rollback(ctx); err != nil {
				return nil, false, fmt.Errorf("failed to roll back savepoint: %w", err)
			}
		case err != nil:
			return nil, false, err
		default:
			if err := sp.Commit(ctx); err != nil {
				return nil, false, fmt.Errorf("failed to release savepoint: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("failed to commit checkout: %w", err)
	}
	return stored, overflow, nil
}

// InsertFromGateway stores a subscription first seen through the gateway.
// An existing row for the external id is never touched: the bool result is
// false and the current row is returned.
func (r *SubscriptionRepository) InsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error) {
	query := `
		INSERT INTO subscriptions (
			id, user_id, external_subscription_id, external_customer_id, semester, branch,
			subscription_type, status, start_date, end_date, price, original_price, offer_id,
			payment_id, payment_method, features, cancelled_at, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			CASE WHEN $8 = 'cancelled' THEN $17::timestamptz END, $17, NOW(), NOW())
		ON CONFLICT (external_subscription_id) DO NOTHING
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.Semester, sub.Branch,
		sub.SubscriptionType, sub.Status, sub.StartDate, sub.EndDate, sub.Price, sub.OriginalPrice, sub.OfferID,
		sub.PaymentID, sub.PaymentMethod, sub.Features, eventAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if isActiveConflict(err) {
		return nil, false, ErrActiveSubscriptionExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert subscription: %w", err)
	}

	current, err := r.FindByExternalID(ctx, *sub.ExternalSubscriptionID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// UpsertFromGateway writes the gateway's view of a subscription keyed by its
// external id. Status and billing period are overwritten only when the event
// is not older than the last one applied, and a row that left pending is
// never moved back to it. The bool result is false when the event was
// skipped; the current row is returned either way.
func (r *SubscriptionRepository) UpsertFromGateway(ctx context.Context, sub *domain.Subscription, eventAt time.Time) (*domain.Subscription, bool, error) {
	query := `
		INSERT INTO subscriptions (
			id, user_id, external_subscription_id, external_customer_id, semester, branch,
			subscription_type, status, start_date, end_date, price, original_price, offer_id,
			payment_id, payment_method, features, cancelled_at, last_event_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			CASE WHEN $8 = 'cancelled' THEN $17::timestamptz END, $17, NOW(), NOW())
		ON CONFLICT (external_subscription_id) DO UPDATE SET
			status               = EXCLUDED.status,
			start_date           = EXCLUDED.start_date,
			end_date             = EXCLUDED.end_date,
			external_customer_id = EXCLUDED.external_customer_id,
			cancelled_at         = CASE WHEN EXCLUDED.status = 'cancelled'
			                            THEN COALESCE(subscriptions.cancelled_at, EXCLUDED.last_event_at)
			                            ELSE subscriptions.cancelled_at END,
			last_event_at        = EXCLUDED.last_event_at,
			updated_at           = NOW()
		WHERE (subscriptions.last_event_at IS NULL OR subscriptions.last_event_at <= EXCLUDED.last_event_at)
		  AND NOT (EXCLUDED.status = 'pending' AND subscriptions.status <> 'pending')
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query,
		sub.ID, sub.UserID, sub.ExternalSubscriptionID, sub.ExternalCustomerID, sub.Semester, sub.Branch,
		sub.SubscriptionType, sub.Status, sub.StartDate, sub.EndDate, sub.Price, sub.OriginalPrice, sub.OfferID,
		sub.PaymentID, sub.PaymentMethod, sub.Features, eventAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if isActiveConflict(err) {
		return nil, false, ErrActiveSubscriptionExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to upsert subscription: %w", err)
	}

	current, err := r.FindByExternalID(ctx, *sub.ExternalSubscriptionID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// ApplyGatewayStatus sets the status of the subscription with the given
// external id and stamps the matching timestamp column. It returns nil when
// no such subscription exists, and applied=false when the event is older than
// the last one applied.
func (r *SubscriptionRepository) ApplyGatewayStatus(ctx context.Context, externalID, status, paymentID string, eventAt time.Time) (*domain.Subscription, bool, error) {
	query := `
		UPDATE subscriptions SET
			status              = $2,
			payment_id          = COALESCE(NULLIF($3, ''), payment_id),
			cancelled_at        = CASE WHEN $2 = 'cancelled' THEN COALESCE(cancelled_at, $4) ELSE cancelled_at END,
			last_payment_date   = CASE WHEN $2 = 'active' THEN $4 ELSE last_payment_date END,
			last_payment_failed = CASE WHEN $2 = 'past_due' THEN $4 ELSE last_payment_failed END,
			last_event_at       = $4,
			updated_at          = NOW()
		WHERE external_subscription_id = $1
		  AND (last_event_at IS NULL OR last_event_at <= $4)
		RETURNING ` + subscriptionColumns
	stored, err := scanSubscription(r.db.QueryRow(ctx, query, externalID, status, paymentID, eventAt))
	if err == nil {
		return stored, true, nil
	}
	if isActiveConflict(err) {
		return nil, false, ErrActiveSubscriptionExists
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to apply gateway status: %w", err)
	}

	current, err := r.FindByExternalID(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// UpdateStatus sets the status of a subscription by id, stamping cancelled_at
// on cancellation. Returns nil when the subscription does not exist.
func (r *SubscriptionRepository) UpdateStatus(ctx context.Context, id, status string, at time.Time) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions SET
			status       = $2,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN COALESCE(cancelled_at, $3) ELSE cancelled_at END,
			updated_at   = $3
		WHERE id = $1
		RETURNING ` + subscriptionColumns
	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id, status, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if isActiveConflict(err) {
			return nil, ErrActiveSubscriptionExists
		}
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}
	return sub, nil
}

// FindByID returns a subscription by id.
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanOne(r.db.QueryRow(ctx, query, id), "find subscription")
}

// FindByExternalID returns a subscription by its gateway id.
func (r *SubscriptionRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_subscription_id = $1`
	return scanOne(r.db.QueryRow(ctx, query, externalID), "find subscription by external id")
}

// FindActive returns the subscription granting access for (userID, semester)
// at time now, or nil.
func (r *SubscriptionRepository) FindActive(ctx context.Context, userID string, semester int, now time.Time) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND semester = $2 AND status = 'active' AND end_date > $3
	`
	return scanOne(r.db.QueryRow(ctx, query, userID, semester, now), "find active subscription")
}

// ListByUser returns every subscription of a user, newest first.
func (r *SubscriptionRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	subs := []*domain.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ExpireDue marks active subscriptions whose end date has passed as expired
// and returns the affected user ids.
func (r *SubscriptionRepository) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE subscriptions SET status = 'expired', updated_at = $1
		WHERE status = 'active' AND end_date <= $1
		RETURNING user_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	userIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect expired subscriptions: %w", err)
	}
	return userIDs, nil
}
