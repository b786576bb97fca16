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

const offerColumns = `
	id, code, branch, semester, subscription_type, discount_kind, discount_value,
	valid_from, valid_until, usage_limit, usage_count, active, created_at`

// OfferRepository handles database operations for offers.
type OfferRepository struct {
	db *pgxpool.Pool
}

// NewOfferRepository creates a new OfferRepository.
func NewOfferRepository(db *pgxpool.Pool) *OfferRepository {
	return &OfferRepository{db: db}
}

func scanOffer(row pgx.Row) (*domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(
		&o.ID, &o.Code, &o.Branch, &o.Semester, &o.SubscriptionType, &o.DiscountKind, &o.DiscountValue,
		&o.ValidFrom, &o.ValidUntil, &o.UsageLimit, &o.UsageCount, &o.Active, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// FindByID returns an offer by id, or nil.
func (r *OfferRepository) FindByID(ctx context.Context, id string) (*domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE id = $1`
	o, err := scanOffer(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find offer: %w", err)
	}
	return o, nil
}

// ListCandidates returns active offers for a subscription type that are
// inside their validity window at now. Branch, semester and usage filtering
// is left to domain.Offer.Applies.
func (r *OfferRepository) ListCandidates(ctx context.Context, subscriptionType string, now time.Time) ([]*domain.Offer, error) {
	query := `
		SELECT ` + offerColumns + `
		FROM offers
		WHERE active AND subscription_type = $1 AND $2 BETWEEN valid_from AND valid_until
		ORDER BY created_at DESC
	`
	rows, err := r.db.Query(ctx, query, subscriptionType, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list offers: %w", err)
	}
	defer rows.Close()

	offers := []*domain.Offer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

// Reserve takes one use of an offer for reference, typically a checkout
// session. Reserving the same reference twice is a no-op. Returns
// ErrOfferUnavailable when the offer has no capacity left.
func (r *OfferRepository) Reserve(ctx context.Context, offerID, reference string) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		return redeemOffer(ctx, tx, offerID, reference, "")
	})
}

// Release gives back an unpaid reservation held by reference. It reports
// false when there was nothing to release, including when the reservation
// already belongs to a subscription.
func (r *OfferRepository) Release(ctx context.Context, reference string) (bool, error) {
	released := false
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var offerID string
		err := tx.QueryRow(ctx, `DELETE FROM offer_redemptions WHERE reference = $1 AND subscription_id IS NULL RETURNING offer_id`, reference).Scan(&offerID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to delete offer reservation: %w", err)
		}
		if _, err := tx.Exec(ctx, `UPDATE offers SET usage_count = usage_count - 1 WHERE id = $1 AND usage_count > 0`, offerID); err != nil {
			return fmt.Errorf("failed to release offer: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}
