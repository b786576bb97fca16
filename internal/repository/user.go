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

const userColumns = `
	id, email, role, branch, semester, external_customer_id,
	has_active_subscription, subscription_id, created_at, updated_at`

// UserRepository reads user records and maintains their subscription cache.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID, &u.Email, &u.Role, &u.Branch, &u.Semester, &u.ExternalCustomerID,
		&u.HasActiveSubscription, &u.SubscriptionID, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &u, nil
}

// FindByID returns a user by ID.
func (r *UserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

// FindByExternalCustomerID returns the user linked to a gateway customer.
func (r *UserRepository) FindByExternalCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE external_customer_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, customerID))
}

// SetExternalCustomerID links a user to a gateway customer.
func (r *UserRepository) SetExternalCustomerID(ctx context.Context, userID, customerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET external_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		userID, customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to link customer: %w", err)
	}
	return nil
}

// RefreshSubscription re-derives has_active_subscription and subscription_id
// from the subscriptions table. A subscription for the user's current
// semester is preferred, then the one ending last.
func (r *UserRepository) RefreshSubscription(ctx context.Context, userID string, now time.Time) error {
	query := `
		UPDATE users u SET
			subscription_id = s.id,
			has_active_subscription = s.id IS NOT NULL,
			updated_at = NOW()
		FROM (SELECT $1::text AS user_id) target
		LEFT JOIN LATERAL (
			SELECT sub.id FROM subscriptions sub, users owner
			WHERE sub.user_id = target.user_id AND owner.id = target.user_id
			  AND sub.status = 'active' AND sub.end_date > $2
			ORDER BY (sub.semester = owner.semester) DESC, sub.end_date DESC
			LIMIT 1
		) s ON TRUE
		WHERE u.id = target.user_id
	`
	if _, err := r.db.Exec(ctx, query, userID, now); err != nil {
		return fmt.Errorf("failed to refresh user subscription: %w", err)
	}
	return nil
}
