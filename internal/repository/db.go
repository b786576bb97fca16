package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors mapped by the service layer.
var (
	ErrActiveSubscriptionExists = errors.New("active subscription already exists for user and semester")
	ErrOfferUnavailable         = errors.New("offer is no longer available")
)

const (
	uniqueViolation      = "23505"
	activePerSemesterIdx = "idx_subscriptions_active_user_semester"
)

// NewDB creates a new PostgreSQL connection pool.
func NewDB(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = maxConns
	config.MinConns = minConns

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations executes the schema migration.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id                      TEXT PRIMARY KEY,
			email                   TEXT NOT NULL UNIQUE,
			role                    TEXT NOT NULL DEFAULT 'user',
			branch                  TEXT NOT NULL DEFAULT '',
			semester                INT  NOT NULL DEFAULT 1,
			external_customer_id    TEXT UNIQUE,
			has_active_subscription BOOLEAN NOT NULL DEFAULT FALSE,
			subscription_id         TEXT,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at              TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS offers (
			id                TEXT PRIMARY KEY,
			code              TEXT NOT NULL UNIQUE,
			branch            TEXT NOT NULL DEFAULT 'all',
			semester          INT  NOT NULL DEFAULT 0,
			subscription_type TEXT NOT NULL,
			discount_kind     TEXT NOT NULL CHECK (discount_kind IN ('percentage', 'flat')),
			discount_value    BIGINT NOT NULL CHECK (discount_value >= 0),
			valid_from        TIMESTAMPTZ NOT NULL,
			valid_until       TIMESTAMPTZ NOT NULL,
			usage_limit       INT NOT NULL DEFAULT 0,
			usage_count       INT NOT NULL DEFAULT 0,
			active            BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (usage_limit = 0 OR usage_count <= usage_limit)
		);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id                       TEXT PRIMARY KEY,
			user_id                  TEXT NOT NULL,
			external_subscription_id TEXT UNIQUE,
			external_customer_id     TEXT NOT NULL DEFAULT '',
			semester                 INT  NOT NULL,
			branch                   TEXT NOT NULL,
			subscription_type        TEXT NOT NULL,
			status                   TEXT NOT NULL,
			start_date               TIMESTAMPTZ NOT NULL,
			end_date                 TIMESTAMPTZ NOT NULL,
			price                    BIGINT NOT NULL,
			original_price           BIGINT NOT NULL,
			offer_id                 TEXT,
			payment_id               TEXT NOT NULL DEFAULT '',
			payment_method           TEXT NOT NULL DEFAULT '',
			features                 TEXT[] NOT NULL DEFAULT '{}',
			cancelled_at             TIMESTAMPTZ,
			last_payment_date        TIMESTAMPTZ,
			last_payment_failed      TIMESTAMPTZ,
			last_event_at            TIMESTAMPTZ,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (price >= 0 AND price <= original_price),
			CHECK (end_date > start_date)
		);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_active_user_semester
			ON subscriptions(user_id, semester) WHERE status = 'active';

		-- reference is the subscription id for direct purchases and the
		-- checkout session id for hosted checkouts; subscription_id stays
		-- NULL while a checkout reservation is unpaid
		CREATE TABLE IF NOT EXISTS offer_redemptions (
			reference       TEXT PRIMARY KEY,
			offer_id        TEXT NOT NULL REFERENCES offers(id),
			subscription_id TEXT,
			redeemed_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS webhook_events (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			payload      TEXT NOT NULL DEFAULT '',
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	_, err := pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// isActiveConflict reports whether err is a violation of the one-active-
// subscription-per-semester index.
func isActiveConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation && pgErr.ConstraintName == activePerSemesterIdx
	}
	return false
}
