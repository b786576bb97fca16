package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/semesterpass/backend/internal/domain"
)

// EventRepository is the ledger of applied webhook events.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository creates a new EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// IsProcessed reports whether an event id has already been applied.
func (r *EventRepository) IsProcessed(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_events WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records an applied event. Recording the same id twice is a no-op.
func (r *EventRepository) MarkProcessed(ctx context.Context, id, eventType, payload string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO webhook_events (id, type, payload, processed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO NOTHING
	`, id, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// Find returns a recorded event, or nil.
func (r *EventRepository) Find(ctx context.Context, id string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := r.db.QueryRow(ctx, `SELECT id, type, payload, processed_at FROM webhook_events WHERE id = $1`, id).
		Scan(&e.ID, &e.Type, &e.Sealed, &e.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find webhook event: %w", err)
	}
	return &e, nil
}
