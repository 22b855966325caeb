package datastore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/capsulenote/capsule/models"
	"github.com/google/uuid"
)

type DispatchAttemptRepository struct {
	db *sql.DB
}

func NewDispatchAttemptRepository(db *sql.DB) *DispatchAttemptRepository {
	return &DispatchAttemptRepository{db: db}
}

func (r *DispatchAttemptRepository) CreateAttempt(ctx context.Context, attempt *models.DispatchAttempt) error {
	if _, err := uuid.Parse(attempt.ID); err != nil {
		return fmt.Errorf("invalid attempt ID format: %w", err)
	}
	if _, err := uuid.Parse(attempt.DeliveryID); err != nil {
		return fmt.Errorf("invalid delivery ID format: %w", err)
	}

	query := `
		INSERT INTO dispatch_attempts (id, delivery_id, channel, status, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		attempt.ID, attempt.DeliveryID, attempt.Channel, attempt.Status, attempt.ErrorMessage, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dispatch attempt: %w", err)
	}
	return nil
}
