package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
	"github.com/google/uuid"
)

type ScheduledDeliveryRepository struct {
	db *sql.DB
}

func NewScheduledDeliveryRepository(db *sql.DB) *ScheduledDeliveryRepository {
	return &ScheduledDeliveryRepository{db: db}
}

const deliveryColumns = `id, letter_id, user_id, channel, dispatch_at, timezone, status, created_at, started_at, completed_at`

func scanDelivery(scan func(dest ...any) error) (*models.ScheduledDelivery, error) {
	var d models.ScheduledDelivery
	var channelStr, statusStr string
	err := scan(&d.ID, &d.LetterID, &d.UserID, &channelStr, &d.DispatchAt,
		&d.Timezone, &statusStr, &d.CreatedAt, &d.StartedAt, &d.CompletedAt)
	if err != nil {
		return nil, err
	}
	d.Channel = models.DeliveryChannel(channelStr)
	d.Status = models.DeliveryStatus(statusStr)
	return &d, nil
}

func (r *ScheduledDeliveryRepository) CreateDelivery(ctx context.Context, delivery *models.ScheduledDelivery) error {
	if _, err := uuid.Parse(delivery.ID); err != nil {
		return fmt.Errorf("invalid delivery ID format: %w", err)
	}
	if _, err := uuid.Parse(delivery.LetterID); err != nil {
		return fmt.Errorf("invalid letter ID format: %w", err)
	}

	query := `
		INSERT INTO scheduled_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.ExecContext(ctx, query,
		delivery.ID, delivery.LetterID, delivery.UserID, string(delivery.Channel),
		delivery.DispatchAt, delivery.Timezone, string(delivery.Status),
		delivery.CreatedAt, delivery.StartedAt, delivery.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert scheduled delivery: %w", err)
	}
	return nil
}

func (r *ScheduledDeliveryRepository) GetDeliveryByID(ctx context.Context, deliveryID string) (*models.ScheduledDelivery, error) {
	if _, err := uuid.Parse(deliveryID); err != nil {
		return nil, fmt.Errorf("invalid delivery ID format: %w", err)
	}

	row := r.db.QueryRowContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM scheduled_deliveries
		WHERE id = $1
	`, deliveryID)

	delivery, err := scanDelivery(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("delivery not found: %w", err)
		}
		return nil, fmt.Errorf("failed to get delivery by ID: %w", err)
	}
	return delivery, nil
}

func (r *ScheduledDeliveryRepository) GetDeliveriesByUserID(ctx context.Context, userID string) ([]models.ScheduledDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+`
		FROM scheduled_deliveries
		WHERE user_id = $1
		ORDER BY dispatch_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries for user: %w", err)
	}
	defer rows.Close()

	var deliveries []models.ScheduledDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery row: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delivery rows: %w", err)
	}
	return deliveries, nil
}

// ClaimDue atomically claims up to limit deliveries whose dispatch instant
// has arrived, flipping them scheduled -> processing. SKIP LOCKED lets
// multiple dispatcher instances tick concurrently without double-claiming.
func (r *ScheduledDeliveryRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDelivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_deliveries
		SET status = $1, started_at = $2
		WHERE id IN (
			SELECT id FROM scheduled_deliveries
			WHERE status = $3 AND dispatch_at <= $2
			ORDER BY dispatch_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns+`
	`, string(models.DeliveryStatusProcessing), now.UTC(), string(models.DeliveryStatusScheduled), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []models.ScheduledDelivery
	for rows.Next() {
		d, err := scanDelivery(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan claimed delivery: %w", err)
		}
		claimed = append(claimed, *d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed deliveries: %w", err)
	}
	return claimed, nil
}

// MarkDispatchResult records the terminal outcome of a dispatch attempt.
func (r *ScheduledDeliveryRepository) MarkDispatchResult(ctx context.Context, deliveryID string, status models.DeliveryStatus, completedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_deliveries
		SET status = $2, completed_at = $3
		WHERE id = $1 AND status = $4
	`, deliveryID, string(status), completedAt, string(models.DeliveryStatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark dispatch result for %s: %w", deliveryID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read dispatch result update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delivery not in processing state for result update: %w", sql.ErrNoRows)
	}
	return nil
}

// CancelWithRefund cancels a scheduled delivery and refunds its credit
// reservation in one transaction. The delivery status check and the
// reservation state check are a single atomic step, so a cancellation racing
// with dispatch either wins cleanly (cancelled + refunded) or is rejected
// with RefundNotPermittedError; a credit can never be refunded after a send.
func (r *ScheduledDeliveryRepository) CancelWithRefund(ctx context.Context, deliveryID, userID string) (*models.ScheduledDelivery, error) {
	if _, err := uuid.Parse(deliveryID); err != nil {
		return nil, fmt.Errorf("invalid delivery ID format: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancellation transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		UPDATE scheduled_deliveries
		SET status = $3, completed_at = $4
		WHERE id = $1 AND user_id = $2 AND status = $5
		RETURNING `+deliveryColumns+`
	`, deliveryID, userID, string(models.DeliveryStatusCancelled), now, string(models.DeliveryStatusScheduled))

	delivery, err := scanDelivery(row.Scan)
	if err == sql.ErrNoRows {
		// Either the delivery doesn't exist for this user, or dispatch has
		// already moved it out of scheduled.
		var statusStr string
		lookupErr := tx.QueryRowContext(ctx, `
			SELECT status FROM scheduled_deliveries WHERE id = $1 AND user_id = $2
		`, deliveryID, userID).Scan(&statusStr)
		if lookupErr == sql.ErrNoRows {
			return nil, fmt.Errorf("delivery not found: %w", sql.ErrNoRows)
		}
		if lookupErr != nil {
			return nil, fmt.Errorf("failed to look up delivery for cancellation: %w", lookupErr)
		}
		if statusStr == string(models.DeliveryStatusCancelled) {
			// Cancelling twice is a no-op; the earlier cancellation already
			// refunded.
			existing, getErr := r.GetDeliveryByID(ctx, deliveryID)
			if getErr != nil {
				return nil, getErr
			}
			return existing, nil
		}
		return nil, &ledger.RefundNotPermittedError{
			DeliveryID: deliveryID,
			State:      models.ReservationStateConsumed,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to cancel delivery: %w", err)
	}

	// Refund the reservation inside the same transaction.
	var amount int
	var resUserID string
	err = tx.QueryRowContext(ctx, `
		UPDATE credit_reservations
		SET state = $2, updated_at = $3
		WHERE delivery_id = $1 AND state = $4
		RETURNING amount, user_id
	`, deliveryID, string(models.ReservationStateRefunded), now, string(models.ReservationStateReserved)).Scan(&amount, &resUserID)
	if err == sql.ErrNoRows {
		// Reservation already consumed: the dispatch side won the race.
		// Rolling back restores the scheduled status and rejects the cancel.
		return nil, &ledger.RefundNotPermittedError{
			DeliveryID: deliveryID,
			State:      models.ReservationStateConsumed,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to refund reservation on cancellation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance = balance + $2, updated_at = $3
		WHERE user_id = $1
	`, resUserID, amount, now); err != nil {
		return nil, fmt.Errorf("failed to credit balance on cancellation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cancellation: %w", err)
	}
	return delivery, nil
}
