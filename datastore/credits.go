package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
)

// CreditRepository is the postgres implementation of ledger.Store.
//
// Every mutation is a single transaction whose balance check happens inside
// the same statement that performs the debit (a conditional UPDATE), so
// concurrent reservations can never over-debit or drive a balance negative.
type CreditRepository struct {
	db *sql.DB
}

func NewCreditRepository(db *sql.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

const reservationColumns = `id, user_id, delivery_id, idempotency_key, amount, state, created_at, updated_at`

func scanReservation(row *sql.Row) (*models.CreditReservation, error) {
	var res models.CreditReservation
	var stateStr string
	err := row.Scan(&res.ID, &res.UserID, &res.DeliveryID, &res.IdempotencyKey,
		&res.Amount, &stateStr, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	res.State = models.ReservationState(stateStr)
	return &res, nil
}

func (r *CreditRepository) Balance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	query := `
		SELECT user_id, balance, updated_at
		FROM credit_balances
		WHERE user_id = $1
	`
	var bal models.CreditBalance
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&bal.UserID, &bal.Balance, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		// Users without a balance row simply have no credits yet.
		return &models.CreditBalance{UserID: userID, Balance: 0, UpdatedAt: time.Now().UTC()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit balance: %w", err)
	}
	return &bal, nil
}

// Reserve inserts the reservation and debits the balance in one transaction.
// The (user_id, idempotency_key) unique constraint makes retries replay the
// original reservation instead of debiting twice.
func (r *CreditRepository) Reserve(ctx context.Context, res *models.CreditReservation) (*models.CreditReservation, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin reservation transaction: %w", err)
	}
	defer tx.Rollback()

	insert := `
		INSERT INTO credit_reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, idempotency_key) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, insert,
		res.ID, res.UserID, res.DeliveryID, res.IdempotencyKey,
		res.Amount, string(res.State), res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert credit reservation: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read reservation insert result: %w", err)
	}

	if inserted == 0 {
		// Replay: return the original reservation untouched.
		existing, err := scanReservation(tx.QueryRowContext(ctx, `
			SELECT `+reservationColumns+`
			FROM credit_reservations
			WHERE user_id = $1 AND idempotency_key = $2
		`, res.UserID, res.IdempotencyKey))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load replayed reservation: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit reservation replay: %w", err)
		}
		return existing, false, nil
	}

	debit := `
		UPDATE credit_balances
		SET balance = balance - $2, updated_at = $3
		WHERE user_id = $1 AND balance >= $2
	`
	result, err = tx.ExecContext(ctx, debit, res.UserID, res.Amount, time.Now().UTC())
	if err != nil {
		return nil, false, fmt.Errorf("failed to debit credit balance: %w", err)
	}
	debited, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read debit result: %w", err)
	}

	if debited == 0 {
		// Not enough credits (or no balance row). Roll the insert back and
		// report how many were available.
		var available int
		if err := r.db.QueryRowContext(ctx, `
			SELECT COALESCE((SELECT balance FROM credit_balances WHERE user_id = $1), 0)
		`, res.UserID).Scan(&available); err != nil {
			return nil, false, fmt.Errorf("failed to read available balance: %w", err)
		}
		return nil, false, &ledger.InsufficientCreditsError{
			UserID:    res.UserID,
			Requested: res.Amount,
			Available: available,
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit credit reservation: %w", err)
	}

	stored := *res
	return &stored, true, nil
}

func (r *CreditRepository) ReleaseReservation(ctx context.Context, deliveryID string) (*models.CreditReservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin refund transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM credit_reservations
		WHERE delivery_id = $1
		FOR UPDATE
	`, deliveryID))
	if err == sql.ErrNoRows {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation for refund: %w", err)
	}

	switch res.State {
	case models.ReservationStateRefunded:
		// Already refunded: idempotent no-op.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit no-op refund: %w", err)
		}
		return res, nil
	case models.ReservationStateConsumed:
		return nil, &ledger.RefundNotPermittedError{DeliveryID: deliveryID, State: res.State}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations
		SET state = $2, updated_at = $3
		WHERE delivery_id = $1
	`, deliveryID, string(models.ReservationStateRefunded), now); err != nil {
		return nil, fmt.Errorf("failed to mark reservation refunded: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance = balance + $2, updated_at = $3
		WHERE user_id = $1
	`, res.UserID, res.Amount, now); err != nil {
		return nil, fmt.Errorf("failed to credit balance back: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}

	res.State = models.ReservationStateRefunded
	res.UpdatedAt = now
	return res, nil
}

func (r *CreditRepository) ConsumeReservation(ctx context.Context, deliveryID string) (*models.CreditReservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin consume transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := scanReservation(tx.QueryRowContext(ctx, `
		SELECT `+reservationColumns+`
		FROM credit_reservations
		WHERE delivery_id = $1
		FOR UPDATE
	`, deliveryID))
	if err == sql.ErrNoRows {
		return nil, ledger.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reservation for consume: %w", err)
	}

	switch res.State {
	case models.ReservationStateConsumed:
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit no-op consume: %w", err)
		}
		return res, nil
	case models.ReservationStateRefunded:
		return nil, &ledger.ConsumeNotPermittedError{DeliveryID: deliveryID, State: res.State}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_reservations
		SET state = $2, updated_at = $3
		WHERE delivery_id = $1
	`, deliveryID, string(models.ReservationStateConsumed), now); err != nil {
		return nil, fmt.Errorf("failed to mark reservation consumed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consume: %w", err)
	}

	res.State = models.ReservationStateConsumed
	res.UpdatedAt = now
	return res, nil
}

// VoidReservation deletes a still-reserved reservation and credits the amount
// back, freeing the idempotency key for a retry after a failed scheduling
// attempt.
func (r *CreditRepository) VoidReservation(ctx context.Context, deliveryID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin void transaction: %w", err)
	}
	defer tx.Rollback()

	var amount int
	var userID string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM credit_reservations
		WHERE delivery_id = $1 AND state = $2
		RETURNING amount, user_id
	`, deliveryID, string(models.ReservationStateReserved)).Scan(&amount, &userID)
	if err == sql.ErrNoRows {
		var stateStr string
		lookupErr := tx.QueryRowContext(ctx, `
			SELECT state FROM credit_reservations WHERE delivery_id = $1
		`, deliveryID).Scan(&stateStr)
		if lookupErr == sql.ErrNoRows {
			return ledger.ErrReservationNotFound
		}
		if lookupErr != nil {
			return fmt.Errorf("failed to look up reservation for void: %w", lookupErr)
		}
		return &ledger.RefundNotPermittedError{
			DeliveryID: deliveryID,
			State:      models.ReservationState(stateStr),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to void reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_balances
		SET balance = balance + $2, updated_at = $3
		WHERE user_id = $1
	`, userID, amount, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to credit balance on void: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit void: %w", err)
	}
	return nil
}

// Grant credits the user, idempotently keyed by the originating billing event.
func (r *CreditRepository) Grant(ctx context.Context, userID string, amount int, eventID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin grant transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO credit_grants (event_id, user_id, amount, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, userID, amount, now)
	if err != nil {
		return false, fmt.Errorf("failed to record credit grant: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read grant insert result: %w", err)
	}
	if inserted == 0 {
		// Event already applied; replaying the webhook must not credit twice.
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("failed to commit no-op grant: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_balances (user_id, balance, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET balance = credit_balances.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
	`, userID, amount, now); err != nil {
		return false, fmt.Errorf("failed to apply credit grant: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit credit grant: %w", err)
	}
	return true, nil
}
