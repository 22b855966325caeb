// Package ledger gates delivery scheduling on available entitlement credits.
//
// Every mutation is a single atomic storage operation: the balance check and
// the debit always happen in the same conditional update or transaction,
// never as a read-then-write pair in application memory. That is the whole
// concurrency story; there is no in-process locking here.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/capsulenote/capsule/models"
	"github.com/google/uuid"
)

// Store is the persistence contract the ledger runs on. Implementations must
// make each method a single atomic unit with respect to concurrent callers.
type Store interface {
	// Balance returns the user's current credit balance. Users without a
	// balance row are reported as zero.
	Balance(ctx context.Context, userID string) (*models.CreditBalance, error)

	// Reserve debits res.Amount if the balance suffices and records the
	// reservation, as one atomic step. When a reservation with the same
	// (user, idempotency key) already exists it is returned unchanged with
	// created=false and nothing is debited.
	Reserve(ctx context.Context, res *models.CreditReservation) (*models.CreditReservation, bool, error)

	// ReleaseReservation flips a reserved reservation to refunded and credits
	// the amount back, atomically. An already-refunded reservation is
	// returned unchanged. A consumed one yields RefundNotPermittedError.
	ReleaseReservation(ctx context.Context, deliveryID string) (*models.CreditReservation, error)

	// ConsumeReservation flips a reserved reservation to consumed,
	// atomically. An already-consumed reservation is returned unchanged.
	// A refunded one yields ConsumeNotPermittedError.
	ConsumeReservation(ctx context.Context, deliveryID string) (*models.CreditReservation, error)

	// VoidReservation deletes a still-reserved reservation and credits the
	// amount back, atomically, freeing its idempotency key for reuse. Only
	// valid while reserved; refunded or consumed reservations yield
	// RefundNotPermittedError, a missing one ErrReservationNotFound.
	VoidReservation(ctx context.Context, deliveryID string) error

	// Grant credits amount to the user, idempotently keyed by eventID.
	// Returns false when the event was already applied.
	Grant(ctx context.Context, userID string, amount int, eventID string) (bool, error)
}

// Ledger enforces the credit entitlement rules on top of a Store.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Balance reports the user's available credits.
func (l *Ledger) Balance(ctx context.Context, userID string) (*models.CreditBalance, error) {
	return l.store.Balance(ctx, userID)
}

// ReserveCredits atomically debits amount credits for the given delivery.
//
// A retry carrying the same idempotency key returns the original reservation
// with created=false and does not debit again. Reusing a key for a different
// delivery or amount fails with ReservationConflictError. A short balance
// fails with InsufficientCreditsError and mutates nothing; for a double
// delivery (amount 2) the debit is all-or-nothing, never partial.
func (l *Ledger) ReserveCredits(ctx context.Context, userID, deliveryID string, amount int, idempotencyKey string) (*models.CreditReservation, bool, error) {
	if amount != 1 && amount != 2 {
		return nil, false, fmt.Errorf("invalid reservation amount %d: must be 1 or 2", amount)
	}
	if idempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key is required")
	}

	now := time.Now().UTC()
	res := &models.CreditReservation{
		ID:             uuid.NewString(),
		UserID:         userID,
		DeliveryID:     deliveryID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		State:          models.ReservationStateReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	stored, created, err := l.store.Reserve(ctx, res)
	if err != nil {
		return nil, false, err
	}

	if !created && (stored.DeliveryID != deliveryID || stored.Amount != amount) {
		return nil, false, &ReservationConflictError{IdempotencyKey: idempotencyKey}
	}

	return stored, created, nil
}

// RefundCredits restores the credits reserved for a cancelled delivery.
// Calling it twice for the same delivery changes the balance only once; a
// reservation already consumed by dispatch fails with RefundNotPermittedError.
func (l *Ledger) RefundCredits(ctx context.Context, deliveryID string) (*models.CreditReservation, error) {
	return l.store.ReleaseReservation(ctx, deliveryID)
}

// VoidCredits undoes a reservation whose delivery was never persisted: the
// credits come back and the idempotency key is freed, so the client's retry
// with the same key starts over instead of replaying a dead reservation.
// Refunds of real cancellations go through RefundCredits, which keeps the
// reservation row for replay.
func (l *Ledger) VoidCredits(ctx context.Context, deliveryID string) error {
	return l.store.VoidReservation(ctx, deliveryID)
}

// ConsumeCredits marks a delivery's reservation as consumed once dispatch
// succeeds. Consumed is terminal: the credits can never be refunded after.
func (l *Ledger) ConsumeCredits(ctx context.Context, deliveryID string) (*models.CreditReservation, error) {
	return l.store.ConsumeReservation(ctx, deliveryID)
}

// GrantCredits tops up a user's balance, idempotently keyed by the billing
// event that paid for it. Returns false when the event was already applied.
func (l *Ledger) GrantCredits(ctx context.Context, userID string, amount int, eventID string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("invalid grant amount %d: must be positive", amount)
	}
	if eventID == "" {
		return false, fmt.Errorf("grant event ID is required")
	}
	return l.store.Grant(ctx, userID, amount, eventID)
}
