package ledger

import (
	"errors"
	"fmt"

	"github.com/capsulenote/capsule/models"
)

// ErrReservationNotFound is returned when no credit reservation exists for
// the requested delivery.
var ErrReservationNotFound = errors.New("credit reservation not found")

// InsufficientCreditsError reports a reservation attempt that would drive the
// user's balance negative. The balance is left unchanged.
type InsufficientCreditsError struct {
	UserID    string
	Requested int
	Available int
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for user %s: requested %d, available %d",
		e.UserID, e.Requested, e.Available)
}

// ReservationConflictError reports an idempotency key replayed with different
// request parameters than the original reservation.
type ReservationConflictError struct {
	IdempotencyKey string
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("idempotency key %q was already used for a different reservation", e.IdempotencyKey)
}

// RefundNotPermittedError reports a refund attempt for a reservation that has
// already been consumed by dispatch.
type RefundNotPermittedError struct {
	DeliveryID string
	State      models.ReservationState
}

func (e *RefundNotPermittedError) Error() string {
	return fmt.Sprintf("refund not permitted for delivery %s: reservation is %s", e.DeliveryID, e.State)
}

// ConsumeNotPermittedError reports a consume attempt for a reservation that
// was already refunded.
type ConsumeNotPermittedError struct {
	DeliveryID string
	State      models.ReservationState
}

func (e *ConsumeNotPermittedError) Error() string {
	return fmt.Sprintf("cannot consume reservation for delivery %s: reservation is %s", e.DeliveryID, e.State)
}
