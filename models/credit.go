package models

import "time"

// ReservationState tracks a delivery's credit linkage.
// Transitions: reserved -> refunded | consumed. Both outcomes are terminal.
type ReservationState string

const (
	ReservationStateReserved ReservationState = "reserved"
	ReservationStateRefunded ReservationState = "refunded"
	ReservationStateConsumed ReservationState = "consumed"
)

// CreditBalance is a per-user counter of available entitlement credits.
// The balance is never negative; all mutation happens through conditional
// updates in the datastore.
type CreditBalance struct {
	UserID    string    `json:"user_id"`
	Balance   int       `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditReservation records a debit tied to exactly one ScheduledDelivery.
// IdempotencyKey is unique per user so a retried reservation replays the
// original result instead of double-debiting.
type CreditReservation struct {
	ID             string           `json:"id"`
	UserID         string           `json:"user_id"`
	DeliveryID     string           `json:"delivery_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Amount         int              `json:"amount"`
	State          ReservationState `json:"state"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}
