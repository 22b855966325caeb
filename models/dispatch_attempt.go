package models

import "time"

// DispatchAttempt records one attempt to hand a delivery to a provider.
type DispatchAttempt struct {
	ID           string    `json:"id"`
	DeliveryID   string    `json:"delivery_id"`
	Channel      string    `json:"channel"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
