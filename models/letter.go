package models

import "time"

// Letter is a message a user writes to their future self. Once sealed the
// body is no longer editable; deliveries may only be scheduled for sealed
// letters.
type Letter struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Subject   string     `json:"subject"`
	Body      string     `json:"body"`
	SealedAt  *time.Time `json:"sealed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (l *Letter) IsSealed() bool {
	return l.SealedAt != nil
}
