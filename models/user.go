package models

import "time"

type User struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Email     string    `json:"email"`
	Timezone  string    `json:"timezone"` // IANA zone used as the default for new deliveries
	// MailingAddress is the formatted postal address block used for physical
	// deliveries. Empty when the user never added one.
	MailingAddress string `json:"mailing_address,omitempty"`
}
