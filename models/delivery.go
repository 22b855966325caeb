package models

import "time"

// DeliveryChannel defines the set of allowed channels for a ScheduledDelivery.
type DeliveryChannel string

const (
	ChannelEmail    DeliveryChannel = "email"
	ChannelPhysical DeliveryChannel = "physical"
	ChannelBoth     DeliveryChannel = "both"
)

// IsValidDeliveryChannel checks if the provided channel string is a valid DeliveryChannel.
func IsValidDeliveryChannel(channelStr string) (DeliveryChannel, bool) {
	dc := DeliveryChannel(channelStr)
	switch dc {
	case ChannelEmail, ChannelPhysical, ChannelBoth:
		return dc, true
	default:
		return "", false
	}
}

// DeliveryStatus defines the set of allowed statuses for a ScheduledDelivery.
type DeliveryStatus string

const (
	DeliveryStatusScheduled  DeliveryStatus = "scheduled"
	DeliveryStatusProcessing DeliveryStatus = "processing"
	DeliveryStatusSent       DeliveryStatus = "sent"
	DeliveryStatusFailed     DeliveryStatus = "failed"
	DeliveryStatusCancelled  DeliveryStatus = "cancelled"
)

// ScheduledDelivery is a credit-backed commitment to release a letter to the
// send pipeline at DispatchAt. DispatchAt is always UTC; Timezone records the
// zone the user scheduled in and exists for display only.
type ScheduledDelivery struct {
	ID          string          `json:"id"`
	LetterID    string          `json:"letter_id"`
	UserID      string          `json:"user_id"`
	Channel     DeliveryChannel `json:"channel"`
	DispatchAt  time.Time       `json:"dispatch_at"`
	Timezone    string          `json:"timezone"`
	Status      DeliveryStatus  `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
