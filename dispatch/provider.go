package dispatch

import (
	"context"

	"github.com/capsulenote/capsule/models"
)

// Provider is the adapter interface for send channels. Implement this to add
// new channels (email, physical mail, etc.).
type Provider interface {
	// Channel returns the delivery channel this provider handles.
	Channel() models.DeliveryChannel
	// Send releases the letter to the recipient over this channel.
	Send(ctx context.Context, letter *models.Letter, user *models.User) error
}

// channelsFor expands a delivery channel into the concrete channels to send
// on. A "both" delivery fans out to email and physical mail.
func channelsFor(channel models.DeliveryChannel) []models.DeliveryChannel {
	if channel == models.ChannelBoth {
		return []models.DeliveryChannel{models.ChannelEmail, models.ChannelPhysical}
	}
	return []models.DeliveryChannel{channel}
}
