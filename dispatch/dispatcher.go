package dispatch

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/capsulenote/capsule/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const claimBatchSize = 50

// DeliveryQueue is the slice of the delivery repository the dispatcher needs.
// ClaimDue must be atomic so concurrent dispatcher instances never pick up
// the same delivery twice.
type DeliveryQueue interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.ScheduledDelivery, error)
	MarkDispatchResult(ctx context.Context, deliveryID string, status models.DeliveryStatus, completedAt time.Time) error
}

type LetterStore interface {
	GetLetterByID(ctx context.Context, letterID string) (*models.Letter, error)
}

type UserStore interface {
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

type AttemptStore interface {
	CreateAttempt(ctx context.Context, attempt *models.DispatchAttempt) error
}

// CreditConsumer marks a delivery's credit reservation as consumed once any
// channel has sent. ledger.Ledger satisfies this.
type CreditConsumer interface {
	ConsumeCredits(ctx context.Context, deliveryID string) (*models.CreditReservation, error)
}

// Dispatcher releases due deliveries to their channel providers and manages
// the processing -> sent|failed transitions.
type Dispatcher struct {
	queue     DeliveryQueue
	letters   LetterStore
	users     UserStore
	attempts  AttemptStore
	credits   CreditConsumer
	providers map[models.DeliveryChannel]Provider
}

func NewDispatcher(
	queue DeliveryQueue,
	letters LetterStore,
	users UserStore,
	attempts AttemptStore,
	credits CreditConsumer,
	providers ...Provider,
) *Dispatcher {
	providerMap := make(map[models.DeliveryChannel]Provider, len(providers))
	for _, p := range providers {
		providerMap[p.Channel()] = p
	}
	return &Dispatcher{
		queue:     queue,
		letters:   letters,
		users:     users,
		attempts:  attempts,
		credits:   credits,
		providers: providerMap,
	}
}

// HandleTick is an HTTP handler that triggers a dispatcher tick.
// Used by external schedulers or manual curl requests.
func (d *Dispatcher) HandleTick(w http.ResponseWriter, r *http.Request) {
	log.Println("INFO (Dispatcher): Tick triggered via HTTP")

	dispatched, err := d.Tick(r.Context())
	if err != nil {
		log.Printf("ERROR (Dispatcher): Tick failed: %v", err)
		http.Error(w, "dispatch tick failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK: dispatched %d deliveries", dispatched)
}

// StartCron runs Tick on the given cron schedule until the returned cron is
// stopped. Errors inside a tick are logged, never fatal.
func (d *Dispatcher) StartCron(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := d.Tick(context.Background()); err != nil {
			log.Printf("ERROR (Dispatcher): Scheduled tick failed: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register dispatch cron %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

// Tick claims all due deliveries and dispatches them. Returns the number of
// deliveries that reached a sent state.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	claimed, err := d.queue.ClaimDue(ctx, time.Now().UTC(), claimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim due deliveries: %w", err)
	}

	sent := 0
	for i := range claimed {
		if d.dispatchOne(ctx, &claimed[i]) {
			sent++
		}
	}
	return sent, nil
}

// dispatchOne sends a single claimed delivery on all its channels and records
// the outcome. Returns true if the delivery ended in the sent state.
func (d *Dispatcher) dispatchOne(ctx context.Context, delivery *models.ScheduledDelivery) bool {
	letter, err := d.letters.GetLetterByID(ctx, delivery.LetterID)
	if err != nil {
		log.Printf("ERROR (Dispatcher): Failed to load letter %s for delivery %s: %v", delivery.LetterID, delivery.ID, err)
		d.finish(ctx, delivery, models.DeliveryStatusFailed, false)
		return false
	}

	user, err := d.users.GetUserByID(ctx, delivery.UserID)
	if err != nil {
		log.Printf("ERROR (Dispatcher): Failed to load user %s for delivery %s: %v", delivery.UserID, delivery.ID, err)
		d.finish(ctx, delivery, models.DeliveryStatusFailed, false)
		return false
	}

	succeeded := 0
	channels := channelsFor(delivery.Channel)
	for _, channel := range channels {
		provider, ok := d.providers[channel]
		if !ok {
			log.Printf("ERROR (Dispatcher): No provider registered for channel %q", channel)
			d.recordAttempt(ctx, delivery.ID, channel, fmt.Errorf("no provider registered for channel %q", channel))
			continue
		}

		sendErr := provider.Send(ctx, letter, user)
		d.recordAttempt(ctx, delivery.ID, channel, sendErr)
		if sendErr != nil {
			log.Printf("ERROR (Dispatcher): Delivery %s failed on channel %s: %v", delivery.ID, channel, sendErr)
			continue
		}
		succeeded++
	}

	allSent := succeeded == len(channels)
	status := models.DeliveryStatusFailed
	if allSent {
		status = models.DeliveryStatusSent
	}

	// The credit is consumed as soon as anything went out the door: a letter
	// that reached the recipient on one channel is not refundable.
	d.finish(ctx, delivery, status, succeeded > 0)

	if allSent {
		log.Printf("INFO (Dispatcher): Delivery %s sent to user %s", delivery.ID, delivery.UserID)
	}
	return allSent
}

func (d *Dispatcher) finish(ctx context.Context, delivery *models.ScheduledDelivery, status models.DeliveryStatus, consume bool) {
	completedAt := time.Now().UTC()
	if err := d.queue.MarkDispatchResult(ctx, delivery.ID, status, completedAt); err != nil {
		log.Printf("WARN (Dispatcher): Failed to mark delivery %s as %s: %v", delivery.ID, status, err)
	}
	if consume {
		if _, err := d.credits.ConsumeCredits(ctx, delivery.ID); err != nil {
			log.Printf("WARN (Dispatcher): Failed to consume reservation for delivery %s: %v", delivery.ID, err)
		}
	}
}

func (d *Dispatcher) recordAttempt(ctx context.Context, deliveryID string, channel models.DeliveryChannel, sendErr error) {
	attempt := models.DispatchAttempt{
		ID:         uuid.NewString(),
		DeliveryID: deliveryID,
		Channel:    string(channel),
		Status:     string(models.DeliveryStatusSent),
		CreatedAt:  time.Now().UTC(),
	}
	if sendErr != nil {
		attempt.Status = string(models.DeliveryStatusFailed)
		attempt.ErrorMessage = sendErr.Error()
	}
	if err := d.attempts.CreateAttempt(ctx, &attempt); err != nil {
		log.Printf("WARN (Dispatcher): Failed to record attempt for delivery %s: %v", deliveryID, err)
	}
}
