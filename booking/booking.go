// Package booking ties the scheduler and the credit ledger together: a
// delivery is only committed once its dispatch instant validates and its
// credits are reserved.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
	"github.com/capsulenote/capsule/scheduling"
	"github.com/google/uuid"
)

// ErrLetterNotOwned is returned when a user schedules or cancels against a
// letter that belongs to someone else.
var ErrLetterNotOwned = errors.New("letter does not belong to user")

// ErrLetterNotSealed is returned when scheduling a letter that has not been
// sealed yet.
var ErrLetterNotSealed = errors.New("letter must be sealed before scheduling")

// LetterStore is the slice of the letter repository booking needs.
type LetterStore interface {
	GetLetterByID(ctx context.Context, letterID string) (*models.Letter, error)
}

// DeliveryStore is the slice of the delivery repository booking needs.
// CancelWithRefund must check delivery status and reservation state as one
// atomic step.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, delivery *models.ScheduledDelivery) error
	GetDeliveryByID(ctx context.Context, deliveryID string) (*models.ScheduledDelivery, error)
	CancelWithRefund(ctx context.Context, deliveryID, userID string) (*models.ScheduledDelivery, error)
}

// Service orchestrates scheduling, cancellation, and estimates.
type Service struct {
	letters    LetterStore
	deliveries DeliveryStore
	credits    *ledger.Ledger
	cfg        scheduling.Config
	now        func() time.Time
}

func NewService(letters LetterStore, deliveries DeliveryStore, credits *ledger.Ledger, cfg scheduling.Config) *Service {
	return &Service{
		letters:    letters,
		deliveries: deliveries,
		credits:    credits,
		cfg:        cfg,
		now:        time.Now,
	}
}

// ScheduleDelivery validates the request, reserves credits, and persists the
// scheduled delivery.
//
// The idempotency key makes the whole operation replayable: a retry with the
// same key returns the originally created delivery without debiting again.
// If persisting the delivery fails after a fresh reservation, the reservation
// is voided so credits are never stranded and the key stays usable.
func (s *Service) ScheduleDelivery(ctx context.Context, userID, letterID string, req scheduling.DeliveryRequest, idempotencyKey string) (*models.ScheduledDelivery, error) {
	letter, err := s.letters.GetLetterByID(ctx, letterID)
	if err != nil {
		return nil, fmt.Errorf("failed to load letter %s: %w", letterID, err)
	}
	if letter.UserID != userID {
		return nil, ErrLetterNotOwned
	}
	if !letter.IsSealed() {
		return nil, ErrLetterNotSealed
	}

	dispatchAt, err := scheduling.CalculateDispatchInstant(req, s.now(), s.cfg)
	if err != nil {
		return nil, err
	}

	deliveryID := uuid.NewString()
	amount := scheduling.CreditsFor(req.Channel)

	res, created, err := s.credits.ReserveCredits(ctx, userID, deliveryID, amount, idempotencyKey)
	if err != nil {
		return nil, err
	}

	if !created {
		// Replay: the original call already created the delivery.
		existing, err := s.deliveries.GetDeliveryByID(ctx, res.DeliveryID)
		if err != nil {
			return nil, fmt.Errorf("failed to load delivery for replayed reservation %s: %w", res.ID, err)
		}
		return existing, nil
	}

	delivery := &models.ScheduledDelivery{
		ID:         deliveryID,
		LetterID:   letterID,
		UserID:     userID,
		Channel:    req.Channel,
		DispatchAt: dispatchAt,
		Timezone:   req.Timezone,
		Status:     models.DeliveryStatusScheduled,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.deliveries.CreateDelivery(ctx, delivery); err != nil {
		// The reservation is fresh and the delivery never existed. Voiding
		// (rather than refunding) frees the idempotency key, so the client's
		// retry with the same key starts over instead of replaying a
		// reservation that points at nothing.
		if voidErr := s.credits.VoidCredits(ctx, deliveryID); voidErr != nil {
			log.Printf("ERROR (Booking): Failed to void reservation %s after create failure: %v", res.ID, voidErr)
		}
		return nil, fmt.Errorf("failed to persist scheduled delivery: %w", err)
	}

	log.Printf("INFO (Booking): Scheduled delivery %s (letter %s, channel %s) for %s",
		delivery.ID, letterID, req.Channel, dispatchAt.Format(time.RFC3339))
	return delivery, nil
}

// CancelDelivery cancels a pending delivery and refunds its credits. The
// status flip and the refund are one atomic storage step; a delivery whose
// credit was already consumed by dispatch is rejected with
// RefundNotPermittedError.
func (s *Service) CancelDelivery(ctx context.Context, userID, deliveryID string) (*models.ScheduledDelivery, error) {
	delivery, err := s.deliveries.CancelWithRefund(ctx, deliveryID, userID)
	if err != nil {
		return nil, err
	}
	log.Printf("INFO (Booking): Cancelled delivery %s for user %s", deliveryID, userID)
	return delivery, nil
}

// Estimate computes the dispatch instant for a request and formats it for
// display, without reserving anything.
func (s *Service) Estimate(ctx context.Context, req scheduling.DeliveryRequest, locale string) (time.Time, string, error) {
	dispatchAt, err := scheduling.CalculateDispatchInstant(req, s.now(), s.cfg)
	if err != nil {
		return time.Time{}, "", err
	}
	display, err := scheduling.FormatDeliveryEstimate(dispatchAt, req.Timezone, locale)
	if err != nil {
		return time.Time{}, "", err
	}
	return dispatchAt, display, nil
}
