package routehandlers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
)

// fakeLetterStore serves letters from a map, reporting misses the way the
// postgres repository does.
type fakeLetterStore struct {
	letters map[string]*models.Letter
}

func newFakeLetterStore(letters ...*models.Letter) *fakeLetterStore {
	m := make(map[string]*models.Letter, len(letters))
	for _, l := range letters {
		m[l.ID] = l
	}
	return &fakeLetterStore{letters: m}
}

func (f *fakeLetterStore) GetLetterByID(_ context.Context, letterID string) (*models.Letter, error) {
	l, ok := f.letters[letterID]
	if !ok {
		return nil, fmt.Errorf("letter not found: %w", sql.ErrNoRows)
	}
	copied := *l
	return &copied, nil
}

// fakeDeliveryStore keeps deliveries in memory, delegating refunds to the
// ledger store so cancel semantics match the real repository.
type fakeDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*models.ScheduledDelivery
	credits    *ledger.MemoryStore
}

func newFakeDeliveryStore(credits *ledger.MemoryStore) *fakeDeliveryStore {
	return &fakeDeliveryStore{
		deliveries: make(map[string]*models.ScheduledDelivery),
		credits:    credits,
	}
}

func (f *fakeDeliveryStore) CreateDelivery(_ context.Context, delivery *models.ScheduledDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *delivery
	f.deliveries[delivery.ID] = &copied
	return nil
}

func (f *fakeDeliveryStore) GetDeliveryByID(_ context.Context, deliveryID string) (*models.ScheduledDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return nil, fmt.Errorf("delivery not found: %w", sql.ErrNoRows)
	}
	copied := *d
	return &copied, nil
}

func (f *fakeDeliveryStore) GetDeliveriesByUserID(_ context.Context, userID string) ([]models.ScheduledDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.ScheduledDelivery
	for _, d := range f.deliveries {
		if d.UserID == userID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *fakeDeliveryStore) CancelWithRefund(ctx context.Context, deliveryID, userID string) (*models.ScheduledDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.deliveries[deliveryID]
	if !ok || d.UserID != userID {
		return nil, fmt.Errorf("delivery not found: %w", sql.ErrNoRows)
	}
	if d.Status == models.DeliveryStatusCancelled {
		copied := *d
		return &copied, nil
	}
	if d.Status != models.DeliveryStatusScheduled {
		return nil, &ledger.RefundNotPermittedError{DeliveryID: deliveryID, State: models.ReservationStateConsumed}
	}

	if _, err := f.credits.ReleaseReservation(ctx, deliveryID); err != nil {
		return nil, err
	}
	d.Status = models.DeliveryStatusCancelled
	copied := *d
	return &copied, nil
}

func (f *fakeDeliveryStore) setStatus(deliveryID string, status models.DeliveryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deliveries[deliveryID]; ok {
		d.Status = status
	}
}
