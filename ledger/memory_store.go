package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/capsulenote/capsule/models"
)

// MemoryStore is a simple in-memory implementation of the Store interface
// used for unit testing ledger and booking logic without requiring a running
// database. A single mutex gives each method the same atomicity the postgres
// implementation gets from conditional updates.
type MemoryStore struct {
	mu         sync.Mutex
	balances   map[string]int
	byDelivery map[string]*models.CreditReservation
	byKey      map[string]*models.CreditReservation
	grants     map[string]bool
	err        error
}

// NewMemoryStore instantiates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]int),
		byDelivery: make(map[string]*models.CreditReservation),
		byKey:      make(map[string]*models.CreditReservation),
		grants:     make(map[string]bool),
	}
}

// WithError configures the store to return the provided error for subsequent
// calls, simulating a transient storage failure.
func (m *MemoryStore) WithError(err error) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// SetBalance seeds a user's balance directly.
func (m *MemoryStore) SetBalance(userID string, balance int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *MemoryStore) Balance(_ context.Context, userID string) (*models.CreditBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	return &models.CreditBalance{
		UserID:    userID,
		Balance:   m.balances[userID],
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func (m *MemoryStore) Reserve(_ context.Context, res *models.CreditReservation) (*models.CreditReservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, false, m.err
	}

	key := res.UserID + "\x00" + res.IdempotencyKey
	if existing, ok := m.byKey[key]; ok {
		copied := *existing
		return &copied, false, nil
	}

	available := m.balances[res.UserID]
	if available < res.Amount {
		return nil, false, &InsufficientCreditsError{
			UserID:    res.UserID,
			Requested: res.Amount,
			Available: available,
		}
	}

	m.balances[res.UserID] = available - res.Amount
	stored := *res
	m.byKey[key] = &stored
	m.byDelivery[res.DeliveryID] = &stored

	copied := stored
	return &copied, true, nil
}

func (m *MemoryStore) ReleaseReservation(_ context.Context, deliveryID string) (*models.CreditReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	res, ok := m.byDelivery[deliveryID]
	if !ok {
		return nil, ErrReservationNotFound
	}

	switch res.State {
	case models.ReservationStateRefunded:
		copied := *res
		return &copied, nil
	case models.ReservationStateConsumed:
		return nil, &RefundNotPermittedError{DeliveryID: deliveryID, State: res.State}
	}

	res.State = models.ReservationStateRefunded
	res.UpdatedAt = time.Now().UTC()
	m.balances[res.UserID] += res.Amount

	copied := *res
	return &copied, nil
}

func (m *MemoryStore) ConsumeReservation(_ context.Context, deliveryID string) (*models.CreditReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	res, ok := m.byDelivery[deliveryID]
	if !ok {
		return nil, ErrReservationNotFound
	}

	switch res.State {
	case models.ReservationStateConsumed:
		copied := *res
		return &copied, nil
	case models.ReservationStateRefunded:
		return nil, &ConsumeNotPermittedError{DeliveryID: deliveryID, State: res.State}
	}

	res.State = models.ReservationStateConsumed
	res.UpdatedAt = time.Now().UTC()

	copied := *res
	return &copied, nil
}

func (m *MemoryStore) VoidReservation(_ context.Context, deliveryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	res, ok := m.byDelivery[deliveryID]
	if !ok {
		return ErrReservationNotFound
	}
	if res.State != models.ReservationStateReserved {
		return &RefundNotPermittedError{DeliveryID: deliveryID, State: res.State}
	}

	delete(m.byDelivery, deliveryID)
	delete(m.byKey, res.UserID+"\x00"+res.IdempotencyKey)
	m.balances[res.UserID] += res.Amount
	return nil
}

func (m *MemoryStore) Grant(_ context.Context, userID string, amount int, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return false, m.err
	}

	if m.grants[eventID] {
		return false, nil
	}
	m.grants[eventID] = true
	m.balances[userID] += amount
	return true, nil
}
