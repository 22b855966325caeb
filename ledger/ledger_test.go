package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/capsulenote/capsule/models"
)

func TestReserveCredits_DebitsBalance(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 3)
	l := New(store)

	res, created, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !created {
		t.Fatal("expected a fresh reservation")
	}
	if res.State != models.ReservationStateReserved {
		t.Errorf("expected state reserved, got %s", res.State)
	}

	bal, err := l.Balance(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if bal.Balance != 2 {
		t.Errorf("expected balance 2, got %d", bal.Balance)
	}
}

func TestReserveCredits_Insufficient(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 1)
	l := New(store)

	_, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1")
	var insErr *InsufficientCreditsError
	if !errors.As(err, &insErr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if insErr.Requested != 2 || insErr.Available != 1 {
		t.Errorf("unexpected error detail: %+v", insErr)
	}

	bal, _ := l.Balance(context.Background(), "user-1")
	if bal.Balance != 1 {
		t.Errorf("failed reservation must not mutate balance: got %d", bal.Balance)
	}
}

func TestReserveCredits_DoubleDeliveryIsAllOrNothing(t *testing.T) {
	// A balance of 1 can never satisfy a 2-credit reservation, and the
	// balance must decrease by exactly 2 or not at all.
	store := NewMemoryStore()
	store.SetBalance("user-1", 1)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1"); err == nil {
		t.Fatal("expected error reserving 2 credits against balance 1")
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 1 {
		t.Fatalf("partial debit detected: balance %d", bal.Balance)
	}

	store.SetBalance("user-1", 2)
	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-2", 2, "key-2"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 0 {
		t.Fatalf("expected balance 0 after 2-credit debit, got %d", bal.Balance)
	}
}

func TestReserveCredits_ConcurrentContention(t *testing.T) {
	// Balance of 1, ten simultaneous single-credit reservations: exactly one
	// succeeds and the balance ends at 0, never negative.
	store := NewMemoryStore()
	store.SetBalance("user-1", 1)
	l := New(store)

	const attempts = 10
	var wg sync.WaitGroup
	results := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := l.ReserveCredits(context.Background(), "user-1",
				fmt.Sprintf("dlv-%d", i), 1, fmt.Sprintf("key-%d", i))
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes, insufficient := 0, 0
	for i, err := range results {
		switch {
		case err == nil:
			successes++
		default:
			var insErr *InsufficientCreditsError
			if !errors.As(err, &insErr) {
				t.Fatalf("attempt %d: unexpected error %v", i, err)
			}
			insufficient++
		}
	}

	if successes != 1 {
		t.Errorf("expected exactly 1 success, got %d", successes)
	}
	if insufficient != attempts-1 {
		t.Errorf("expected %d insufficient-credit failures, got %d", attempts-1, insufficient)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 0 {
		t.Errorf("expected final balance 0, got %d", bal.Balance)
	}
}

func TestReserveCredits_IdempotentReplay(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 5)
	l := New(store)

	first, created, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1")
	if err != nil || !created {
		t.Fatalf("first reserve: created=%v err=%v", created, err)
	}

	replay, created, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1")
	if err != nil {
		t.Fatalf("replay: expected no error, got %v", err)
	}
	if created {
		t.Error("replay must not create a second reservation")
	}
	if replay.ID != first.ID {
		t.Errorf("replay returned a different reservation: %s vs %s", replay.ID, first.ID)
	}

	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 3 {
		t.Errorf("replay must not double-debit: balance %d", bal.Balance)
	}
}

func TestReserveCredits_KeyConflict(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 5)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// Same key, different delivery: conflict, no further debit.
	_, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-2", 1, "key-1")
	var conflictErr *ReservationConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ReservationConflictError, got %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 4 {
		t.Errorf("conflicting replay must not debit: balance %d", bal.Balance)
	}
}

func TestReserveCredits_InvalidInput(t *testing.T) {
	l := New(NewMemoryStore())

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 3, "key-1"); err == nil {
		t.Error("expected error for amount 3")
	}
	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 0, "key-1"); err == nil {
		t.Error("expected error for amount 0")
	}
	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, ""); err == nil {
		t.Error("expected error for empty idempotency key")
	}
}

func TestRefundCredits_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 2)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	first, err := l.RefundCredits(context.Background(), "dlv-1")
	if err != nil {
		t.Fatalf("first refund: %v", err)
	}
	if first.State != models.ReservationStateRefunded {
		t.Errorf("expected state refunded, got %s", first.State)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 2 {
		t.Errorf("expected balance restored to 2, got %d", bal.Balance)
	}

	// Second refund is a no-op, not a double credit.
	if _, err := l.RefundCredits(context.Background(), "dlv-1"); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 2 {
		t.Errorf("second refund double-credited: balance %d", bal.Balance)
	}
}

func TestRefundCredits_AfterConsumeRejected(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 1)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := l.ConsumeCredits(context.Background(), "dlv-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	_, err := l.RefundCredits(context.Background(), "dlv-1")
	var refundErr *RefundNotPermittedError
	if !errors.As(err, &refundErr) {
		t.Fatalf("expected RefundNotPermittedError, got %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 0 {
		t.Errorf("rejected refund must not change balance: got %d", bal.Balance)
	}
}

func TestConsumeCredits(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 2)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	res, err := l.ConsumeCredits(context.Background(), "dlv-1")
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.State != models.ReservationStateConsumed {
		t.Errorf("expected state consumed, got %s", res.State)
	}

	// Consuming again is a no-op.
	if _, err := l.ConsumeCredits(context.Background(), "dlv-1"); err != nil {
		t.Fatalf("second consume: %v", err)
	}

	// Consuming a refunded reservation is rejected.
	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-2", 1, "key-2"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := l.RefundCredits(context.Background(), "dlv-2"); err != nil {
		t.Fatalf("refund: %v", err)
	}
	_, err = l.ConsumeCredits(context.Background(), "dlv-2")
	var consumeErr *ConsumeNotPermittedError
	if !errors.As(err, &consumeErr) {
		t.Fatalf("expected ConsumeNotPermittedError, got %v", err)
	}
}

func TestVoidCredits_FreesKeyForReuse(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 2)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 2, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if err := l.VoidCredits(context.Background(), "dlv-1"); err != nil {
		t.Fatalf("void: %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 2 {
		t.Errorf("expected balance restored to 2 after void, got %d", bal.Balance)
	}

	// The key is free again: reserving with it creates fresh, not a replay.
	res, created, err := l.ReserveCredits(context.Background(), "user-1", "dlv-2", 2, "key-1")
	if err != nil {
		t.Fatalf("re-reserve after void: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh reservation after void, got a replay")
	}
	if res.DeliveryID != "dlv-2" {
		t.Errorf("fresh reservation bound to wrong delivery: %s", res.DeliveryID)
	}
}

func TestVoidCredits_OnlyWhileReserved(t *testing.T) {
	store := NewMemoryStore()
	store.SetBalance("user-1", 2)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := l.ConsumeCredits(context.Background(), "dlv-1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	err := l.VoidCredits(context.Background(), "dlv-1")
	var refundErr *RefundNotPermittedError
	if !errors.As(err, &refundErr) {
		t.Fatalf("expected RefundNotPermittedError voiding a consumed reservation, got %v", err)
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 1 {
		t.Errorf("rejected void must not change balance: got %d", bal.Balance)
	}

	if err := l.VoidCredits(context.Background(), "dlv-missing"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestRefundCredits_UnknownDelivery(t *testing.T) {
	l := New(NewMemoryStore())
	if _, err := l.RefundCredits(context.Background(), "dlv-missing"); !errors.Is(err, ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestGrantCredits_IdempotentByEvent(t *testing.T) {
	store := NewMemoryStore()
	l := New(store)

	granted, err := l.GrantCredits(context.Background(), "user-1", 10, "evt-1")
	if err != nil || !granted {
		t.Fatalf("first grant: granted=%v err=%v", granted, err)
	}

	granted, err = l.GrantCredits(context.Background(), "user-1", 10, "evt-1")
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if granted {
		t.Error("replayed grant must report already-applied")
	}
	if bal, _ := l.Balance(context.Background(), "user-1"); bal.Balance != 10 {
		t.Errorf("expected balance 10 after replayed grant, got %d", bal.Balance)
	}

	if _, err := l.GrantCredits(context.Background(), "user-1", 0, "evt-2"); err == nil {
		t.Error("expected error for non-positive grant amount")
	}
}

func TestStoreErrorsPassThrough(t *testing.T) {
	storeErr := errors.New("connection reset")
	store := NewMemoryStore().WithError(storeErr)
	l := New(store)

	if _, _, err := l.ReserveCredits(context.Background(), "user-1", "dlv-1", 1, "key-1"); !errors.Is(err, storeErr) {
		t.Errorf("reserve: transient store error not surfaced: %v", err)
	}
	if _, err := l.RefundCredits(context.Background(), "dlv-1"); !errors.Is(err, storeErr) {
		t.Errorf("refund: transient store error not surfaced: %v", err)
	}
}
