package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/capsulenote/capsule/booking"
	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
	rh "github.com/capsulenote/capsule/route-handlers"
	"github.com/capsulenote/capsule/scheduling"
	"github.com/capsulenote/capsule/webutil"
)

const (
	routesTestUserID   = "user-1"
	routesTestLetterID = "6f1d8f3a-9c44-4f0e-a2a4-222222222222"
)

type routesLetterStore struct {
	letters map[string]*models.Letter
}

func (f *routesLetterStore) GetLetterByID(_ context.Context, letterID string) (*models.Letter, error) {
	l, ok := f.letters[letterID]
	if !ok {
		return nil, fmt.Errorf("letter not found: %w", sql.ErrNoRows)
	}
	copied := *l
	return &copied, nil
}

type routesDeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*models.ScheduledDelivery
	credits    *ledger.MemoryStore
}

func (f *routesDeliveryStore) CreateDelivery(_ context.Context, delivery *models.ScheduledDelivery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *delivery
	f.deliveries[delivery.ID] = &copied
	return nil
}

func (f *routesDeliveryStore) GetDeliveryByID(_ context.Context, deliveryID string) (*models.ScheduledDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok {
		return nil, fmt.Errorf("delivery not found: %w", sql.ErrNoRows)
	}
	copied := *d
	return &copied, nil
}

func (f *routesDeliveryStore) GetDeliveriesByUserID(_ context.Context, userID string) ([]models.ScheduledDelivery, error) {
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

func (f *routesDeliveryStore) CancelWithRefund(ctx context.Context, deliveryID, userID string) (*models.ScheduledDelivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deliveries[deliveryID]
	if !ok || d.UserID != userID {
		return nil, fmt.Errorf("delivery not found: %w", sql.ErrNoRows)
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

func (f *routesDeliveryStore) setStatus(deliveryID string, status models.DeliveryStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.deliveries[deliveryID]; ok {
		d.Status = status
	}
}

// newTestRouter builds the real production router, middleware stack included,
// so responses are asserted exactly as a client would see them.
func newTestRouter(t *testing.T, balance int) (http.Handler, *routesDeliveryStore) {
	t.Helper()

	sealedAt := time.Now().UTC().Add(-time.Hour)
	letters := &routesLetterStore{letters: map[string]*models.Letter{
		routesTestLetterID: {
			ID:        routesTestLetterID,
			UserID:    routesTestUserID,
			Subject:   "To my future self",
			Body:      "Remember the garden.",
			SealedAt:  &sealedAt,
			CreatedAt: sealedAt,
		},
	}}

	credits := ledger.NewMemoryStore()
	credits.SetBalance(routesTestUserID, balance)
	deliveries := &routesDeliveryStore{
		deliveries: make(map[string]*models.ScheduledDelivery),
		credits:    credits,
	}

	creditLedger := ledger.New(credits)
	svc := booking.NewService(letters, deliveries, creditLedger, scheduling.DefaultConfig)

	noop := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	router := SetupRoutes(
		rh.NewUserHandler(nil),
		rh.NewLetterHandler(nil),
		rh.NewDeliveryHandler(svc, deliveries),
		rh.NewCreditHandler(creditLedger),
		noop,
		noop,
	)
	return router, deliveries
}

func doRequest(router http.Handler, method, path, body, idempotencyKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set(webutil.HeaderAuthenticatedUser, routesTestUserID)
	if idempotencyKey != "" {
		req.Header.Set(webutil.HeaderIdempotencyKey, idempotencyKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func routesScheduleBody(channel, targetDate, timezone string) string {
	return `{"letter_id":"` + routesTestLetterID + `","mode":"exact","target_date":"` + targetDate +
		`","timezone":"` + timezone + `","channel":"` + channel + `"}`
}

func assertJSONError(t *testing.T, rec *httptest.ResponseRecorder, wantCode int) {
	t.Helper()
	if rec.Code != wantCode {
		t.Errorf("status = %d, want %d; body: %q", rec.Code, wantCode, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (body: %q)", err, rec.Body.String())
	}
	if body["error"] == "" {
		t.Errorf("error body has no message: %q", rec.Body.String())
	}
}

func TestRouterScheduleDelivery(t *testing.T) {
	router, _ := newTestRouter(t, 3)

	rec := doRequest(router, http.MethodPost, "/api/deliveries", routesScheduleBody("email", "2040-06-15", "America/New_York"), "key-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %q", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() == 0 {
		t.Fatal("created response has an empty body")
	}
}

// Domain errors must reach the client through the full middleware stack, with
// the mapped status code and a JSON error body.
func TestRouterErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		balance  int
		body     string
		wantCode int
	}{
		{"insufficient credits", 0, routesScheduleBody("email", "2040-06-15", "America/New_York"), http.StatusPaymentRequired},
		{"insufficient for both", 1, routesScheduleBody("both", "2040-06-15", "America/New_York"), http.StatusPaymentRequired},
		{"past date", 3, routesScheduleBody("email", "2001-01-01", "America/New_York"), http.StatusUnprocessableEntity},
		{"invalid timezone", 3, routesScheduleBody("email", "2040-06-15", "Mars/Olympus"), http.StatusUnprocessableEntity},
		{"invalid channel", 3, routesScheduleBody("carrier-pigeon", "2040-06-15", "UTC"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router, _ := newTestRouter(t, tt.balance)
			rec := doRequest(router, http.MethodPost, "/api/deliveries", tt.body, "key-1")
			assertJSONError(t, rec, tt.wantCode)
		})
	}
}

func TestRouterCancelErrors(t *testing.T) {
	router, deliveries := newTestRouter(t, 3)

	rec := doRequest(router, http.MethodPost, "/api/deliveries", routesScheduleBody("email", "2040-06-15", "America/New_York"), "key-1")
	if rec.Code != http.StatusCreated {
		t.Fatalf("schedule status = %d, want 201", rec.Code)
	}
	var resp struct {
		Delivery models.ScheduledDelivery `json:"delivery"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	// Unknown delivery -> 404.
	rec = doRequest(router, http.MethodDelete, "/api/deliveries/6f1d8f3a-9c44-4f0e-a2a4-333333333333", "", "")
	assertJSONError(t, rec, http.StatusNotFound)

	// Already dispatched -> 409.
	deliveries.setStatus(resp.Delivery.ID, models.DeliveryStatusSent)
	rec = doRequest(router, http.MethodDelete, "/api/deliveries/"+resp.Delivery.ID, "", "")
	assertJSONError(t, rec, http.StatusConflict)
}

func TestRouterRequiresIdentity(t *testing.T) {
	router, _ := newTestRouter(t, 3)

	req := httptest.NewRequest(http.MethodGet, "/api/deliveries", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without identity header", rec.Code)
	}
}

func TestRouterHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t, 0)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("body = %q, want OK", rec.Body.String())
	}
}
