package routehandlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/capsulenote/capsule/booking"
	"github.com/capsulenote/capsule/ledger"
	"github.com/capsulenote/capsule/models"
	"github.com/capsulenote/capsule/scheduling"
	"github.com/capsulenote/capsule/webutil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DeliveryLister is the read side the handler needs beyond the booking service.
type DeliveryLister interface {
	GetDeliveryByID(ctx context.Context, deliveryID string) (*models.ScheduledDelivery, error)
	GetDeliveriesByUserID(ctx context.Context, userID string) ([]models.ScheduledDelivery, error)
}

type DeliveryHandler struct {
	Booking    *booking.Service
	Deliveries DeliveryLister
}

func NewDeliveryHandler(bookingService *booking.Service, deliveries DeliveryLister) *DeliveryHandler {
	return &DeliveryHandler{Booking: bookingService, Deliveries: deliveries}
}

type scheduleDeliveryRequest struct {
	LetterID    string `json:"letter_id"`
	Mode        string `json:"mode"`
	TargetDate  string `json:"target_date"`
	Timezone    string `json:"timezone"`
	Channel     string `json:"channel"`
	TransitDays int    `json:"transit_days"`
	BufferDays  int    `json:"buffer_days"`
}

type scheduleDeliveryResponse struct {
	Delivery *models.ScheduledDelivery `json:"delivery"`
	Credits  int                       `json:"credits_reserved"`
}

func (req *scheduleDeliveryRequest) toDeliveryRequest() (scheduling.DeliveryRequest, error) {
	target, err := scheduling.ParseDate(req.TargetDate)
	if err != nil {
		return scheduling.DeliveryRequest{}, err
	}
	return scheduling.DeliveryRequest{
		Mode:        scheduling.Mode(req.Mode),
		TargetDate:  target,
		Timezone:    req.Timezone,
		Channel:     models.DeliveryChannel(req.Channel),
		TransitDays: req.TransitDays,
		BufferDays:  req.BufferDays,
	}, nil
}

func (h *DeliveryHandler) HandleScheduleDelivery(w http.ResponseWriter, r *http.Request) error {
	userID := webutil.AuthenticatedUserID(r)

	idempotencyKey := r.Header.Get(webutil.HeaderIdempotencyKey)
	if idempotencyKey == "" {
		return webutil.ErrBadRequest("An Idempotency-Key header is required")
	}

	var req scheduleDeliveryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	if _, err := uuid.Parse(req.LetterID); err != nil {
		return webutil.ErrBadRequest("Invalid letter ID format")
	}

	deliveryReq, err := req.toDeliveryRequest()
	if err != nil {
		return webutil.ErrBadRequestWrap(err.Error(), err)
	}

	delivery, err := h.Booking.ScheduleDelivery(r.Context(), userID, req.LetterID, deliveryReq, idempotencyKey)
	if err != nil {
		return mapBookingError(err)
	}

	webutil.RespondWithJSON(w, http.StatusCreated, scheduleDeliveryResponse{
		Delivery: delivery,
		Credits:  scheduling.CreditsFor(delivery.Channel),
	})
	return nil
}

func (h *DeliveryHandler) HandleGetDelivery(w http.ResponseWriter, r *http.Request) error {
	deliveryID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(deliveryID); err != nil {
		return webutil.ErrBadRequest("Invalid delivery ID format")
	}

	delivery, err := h.Deliveries.GetDeliveryByID(r.Context(), deliveryID)
	if err != nil {
		return err
	}
	if delivery.UserID != webutil.AuthenticatedUserID(r) {
		return webutil.ErrNotFound("")
	}

	webutil.RespondWithJSON(w, http.StatusOK, delivery)
	return nil
}

func (h *DeliveryHandler) HandleGetUserDeliveries(w http.ResponseWriter, r *http.Request) error {
	userID := webutil.AuthenticatedUserID(r)
	deliveries, err := h.Deliveries.GetDeliveriesByUserID(r.Context(), userID)
	if err != nil {
		return err
	}
	if deliveries == nil {
		deliveries = []models.ScheduledDelivery{}
	}
	webutil.RespondWithJSON(w, http.StatusOK, deliveries)
	return nil
}

func (h *DeliveryHandler) HandleCancelDelivery(w http.ResponseWriter, r *http.Request) error {
	deliveryID := chi.URLParam(r, "id")
	if _, err := uuid.Parse(deliveryID); err != nil {
		return webutil.ErrBadRequest("Invalid delivery ID format")
	}

	userID := webutil.AuthenticatedUserID(r)
	delivery, err := h.Booking.CancelDelivery(r.Context(), userID, deliveryID)
	if err != nil {
		return mapBookingError(err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, delivery)
	return nil
}

type estimateResponse struct {
	DispatchAt time.Time `json:"dispatch_at"`
	Display    string    `json:"display"`
}

// HandleEstimateDelivery previews the dispatch instant for a prospective
// request without reserving credits or persisting anything.
func (h *DeliveryHandler) HandleEstimateDelivery(w http.ResponseWriter, r *http.Request) error {
	var req scheduleDeliveryRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return webutil.ErrBadRequest("Invalid request payload: " + err.Error())
	}
	defer r.Body.Close()

	deliveryReq, err := req.toDeliveryRequest()
	if err != nil {
		return webutil.ErrBadRequestWrap(err.Error(), err)
	}

	locale := r.URL.Query().Get("locale")
	dispatchAt, display, err := h.Booking.Estimate(r.Context(), deliveryReq, locale)
	if err != nil {
		return mapBookingError(err)
	}

	webutil.RespondWithJSON(w, http.StatusOK, estimateResponse{
		DispatchAt: dispatchAt,
		Display:    display,
	})
	return nil
}

// mapBookingError translates scheduling, ledger, and booking domain errors
// into HTTP errors. Anything unrecognized passes through for MakeHandler's
// default handling.
func mapBookingError(err error) error {
	var pastDate *scheduling.PastDateError
	var invalidZone *scheduling.InvalidTimezoneError
	var invalidReq *scheduling.InvalidRequestError
	var insufficient *ledger.InsufficientCreditsError
	var resConflict *ledger.ReservationConflictError
	var refundDenied *ledger.RefundNotPermittedError

	switch {
	case errors.As(err, &pastDate):
		return webutil.ErrUnprocessableEntity(err.Error())
	case errors.As(err, &invalidZone):
		return webutil.ErrUnprocessableEntity(err.Error())
	case errors.As(err, &invalidReq):
		return webutil.ErrBadRequest(err.Error())
	case errors.As(err, &insufficient):
		return webutil.ErrPaymentRequired(err.Error())
	case errors.As(err, &resConflict):
		return webutil.ErrConflictWrap(err.Error(), err)
	case errors.As(err, &refundDenied):
		return webutil.ErrConflictWrap(err.Error(), err)
	case errors.Is(err, booking.ErrLetterNotOwned):
		// Don't reveal that the letter exists.
		return webutil.ErrNotFound("")
	case errors.Is(err, booking.ErrLetterNotSealed):
		return webutil.ErrConflict(err.Error())
	default:
		return err
	}
}
