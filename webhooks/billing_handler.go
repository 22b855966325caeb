// Package webhooks receives events from the external billing provider.
// Credit purchases and subscription renewals happen there; this service only
// hears about them after the fact and grants credits accordingly.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/capsulenote/capsule/webutil"
)

const maxWebhookBodyBytes = 1 << 20

// Event types the billing provider sends. Anything else is acknowledged and
// ignored so the provider stops retrying.
const (
	eventSubscriptionRenewed = "subscription.renewed"
	eventCreditPackPurchased = "credit_pack.purchased"
)

// CreditGranter is the slice of the ledger the webhook needs.
type CreditGranter interface {
	GrantCredits(ctx context.Context, userID string, amount int, eventID string) (bool, error)
}

type BillingHandler struct {
	ledger CreditGranter
	secret string
}

func NewBillingHandler(ledger CreditGranter, signingSecret string) *BillingHandler {
	return &BillingHandler{
		ledger: ledger,
		secret: signingSecret,
	}
}

type billingEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	UserID  string `json:"user_id"`
	Credits int    `json:"credits"`
}

// HandleBillingEvent verifies the provider's HMAC signature, then grants the
// event's credits. Grants are idempotent by event ID, so provider retries are
// safe to acknowledge every time.
func (h *BillingHandler) HandleBillingEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		log.Printf("ERROR (BillingWebhook): Failed to read request body: %v", err)
		webutil.RespondWithError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(webutil.HeaderWebhookSignature)
	if !webutil.VerifySignature(h.secret, body, signature) {
		log.Printf("WARN (BillingWebhook): Rejected event with invalid signature from %s", r.RemoteAddr)
		webutil.RespondWithError(w, http.StatusUnauthorized, "Invalid webhook signature")
		return
	}

	var event billingEvent
	if err := json.Unmarshal(body, &event); err != nil {
		webutil.RespondWithError(w, http.StatusBadRequest, "Invalid event payload: "+err.Error())
		return
	}
	if event.ID == "" {
		webutil.RespondWithError(w, http.StatusBadRequest, "Event is missing an ID")
		return
	}

	switch event.Type {
	case eventSubscriptionRenewed, eventCreditPackPurchased:
		if err := h.grantFromEvent(r.Context(), event); err != nil {
			log.Printf("ERROR (BillingWebhook): Failed to process event %s: %v", event.ID, err)
			webutil.RespondWithError(w, http.StatusInternalServerError, "Failed to process event")
			return
		}
	default:
		// Unknown event types are acknowledged so the provider stops
		// retrying, but nothing is granted.
		log.Printf("INFO (BillingWebhook): Ignoring event %s of unhandled type %q", event.ID, event.Type)
	}

	acknowledge(w, event.ID)
}

func (h *BillingHandler) grantFromEvent(ctx context.Context, event billingEvent) error {
	if event.UserID == "" {
		return fmt.Errorf("event %s has no user_id", event.ID)
	}
	if event.Credits <= 0 {
		return fmt.Errorf("event %s has non-positive credit amount %d", event.ID, event.Credits)
	}

	granted, err := h.ledger.GrantCredits(ctx, event.UserID, event.Credits, event.ID)
	if err != nil {
		return err
	}
	if !granted {
		log.Printf("INFO (BillingWebhook): Event %s already applied, acknowledging replay", event.ID)
		return nil
	}

	log.Printf("INFO (BillingWebhook): Granted %d credits to user %s for event %s (%s)",
		event.Credits, event.UserID, event.ID, event.Type)
	return nil
}

func acknowledge(w http.ResponseWriter, eventID string) {
	webutil.RespondWithJSON(w, http.StatusOK, map[string]string{"received": eventID})
}
