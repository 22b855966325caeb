package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/capsulenote/capsule/models"
)

// PostalProvider delivers letters as physical mail through a print-and-mail
// API (Lob-compatible letter endpoint).
type PostalProvider struct {
	endpoint string
	apiKey   string
}

func NewPostalProvider(endpoint, apiKey string) *PostalProvider {
	return &PostalProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

func (p *PostalProvider) Channel() models.DeliveryChannel { return models.ChannelPhysical }

func (p *PostalProvider) Send(ctx context.Context, letter *models.Letter, user *models.User) error {
	if user.MailingAddress == "" {
		return fmt.Errorf("user %s has no mailing address on file", user.ID)
	}

	payload := postalLetterPayload{
		RecipientAddress: user.MailingAddress,
		Subject:          letter.Subject,
		Body:             letter.Body,
		Description:      fmt.Sprintf("capsule letter %s", letter.ID),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal postal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create postal API request: %w", err)
	}
	req.SetBasicAuth(p.apiKey, "")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("postal API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("postal API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

type postalLetterPayload struct {
	RecipientAddress string `json:"recipient_address"`
	Subject          string `json:"subject"`
	Body             string `json:"body"`
	Description      string `json:"description"`
}
