package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"checkout-service/internal/apperr"
	"checkout-service/internal/entity"
)

// IntentStatus is the gateway-side status of a payment intent.
type IntentStatus string

const (
	IntentSucceeded            IntentStatus = "succeeded"
	IntentProcessing           IntentStatus = "processing"
	IntentRequiresPayment      IntentStatus = "requires_payment_method"
	IntentRequiresAction       IntentStatus = "requires_action"
	IntentRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentCanceled             IntentStatus = "canceled"
	IntentFailed               IntentStatus = "failed"
)

// Intent is the gateway-side handle for an attempt to collect an amount.
type Intent struct {
	ID           string                `json:"id"`
	ClientSecret string                `json:"client_secret"`
	Status       IntentStatus          `json:"status"`
	Amount       decimal.Decimal       `json:"amount"`
	Currency     string                `json:"currency"`
	ChargeID     string                `json:"charge_id,omitempty"`
	Card         *entity.MethodDetails `json:"card,omitempty"`
	LastError    string                `json:"last_error,omitempty"`
}

// Refund is the gateway-side record of a refund execution.
type Refund struct {
	ID       string          `json:"id"`
	IntentID string          `json:"intent_id"`
	Amount   decimal.Decimal `json:"amount"`
	Status   string          `json:"status"`
}

type CreateIntentInput struct {
	Amount   decimal.Decimal   `json:"amount"`
	Currency string            `json:"currency"`
	Method   string            `json:"method"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type RefundInput struct {
	IntentID string          `json:"intent_id"`
	Amount   decimal.Decimal `json:"amount"`
	Reason   string          `json:"reason,omitempty"`
}

// PaymentGateway is the narrow contract against the external payment
// collaborator. Webhook events arrive separately through the signed feed.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, input CreateIntentInput) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*Intent, error)
	CreateRefund(ctx context.Context, input RefundInput) (*Refund, error)
}

type httpGateway struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPGateway builds a client for a remote gateway API.
func NewHTTPGateway(baseURL, apiKey string) PaymentGateway {
	return &httpGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *httpGateway) CreateIntent(ctx context.Context, input CreateIntentInput) (*Intent, error) {
	var intent Intent
	if err := g.post(ctx, "/v1/payment_intents", input, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func (g *httpGateway) RetrieveIntent(ctx context.Context, intentID string) (*Intent, error) {
	endpoint := fmt.Sprintf("%s/v1/payment_intents/%s", g.baseURL, url.PathEscape(intentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "build gateway request")
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.Newf(apperr.KindNotFound, "payment intent %s not found", intentID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindCollaboratorUnavailable,
			"gateway returned status %d", resp.StatusCode)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "decode gateway response")
	}
	return &intent, nil
}

func (g *httpGateway) CreateRefund(ctx context.Context, input RefundInput) (*Refund, error) {
	var refund Refund
	if err := g.post(ctx, "/v1/refunds", input, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (g *httpGateway) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "encode gateway request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "build gateway request")
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "gateway unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return apperr.Newf(apperr.KindCollaboratorUnavailable,
			"gateway returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindCollaboratorUnavailable, err, "decode gateway response")
	}
	return nil
}
