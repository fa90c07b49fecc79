package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

const (
	ProviderPaddle = "paddle"
	// PaddleSignatureHeader carries "ts=<unix>;h1=<hmac>".
	PaddleSignatureHeader = "Paddle-Signature"

	maxPaddleBody = 1 << 20
)

// PaddleSource verifies Paddle notifications and normalizes them into
// Events for the ingestor.
type PaddleSource struct {
	verifier *paddle.WebhookVerifier
}

func NewPaddleSource(cfg PaddleConfig) (*PaddleSource, error) {
	if !cfg.Enabled() {
		return nil, ErrEmptySecret
	}
	return &PaddleSource{verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret)}, nil
}

type paddlePeriod struct {
	EndsAt time.Time `json:"ends_at"`
}

type paddleNotification struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		ID                   string         `json:"id"`
		Status               string         `json:"status"`
		SubscriptionID       string         `json:"subscription_id"`
		CurrencyCode         string         `json:"currency_code"`
		CanceledAt           *time.Time     `json:"canceled_at"`
		CustomData           map[string]any `json:"custom_data"`
		CurrentBillingPeriod *paddlePeriod  `json:"current_billing_period"`
		BillingPeriod        *paddlePeriod  `json:"billing_period"`
		Items                []struct {
			PriceID string `json:"price_id"`
			Price   struct {
				ID        string `json:"id"`
				ProductID string `json:"product_id"`
			} `json:"price"`
		} `json:"items"`
	} `json:"data"`
}

var paddleTypes = map[string]string{
	"subscription.created":   TypeInitialPurchase,
	"subscription.activated": TypeInitialPurchase,
	"subscription.resumed":   TypeUncancellation,
	"subscription.canceled":  TypeCancellation,
	"subscription.past_due":  TypeBillingIssue,
	"transaction.completed":  TypeRenewal,
}

// paddleUpdateTypes maps the status carried by subscription.updated.
// Unlisted statuses are recorded without a transition.
var paddleUpdateTypes = map[string]string{
	"active":   TypeProductChange,
	"trialing": TypeProductChange,
	"past_due": TypeBillingIssue,
	"canceled": TypeCancellation,
	"paused":   TypeCancellation,
}

// Parse verifies the request signature and decodes the notification. A bad
// signature is ErrUnauthorized, a malformed body ErrInvalidPayload.
func (p *PaddleSource) Parse(r *http.Request) (Event, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPaddleBody+1))
	if err != nil {
		return Event{}, errors.Join(ErrInvalidPayload, err)
	}
	if len(body) > maxPaddleBody {
		return Event{}, fmt.Errorf("%w: body too large", ErrInvalidPayload)
	}

	verify, err := http.NewRequestWithContext(r.Context(), http.MethodPost, r.URL.String(), bytes.NewReader(body))
	if err != nil {
		return Event{}, err
	}
	verify.Header.Set(PaddleSignatureHeader, r.Header.Get(PaddleSignatureHeader))
	ok, err := p.verifier.Verify(verify)
	if err != nil || !ok {
		return Event{}, errors.Join(ErrUnauthorized, err)
	}

	return decodePaddle(body)
}

func decodePaddle(body []byte) (Event, error) {
	var n paddleNotification
	if err := json.Unmarshal(body, &n); err != nil {
		return Event{}, errors.Join(ErrInvalidPayload, err)
	}
	if n.EventID == "" || n.EventType == "" {
		return Event{}, fmt.Errorf("%w: event_id and event_type are required", ErrInvalidPayload)
	}

	typ, ok := paddleTypes[n.EventType]
	if n.EventType == "subscription.updated" {
		typ, ok = paddleUpdateTypes[n.Data.Status]
	}
	if !ok {
		typ = strings.ToUpper(strings.ReplaceAll(n.EventType, ".", "_"))
	}

	e := Event{
		ID:         n.EventID,
		Provider:   ProviderPaddle,
		Type:       typ,
		Currency:   n.Data.CurrencyCode,
		OccurredAt: n.OccurredAt.UTC(),
		Payload:    json.RawMessage(body),
	}
	if id, ok := n.Data.CustomData["app_user_id"].(string); ok {
		e.AppUserID = id
	}
	if len(n.Data.Items) > 0 {
		item := n.Data.Items[0]
		switch {
		case item.Price.ProductID != "":
			e.ProductID = item.Price.ProductID
		case item.Price.ID != "":
			e.ProductID = item.Price.ID
		default:
			e.ProductID = item.PriceID
		}
	}
	if ends, ok := periodEnd(n.Data.CurrentBillingPeriod, n.Data.BillingPeriod); ok {
		e.ExpiresAt = &ends
	} else if typ == TypeCancellation && n.Data.CanceledAt != nil {
		at := n.Data.CanceledAt.UTC()
		e.ExpiresAt = &at
	}
	return e, nil
}

// periodEnd returns the first non-zero end. Subscriptions carry
// current_billing_period, transactions billing_period.
func periodEnd(periods ...*paddlePeriod) (time.Time, bool) {
	for _, p := range periods {
		if p != nil && !p.EndsAt.IsZero() {
			return p.EndsAt.UTC(), true
		}
	}
	return time.Time{}, false
}
