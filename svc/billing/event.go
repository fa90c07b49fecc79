package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event types that change subscription state. Anything else is recorded only.
const (
	TypeInitialPurchase     = "INITIAL_PURCHASE"
	TypeRenewal             = "RENEWAL"
	TypeProductChange       = "PRODUCT_CHANGE"
	TypeUncancellation      = "UNCANCELLATION"
	TypeNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	TypeCancellation        = "CANCELLATION"
	TypeExpiration          = "EXPIRATION"
	TypeBillingIssue        = "BILLING_ISSUE"
)

const ProviderRevenueCat = "revenuecat"

// Event is a provider-neutral subscription lifecycle event.
type Event struct {
	ID                string
	Provider          string
	Type              string
	AppUserID         string
	OriginalAppUserID string
	Aliases           []string
	ProductID         string
	Price             *float64
	Currency          string
	ExpiresAt         *time.Time
	PurchasedAt       *time.Time
	OccurredAt        time.Time
	Environment       string
	Payload           json.RawMessage
}

// candidates lists the identifiers that may map the event to a user, in
// lookup order and without duplicates.
func (e Event) candidates() []string {
	seen := make(map[string]struct{}, 2+len(e.Aliases))
	out := make([]string, 0, 2+len(e.Aliases))
	for _, id := range append([]string{e.AppUserID, e.OriginalAppUserID}, e.Aliases...) {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Record is a stored event with its resolution.
type Record struct {
	Event
	TenantID uuid.UUID
	UserID   uuid.UUID
	Applied  bool
}

type envelope struct {
	APIVersion string `json:"api_version"`
	Event      *struct {
		ID                string   `json:"id"`
		Type              string   `json:"type"`
		AppUserID         string   `json:"app_user_id"`
		OriginalAppUserID string   `json:"original_app_user_id"`
		Aliases           []string `json:"aliases"`
		ProductID         string   `json:"product_id"`
		Price             *float64 `json:"price"`
		Currency          string   `json:"currency"`
		ExpirationAtMs    *int64   `json:"expiration_at_ms"`
		PurchasedAtMs     *int64   `json:"purchased_at_ms"`
		EventTimestampMs  *int64   `json:"event_timestamp_ms"`
		Environment       string   `json:"environment"`
	} `json:"event"`
}

// Decode parses a RevenueCat-style envelope. Payloads without event.id or
// event.type fail with ErrInvalidPayload.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, errors.Join(ErrInvalidPayload, err)
	}
	if env.Event == nil {
		return Event{}, fmt.Errorf("%w: missing event", ErrInvalidPayload)
	}
	ev := env.Event
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Type) == "" {
		return Event{}, fmt.Errorf("%w: event.id and event.type are required", ErrInvalidPayload)
	}

	e := Event{
		ID:                ev.ID,
		Provider:          ProviderRevenueCat,
		Type:              strings.ToUpper(ev.Type),
		AppUserID:         ev.AppUserID,
		OriginalAppUserID: ev.OriginalAppUserID,
		Aliases:           ev.Aliases,
		ProductID:         ev.ProductID,
		Price:             ev.Price,
		Currency:          ev.Currency,
		ExpiresAt:         fromMillis(ev.ExpirationAtMs),
		PurchasedAt:       fromMillis(ev.PurchasedAtMs),
		Environment:       ev.Environment,
		Payload:           json.RawMessage(body),
	}
	if at := fromMillis(ev.EventTimestampMs); at != nil {
		e.OccurredAt = *at
	}
	return e, nil
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil || *ms <= 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
