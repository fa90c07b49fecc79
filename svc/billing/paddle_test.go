package billing_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/svc/account"
	"github.com/dmitrymomot/quotagate/svc/billing"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

const paddleSecret = "pdl_ntfset_test"

func paddleRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = fmt.Fprintf(mac, "%s:%s", ts, body)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewBufferString(body))
	req.Header.Set(billing.PaddleSignatureHeader, "ts="+ts+";h1="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

const subscriptionCreated = `{
	"event_id": "evt_01",
	"event_type": "subscription.created",
	"occurred_at": "2025-03-01T10:00:00Z",
	"data": {
		"id": "sub_01",
		"status": "active",
		"currency_code": "EUR",
		"custom_data": {"app_user_id": "rc_123"},
		"current_billing_period": {"starts_at": "2025-03-01T10:00:00Z", "ends_at": "2025-04-01T10:00:00Z"},
		"items": [{"price": {"id": "pri_01", "product_id": "pro_01"}}]
	}
}`

func TestPaddleSource(t *testing.T) {
	t.Parallel()

	_, err := billing.NewPaddleSource(billing.PaddleConfig{})
	require.ErrorIs(t, err, billing.ErrEmptySecret)

	src, err := billing.NewPaddleSource(billing.PaddleConfig{WebhookSecret: paddleSecret})
	require.NoError(t, err)

	t.Run("verified and normalized", func(t *testing.T) {
		ev, err := src.Parse(paddleRequest(t, paddleSecret, subscriptionCreated))
		require.NoError(t, err)
		assert.Equal(t, "evt_01", ev.ID)
		assert.Equal(t, billing.ProviderPaddle, ev.Provider)
		assert.Equal(t, billing.TypeInitialPurchase, ev.Type)
		assert.Equal(t, "rc_123", ev.AppUserID)
		assert.Equal(t, "pro_01", ev.ProductID)
		assert.Equal(t, "EUR", ev.Currency)
		assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), ev.OccurredAt)
		require.NotNil(t, ev.ExpiresAt)
		assert.Equal(t, time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC), *ev.ExpiresAt)
	})

	t.Run("wrong secret", func(t *testing.T) {
		_, err := src.Parse(paddleRequest(t, "other", subscriptionCreated))
		assert.ErrorIs(t, err, billing.ErrUnauthorized)
	})

	t.Run("missing signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paddle", bytes.NewBufferString(subscriptionCreated))
		_, err := src.Parse(req)
		assert.ErrorIs(t, err, billing.ErrUnauthorized)
	})

	t.Run("signed but malformed", func(t *testing.T) {
		_, err := src.Parse(paddleRequest(t, paddleSecret, `{"event_type":"subscription.created"}`))
		assert.ErrorIs(t, err, billing.ErrInvalidPayload)
	})

	t.Run("event type mapping", func(t *testing.T) {
		for typ, want := range map[string]string{
			"subscription.updated":  "SUBSCRIPTION_UPDATED",
			"subscription.canceled": billing.TypeCancellation,
			"subscription.past_due": billing.TypeBillingIssue,
			"transaction.completed": billing.TypeRenewal,
			"subscription.resumed":  billing.TypeUncancellation,
			"customer.created":      "CUSTOMER_CREATED",
		} {
			body := fmt.Sprintf(`{"event_id":"evt_%s","event_type":%q,"occurred_at":"2025-03-01T10:00:00Z","data":{}}`, typ, typ)
			ev, err := src.Parse(paddleRequest(t, paddleSecret, body))
			require.NoError(t, err, typ)
			assert.Equal(t, want, ev.Type, typ)
		}
	})
}

func paddleEvent(t *testing.T, id, typ, status, appUserID string, at time.Time, extra string) string {
	t.Helper()
	return fmt.Sprintf(`{
	"event_id": %q,
	"event_type": %q,
	"occurred_at": %q,
	"data": {
		"status": %q,
		"custom_data": {"app_user_id": %q},
		"items": [{"price": {"id": "pri_01", "product_id": "pro_01"}}]%s
	}
}`, id, typ, at.Format(time.RFC3339), status, appUserID, extra)
}

func TestPaddleSubscriptionUpdatedFollowsStatus(t *testing.T) {
	t.Parallel()
	src, err := billing.NewPaddleSource(billing.PaddleConfig{WebhookSecret: paddleSecret})
	require.NoError(t, err)

	tests := []struct {
		status     string
		wantType   string
		wantStatus account.Status
	}{
		{status: "active", wantType: billing.TypeProductChange, wantStatus: account.StatusActive},
		{status: "trialing", wantType: billing.TypeProductChange, wantStatus: account.StatusActive},
		{status: "past_due", wantType: billing.TypeBillingIssue, wantStatus: account.StatusBillingIssue},
		{status: "canceled", wantType: billing.TypeCancellation, wantStatus: account.StatusCancelled},
		{status: "paused", wantType: billing.TypeCancellation, wantStatus: account.StatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, billing.Config{})
			alice := f.alice.ID.String()
			period := `, "current_billing_period": {"ends_at": "2025-04-01T10:00:00Z"}`

			created, err := src.Parse(paddleRequest(t, paddleSecret, paddleEvent(t, "evt_c", "subscription.created", "active", alice, t0, period)))
			require.NoError(t, err)
			require.True(t, f.ingestor.Ingest(context.Background(), created).Processed)

			updated, err := src.Parse(paddleRequest(t, paddleSecret, paddleEvent(t, "evt_u", "subscription.updated", tt.status, alice, t0.Add(time.Hour), period)))
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, updated.Type)
			require.True(t, f.ingestor.Ingest(context.Background(), updated).Processed)

			u := f.user(t)
			assert.Equal(t, tt.wantStatus, u.Status)
			assert.Equal(t, entitlement.PlanPremium, u.Plan)
		})
	}
}

func TestPaddleRenewalKeepsExpiry(t *testing.T) {
	t.Parallel()
	src, err := billing.NewPaddleSource(billing.PaddleConfig{WebhookSecret: paddleSecret})
	require.NoError(t, err)
	f := newFixture(t, billing.Config{})
	alice := f.alice.ID.String()
	ctx := context.Background()

	created, err := src.Parse(paddleRequest(t, paddleSecret, paddleEvent(t, "evt_c", "subscription.created", "active", alice, t0,
		`, "current_billing_period": {"ends_at": "2025-04-01T10:00:00Z"}`)))
	require.NoError(t, err)
	require.True(t, f.ingestor.Ingest(ctx, created).Processed)

	renewal, err := src.Parse(paddleRequest(t, paddleSecret, paddleEvent(t, "txn_1", "transaction.completed", "completed", alice, t0.Add(time.Hour),
		`, "billing_period": {"starts_at": "2025-04-01T10:00:00Z", "ends_at": "2025-05-01T10:00:00Z"}`)))
	require.NoError(t, err)
	assert.Equal(t, billing.TypeRenewal, renewal.Type)
	require.NotNil(t, renewal.ExpiresAt)
	require.True(t, f.ingestor.Ingest(ctx, renewal).Processed)

	u := f.user(t)
	require.NotNil(t, u.ExpiresAt)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), *u.ExpiresAt)

	// A renewal without any period leaves the known expiry in place.
	bare, err := src.Parse(paddleRequest(t, paddleSecret, paddleEvent(t, "txn_2", "transaction.completed", "completed", alice, t0.Add(2*time.Hour), "")))
	require.NoError(t, err)
	assert.Nil(t, bare.ExpiresAt)
	require.True(t, f.ingestor.Ingest(ctx, bare).Processed)

	u = f.user(t)
	require.NotNil(t, u.ExpiresAt)
	assert.Equal(t, time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC), *u.ExpiresAt)
	assert.Equal(t, entitlement.PlanFree, u.EffectivePlan(time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)))
}
