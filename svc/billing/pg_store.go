package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotagate/pkg/pg"
	"github.com/dmitrymomot/quotagate/svc/account"
)

// PGStore keeps events in webhook_events and mappings in billing_customers.
// Webhook deliveries run unscoped; linking runs under the caller's tenant.
type PGStore struct {
	db pg.TxBeginner
}

func NewPGStore(db pg.TxBeginner) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	err := pg.InServiceTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
	return wrapStoreErr(err)
}

func (s *PGStore) InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx Tx) error) error {
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		return fn(pgTx{tx: tx})
	})
	return wrapStoreErr(err)
}

func wrapStoreErr(err error) error {
	if err == nil || errors.Is(err, ErrAlreadyLinked) || errors.Is(err, account.ErrUserNotFound) {
		return err
	}
	return errors.Join(ErrStore, err)
}

const (
	insertEventQuery = `INSERT INTO webhook_events (event_id, provider, event_type, app_user_id, tenant_id, user_id,
			product_id, price, currency, expiration_at, event_at, applied, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id) DO NOTHING`

	userByIDForUpdateQuery = `SELECT ` + account.UserColumns + ` FROM users WHERE id = $1 FOR UPDATE`

	userByTenantForUpdateQuery = `SELECT ` + account.UserColumns + ` FROM users
		WHERE tenant_id = $1 AND id = $2 FOR UPDATE`

	userByCustomerQuery = `SELECT ` + account.UserColumns + ` FROM users
		WHERE (tenant_id, id) = (SELECT tenant_id, user_id FROM billing_customers WHERE app_user_id = $1)
		FOR UPDATE`

	saveSubscriptionQuery = `UPDATE users SET plan = $3, subscription_status = $4, subscription_started_at = $5,
			subscription_expires_at = $6, billing_event_at = $7, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`

	insertCustomerQuery = `INSERT INTO billing_customers (app_user_id, tenant_id, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (app_user_id) DO NOTHING`

	customerOwnerQuery = `SELECT tenant_id, user_id FROM billing_customers WHERE app_user_id = $1`

	unresolvedQuery = `SELECT event_id, provider, event_type, app_user_id, product_id, price, currency,
			expiration_at, event_at, payload
		FROM webhook_events
		WHERE user_id IS NULL AND (
			app_user_id = $1
			OR payload->'event'->>'original_app_user_id' = $1
			OR coalesce(payload->'event'->'aliases', '[]'::jsonb) ? $1
		)
		ORDER BY event_at NULLS FIRST, processed_at
		FOR UPDATE`

	resolveEventQuery = `UPDATE webhook_events SET tenant_id = $2, user_id = $3, applied = $4 WHERE event_id = $1`
)

type pgTx struct {
	tx pgx.Tx
}

func nullable(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (t pgTx) InsertEvent(ctx context.Context, r Record) (bool, error) {
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	var eventAt any
	if !r.OccurredAt.IsZero() {
		eventAt = r.OccurredAt
	}
	tag, err := t.tx.Exec(ctx, insertEventQuery,
		r.ID, r.Provider, r.Type, r.AppUserID, nullable(r.TenantID), nullable(r.UserID),
		r.ProductID, r.Price, r.Currency, r.ExpiresAt, eventAt, r.Applied, payload,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t pgTx) FindUser(ctx context.Context, appUserID string) (*account.User, error) {
	if id, err := uuid.Parse(appUserID); err == nil {
		u, err := account.ScanUser(t.tx.QueryRow(ctx, userByIDForUpdateQuery, id))
		switch {
		case err == nil:
			return u, nil
		case !pg.IsNotFoundError(err):
			return nil, err
		}
	}
	u, err := account.ScanUser(t.tx.QueryRow(ctx, userByCustomerQuery, appUserID))
	if pg.IsNotFoundError(err) {
		return nil, nil
	}
	return u, err
}

func (t pgTx) User(ctx context.Context, tenantID, userID uuid.UUID) (*account.User, error) {
	u, err := account.ScanUser(t.tx.QueryRow(ctx, userByTenantForUpdateQuery, tenantID, userID))
	if pg.IsNotFoundError(err) {
		return nil, account.ErrUserNotFound
	}
	return u, err
}

func (t pgTx) SaveSubscription(ctx context.Context, u *account.User) error {
	tag, err := t.tx.Exec(ctx, saveSubscriptionQuery,
		u.TenantID, u.ID, string(u.Plan), string(u.Status), u.StartedAt, u.ExpiresAt, u.BillingEventAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return account.ErrUserNotFound
	}
	return nil
}

func (t pgTx) LinkCustomer(ctx context.Context, appUserID string, u *account.User) error {
	tag, err := t.tx.Exec(ctx, insertCustomerQuery, appUserID, u.TenantID, u.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var tenantID, userID uuid.UUID
	err = t.tx.QueryRow(ctx, customerOwnerQuery, appUserID).Scan(&tenantID, &userID)
	switch {
	// Owned by a row the tenant scope hides.
	case pg.IsNotFoundError(err):
		return ErrAlreadyLinked
	case err != nil:
		return err
	case tenantID != u.TenantID || userID != u.ID:
		return ErrAlreadyLinked
	}
	return nil
}

func (t pgTx) Unresolved(ctx context.Context, appUserID string) ([]Record, error) {
	rows, err := t.tx.Query(ctx, unresolvedQuery, appUserID)
	if err != nil {
		return nil, err
	}
	var (
		out     []Record
		r       Record
		eventAt *time.Time
		payload []byte
	)
	_, err = pgx.ForEachRow(rows, []any{
		&r.ID, &r.Provider, &r.Type, &r.AppUserID, &r.ProductID, &r.Price, &r.Currency,
		&r.ExpiresAt, &eventAt, &payload,
	}, func() error {
		rec := r
		if eventAt != nil {
			rec.OccurredAt = *eventAt
		}
		rec.Payload = append([]byte(nil), payload...)
		rec.ExpiresAt = cloneTime(r.ExpiresAt)
		rec.Price = cloneFloat(r.Price)
		out = append(out, rec)
		return nil
	})
	return out, err
}

func (t pgTx) Resolve(ctx context.Context, eventID string, u *account.User, applied bool) error {
	_, err := t.tx.Exec(ctx, resolveEventQuery, eventID, u.TenantID, u.ID, applied)
	return err
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
