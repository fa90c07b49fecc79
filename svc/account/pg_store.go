package account

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotagate/pkg/pg"
	"github.com/dmitrymomot/quotagate/pkg/tenant"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// PGStore reads users under the tenant scope and tenants directly.
type PGStore struct {
	db pg.TxBeginner
}

func NewPGStore(db pg.TxBeginner) *PGStore {
	return &PGStore{db: db}
}

// UserColumns is the column list ScanUser expects.
const UserColumns = `id, tenant_id, email, display_name, plan, subscription_status,
	subscription_started_at, subscription_expires_at, billing_event_at, created_at, updated_at`

const (
	userByIDQuery = `SELECT ` + UserColumns + ` FROM users WHERE tenant_id = $1 AND id = $2`

	tenantByIDQuery   = `SELECT id, slug, name, timezone, active, created_at FROM tenants WHERE id = $1`
	tenantBySlugQuery = `SELECT id, slug, name, timezone, active, created_at FROM tenants WHERE slug = $1`
)

// ScanUser scans one row selected with UserColumns.
func ScanUser(row pgx.Row) (*User, error) {
	var (
		u      User
		plan   string
		status string
	)
	err := row.Scan(
		&u.ID, &u.TenantID, &u.Email, &u.DisplayName, &plan, &status,
		&u.StartedAt, &u.ExpiresAt, &u.BillingEventAt, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Plan = entitlement.Plan(plan)
	u.Status = Status(status)
	return &u, nil
}

func (s *PGStore) UserByID(ctx context.Context, tenantID, userID uuid.UUID) (*User, error) {
	var u *User
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		var err error
		u, err = ScanUser(tx.QueryRow(ctx, userByIDQuery, tenantID, userID))
		return err
	})
	switch {
	case pg.IsNotFoundError(err):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, errors.Join(ErrStore, err)
	}
	return u, nil
}

// TenantProvider looks tenants up by id or slug.
type TenantProvider struct {
	db pg.TxBeginner
}

func NewTenantProvider(db pg.TxBeginner) *TenantProvider {
	return &TenantProvider{db: db}
}

func (p *TenantProvider) GetByIdentifier(ctx context.Context, identifier string) (*tenant.Tenant, error) {
	query, arg := tenantBySlugQuery, any(identifier)
	if id, err := uuid.Parse(identifier); err == nil {
		query, arg = tenantByIDQuery, id
	}

	var t tenant.Tenant
	err := pg.InTx(ctx, p.db, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, query, arg).Scan(&t.ID, &t.Slug, &t.Name, &t.Timezone, &t.Active, &t.CreatedAt)
	})
	switch {
	case pg.IsNotFoundError(err):
		return nil, tenant.ErrTenantNotFound
	case err != nil:
		return nil, errors.Join(ErrStore, err)
	}
	return &t, nil
}
