package pg

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Transaction-local variables read by row-level security policies.
const (
	TenantSetting = "app.tenant_id"
	ScopeSetting  = "app.scope"
)

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func InTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// InTenantTx is InTx with the tenant scope bound for the lifetime of the
// transaction. The value goes through a bind parameter and set_config's
// is_local flag, so it disappears on commit or rollback and never leaks to
// the next user of the pooled connection.
func InTenantTx(ctx context.Context, db TxBeginner, tenantID uuid.UUID, fn func(tx pgx.Tx) error) error {
	return InTx(ctx, db, func(tx pgx.Tx) error {
		if err := SetTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// SetTenant binds the tenant scope on an open transaction.
func SetTenant(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) error {
	if tenantID == uuid.Nil {
		return errors.Join(ErrTenantScope, errors.New("empty tenant id"))
	}
	if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", TenantSetting, tenantID.String()); err != nil {
		return errors.Join(ErrTenantScope, err)
	}
	return nil
}

// InServiceTx is InTx for work that spans tenants, such as resolving a
// billing webhook to its user. Without it, or a tenant scope, row-level
// security hides every tenant row.
func InServiceTx(ctx context.Context, db TxBeginner, fn func(tx pgx.Tx) error) error {
	return InTx(ctx, db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, 'service', true)", ScopeSetting); err != nil {
			return errors.Join(ErrTenantScope, err)
		}
		return fn(tx)
	})
}
