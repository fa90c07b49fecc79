package quota

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/quotagate/pkg/pg"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// PGStore keeps counters in usage_counters and result rows in
// coach_analyses. Each call runs in its own tenant-scoped transaction.
type PGStore struct {
	db pg.TxBeginner
}

func NewPGStore(db pg.TxBeginner) *PGStore {
	return &PGStore{db: db}
}

const (
	countQuery = `SELECT count FROM usage_counters
		WHERE tenant_id = $1 AND user_id = $2 AND feature = $3 AND period = $4`

	incrementQuery = `INSERT INTO usage_counters (tenant_id, user_id, feature, period, count)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant_id, user_id, feature, period)
		DO UPDATE SET count = usage_counters.count + 1, updated_at = now()
		RETURNING count`

	countsQuery = `SELECT feature, count FROM usage_counters
		WHERE tenant_id = $1 AND user_id = $2 AND period = $3`

	countRowsQuery = `SELECT count(*) FROM coach_analyses
		WHERE tenant_id = $1 AND user_id = $2 AND created_at >= $3 AND created_at < $4`

	insertRowQuery = `INSERT INTO coach_analyses (tenant_id, user_id, result, created_at)
		VALUES ($1, $2, $3, $4)`
)

func (s *PGStore) Count(ctx context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error) {
	var n int64
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, countQuery, tenantID, userID, string(feature), period).Scan(&n)
		if pg.IsNotFoundError(err) {
			n = 0
			return nil
		}
		return err
	})
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return n, nil
}

func (s *PGStore) Increment(ctx context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error) {
	var n int64
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, incrementQuery, tenantID, userID, string(feature), period).Scan(&n)
	})
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return n, nil
}

func (s *PGStore) Counts(ctx context.Context, tenantID, userID uuid.UUID, period string) (map[entitlement.Feature]int64, error) {
	counts := make(map[entitlement.Feature]int64)
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, countsQuery, tenantID, userID, period)
		if err != nil {
			return err
		}
		var (
			feature string
			n       int64
		)
		_, err = pgx.ForEachRow(rows, []any{&feature, &n}, func() error {
			counts[entitlement.Feature(feature)] = n
			return nil
		})
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrStore, err)
	}
	return counts, nil
}

func (s *PGStore) CountRows(ctx context.Context, tenantID, userID uuid.UUID, from, to time.Time) (int64, error) {
	var n int64
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, countRowsQuery, tenantID, userID, from, to).Scan(&n)
	})
	if err != nil {
		return 0, errors.Join(ErrStore, err)
	}
	return n, nil
}

func (s *PGStore) InsertRow(ctx context.Context, tenantID, userID uuid.UUID, result json.RawMessage, at time.Time) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	err := pg.InTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertRowQuery, tenantID, userID, []byte(result), at)
		return err
	})
	if err != nil {
		return errors.Join(ErrStore, err)
	}
	return nil
}
