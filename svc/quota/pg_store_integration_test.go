//go:build integration

package quota_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/quotagate/pkg/pg"
	"github.com/dmitrymomot/quotagate/pkg/pg/pgtest"
	"github.com/dmitrymomot/quotagate/svc/entitlement"
	"github.com/dmitrymomot/quotagate/svc/quota"
)

func TestPGStore(t *testing.T) {
	pool := pgtest.New(t)
	ctx := context.Background()

	tenantA := pgtest.SeedTenant(t, pool, "acme", "Europe/Berlin")
	tenantB := pgtest.SeedTenant(t, pool, "globex", "UTC")
	userA := pgtest.SeedUser(t, pool, tenantA, "same@example.com", "premium")
	userB := pgtest.SeedUser(t, pool, tenantB, "same@example.com", "premium")

	store := quota.NewPGStore(pool)
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		ledger := quota.NewLedger(store, entitlement.DefaultTable(), fixedClock(march))
		subj := quota.Subject{TenantID: tenantA, UserID: userA, Plan: entitlement.PlanPremium, Location: berlin}

		var wg sync.WaitGroup
		for range 50 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, ledger.Record(ctx, subj, entitlement.FeatureOCR, nil))
			}()
		}
		wg.Wait()

		n, err := store.Count(ctx, tenantA, userA, entitlement.FeatureOCR, "2025-03")
		require.NoError(t, err)
		assert.Equal(t, int64(50), n)
	})

	t.Run("rows counted inside the month window", func(t *testing.T) {
		require.NoError(t, store.InsertRow(ctx, tenantA, userA, json.RawMessage(`{"a":1}`), march))
		require.NoError(t, store.InsertRow(ctx, tenantA, userA, nil, march.AddDate(0, 1, 0)))

		p := quota.PeriodAt(march, berlin)
		n, err := store.CountRows(ctx, tenantA, userA, p.Start, p.End)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("tenant scope hides other tenants", func(t *testing.T) {
		_, err := store.Increment(ctx, tenantB, userB, entitlement.FeatureText, "2025-03")
		require.NoError(t, err)

		err = pg.InTenantTx(ctx, pool, tenantA, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, "SET LOCAL ROLE "+pgtest.AppRole); err != nil {
				return err
			}
			var n int
			if err := tx.QueryRow(ctx, `SELECT count(*) FROM usage_counters WHERE user_id = $1`, userB).Scan(&n); err != nil {
				return err
			}
			assert.Zero(t, n)
			return nil
		})
		require.NoError(t, err)

		counts, err := store.Counts(ctx, tenantA, userB, "2025-03")
		require.NoError(t, err)
		assert.Empty(t, counts)
	})
}
