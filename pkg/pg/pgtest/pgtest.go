// Package pgtest starts a disposable Postgres for integration tests and
// applies the service migrations to it.
package pgtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dmitrymomot/quotagate/internal/db/migrations"
	"github.com/dmitrymomot/quotagate/pkg/logger"
	"github.com/dmitrymomot/quotagate/pkg/pg"
)

// AppRole is a non-superuser role. Superusers bypass row-level security,
// so tests that assert isolation switch to it with SET LOCAL ROLE.
const AppRole = "quotagate_app"

// New returns a pool connected to a freshly migrated database. The
// container is terminated when the test ends.
func New(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quotagate"),
		postgres.WithUsername("quotagate"),
		postgres.WithPassword("quotagate"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := pg.Config{
		ConnectionString: dsn,
		MaxOpenConns:     60,
		MaxIdleConns:     1,
		RetryAttempts:    5,
		RetryInterval:    time.Second,
		MigrationsTable:  "schema_migrations",
	}
	pool, err := pg.Connect(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, pg.Migrate(ctx, pool, migrations.FS, cfg, logger.Discard()))

	_, err = pool.Exec(ctx, `CREATE ROLE `+AppRole+` NOLOGIN;
		GRANT SELECT, INSERT, UPDATE, DELETE ON ALL TABLES IN SCHEMA public TO `+AppRole)
	require.NoError(t, err)

	return pool
}

// SeedTenant inserts a tenant and returns its id.
func SeedTenant(t *testing.T, pool *pgxpool.Pool, slug, timezone string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO tenants (slug, name, timezone) VALUES ($1, $1, $2) RETURNING id`,
		slug, timezone,
	).Scan(&id)
	require.NoError(t, err)
	return id
}

// SeedUser inserts a user on the given plan and returns its id.
func SeedUser(t *testing.T, pool *pgxpool.Pool, tenantID uuid.UUID, email, plan string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO users (tenant_id, email, plan) VALUES ($1, $2, $3) RETURNING id`,
		tenantID, email, plan,
	).Scan(&id)
	require.NoError(t, err)
	return id
}
