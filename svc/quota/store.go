package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

// Store persists usage. Every method is scoped to one tenant.
type Store interface {
	// Count returns the counter for the period, zero when absent.
	Count(ctx context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error)
	// Increment adds one in a single atomic statement and returns the new value.
	Increment(ctx context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error)
	// Counts returns every counter of the period keyed by feature.
	Counts(ctx context.Context, tenantID, userID uuid.UUID, period string) (map[entitlement.Feature]int64, error)
	// CountRows counts stored results created in [from, to).
	CountRows(ctx context.Context, tenantID, userID uuid.UUID, from, to time.Time) (int64, error)
	// InsertRow stores one result.
	InsertRow(ctx context.Context, tenantID, userID uuid.UUID, result json.RawMessage, at time.Time) error
}
