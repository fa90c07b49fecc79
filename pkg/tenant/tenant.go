package tenant

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tenant is the isolation boundary every request is scoped to.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Location returns the tenant's configured time zone, or UTC when the
// zone is empty or unknown to the host's tz database.
func (t *Tenant) Location() *time.Location {
	if t == nil || t.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Provider loads tenants by slug or by UUID string.
type Provider interface {
	// GetByIdentifier returns ErrTenantNotFound when nothing matches.
	GetByIdentifier(ctx context.Context, identifier string) (*Tenant, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, identifier string) (*Tenant, error)

func (f ProviderFunc) GetByIdentifier(ctx context.Context, identifier string) (*Tenant, error) {
	return f(ctx, identifier)
}
