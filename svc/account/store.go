package account

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/pkg/tenant"
)

// Store reads users within one tenant.
type Store interface {
	// UserByID returns ErrUserNotFound when the user does not exist in tenantID.
	UserByID(ctx context.Context, tenantID, userID uuid.UUID) (*User, error)
}

// MemoryStore keeps tenants and users in memory. It serves as both Store
// and tenant.Provider.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[uuid.UUID]*User
	tenants map[uuid.UUID]*tenant.Tenant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[uuid.UUID]*User),
		tenants: make(map[uuid.UUID]*tenant.Tenant),
	}
}

// PutTenant adds or replaces a tenant.
func (s *MemoryStore) PutTenant(t *tenant.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tenants[t.ID] = &c
}

// PutUser adds or replaces a user.
func (s *MemoryStore) PutUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u.Clone()
}

// User returns a copy of the user regardless of tenant.
func (s *MemoryStore) User(id uuid.UUID) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	return u.Clone(), ok
}

func (s *MemoryStore) UserByID(_ context.Context, tenantID, userID uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.TenantID != tenantID {
		return nil, ErrUserNotFound
	}
	return u.Clone(), nil
}

// GetByIdentifier implements tenant.Provider: identifier is a slug or an id.
func (s *MemoryStore) GetByIdentifier(_ context.Context, identifier string) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, err := uuid.Parse(identifier); err == nil {
		if t, ok := s.tenants[id]; ok {
			c := *t
			return &c, nil
		}
		return nil, tenant.ErrTenantNotFound
	}
	for _, t := range s.tenants {
		if t.Slug == identifier {
			c := *t
			return &c, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}
