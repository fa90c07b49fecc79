package billing

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/svc/account"
)

// Tx is one unit of work. Users returned by it are locked until the
// transaction ends.
type Tx interface {
	// InsertEvent stores r and reports false when its id already exists.
	InsertEvent(ctx context.Context, r Record) (bool, error)
	// FindUser maps an app user id to a user. It returns nil, nil when unknown.
	FindUser(ctx context.Context, appUserID string) (*account.User, error)
	User(ctx context.Context, tenantID, userID uuid.UUID) (*account.User, error)
	SaveSubscription(ctx context.Context, u *account.User) error
	// LinkCustomer maps appUserID to u. Linking an id owned by another user
	// fails with ErrAlreadyLinked.
	LinkCustomer(ctx context.Context, appUserID string, u *account.User) error
	// Unresolved returns events for appUserID recorded without a user, oldest first.
	Unresolved(ctx context.Context, appUserID string) ([]Record, error)
	Resolve(ctx context.Context, eventID string, u *account.User, applied bool) error
}

// Store runs units of work. Nothing is persisted when fn fails.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	InTenantTx(ctx context.Context, tenantID uuid.UUID, fn func(tx Tx) error) error
}

type customer struct {
	tenantID uuid.UUID
	userID   uuid.UUID
}

// MemoryStore keeps events and customer mappings in memory and writes
// subscription state to an account.MemoryStore. Transactions are serialized.
type MemoryStore struct {
	mu        sync.Mutex
	users     *account.MemoryStore
	customers map[string]customer
	events    map[string]Record
}

func NewMemoryStore(users *account.MemoryStore) *MemoryStore {
	return &MemoryStore{
		users:     users,
		customers: make(map[string]customer),
		events:    make(map[string]Record),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{
		store:     s,
		users:     make(map[uuid.UUID]*account.User),
		customers: make(map[string]customer),
		events:    make(map[string]Record),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for id, r := range tx.events {
		s.events[id] = r
	}
	for id, c := range tx.customers {
		s.customers[id] = c
	}
	for _, u := range tx.users {
		s.users.PutUser(u)
	}
	return nil
}

func (s *MemoryStore) InTenantTx(ctx context.Context, _ uuid.UUID, fn func(tx Tx) error) error {
	return s.InTx(ctx, fn)
}

// Event returns a stored event.
func (s *MemoryStore) Event(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.events[id]
	return r, ok
}

// Len reports the number of stored events.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type memoryTx struct {
	store     *MemoryStore
	users     map[uuid.UUID]*account.User
	customers map[string]customer
	events    map[string]Record
}

func (tx *memoryTx) event(id string) (Record, bool) {
	if r, ok := tx.events[id]; ok {
		return r, true
	}
	r, ok := tx.store.events[id]
	return r, ok
}

func (tx *memoryTx) customer(appUserID string) (customer, bool) {
	if c, ok := tx.customers[appUserID]; ok {
		return c, true
	}
	c, ok := tx.store.customers[appUserID]
	return c, ok
}

func (tx *memoryTx) user(id uuid.UUID) (*account.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u.Clone(), true
	}
	return tx.store.users.User(id)
}

func (tx *memoryTx) InsertEvent(_ context.Context, r Record) (bool, error) {
	if _, ok := tx.event(r.ID); ok {
		return false, nil
	}
	tx.events[r.ID] = r
	return true, nil
}

func (tx *memoryTx) FindUser(_ context.Context, appUserID string) (*account.User, error) {
	if id, err := uuid.Parse(appUserID); err == nil {
		if u, ok := tx.user(id); ok {
			return u, nil
		}
	}
	if c, ok := tx.customer(appUserID); ok {
		if u, ok := tx.user(c.userID); ok && u.TenantID == c.tenantID {
			return u, nil
		}
	}
	return nil, nil
}

func (tx *memoryTx) User(_ context.Context, tenantID, userID uuid.UUID) (*account.User, error) {
	u, ok := tx.user(userID)
	if !ok || u.TenantID != tenantID {
		return nil, account.ErrUserNotFound
	}
	return u, nil
}

func (tx *memoryTx) SaveSubscription(_ context.Context, u *account.User) error {
	if _, ok := tx.user(u.ID); !ok {
		return account.ErrUserNotFound
	}
	tx.users[u.ID] = u.Clone()
	return nil
}

func (tx *memoryTx) LinkCustomer(_ context.Context, appUserID string, u *account.User) error {
	if c, ok := tx.customer(appUserID); ok {
		if c.userID != u.ID || c.tenantID != u.TenantID {
			return ErrAlreadyLinked
		}
		return nil
	}
	tx.customers[appUserID] = customer{tenantID: u.TenantID, userID: u.ID}
	return nil
}

func (tx *memoryTx) Unresolved(_ context.Context, appUserID string) ([]Record, error) {
	var out []Record
	seen := make(map[string]struct{})
	for _, src := range []map[string]Record{tx.events, tx.store.events} {
		for id, r := range src {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if r.UserID == uuid.Nil && slices.Contains(r.candidates(), appUserID) {
				out = append(out, r)
			}
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return a.OccurredAt.Compare(b.OccurredAt) })
	return out, nil
}

func (tx *memoryTx) Resolve(_ context.Context, eventID string, u *account.User, applied bool) error {
	r, ok := tx.event(eventID)
	if !ok {
		return ErrStore
	}
	r.TenantID, r.UserID, r.Applied = u.TenantID, u.ID, applied
	tx.events[eventID] = r
	return nil
}
