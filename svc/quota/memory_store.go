package quota

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/quotagate/svc/entitlement"
)

type counterKey struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	feature  entitlement.Feature
	period   string
}

type resultRow struct {
	tenantID uuid.UUID
	userID   uuid.UUID
	result   json.RawMessage
	at       time.Time
}

// MemoryStore is a Store for tests and single-process development.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[counterKey]int64
	rows     []resultRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[counterKey]int64)}
}

func (s *MemoryStore) Count(_ context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{tenantID, userID, feature, period}], nil
}

func (s *MemoryStore) Increment(_ context.Context, tenantID, userID uuid.UUID, feature entitlement.Feature, period string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{tenantID, userID, feature, period}
	s.counters[k]++
	return s.counters[k], nil
}

func (s *MemoryStore) Counts(_ context.Context, tenantID, userID uuid.UUID, period string) (map[entitlement.Feature]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[entitlement.Feature]int64)
	for k, n := range s.counters {
		if k.tenantID == tenantID && k.userID == userID && k.period == period {
			out[k.feature] = n
		}
	}
	return out, nil
}

func (s *MemoryStore) CountRows(_ context.Context, tenantID, userID uuid.UUID, from, to time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.tenantID == tenantID && r.userID == userID && !r.at.Before(from) && r.at.Before(to) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) InsertRow(_ context.Context, tenantID, userID uuid.UUID, result json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, resultRow{tenantID: tenantID, userID: userID, result: result, at: at})
	return nil
}

// Rows returns the number of stored result rows across all tenants.
func (s *MemoryStore) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
