// internal/analysis/store.go
package analysis

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var ErrResultNotFound = errors.New("analysis: result not found")

// Store persists results and their delivery audit trail. Updates to
// different result ids must not contend.
type Store interface {
	SaveResult(ctx context.Context, result *Result) error
	GetResult(ctx context.Context, id string) (*Result, error)
	ListByIntegration(ctx context.Context, integrationID string, limit int) ([]*Result, error)
	TombstoneOwner(ctx context.Context, integrationID string) error
	AppendDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	Deliveries(ctx context.Context, resultID string) ([]*DeliveryAttempt, error)
}

// MemoryStore is the in-process Store used for development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	results    map[string]*Result
	deliveries map[string][]*DeliveryAttempt
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:    make(map[string]*Result),
		deliveries: make(map[string][]*DeliveryAttempt),
	}
}

func (s *MemoryStore) SaveResult(_ context.Context, result *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ID] = result.Clone()
	return nil
}

func (s *MemoryStore) GetResult(_ context.Context, id string) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	if !ok {
		return nil, ErrResultNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListByIntegration(_ context.Context, integrationID string, limit int) ([]*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Result
	for _, r := range s.results {
		if r.IntegrationID == integrationID {
			out = append(out, r.Clone())
		}
	}
	// Newest first
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TombstoneOwner detaches retained results from a deleted integration.
// Results stay queryable by id for audit.
func (s *MemoryStore) TombstoneOwner(_ context.Context, integrationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.IntegrationID == integrationID {
			r.IntegrationID = "deleted:" + integrationID
		}
	}
	return nil
}

func (s *MemoryStore) AppendDelivery(_ context.Context, attempt *DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := *attempt
	s.deliveries[attempt.ResultID] = append(s.deliveries[attempt.ResultID], &a)
	return nil
}

func (s *MemoryStore) Deliveries(_ context.Context, resultID string) ([]*DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempts := s.deliveries[resultID]
	out := make([]*DeliveryAttempt, len(attempts))
	for i, a := range attempts {
		c := *a
		out[i] = &c
	}
	return out, nil
}
