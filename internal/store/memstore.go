package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pitabwire/modelmgmt/model"
)

// MemoryStore is an in-memory ChangeSetStore for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	ids     map[string]struct{}
	records map[string][]model.ChangeSetRecord // key: tenantID + "/" + modelID
}

// NewMemoryStore creates a new in-memory change-set store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:     make(map[string]struct{}),
		records: make(map[string][]model.ChangeSetRecord),
	}
}

func memKey(tenantID, modelID string) string {
	return tenantID + "/" + modelID
}

// Append stores a record.
func (s *MemoryStore) Append(_ context.Context, record model.ChangeSetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[record.ID]; exists {
		return model.NewConflictError(
			fmt.Sprintf("change-set record %q already exists", record.ID),
		)
	}

	record.Changes = append([]model.ChangeSet(nil), record.Changes...)
	key := memKey(record.TenantID, record.ModelID)
	s.ids[record.ID] = struct{}{}
	s.records[key] = append(s.records[key], record)
	return nil
}

// List returns the records of a model for a tenant, sorted by creation time.
func (s *MemoryStore) List(_ context.Context, tenantID, modelID string) ([]model.ChangeSetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.records[memKey(tenantID, modelID)]
	result := make([]model.ChangeSetRecord, len(stored))
	copy(result, stored)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the total number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}
