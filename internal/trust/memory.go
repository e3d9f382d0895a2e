package trust

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

type recordKey struct {
	scope models.TrustScope
	key   string
}

// MemoryStore keeps trust records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[recordKey]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]map[recordKey]time.Time)}
}

func (s *MemoryStore) Grant(_ context.Context, ownerID string, scope models.TrustScope, key string) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned, ok := s.records[ownerID]
	if !ok {
		owned = make(map[recordKey]time.Time)
		s.records[ownerID] = owned
	}
	k := recordKey{scope: scope, key: key}
	if _, exists := owned[k]; !exists {
		owned[k] = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) IsTrusted(_ context.Context, ownerID, toolName, integrationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	owned := s.records[ownerID]
	if _, ok := owned[recordKey{scope: models.TrustScopeTool, key: toolName}]; ok {
		return true, nil
	}
	if integrationID == "" {
		return false, nil
	}
	_, ok := owned[recordKey{scope: models.TrustScopeIntegration, key: integrationID}]
	return ok, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, ownerID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := NewSnapshot(nil)
	for k := range s.records[ownerID] {
		snap.add(k.scope, k.key)
	}
	return snap, nil
}

func (s *MemoryStore) Revoke(_ context.Context, ownerID string, scope models.TrustScope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[ownerID], recordKey{scope: scope, key: key})
	return nil
}

func (s *MemoryStore) List(_ context.Context, ownerID string) ([]models.TrustRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TrustRecord, 0, len(s.records[ownerID]))
	for k, at := range s.records[ownerID] {
		out = append(out, models.TrustRecord{OwnerID: ownerID, Scope: k.scope, Key: k.key, GrantedAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
