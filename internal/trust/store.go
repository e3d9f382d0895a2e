// Package trust persists which tools and integrations each owner has
// pre-approved, and answers point lookups on the approval hot path.
package trust

import (
	"context"
	"errors"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// ErrInvalidRecord is returned for grants with an unknown scope or empty key.
var ErrInvalidRecord = errors.New("invalid trust record")

// Store persists trust records. Grant is idempotent; IsTrusted is a point lookup.
type Store interface {
	Grant(ctx context.Context, ownerID string, scope models.TrustScope, key string) error
	IsTrusted(ctx context.Context, ownerID, toolName, integrationID string) (bool, error)
	Snapshot(ctx context.Context, ownerID string) (*Snapshot, error)
	Revoke(ctx context.Context, ownerID string, scope models.TrustScope, key string) error
	List(ctx context.Context, ownerID string) ([]models.TrustRecord, error)
}

// Snapshot is an owner's trust set frozen at one point in time.
type Snapshot struct {
	tools        map[string]struct{}
	integrations map[string]struct{}
}

// NewSnapshot builds a snapshot from records.
func NewSnapshot(records []models.TrustRecord) *Snapshot {
	s := &Snapshot{
		tools:        make(map[string]struct{}),
		integrations: make(map[string]struct{}),
	}
	for _, r := range records {
		s.add(r.Scope, r.Key)
	}
	return s
}

func (s *Snapshot) add(scope models.TrustScope, key string) {
	switch scope {
	case models.TrustScopeTool:
		s.tools[key] = struct{}{}
	case models.TrustScopeIntegration:
		s.integrations[key] = struct{}{}
	}
}

// Trusts reports whether a call for toolName under integrationID is pre-approved.
// Either a tool record or an integration record suffices.
func (s *Snapshot) Trusts(toolName, integrationID string) bool {
	if s == nil {
		return false
	}
	if _, ok := s.tools[toolName]; ok {
		return true
	}
	if integrationID == "" {
		return false
	}
	_, ok := s.integrations[integrationID]
	return ok
}

// Len returns the number of records.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools) + len(s.integrations)
}

func validate(scope models.TrustScope, key string) error {
	if !scope.Valid() || key == "" {
		return ErrInvalidRecord
	}
	return nil
}
