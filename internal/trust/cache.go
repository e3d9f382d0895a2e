package trust

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/haasonsaas/tollgate/internal/observability"
	"github.com/haasonsaas/tollgate/pkg/models"
)

type cachedSnapshot struct {
	snap    *Snapshot
	expires time.Time
}

// CachedStore serves per-owner snapshots for a short TTL in front of another
// store. It is never authoritative: grants and revocations go straight to the
// backing store and drop the local entry, while other processes see changes
// once their TTL lapses. Concurrent misses for one owner share a single load.
type CachedStore struct {
	backing Store
	ttl     time.Duration
	metrics *observability.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedSnapshot
	// gens counts invalidations per owner. A load stores its result only if
	// no invalidation happened while it was reading.
	gens  map[string]uint64
	group singleflight.Group
}

// NewCachedStore wraps backing. A ttl <= 0 disables caching.
func NewCachedStore(backing Store, ttl time.Duration, metrics *observability.Metrics) *CachedStore {
	return &CachedStore{
		backing: backing,
		ttl:     ttl,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]cachedSnapshot),
		gens:    make(map[string]uint64),
	}
}

func (c *CachedStore) Grant(ctx context.Context, ownerID string, scope models.TrustScope, key string) error {
	err := c.backing.Grant(ctx, ownerID, scope, key)
	c.Invalidate(ownerID)
	return err
}

func (c *CachedStore) Revoke(ctx context.Context, ownerID string, scope models.TrustScope, key string) error {
	err := c.backing.Revoke(ctx, ownerID, scope, key)
	c.Invalidate(ownerID)
	return err
}

func (c *CachedStore) List(ctx context.Context, ownerID string) ([]models.TrustRecord, error) {
	return c.backing.List(ctx, ownerID)
}

func (c *CachedStore) IsTrusted(ctx context.Context, ownerID, toolName, integrationID string) (bool, error) {
	snap, err := c.Snapshot(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return snap.Trusts(toolName, integrationID), nil
}

func (c *CachedStore) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	if c.ttl <= 0 {
		return c.backing.Snapshot(ctx, ownerID)
	}

	c.mu.RLock()
	entry, ok := c.entries[ownerID]
	gen := c.gens[ownerID]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		c.metrics.RecordTrustLookup("hit")
		return entry.snap, nil
	}
	c.metrics.RecordTrustLookup("miss")

	// The load is shared by every waiter, so it must not die with the first caller's context.
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(c.flightKey(ownerID, gen), func() (any, error) {
		snap, err := c.backing.Snapshot(loadCtx, ownerID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[ownerID] == gen {
			c.entries[ownerID] = cachedSnapshot{snap: snap, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// flightKey scopes shared loads to one generation, so a caller arriving
// after an invalidation never joins a load that began before it.
func (c *CachedStore) flightKey(ownerID string, gen uint64) string {
	return ownerID + "\x00" + strconv.FormatUint(gen, 10)
}

// Invalidate drops the cached snapshot for owner.
func (c *CachedStore) Invalidate(ownerID string) {
	c.mu.Lock()
	delete(c.entries, ownerID)
	c.gens[ownerID]++
	c.mu.Unlock()
}
