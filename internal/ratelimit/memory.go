package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// MemoryStore keeps budget state in process. A single mutex makes reserve
// and commit atomic.
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]map[int64]*models.BudgetWindow
	events    map[string][]models.UsageEvent
	maxEvents int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:   make(map[string]map[int64]*models.BudgetWindow),
		events:    make(map[string][]models.UsageEvent),
		maxEvents: 10000,
	}
}

// getWindow returns or creates a window (must be called with lock held).
func (s *MemoryStore) getWindow(ownerID string, w Window) *models.BudgetWindow {
	byEnd, ok := s.windows[ownerID]
	if !ok {
		byEnd = make(map[int64]*models.BudgetWindow)
		s.windows[ownerID] = byEnd
	}
	key := w.End.UnixNano()
	state, ok := byEnd[key]
	if !ok {
		state = &models.BudgetWindow{OwnerID: ownerID, WindowStart: w.Start, WindowEnd: w.End}
		byEnd[key] = state
	}
	return state
}

func (s *MemoryStore) Reserve(_ context.Context, ownerID string, w Window, amount, limit float64) (models.BudgetWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.getWindow(ownerID, w)
	if limit > 0 && state.Consumed+state.Reserved+amount > limit {
		return *state, false, nil
	}
	state.Reserved += amount
	return *state, true, nil
}

func (s *MemoryStore) Commit(_ context.Context, event models.UsageEvent, w Window, res Reservation) (models.BudgetWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseLocked(res)
	state := s.getWindow(event.OwnerID, w)
	state.Consumed += event.Cost

	events := append(s.events[event.OwnerID], event)
	if len(events) > s.maxEvents {
		events = events[len(events)-s.maxEvents:]
	}
	s.events[event.OwnerID] = events
	return *state, nil
}

func (s *MemoryStore) Release(_ context.Context, res Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(res)
	return nil
}

func (s *MemoryStore) releaseLocked(res Reservation) {
	if res.Amount <= 0 {
		return
	}
	state, ok := s.windows[res.OwnerID][res.WindowEnd.UnixNano()]
	if !ok {
		return
	}
	state.Reserved -= res.Amount
	if state.Reserved < 0 {
		state.Reserved = 0
	}
}

func (s *MemoryStore) Window(_ context.Context, ownerID string, w Window) (models.BudgetWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.windows[ownerID][w.End.UnixNano()]; ok {
		return *state, nil
	}
	return models.BudgetWindow{OwnerID: ownerID, WindowStart: w.Start, WindowEnd: w.End}, nil
}

func (s *MemoryStore) Events(_ context.Context, ownerID string, since time.Time, limit int) ([]models.UsageEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UsageEvent
	for _, ev := range s.events[ownerID] {
		if !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for owner, byEnd := range s.windows {
		for key, state := range byEnd {
			if !state.WindowEnd.After(cutoff) {
				delete(byEnd, key)
				removed++
			}
		}
		if len(byEnd) == 0 {
			delete(s.windows, owner)
		}
	}
	return removed, nil
}
