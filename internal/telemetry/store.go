package telemetry

import (
	"context"
	"sort"
	"sync"
)

// DefaultMaxEvents caps the persisted event store.
const DefaultMaxEvents = 500

// EventStore persists telemetry events. Implementations must keep the
// store bounded: once the cap is exceeded, the oldest events by
// timestamp are evicted until the store is back under the cap.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	// Recent returns up to n events matching filter, newest first.
	Recent(ctx context.Context, n int, filter Filter) ([]*Event, error)
	Clear(ctx context.Context) error
}

// MemoryStore is the default in-process event store. Suitable for a
// single gateway instance; for multi-instance deployments use
// RedisStore.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*Event
	maxEvents int
}

// NewMemoryStore creates a capped in-memory store. maxEvents <= 0 uses
// DefaultMaxEvents.
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryStore{
		events:    make([]*Event, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Append stores a copy of e, evicting the oldest events past the cap.
func (s *MemoryStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *e
	s.events = append(s.events, &cp)

	if len(s.events) > s.maxEvents {
		// Events normally arrive in timestamp order, but sort before
		// evicting so out-of-order bursts still drop the oldest.
		sort.SliceStable(s.events, func(i, j int) bool {
			return s.events[i].Timestamp.Before(s.events[j].Timestamp)
		})
		s.events = s.events[len(s.events)-s.maxEvents:]
	}
	return nil
}

// Recent returns up to n events matching filter, newest first.
func (s *MemoryStore) Recent(_ context.Context, n int, filter Filter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		n = len(s.events)
	}

	out := make([]*Event, 0, n)
	for i := len(s.events) - 1; i >= 0 && len(out) < n; i-- {
		if filter.matches(s.events[i]) {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Clear wipes the store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = s.events[:0]
	return nil
}

// Len returns the current event count.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
