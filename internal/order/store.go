package order

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps orders in process. Mostly for testing and local dev.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]Order
	transitions map[string][]Transition
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]Order),
		transitions: make(map[string][]Transition),
	}
}

func (m *MemoryStore) Create(_ context.Context, o Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[o.ID]; exists {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, id string, expected, next Status, t Transition) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status != expected {
		return Order{}, fmt.Errorf("expected %s, found %s: %w", expected, o.Status, ErrStaleState)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	m.orders[id] = o
	m.transitions[id] = append(m.transitions[id], t)
	return o, nil
}

func (m *MemoryStore) Transitions(_ context.Context, id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.transitions[id]
	out := make([]Transition, len(src))
	copy(out, src)
	return out, nil
}
