// Package dedup records which settlement events have been processed. The
// insert-if-absent on the event identifier is what makes webhook redelivery
// safe: side effects run only for the first insertion.
package dedup

import (
	"context"
	"sync"
	"time"
)

// Event statuses. A record stuck in processing means a crash happened between
// recording and completing side effects; redelivery re-runs the (idempotent)
// side effects and finalizes it.
const (
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusIgnored    = "ignored"
	StatusRejected   = "rejected"
)

// Record holds one event's processing outcome.
type Record struct {
	EventID   string    `json:"eventId"`
	Status    string    `json:"status"`
	Outcome   []byte    `json:"outcome"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Terminal reports whether the record carries a final outcome.
func (r Record) Terminal() bool {
	return r.Status != StatusProcessing
}

// Store abstracts dedup persistence. PutIfAbsent must be atomic: two
// concurrent deliveries of the same event must not both observe inserted.
type Store interface {
	PutIfAbsent(ctx context.Context, eventID string) (*Record, bool, error)
	Finalize(ctx context.Context, eventID, status string, outcome []byte) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Record)}
}

func (m *MemoryStore) PutIfAbsent(_ context.Context, eventID string) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.data[eventID]; ok {
		return &existing, false, nil
	}
	now := time.Now().UTC()
	rec := Record{EventID: eventID, Status: StatusProcessing, CreatedAt: now, UpdatedAt: now}
	m.data[eventID] = rec
	return &rec, true, nil
}

func (m *MemoryStore) Finalize(_ context.Context, eventID, status string, outcome []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[eventID]
	if !ok {
		rec = Record{EventID: eventID, CreatedAt: time.Now().UTC()}
	}
	rec.Status = status
	rec.Outcome = outcome
	rec.UpdatedAt = time.Now().UTC()
	m.data[eventID] = rec
	return nil
}
