package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps entries in process. Mostly for testing and local dev.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]Entry // accountID -> append-ordered entries
	byRef   map[string]Entry   // accountID + "\x00" + reference -> entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]Entry),
		byRef:   make(map[string]Entry),
	}
}

func refKey(accountID, reference string) string {
	return accountID + "\x00" + reference
}

func (m *MemoryStore) Append(_ context.Context, entry Entry) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := refKey(entry.AccountID, entry.Reference)
	if existing, ok := m.byRef[key]; ok {
		return existing, false, nil
	}
	m.entries[entry.AccountID] = append(m.entries[entry.AccountID], entry)
	m.byRef[key] = entry
	return entry, true, nil
}

func (m *MemoryStore) ByReference(_ context.Context, accountID, reference string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.byRef[refKey(accountID, reference)]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *MemoryStore) Entries(_ context.Context, accountID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.entries[accountID]
	out := make([]Entry, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) Balance(_ context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var sum int64
	for _, e := range m.entries[accountID] {
		sum += e.Amount
	}
	return sum, nil
}
