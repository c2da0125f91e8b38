package api

import (
	"context"
	"sync"
	"time"
)

// Record holds a stored response to a keyed request
type Record struct {
	StatusCode int
	Response   []byte
	// Fingerprint identifies the request body the key was first used with
	Fingerprint string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Store abstracts idempotency persistence
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// MemoryStore keeps records in memory. Expired records are dropped on access
// and by Prune.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		m.mu.Lock()
		delete(m.data, key)
		m.mu.Unlock()
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

// Prune removes expired records and returns how many were removed
func (m *MemoryStore) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, rec := range m.data {
		if now.After(rec.ExpiresAt) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}
