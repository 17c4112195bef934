package idempotency

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	principal string
	pending   bool
	status    int
	response  []byte
	createdAt time.Time
}

// MemoryStore is an in-memory idempotency store for tests and single-process
// dev deployments.
type MemoryStore struct {
	mtx     sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryStore creates a MemoryStore with the given TTL (DefaultTTL when 0).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve claims key for principal per the Store contract.
func (m *MemoryStore) Reserve(ctx context.Context, key, principal string) (Reservation, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	e, ok := m.entries[key]
	if ok && m.now().Sub(e.createdAt) > m.ttl {
		delete(m.entries, key)
		ok = false
	}
	if !ok {
		m.entries[key] = memoryEntry{
			principal: principal,
			pending:   true,
			createdAt: m.now(),
		}
		return Reservation{New: true}, nil
	}
	if e.principal != principal {
		return Reservation{}, ErrConflict
	}
	if e.pending {
		return Reservation{Pending: true}, ErrPending
	}
	return Reservation{Status: e.status, Response: e.response}, nil
}

// Finalize stores the response snapshot for key.
func (m *MemoryStore) Finalize(ctx context.Context, key string, status int, response []byte) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	e.pending = false
	e.status = status
	e.response = append([]byte(nil), response...)
	m.entries[key] = e
	return nil
}

// Release drops a pending reservation so the same key can be retried. Used
// when the original request failed for a transient reason and produced no
// observable effect worth replaying.
func (m *MemoryStore) Release(ctx context.Context, key string) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if e, ok := m.entries[key]; ok && e.pending {
		delete(m.entries, key)
	}
	return nil
}

// PurgeExpired removes entries older than the TTL.
func (m *MemoryStore) PurgeExpired(ctx context.Context) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	cutoff := m.now().Add(-m.ttl)
	removed := 0
	for key, e := range m.entries {
		if e.createdAt.Before(cutoff) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}
