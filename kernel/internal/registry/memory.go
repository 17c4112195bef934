package registry

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory signer registry. It is safe for concurrent
// access and backs tests and single-process dev deployments.
type MemoryStore struct {
	mtx     sync.RWMutex
	signers map[string]Signer
	order   []string // insertion order, newest appended last
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{signers: make(map[string]Signer)}
}

// Register upserts a signer. Registering an existing kid with the same public
// key returns the stored record unchanged; a different key fails with
// ErrKeyMismatch.
func (m *MemoryStore) Register(ctx context.Context, s Signer) (Signer, error) {
	if err := validate(s); err != nil {
		return Signer{}, err
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if existing, ok := m.signers[s.KID]; ok {
		if !bytes.Equal(existing.PublicKey, s.PublicKey) {
			return Signer{}, ErrKeyMismatch
		}
		return existing, nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.RetiredAt = nil
	m.signers[s.KID] = s
	m.order = append(m.order, s.KID)
	return s, nil
}

// Get returns the signer registered under kid.
func (m *MemoryStore) Get(ctx context.Context, kid string) (Signer, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	s, ok := m.signers[kid]
	if !ok {
		return Signer{}, ErrNotFound
	}
	return s, nil
}

// List returns all signers, newest first.
func (m *MemoryStore) List(ctx context.Context) ([]Signer, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	out := make([]Signer, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.signers[m.order[i]])
	}
	return out, nil
}

// Retire flags the signer as retired. Retiring an already retired signer is a
// no-op returning the stored record.
func (m *MemoryStore) Retire(ctx context.Context, kid string) (Signer, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	s, ok := m.signers[kid]
	if !ok {
		return Signer{}, ErrNotFound
	}
	if s.RetiredAt == nil {
		now := time.Now().UTC()
		s.RetiredAt = &now
		m.signers[kid] = s
	}
	return s, nil
}
