package audit

import (
	"bytes"
	"context"
	"sync"
)

// MemoryStore keeps the chain in process memory. It backs tests and dev
// deployments without a DATABASE_URL.
type MemoryStore struct {
	mu       sync.RWMutex
	events   []Event
	streamed map[int64]string // seq -> archive key
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{streamed: make(map[int64]string)}
}

// Head returns the current tail, or (0, nil, nil) when the chain is empty.
func (m *MemoryStore) Head(ctx context.Context) (int64, []byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.events) == 0 {
		return 0, nil, nil
	}
	tail := m.events[len(m.events)-1]
	return tail.Seq, tail.Hash, nil
}

// AppendEvent accepts ev only if it extends the stored tail.
func (m *MemoryStore) AppendEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		if ev.Seq != 1 || !ev.Genesis() {
			return ErrConflict
		}
	} else {
		tail := m.events[len(m.events)-1]
		if ev.Seq != tail.Seq+1 || !bytes.Equal(ev.PrevHash, tail.Hash) {
			return ErrConflict
		}
	}
	m.events = append(m.events, ev)
	return nil
}

// EventBySeq fetches a single event.
func (m *MemoryStore) EventBySeq(ctx context.Context, seq int64) (Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seq < 1 || seq > int64(len(m.events)) {
		return Event{}, ErrNotFound
	}
	return m.events[seq-1], nil
}

// Range returns events with from <= seq <= to; to == 0 means the head.
func (m *MemoryStore) Range(ctx context.Context, from, to int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from < 1 {
		from = 1
	}
	head := int64(len(m.events))
	if to == 0 || to > head {
		to = head
	}
	if from > to {
		return nil, nil
	}
	out := make([]Event, 0, to-from+1)
	out = append(out, m.events[from-1:to]...)
	return out, nil
}

// UnstreamedBatch returns committed events not yet marked streamed.
func (m *MemoryStore) UnstreamedBatch(ctx context.Context, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, 0, limit)
	for _, ev := range m.events {
		if _, done := m.streamed[ev.Seq]; done {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkStreamed records the streaming result for seq.
func (m *MemoryStore) MarkStreamed(ctx context.Context, seq int64, archiveKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq < 1 || seq > int64(len(m.events)) {
		return ErrNotFound
	}
	m.streamed[seq] = archiveKey
	return nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

// Tamper overwrites a stored event in place. Only tests use this: the
// verifier has to be shown a corrupted chain somehow.
func (m *MemoryStore) Tamper(seq int64, mutate func(*Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq >= 1 && seq <= int64(len(m.events)) {
		mutate(&m.events[seq-1])
	}
}
