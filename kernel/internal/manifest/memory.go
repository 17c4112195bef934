package manifest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory manifest store. A single mutex makes every
// operation atomic, which is what the state machine needs.
type MemoryStore struct {
	mtx       sync.Mutex
	manifests map[string]Manifest
	approvals map[string][]Approval
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: make(map[string]Manifest),
		approvals: make(map[string][]Approval),
	}
}

// Create persists a new manifest.
func (m *MemoryStore) Create(ctx context.Context, mf Manifest) (Manifest, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	now := time.Now().UTC()
	if mf.CreatedAt.IsZero() {
		mf.CreatedAt = now
	}
	mf.UpdatedAt = mf.CreatedAt
	m.manifests[mf.ID] = mf
	return mf, nil
}

// Get fetches a manifest by id.
func (m *MemoryStore) Get(ctx context.Context, id string) (Manifest, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	mf, ok := m.manifests[id]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	return mf, nil
}

// List returns manifests newest first.
func (m *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Manifest, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Manifest, 0, len(m.manifests))
	for _, mf := range m.manifests {
		if filter.Status != "" && mf.Status != filter.Status {
			continue
		}
		out = append(out, mf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateStatus performs the compare-and-swap transition.
func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to State, mut func(*Manifest) error) (Manifest, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	mf, ok := m.manifests[id]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	if mf.Status != from || !CanTransition(from, to) {
		return Manifest{}, &TransitionError{ID: id, From: mf.Status, To: to}
	}
	mf.Status = to
	if mut != nil {
		if err := mut(&mf); err != nil {
			return Manifest{}, err
		}
	}
	mf.UpdatedAt = time.Now().UTC()
	m.manifests[id] = mf
	return mf, nil
}

// RecordApproval stores an approval, deduping per approver.
func (m *MemoryStore) RecordApproval(ctx context.Context, a Approval) (Approval, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if _, ok := m.manifests[a.ManifestID]; !ok {
		return Approval{}, false, ErrNotFound
	}
	for _, existing := range m.approvals[a.ManifestID] {
		if existing.ApproverID == a.ApproverID {
			return existing, false, nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.approvals[a.ManifestID] = append(m.approvals[a.ManifestID], a)
	return a, true, nil
}

// CountApprovals counts distinct approvers with decision=approved.
func (m *MemoryStore) CountApprovals(ctx context.Context, manifestID string) (int, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	seen := make(map[string]struct{})
	for _, a := range m.approvals[manifestID] {
		if a.Decision == DecisionApproved {
			seen[a.ApproverID] = struct{}{}
		}
	}
	return len(seen), nil
}

// Approvals lists the recorded approvals for a manifest.
func (m *MemoryStore) Approvals(ctx context.Context, manifestID string) ([]Approval, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	out := make([]Approval, len(m.approvals[manifestID]))
	copy(out, m.approvals[manifestID])
	return out, nil
}
