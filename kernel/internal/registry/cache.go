package registry

import (
	"context"
	"sync"
	"time"
)

// Cached wraps a Store with a per-kid TTL read cache. Registry reads are
// read-mostly and verification-heavy, so lookups hit memory; register and
// retire write through and invalidate process-locally. In a multi-process
// deployment other replicas converge when their entries expire — callers that
// fail a signature verification should Refresh the kid and retry once before
// reporting the failure.
type Cached struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	signer  Signer
	fetched time.Time
}

// NewCached wraps store with a TTL cache. A non-positive ttl defaults to 60s.
func NewCached(store Store, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Cached{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// Register writes through and caches the stored record.
func (c *Cached) Register(ctx context.Context, s Signer) (Signer, error) {
	stored, err := c.store.Register(ctx, s)
	if err != nil {
		return Signer{}, err
	}
	c.put(stored)
	return stored, nil
}

// Get returns a cached signer when fresh, otherwise fetches and fills.
func (c *Cached) Get(ctx context.Context, kid string) (Signer, error) {
	c.mu.RLock()
	e, ok := c.entries[kid]
	c.mu.RUnlock()
	if ok && time.Since(e.fetched) <= c.ttl {
		return e.signer, nil
	}
	return c.Refresh(ctx, kid)
}

// List always reads through: it is an operator surface, not a hot path.
func (c *Cached) List(ctx context.Context) ([]Signer, error) {
	return c.store.List(ctx)
}

// Retire writes through and updates the cached record.
func (c *Cached) Retire(ctx context.Context, kid string) (Signer, error) {
	stored, err := c.store.Retire(ctx, kid)
	if err != nil {
		return Signer{}, err
	}
	c.put(stored)
	return stored, nil
}

// Refresh re-fetches kid from the backing store, replacing any cached entry.
func (c *Cached) Refresh(ctx context.Context, kid string) (Signer, error) {
	s, err := c.store.Get(ctx, kid)
	if err != nil {
		if err == ErrNotFound {
			c.invalidate(kid)
		}
		return Signer{}, err
	}
	c.put(s)
	return s, nil
}

func (c *Cached) put(s Signer) {
	c.mu.Lock()
	c.entries[s.KID] = cacheEntry{signer: s, fetched: time.Now()}
	c.mu.Unlock()
}

func (c *Cached) invalidate(kid string) {
	c.mu.Lock()
	delete(c.entries, kid)
	c.mu.Unlock()
}
