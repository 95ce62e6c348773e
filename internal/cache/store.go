// Package cache implements the multi-tier cache used by the chat pipeline.
//
// Three namespaces with distinct consistency policies share one Store port:
// dialog configuration (read-through, invalidated on update), conversation
// state (write-through after each durable append) and retrieval results
// (short TTL keyed by a normalized query hash). Cache failures are never
// surfaced to callers; every error degrades to a miss or a no-op.
package cache

import (
	"context"
	"sync"
	"time"
)

// Store is the key/value port backing the cache tier.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// memoryEntry is a value with its expiry deadline.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process Store used as the redis fallback and in tests.
// Expired entries are dropped lazily on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		// Re-check under the write lock; another writer may have refreshed it.
		if cur, ok := s.entries[key]; ok && s.now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil // every entry must expire
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: cp, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Tiered reads from the primary store first and falls back to the secondary.
// Writes and deletes go to both; the secondary keeps serving when the
// primary (typically redis) is unavailable.
type Tiered struct {
	primary  Store
	fallback Store
}

// NewTiered combines a primary and a fallback store.
func NewTiered(primary, fallback Store) *Tiered {
	return &Tiered{primary: primary, fallback: fallback}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.primary.Get(ctx, key); ok {
		return v, true
	}
	return t.fallback.Get(ctx, key)
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := t.primary.Set(ctx, key, value, ttl)
	if ferr := t.fallback.Set(ctx, key, value, ttl); err == nil {
		err = ferr
	}
	return err
}

func (t *Tiered) Delete(ctx context.Context, key string) error {
	err := t.primary.Delete(ctx, key)
	if ferr := t.fallback.Delete(ctx, key); err == nil {
		err = ferr
	}
	return err
}
