// Package cache provides a bounded, TTL-expiring result cache with
// per-key load deduplication.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"
)

// Stats contains cache performance statistics.
type Stats struct {
	Entries int     `json:"entries"`
	Size    int     `json:"size"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Service caches values of type V by string key. It is safe for concurrent
// use. Concurrent loads of the same key share a single loader call.
type Service[V any] struct {
	lru    *expirable.LRU[string, V]
	group  singleflight.Group
	size   int
	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a cache holding at most size entries, each expiring after ttl.
// A non-positive size defaults to 1024; a non-positive ttl disables expiry.
func New[V any](size int, ttl time.Duration) *Service[V] {
	if size <= 0 {
		size = 1024
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Service[V]{
		lru:  expirable.NewLRU[string, V](size, nil, ttl),
		size: size,
	}
}

// Get returns the cached value for key.
func (s *Service[V]) Get(key string) (V, bool) {
	v, ok := s.lru.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	return v, ok
}

// Set stores value under key.
func (s *Service[V]) Set(key string, value V) {
	s.lru.Add(key, value)
}

// GetOrLoad returns the cached value for key or calls load once across all
// concurrent callers for that key. Loader errors are not cached.
func (s *Service[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := s.Get(key); ok {
		return v, nil
	}

	res, err, _ := s.group.Do(key, func() (any, error) {
		if v, ok := s.lru.Get(key); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		s.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, eris.Wrapf(err, "cache: load %s", key)
	}
	return res.(V), nil
}

// Remove drops key from the cache.
func (s *Service[V]) Remove(key string) {
	s.lru.Remove(key)
}

// Len returns the number of live entries.
func (s *Service[V]) Len() int {
	return s.lru.Len()
}

// Purge removes every entry.
func (s *Service[V]) Purge() {
	s.lru.Purge()
}

// Stats returns a snapshot of cache counters.
func (s *Service[V]) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Entries: s.lru.Len(),
		Size:    s.size,
		Hits:    hits,
		Misses:  misses,
		HitRate: rate,
	}
}
