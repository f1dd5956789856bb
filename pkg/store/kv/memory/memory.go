// Package memory implements kv.Store with an in-process map. TTLs are
// enforced lazily on read and by an occasional sweep on write.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vilenarios/ar-io-bundler/pkg/store/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store implements kv.Store in memory.
type Store struct {
	mu     sync.Mutex
	data   map[string]entry
	writes int
}

// New creates an empty store.
func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) get(key string, now time.Time) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(s.data, key)
		return nil, false
	}
	return e.value, true
}

// sweepLocked drops expired entries. Called every few hundred writes so the
// map does not grow unbounded under churn.
func (s *Store) sweepLocked(now time.Time) {
	s.writes++
	if s.writes%512 != 0 {
		return
	}
	for k, e := range s.data {
		if now.After(e.expiresAt) {
			delete(s.data, k)
		}
	}
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(key, time.Now())
	if !ok {
		return nil, kv.ErrNotFound
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sweepLocked(now)
	s.data[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.sweepLocked(now)
	if _, ok := s.get(key, now); ok {
		return false, nil
	}
	s.data[key] = entry{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) Healthy(ctx context.Context) error { return nil }
