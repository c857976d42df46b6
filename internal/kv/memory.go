package kv

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hpungsan/codestream/internal/errors"
)

type memEntry struct {
	value   []byte
	expires time.Time
}

// MemoryStore is an in-process Store used by tests and `--store memory`.
// Values live in a concurrent map; a sorted key index serves Scan, so one
// page costs a binary search plus the keys it returns.
type MemoryStore struct {
	m      *xsync.MapOf[string, memEntry]
	now    func() time.Time
	closed atomic.Bool

	mu   sync.Mutex // serializes writers; guards keys
	keys []string   // sorted
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		m:   xsync.NewMapOf[string, memEntry](),
		now: time.Now,
	}
}

// Backend implements Store.
func (s *MemoryStore) Backend() string { return "memory" }

func (s *MemoryStore) check(ctx context.Context) error {
	if s.closed.Load() {
		return errors.NewStoreUnavailable(nil)
	}
	if err := ctx.Err(); err != nil {
		return errors.NewStoreUnavailable(err)
	}
	return nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, found := slices.BinarySearch(s.keys, key); !found {
		s.keys = slices.Insert(s.keys, i, key)
	}
	s.m.Store(key, e)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	e, ok := s.m.Load(key)
	if !ok || s.expired(e) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.check(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
	s.m.Delete(key)
	return nil
}

// Scan implements Store. The cursor is the last key returned.
func (s *MemoryStore) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	if err := s.check(ctx); err != nil {
		return nil, "", err
	}
	if count <= 0 {
		count = DefaultScanBatch
	}

	lower := prefix
	if cursor >= lower {
		lower = cursor + "\x00"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	i, _ := slices.BinarySearch(s.keys, lower)
	page := make([]string, 0, count)
	for ; i < len(s.keys) && len(page) < count; i++ {
		k := s.keys[i]
		if !strings.HasPrefix(k, prefix) {
			return page, "", nil
		}
		if e, ok := s.m.Load(k); ok && !s.expired(e) {
			page = append(page, k)
		}
	}
	if i >= len(s.keys) || !strings.HasPrefix(s.keys[i], prefix) {
		return page, "", nil
	}
	return page, page[len(page)-1], nil
}

// Len returns the number of stored keys, including expired ones not yet read.
func (s *MemoryStore) Len() int {
	return s.m.Size()
}

// Ping implements Store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return s.check(ctx)
}

// Close marks the store unavailable. Subsequent calls fail as unreachable.
func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *MemoryStore) expired(e memEntry) bool {
	return !e.expires.IsZero() && !s.now().Before(e.expires)
}
