// Package kv is the key-value storage layer under the cell store.
//
// Every backend implements Store. Enumeration is always cursor based: Scan
// returns one bounded page of keys and an opaque cursor for the next round,
// so walking a large key space never holds the store for longer than one
// round trip. Keys wraps the paging loop as a lazy, restartable sequence.
//
// Errors returned by a Store are *errors.StreamError values:
// STORE_UNAVAILABLE (retryable) when the store cannot be reached and
// STORE_PROTOCOL when it answered with a failure.
package kv

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/metrics"
)

// DefaultScanBatch is the number of keys requested per Scan round.
const DefaultScanBatch = 100

// DefaultPoolSize is the default number of pooled store connections.
const DefaultPoolSize = 10

// Store is a pooled key-value store.
type Store interface {
	// Put inserts or replaces key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key. A missing key is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns up to roughly count keys beginning with prefix, starting
	// after cursor. An empty cursor starts a new enumeration; an empty next
	// cursor means the enumeration is complete. Pages may be empty while
	// next is non-empty.
	Scan(ctx context.Context, prefix, cursor string, count int) (keys []string, next string, err error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Backend names the implementation, e.g. "redis".
	Backend() string

	Close() error
}

// Keys lazily enumerates every key with the given prefix using cursor
// rounds of batch keys. Each call starts a fresh enumeration. Iteration
// stops at the first error, which is yielded with an empty key.
func Keys(ctx context.Context, s Store, prefix string, batch int) iter.Seq2[string, error] {
	if batch <= 0 {
		batch = DefaultScanBatch
	}
	return func(yield func(string, error) bool) {
		cursor := ""
		for {
			if err := ctx.Err(); err != nil {
				yield("", errors.NewStoreUnavailable(err))
				return
			}
			keys, next, err := s.Scan(ctx, prefix, cursor, batch)
			if err != nil {
				yield("", err)
				return
			}
			for _, k := range keys {
				if !yield(k, nil) {
					return
				}
			}
			if next == "" {
				return
			}
			cursor = next
		}
	}
}

// Open builds the Store selected by cfg.StoreBackend. baseDir is used for
// embedded backends when cfg.StorePath is empty.
func Open(ctx context.Context, cfg *config.Config, baseDir string, logger zerolog.Logger) (Store, error) {
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	path := cfg.StorePath
	if path == "" {
		path = filepath.Join(baseDir, "store")
	}

	var (
		s   Store
		err error
	)
	switch cfg.StoreBackend {
	case config.BackendRedis, "":
		s, err = OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			PoolSize: poolSize,
		})
	case config.BackendSQLite:
		s, err = OpenSQLite(path, poolSize)
	case config.BackendPebble:
		if cfg.StoreTTLSeconds > 0 {
			logger.Warn().Msg("pebble backend does not expire records; store_ttl_seconds ignored")
		}
		s, err = OpenPebble(path)
	case config.BackendMemory:
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("backend", s.Backend()).
		Int("pool_size", poolSize).
		Msg("key-value store opened")

	return Instrument(s), nil
}

// Instrument wraps s so every call is counted and timed in the store metrics.
func Instrument(s Store) Store {
	if _, ok := s.(*instrumented); ok {
		return s
	}
	return &instrumented{Store: s}
}

type instrumented struct {
	Store
}

func (m *instrumented) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, errors.ErrStoreUnavailable):
		result = "unavailable"
	case err != nil:
		result = "error"
	}
	backend := m.Store.Backend()
	metrics.StoreOps.WithLabelValues(backend, op, result).Inc()
	metrics.StoreOpDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

func (m *instrumented) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := m.Store.Put(ctx, key, value, ttl)
	m.observe("put", start, err)
	return err
}

func (m *instrumented) Get(ctx context.Context, key string) (v []byte, ok bool, err error) {
	start := time.Now()
	v, ok, err = m.Store.Get(ctx, key)
	m.observe("get", start, err)
	return v, ok, err
}

func (m *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := m.Store.Delete(ctx, key)
	m.observe("delete", start, err)
	return err
}

func (m *instrumented) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	start := time.Now()
	keys, next, err := m.Store.Scan(ctx, prefix, cursor, count)
	m.observe("scan", start, err)
	return keys, next, err
}

// validateKey rejects keys no backend can store.
func validateKey(key string) error {
	if key == "" {
		return errors.NewInvalidRequest("key must not be empty")
	}
	return nil
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such bound exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
