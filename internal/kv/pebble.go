package kv

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/hpungsan/codestream/internal/errors"
)

// PebbleStore is an embedded, writer-local Store on a pebble LSM. Records
// never expire; ttl is ignored.
type PebbleStore struct {
	db     *pebble.DB
	closed atomic.Bool
}

// OpenPebble opens (or creates) a pebble database in dir.
func OpenPebble(dir string) (*PebbleStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Backend implements Store.
func (s *PebbleStore) Backend() string { return "pebble" }

// Put implements Store.
func (s *PebbleStore) Put(_ context.Context, key string, value []byte, _ time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return errors.NewStoreUnavailable(pebble.ErrClosed)
	}
	return classifyPebble(s.db.Set([]byte(key), value, pebble.Sync))
}

// Get implements Store.
func (s *PebbleStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	if s.closed.Load() {
		return nil, false, errors.NewStoreUnavailable(pebble.ErrClosed)
	}
	v, closer, err := s.db.Get([]byte(key))
	if stderrors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyPebble(err)
	}
	out := append([]byte(nil), v...)
	_ = closer.Close()
	return out, true, nil
}

// Delete implements Store.
func (s *PebbleStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return errors.NewStoreUnavailable(pebble.ErrClosed)
	}
	return classifyPebble(s.db.Delete([]byte(key), pebble.Sync))
}

// Scan implements Store with a bounded iterator per round. The cursor is the
// last key of the previous page; each round opens a fresh iterator so no
// snapshot is held between rounds.
func (s *PebbleStore) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = DefaultScanBatch
	}
	if s.closed.Load() {
		return nil, "", errors.NewStoreUnavailable(pebble.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, "", errors.NewStoreUnavailable(err)
	}

	lower := []byte(prefix)
	if cursor != "" && cursor >= prefix {
		// smallest key strictly after cursor
		lower = append([]byte(cursor), 0)
	}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixEnd([]byte(prefix)),
	})
	if err != nil {
		return nil, "", classifyPebble(err)
	}
	defer it.Close()

	keys := make([]string, 0, count)
	for valid := it.First(); valid && len(keys) < count; valid = it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, "", classifyPebble(err)
	}

	if len(keys) < count {
		return keys, "", nil
	}
	return keys, keys[len(keys)-1], nil
}

// Ping implements Store.
func (s *PebbleStore) Ping(_ context.Context) error {
	if s.closed.Load() {
		return errors.NewStoreUnavailable(pebble.ErrClosed)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func classifyPebble(err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, pebble.ErrClosed) {
		return errors.NewStoreUnavailable(err)
	}
	return errors.NewStoreProtocol(err)
}
