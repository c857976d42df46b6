package kv_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/codestream/internal/config"
	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/kv"
	"github.com/hpungsan/codestream/internal/kv/kvtest"
	"github.com/rs/zerolog"
)

func newRedis(t *testing.T) (*kv.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := kv.OpenRedis(context.Background(), kv.RedisOptions{Addr: mr.Addr(), PoolSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore_Contract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, _ := newRedis(t)
		return s
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.OpenSQLite(t.TempDir(), 4)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPebbleStore_Contract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s, err := kv.OpenPebble(filepath.Join(t.TempDir(), "pebble"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return kv.NewMemory()
	})
}

func TestInstrumented_Contract(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		return kv.Instrument(kv.NewMemory())
	})
}

func TestRedisStore_Unreachable(t *testing.T) {
	s, mr := newRedis(t)
	mr.Close()

	err := s.Put(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.True(t, errors.IsRetryable(err))

	_, _, err = s.Get(context.Background(), "k")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestRedisStore_ServerErrorIsProtocol(t *testing.T) {
	s, mr := newRedis(t)
	mr.SetError("ERR simulated failure")
	defer mr.SetError("")

	err := s.Put(context.Background(), "k", []byte("v"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreProtocol))
	assert.False(t, errors.IsRetryable(err))
}

func TestRedisStore_TTL(t *testing.T) {
	s, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_BadCursor(t *testing.T) {
	s, _ := newRedis(t)
	_, _, err := s.Scan(context.Background(), "p:", "not-a-number", 10)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestOpenRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := kv.OpenRedis(context.Background(), kv.RedisOptions{Addr: addr})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestSQLiteStore_Schema(t *testing.T) {
	dir := t.TempDir()
	s, err := kv.OpenSQLite(dir, 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// reopening an existing database is a no-op migration
	s, err = kv.OpenSQLite(dir, 1)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Ping(context.Background()))
}

func TestSQLiteStore_Closed(t *testing.T) {
	s, err := kv.OpenSQLite(t.TempDir(), 1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
}

func TestPebbleStore_Closed(t *testing.T) {
	s, err := kv.OpenPebble(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Put(context.Background(), "k", []byte("v"), 0)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestMemoryStore_ClosedIsUnavailable(t *testing.T) {
	s := kv.NewMemory()
	require.NoError(t, s.Close())

	err := s.Delete(context.Background(), "k")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestKeys_CancelledContext(t *testing.T) {
	s := kv.NewMemory()
	require.NoError(t, s.Put(context.Background(), "a:1", []byte("x"), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range kv.Keys(ctx, s, "a:", 10) {
		gotErr = err
	}
	assert.True(t, errors.IsRetryable(gotErr))
}

func TestOpen_SelectsBackend(t *testing.T) {
	tests := []struct {
		backend string
		want    string
	}{
		{config.BackendMemory, "memory"},
		{config.BackendSQLite, "sqlite"},
		{config.BackendPebble, "pebble"},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.StoreBackend = tt.backend
			s, err := kv.Open(context.Background(), cfg, t.TempDir(), zerolog.Nop())
			require.NoError(t, err)
			defer s.Close()
			assert.Equal(t, tt.want, s.Backend())
		})
	}
}

func TestOpen_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.DefaultConfig()
	cfg.RedisHost, cfg.RedisPort = splitAddr(t, mr.Addr())

	s, err := kv.Open(context.Background(), cfg, t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "redis", s.Backend())
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.StoreBackend = "etcd"
	_, err := kv.Open(context.Background(), cfg, t.TempDir(), zerolog.Nop())
	require.Error(t, err)
}
