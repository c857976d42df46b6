// Package kvtest is the behavioural contract every kv.Store backend must meet.
package kvtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/kv"
)

// Factory returns a fresh, empty store. The factory owns cleanup.
type Factory func(t *testing.T) kv.Store

// Run executes the full contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGetRoundTrip", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore(t)) })
	t.Run("DeleteIdempotent", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("EmptyKeyRejected", func(t *testing.T) { testEmptyKey(t, newStore(t)) })
	t.Run("ScanPrefixAmongNoise", func(t *testing.T) { testScanAmongNoise(t, newStore(t)) })
	t.Run("ScanRestartable", func(t *testing.T) { testScanRestartable(t, newStore(t)) })
	t.Run("ScanEarlyStop", func(t *testing.T) { testScanEarlyStop(t, newStore(t)) })
	t.Run("ConcurrentSameKey", func(t *testing.T) { testConcurrentSameKey(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

func testPutGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "session:ABC123:cell:x", []byte("print(1)\n"), 0))

	v, ok, err := s.Get(ctx, "session:ABC123:cell:x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "print(1)\n", string(v))
}

func testGetMissing(t *testing.T, s kv.Store) {
	v, ok, err := s.Get(context.Background(), "session:ABC123:cell:none")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func testPutReplaces(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("one"), 0))
	require.NoError(t, s.Put(ctx, "k", []byte("two"), 0))

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "two", string(v))
}

func testDelete(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
	require.NoError(t, s.Delete(ctx, "k"))

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// second delete of an absent key is not an error
	require.NoError(t, s.Delete(ctx, "k"))
}

func testEmptyKey(t *testing.T, s kv.Store) {
	err := s.Put(context.Background(), "", []byte("v"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func testScanAmongNoise(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("session:OTHER1:cell:%04d", i), []byte("x"), 0))
		require.NoError(t, s.Put(ctx, fmt.Sprintf("noise:%04d", i), []byte("x"), 0))
	}
	want := make([]string, 0, 37)
	for i := 0; i < 37; i++ {
		k := fmt.Sprintf("session:ABC123:cell:%04d", i)
		want = append(want, k)
		require.NoError(t, s.Put(ctx, k, []byte("x"), 0))
	}

	got := collect(t, s, "session:ABC123:cell:", 10)
	assert.Equal(t, want, got)
}

func testScanRestartable(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("p:%02d", i), []byte("x"), 0))
	}
	first := collect(t, s, "p:", 5)
	second := collect(t, s, "p:", 5)
	assert.Len(t, first, 12)
	assert.Equal(t, first, second)
}

func testScanEarlyStop(t *testing.T, s kv.Store) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("e:%02d", i), []byte("x"), 0))
	}
	n := 0
	for _, err := range kv.Keys(ctx, s, "e:", 4) {
		require.NoError(t, err)
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func testConcurrentSameKey(t *testing.T, s kv.Store) {
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Put(ctx, "hot", []byte(fmt.Sprintf("v%02d", i)), 0))
		}(i)
	}
	wg.Wait()

	v, ok, err := s.Get(ctx, "hot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, v, 3)
}

// collect drains kv.Keys, removing the duplicates SCAN is allowed to return,
// and sorts the result.
func collect(t *testing.T, s kv.Store, prefix string, batch int) []string {
	t.Helper()
	seen := map[string]bool{}
	var out []string
	for k, err := range kv.Keys(context.Background(), s, prefix, batch) {
		require.NoError(t, err)
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
