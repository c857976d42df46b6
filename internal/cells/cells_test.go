package cells

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
	"github.com/hpungsan/codestream/internal/kv"
)

func newStore(t *testing.T) (*Store, *kv.MemoryStore) {
	t.Helper()
	m := kv.NewMemory()
	return New(m, nil), m
}

func enabled(id, content string) Cell {
	return Cell{ID: id, Content: content, Enabled: true}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "session:ABC123:cell:", Prefix("ABC123"))
	assert.Equal(t, "session:ABC123:cell:c1", Key("ABC123", "c1"))
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 26)
	assert.NoError(t, ValidateID(a))
}

func TestPushGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	content := "def f(x):\n    return x * 2  # ünïcode\n"

	require.NoError(t, s.Push(ctx, "ABC123", Cell{ID: "c1", Content: content, Timestamp: "2026-01-02T03:04:05Z", Enabled: true}))

	got, ok, err := s.Get(ctx, "ABC123", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, content, got)

	rec, ok, err := s.GetRecord(ctx, "ABC123", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-02T03:04:05Z", rec.Timestamp)
}

func TestPush_FillsTimestamp(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Push(context.Background(), "ABC123", enabled("c1", "x")))
	rec, _, err := s.GetRecord(context.Background(), "ABC123", "c1")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Timestamp)
}

func TestPush_EmptyContent(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Push(context.Background(), "ABC123", enabled("c1", "")))
	got, ok, err := s.Get(context.Background(), "ABC123", "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", got)
}

func TestPush_RejectsDisabled(t *testing.T) {
	s, m := newStore(t)
	err := s.Push(context.Background(), "ABC123", Cell{ID: "c1", Content: "x"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	assert.Equal(t, 0, m.Len())
}

func TestUpdate_LastWriteWins(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "ABC123", enabled("c1", "one")))
	require.NoError(t, s.Update(ctx, "ABC123", enabled("c1", "two")))

	got, _, err := s.Get(ctx, "ABC123", "c1")
	require.NoError(t, err)
	assert.Equal(t, "two", got)
}

func TestValidation(t *testing.T) {
	s, m := newStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
	}{
		{"bad session", s.Push(ctx, "ABC12", enabled("c1", "x"))},
		{"empty id", s.Push(ctx, "ABC123", enabled("", "x"))},
		{"control id", s.Push(ctx, "ABC123", enabled("a\nb", "x"))},
		{"get bad session", func() error { _, _, err := s.Get(ctx, "abc!23", "c1"); return err }()},
		{"delete empty id", s.Delete(ctx, "ABC123", "")},
		{"list bad session", func() error { _, err := s.ListAll(ctx, "toolong1"); return err }()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, errors.Is(tt.err, errors.ErrInvalidRequest))
		})
	}
	assert.Equal(t, 0, m.Len(), "validation failures must not reach the store")
}

func TestGet_Absent(t *testing.T) {
	s, _ := newStore(t)
	got, ok, err := s.Get(context.Background(), "ABC123", "never")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, got)
}

func TestDelete_Idempotent(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "ABC123", enabled("c1", "x")))

	require.NoError(t, s.Delete(ctx, "ABC123", "c1"))
	_, ok, err := s.Get(ctx, "ABC123", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "ABC123", "c1"))
}

func TestGetRecord_CorruptValue(t *testing.T) {
	s, m := newStore(t)
	require.NoError(t, m.Put(context.Background(), Key("ABC123", "c1"), []byte("{not json"), 0))

	_, _, err := s.GetRecord(context.Background(), "ABC123", "c1")
	assert.True(t, errors.Is(err, errors.ErrStoreProtocol))
}

func TestListAll_AmongUnrelatedKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	rs, err := kv.OpenRedis(context.Background(), kv.RedisOptions{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rs.Close()

	s := New(rs, nil, WithScanBatch(7))
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		mr.Set(fmt.Sprintf("unrelated:%d", i), "x")
		mr.Set(fmt.Sprintf("session:OTHER9:cell:%d", i), "{}")
	}
	var want []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("cell-%02d", i)
		want = append(want, id)
		require.NoError(t, s.Push(ctx, "ABC123", enabled(id, "x")))
	}

	got, err := s.ListAll(ctx, "ABC123")
	require.NoError(t, err)
	sort.Strings(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ListAll mismatch (-want +got):\n%s", diff)
	}
}

func TestListAll_Empty(t *testing.T) {
	s, _ := newStore(t)
	ids, err := s.ListAll(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.NotNil(t, ids)
	assert.Empty(t, ids)
}

func TestPurgeSession(t *testing.T) {
	s, m := newStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Push(ctx, "ABC123", enabled(fmt.Sprintf("c%d", i), "x")))
	}
	require.NoError(t, s.Push(ctx, "KEEP00", enabled("c0", "x")))

	n, err := s.PurgeSession(ctx, "ABC123")
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 1, m.Len())

	ids, err := s.ListAll(ctx, "KEEP00")
	require.NoError(t, err)
	assert.Equal(t, []string{"c0"}, ids)
}

func TestStoreUnavailablePropagates(t *testing.T) {
	s, m := newStore(t)
	require.NoError(t, m.Close())

	err := s.Push(context.Background(), "ABC123", enabled("c1", "x"))
	assert.True(t, errors.IsRetryable(err))

	_, _, err = s.Get(context.Background(), "ABC123", "c1")
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

func TestEventsPublished(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe()

	s := New(kv.NewMemory(), bus)
	ctx := context.Background()
	require.NoError(t, s.Push(ctx, "ABC123", enabled("c1", "secret")))
	require.NoError(t, s.Update(ctx, "ABC123", enabled("c1", "secret")))
	require.NoError(t, s.Delete(ctx, "ABC123", "c1"))
	_, err := s.PurgeSession(ctx, "ABC123")
	require.NoError(t, err)

	var kinds []events.Kind
	for i := 0; i < 4; i++ {
		e := <-sub.C()
		kinds = append(kinds, e.Kind)
		assert.Equal(t, "ABC123", e.Session)
	}
	assert.Equal(t, []events.Kind{events.CellPushed, events.CellUpdated, events.CellDeleted, events.SessionPurged}, kinds)
}
