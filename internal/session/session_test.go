package session

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/codestream/internal/errors"
	"github.com/hpungsan/codestream/internal/events"
)

type fakePurger struct {
	purged []string
	err    error
}

func (f *fakePurger) PurgeSession(_ context.Context, code string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.purged = append(f.purged, code)
	return 1, nil
}

func codes(cs ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		c := cs[i%len(cs)]
		i++
		return c, nil
	}
}

func TestValidateCode_Accepts(t *testing.T) {
	valid := []string{"ABC123", "abcdef", "000000", "zZ9aA0", "XYZ789"}
	for _, c := range valid {
		assert.NoError(t, ValidateCode(c), c)
	}
	for i := 0; i < 500; i++ {
		c, err := GenerateCode()
		require.NoError(t, err)
		assert.NoError(t, ValidateCode(c), c)
	}
}

func TestValidateCode_Rejects(t *testing.T) {
	invalid := []string{
		"", "ABC12", "ABC1234", "ABC-23", "ABC 23", "ABC12_", "ÄBC123",
		"abc12\n", "ABC12é", strings.Repeat("A", 64),
	}
	for _, c := range invalid {
		err := ValidateCode(c)
		require.Error(t, err, "%q", c)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "%q", c)
	}
}

func TestValidateCode_EveryNonAlnumByte(t *testing.T) {
	for b := 0; b < 256; b++ {
		code := "ABC12" + string([]byte{byte(b)})
		err := ValidateCode(code)
		if isAlnum(byte(b)) {
			assert.NoError(t, err, "byte %d", b)
		} else {
			assert.Error(t, err, "byte %d", b)
		}
	}
}

func TestGenerateCode_Distribution(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		c, err := GenerateCode()
		require.NoError(t, err)
		assert.Len(t, c, CodeLength)
		seen[c] = true
	}
	// collisions are tolerated but should be rare
	assert.Greater(t, len(seen), 190)
}

func TestCreate_WriterOnly(t *testing.T) {
	r := NewRegistry(Reader, events.NewBus())
	_, err := r.Create(context.Background())
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestCreate_PurgesPrevious(t *testing.T) {
	p := &fakePurger{}
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.SessionCreated)

	r := NewRegistry(Writer, bus, WithPurger(p), WithCodeGenerator(codes("ABC123", "DEF456")))

	s1, err := r.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABC123", s1.Code)
	assert.Empty(t, p.purged)

	s2, err := r.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DEF456", s2.Code)
	assert.Equal(t, []string{"ABC123"}, p.purged)

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "DEF456", active.Code)
	assert.Len(t, sub.C(), 2)
}

func TestCreate_PurgeFailureNonFatal(t *testing.T) {
	p := &fakePurger{err: errors.NewStoreUnavailable(stderrors.New("down"))}
	r := NewRegistry(Writer, events.NewBus(), WithPurger(p), WithCodeGenerator(codes("ABC123", "DEF456")))

	_, err := r.Create(context.Background())
	require.NoError(t, err)
	s, err := r.Create(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DEF456", s.Code)
}

func TestJoin(t *testing.T) {
	r := NewRegistry(Reader, events.NewBus())

	_, err := r.Join("bad")
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
	_, ok := r.Active()
	assert.False(t, ok)

	s, err := r.Join("ABC123")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", s.Code)
	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "ABC123", active.Code)
}

func TestRefresh(t *testing.T) {
	p := &fakePurger{}
	r := NewRegistry(Writer, events.NewBus(), WithPurger(p), WithCodeGenerator(codes("ABC123", "ABC123", "XYZ789")))

	_, _, err := r.Refresh(context.Background())
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = r.Create(context.Background())
	require.NoError(t, err)

	old, fresh, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ABC123", old.Code)
	// a regenerated duplicate code is skipped
	assert.Equal(t, "XYZ789", fresh.Code)
	assert.Equal(t, []string{"ABC123"}, p.purged)
}

func TestRefresh_GeneratorStuckOnActiveCode(t *testing.T) {
	p := &fakePurger{}
	r := NewRegistry(Writer, events.NewBus(), WithPurger(p), WithCodeGenerator(codes("ABC123")))
	_, err := r.Create(context.Background())
	require.NoError(t, err)

	_, _, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrInternal))
	assert.Empty(t, p.purged)

	active, _ := r.Active()
	assert.Equal(t, "ABC123", active.Code)
}

func TestRefresh_PurgeFailureKeepsOld(t *testing.T) {
	p := &fakePurger{}
	r := NewRegistry(Writer, events.NewBus(), WithPurger(p), WithCodeGenerator(codes("ABC123", "XYZ789")))
	_, err := r.Create(context.Background())
	require.NoError(t, err)

	p.err = errors.NewStoreUnavailable(stderrors.New("down"))
	_, _, err = r.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))

	active, _ := r.Active()
	assert.Equal(t, "ABC123", active.Code)
}

func TestClear(t *testing.T) {
	r := NewRegistry(Writer, events.NewBus(), WithCodeGenerator(codes("ABC123")))
	_, err := r.Create(context.Background())
	require.NoError(t, err)

	r.Clear()
	_, ok := r.Active()
	assert.False(t, ok)
	r.Clear()
}

func TestSetRole(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(events.RoleChanged)

	r := NewRegistry(Writer, bus, WithCodeGenerator(codes("ABC123")))
	_, err := r.Create(context.Background())
	require.NoError(t, err)

	require.NoError(t, r.SetRole(Reader))
	assert.Equal(t, Reader, r.Role())
	_, ok := r.Active()
	assert.False(t, ok)

	select {
	case e := <-sub.C():
		assert.Equal(t, "reader", e.Role)
	case <-time.After(time.Second):
		t.Fatal("no role event")
	}

	assert.Error(t, r.SetRole("admin"))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("writer")
	require.NoError(t, err)
	assert.Equal(t, Writer, role)

	_, err = ParseRole("admin")
	assert.Error(t, err)
}
