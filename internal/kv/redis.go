package kv

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hpungsan/codestream/internal/errors"
)

// RedisOptions configures the shared redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisStore is a Store over a redis server. All calls share one bounded
// connection pool; a connection is used by one command at a time.
type RedisStore struct {
	client *redis.Client
}

// OpenRedis connects to redis and verifies the server answers.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	s := &RedisStore{client: client}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Backend implements Store.
func (s *RedisStore) Backend() string { return "redis" }

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return classifyRedis(s.client.Set(ctx, key, value, ttl).Err())
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	v, err := s.client.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, classifyRedis(err)
	}
	return v, true, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return classifyRedis(s.client.Del(ctx, key).Err())
}

// Scan implements Store with SCAN MATCH prefix* COUNT count. The cursor is
// the server's decimal cursor; 0 from the server ends the enumeration.
func (s *RedisStore) Scan(ctx context.Context, prefix, cursor string, count int) ([]string, string, error) {
	if count <= 0 {
		count = DefaultScanBatch
	}
	var start uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, "", errors.NewInvalidRequest("invalid scan cursor")
		}
		start = n
	}

	keys, next, err := s.client.Scan(ctx, start, escapeGlob(prefix)+"*", int64(count)).Result()
	if err != nil {
		return nil, "", classifyRedis(err)
	}
	if next == 0 {
		return keys, "", nil
	}
	return keys, strconv.FormatUint(next, 10), nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return classifyRedis(s.client.Ping(ctx).Err())
}

// Close releases the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// classifyRedis separates server replies (protocol errors) from transport
// failures (unreachable, retryable).
func classifyRedis(err error) error {
	if err == nil {
		return nil
	}
	var replyErr redis.Error
	if stderrors.As(err, &replyErr) {
		return errors.NewStoreProtocol(err)
	}
	return errors.NewStoreUnavailable(err)
}

// escapeGlob quotes the characters SCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
