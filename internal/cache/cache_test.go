package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := NewFromClient(client, Config{
		Prefix:        "ms",
		StatusPrefix:  "status",
		StatusTimeout: time.Hour,
	})
	return c, mr
}

func TestCache_Keys(t *testing.T) {
	c, _ := newTestCache(t)

	require.Equal(t, "ms:token:0001", c.Key("token", "0001"))
	require.Equal(t, "ms:status:greylist:0001", c.StatusKey("greylist", "0001"))
	require.Equal(t, "ms:status:rate_limit:10.0.0.1:example.com",
		c.StatusKey("rate_limit", "10.0.0.1", "example.com"))
}

func TestCache_GetSetDel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "ms:missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "ms:k", "v", time.Minute))
	v, err := c.Get(ctx, "ms:k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	n, err := c.Del(ctx, "ms:k")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestCache_Counters(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	n, err := c.Incr(ctx, "ms:counter")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = c.IncrBy(ctx, "ms:counter", 5)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	n, err = c.Decr(ctx, "ms:counter")
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	got, err := c.GetInt(ctx, "ms:counter")
	require.NoError(t, err)
	require.Equal(t, int64(5), got)
}

func TestCache_SortedSet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.ZAdd(ctx, "ms:zset", 100, "a:100"))
	require.NoError(t, c.ZAdd(ctx, "ms:zset", 200, "b:200"))
	require.NoError(t, c.ZAdd(ctx, "ms:zset", 300, "c:300"))

	members, err := c.ZRangeByScore(ctx, "ms:zset", 150)
	require.NoError(t, err)
	require.Equal(t, []string{"b:200", "c:300"}, members)
}

func TestCache_Hash(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.HSet(ctx, "ms:workers", "10.0.0.1", "one"))
	require.NoError(t, c.HSet(ctx, "ms:workers", "10.0.0.2", "two"))

	v, err := c.HGet(ctx, "ms:workers", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, "one", v)

	all, err := c.HGetAll(ctx, "ms:workers")
	require.NoError(t, err)
	require.Len(t, all, 2)

	require.NoError(t, c.HDel(ctx, "ms:workers", "10.0.0.1"))
	_, err = c.HGet(ctx, "ms:workers", "10.0.0.1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCache_Scan(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "ms:status:greylist:1", "x", 0))
	require.NoError(t, c.Set(ctx, "ms:status:greylist:2", "x", 0))
	require.NoError(t, c.Set(ctx, "ms:other", "x", 0))

	var keys []string
	err := c.Scan(ctx, "ms:status:*", func(key string) error {
		keys = append(keys, key)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestAcquireLock(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "ms:lock:routing:example.com:default", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Second acquisition within the blocking budget fails.
	ok, err = c.AcquireLock(ctx, "ms:lock:routing:example.com:default", time.Minute, 150*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "ms:lock:routing:example.com:default"))
	ok, err = c.AcquireLock(ctx, "ms:lock:routing:example.com:default", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAcquireLock_TTLExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	ok, err := c.AcquireLock(ctx, "ms:lock:routing:example.com:default", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// A crashed holder cannot deadlock routing: the TTL frees the lock.
	mr.FastForward(2 * time.Minute)

	ok, err = c.AcquireLock(ctx, "ms:lock:routing:example.com:default", time.Minute, 0)
	require.NoError(t, err)
	require.True(t, ok)
}
