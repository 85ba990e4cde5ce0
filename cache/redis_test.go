package cache

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/epss-go/config"
)

func newTestRedisBackend(t *testing.T) (*miniredis.Miniredis, *redisBackend) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	b, err := newRedisBackend(config.Redis{
		Host:        host,
		Port:        port,
		DialTimeout: 1,
		ReadTimeout: 1,
	}, "epss")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return mr, b
}

func TestRedisRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, b := newTestRedisBackend(t)

	e, err := encode(map[string]string{"status": "OK"}, EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "epss:query:abc:current", e, time.Minute))

	got, err := b.Get(ctx, "epss:query:abc:current")
	require.NoError(t, err)
	require.NotNil(t, got)
	var out map[string]string
	require.NoError(t, got.decode(&out))
	assert.Equal(t, "OK", out["status"])
}

func TestRedisMiss(t *testing.T) {
	_, b := newTestRedisBackend(t)
	got, err := b.Get(context.Background(), "absent")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisNativeTTLExpiry(t *testing.T) {
	ctx := context.Background()
	mr, b := newTestRedisBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "epss:k", e, time.Second))

	mr.FastForward(2 * time.Second)

	got, err := b.Get(ctx, "epss:k")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisDeleteExists(t *testing.T) {
	ctx := context.Background()
	_, b := newTestRedisBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "epss:k", e, time.Minute))

	ok, err := b.Exists(ctx, "epss:k")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Delete(ctx, "epss:k")
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Delete(ctx, "epss:k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisClearScopedToPrefix(t *testing.T) {
	ctx := context.Background()
	mr, b := newTestRedisBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "epss:a", e, time.Minute))
	require.NoError(t, b.Set(ctx, "epss:b", e, time.Minute))
	require.NoError(t, mr.Set("other:key", "keep"))

	require.NoError(t, b.Clear(ctx))

	ok, err := b.Exists(ctx, "epss:a")
	assert.NoError(t, err)
	assert.False(t, ok)

	// Keys outside the prefix survive a clear.
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisUnreachableIsConstructionError(t *testing.T) {
	_, err := newRedisBackend(config.Redis{
		Host:        "127.0.0.1",
		Port:        1,
		DialTimeout: 1,
		ReadTimeout: 1,
	}, "epss")
	assert.Error(t, err)
}
