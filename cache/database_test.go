package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulnwatch/epss-go/config"
)

func newTestDatabaseBackend(t *testing.T) *databaseBackend {
	t.Helper()
	b, err := newDatabaseBackend(config.Database{
		URL:          filepath.Join(t.TempDir(), "cache.db"),
		Table:        "epss_cache",
		MaxOpenConns: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestDatabaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestDatabaseBackend(t)

	e, err := encode(map[string]any{"status": "OK"}, EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", e, time.Minute))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	var out map[string]any
	require.NoError(t, got.decode(&out))
	assert.Equal(t, "OK", out["status"])
}

func TestDatabaseMiss(t *testing.T) {
	b := newTestDatabaseBackend(t)
	got, err := b.Get(context.Background(), "absent")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDatabaseExpiredRowDeletedOnGet(t *testing.T) {
	ctx := context.Background()
	b := newTestDatabaseBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", e, 30*time.Millisecond))

	time.Sleep(40 * time.Millisecond)
	got, err := b.Get(ctx, "k")
	assert.NoError(t, err)
	assert.Nil(t, got)

	// The expired row was deleted inside the Get transaction.
	ok, err := b.Exists(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabaseNoTTLMeansNoExpiry(t *testing.T) {
	ctx := context.Background()
	b := newTestDatabaseBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", e, 0))

	got, err := b.Get(ctx, "k")
	assert.NoError(t, err)
	assert.NotNil(t, got)
}

func TestDatabaseUpsert(t *testing.T) {
	ctx := context.Background()
	b := newTestDatabaseBackend(t)

	e1, err := encode("first", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", e1, time.Minute))

	e2, err := encode("second", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", e2, time.Minute))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	var out string
	require.NoError(t, got.decode(&out))
	assert.Equal(t, "second", out)
}

func TestDatabaseDeleteClear(t *testing.T) {
	ctx := context.Background()
	b := newTestDatabaseBackend(t)

	e, err := encode("v", EncodingJSON)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "a", e, time.Minute))
	require.NoError(t, b.Set(ctx, "b", e, time.Minute))

	ok, err := b.Delete(ctx, "a")
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Delete(ctx, "a")
	assert.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.Clear(ctx))
	ok, err = b.Exists(ctx, "b")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestDatabaseRejectsBadTableName(t *testing.T) {
	_, err := newDatabaseBackend(config.Database{
		URL:   filepath.Join(t.TempDir(), "cache.db"),
		Table: "bad;drop table",
	})
	assert.Error(t, err)
}
