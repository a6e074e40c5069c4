package database

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nps-dashboard-server/config"
	"nps-dashboard-server/logger"
)

func exerciseStore(t *testing.T, store KeyValueStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	require.NoError(t, store.Set(ctx, "nps_last_fetch", "2024-03-15T00:00:00Z"))
	v, err := store.Get(ctx, "nps_last_fetch")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-15T00:00:00Z", v)

	// last write wins
	require.NoError(t, store.Set(ctx, "nps_last_fetch", "2024-03-16T00:00:00Z"))
	v, err = store.Get(ctx, "nps_last_fetch")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-16T00:00:00Z", v)

	require.NoError(t, store.Remove(ctx, "nps_last_fetch"))
	_, err = store.Get(ctx, "nps_last_fetch")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	// removing an absent key is not an error
	assert.NoError(t, store.Remove(ctx, "nps_last_fetch"))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store)
	assert.Equal(t, 0, store.Len())
}

func TestGormStoreSQLite(t *testing.T) {
	db, err := Open(config.StorageConfig{Driver: "sqlite", SQLitePath: ":memory:"}, logger.NewNop())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	store := NewGormStore(db)
	defer store.Close()

	exerciseStore(t, store)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(config.StorageConfig{RedisAddr: addr, RedisPrefix: "nps-test:"})
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestNewKeyValueStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewKeyValueStore(config.StorageConfig{Driver: "etcd"}, logger.NewNop())
	assert.Error(t, err)

	store, err := NewKeyValueStore(config.StorageConfig{Driver: "memory"}, logger.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)
}
