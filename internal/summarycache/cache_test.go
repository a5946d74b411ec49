package summarycache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyIsContentAddressed(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab"), Key("a", "b"), "part boundaries matter")
	assert.Len(t, Key("x"), 64)
}

func exerciseWriteOnce(t *testing.T, cache Cache) {
	t.Helper()
	ctx := context.Background()
	key := Key("user: hello")

	_, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Put(ctx, key, "first"))
	require.NoError(t, cache.Put(ctx, key, "second"))

	got, ok, err := cache.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", got)
}

func TestMemoryWriteOnce(t *testing.T) {
	exerciseWriteOnce(t, NewMemory())
}

func TestMemoryConcurrentPut(t *testing.T) {
	cache := NewMemory()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cache.Put(context.Background(), "k", "v")
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, cache.Len())
}

func TestSQLiteWriteOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "summaries.db")
	cache, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer cache.Close()

	exerciseWriteOnce(t, cache)

	require.NoError(t, cache.Close())
	reopened, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer reopened.Close()
	got, ok, err := reopened.Get(context.Background(), Key("user: hello"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "first", got)
}

func TestRedisWriteOnce(t *testing.T) {
	addr := os.Getenv("TASKPILOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TASKPILOT_TEST_REDIS_ADDR not set")
	}
	cache, err := NewRedis(context.Background(), RedisConfig{Address: addr, Prefix: "taskpilot:test:" + t.Name() + ":"})
	require.NoError(t, err)
	defer cache.Close()
	exerciseWriteOnce(t, cache)
}
