package coordination

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	redisclient "github.com/zatekoja/enrichswarm/internal/infrastructure/clients/redis"
	"github.com/zatekoja/enrichswarm/pkg/config"
)

func setupRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	host := os.Getenv("TEST_REDIS_HOST")
	if host == "" {
		t.Skip("TEST_REDIS_HOST not set, skipping Redis integration test")
	}

	client, err := redisclient.NewClient(&config.RedisConfig{Host: host, Port: 6379, DB: 15})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Client().FlushDB(context.Background()).Err())
	return NewRedisStore(client).(*RedisStore)
}

func TestRedisStore_LockPrimitives(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t)

	ok, err := store.SetNX(ctx, "lock:cell:ds:1:name", "w1:abc", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock:cell:ds:1:name", "w2:def", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "lock:cell:ds:1:name", "w2:def")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "lock:cell:ds:1:name", "w1:abc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	store := setupRedisStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "counter", time.Minute, func(current string, exists bool) (string, error) {
				n, _ := strconv.Atoi(current)
				return strconv.Itoa(n + 1), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, ok, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10", value)

	keys, err := store.Keys(ctx, "count")
	require.NoError(t, err)
	assert.Equal(t, []string{"counter"}, keys)
}
