package coordination

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/enrichswarm/internal/domain/providers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStoreWithClock(clock.Now), clock
}

func TestMemoryStore_SetNX(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()

	ok, err := store.SetNX(ctx, "lock:a", "w1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "lock:a", "w2", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)

	ok, err = store.SetNX(ctx, "lock:a", "w2", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired key can be taken")
}

func TestMemoryStore_CompareAndDelete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	require.NoError(t, store.Set(ctx, "k", "owner", 0))

	ok, err := store.CompareAndDelete(ctx, "k", "intruder")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "k", "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_UpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "counter", 0, func(current string, exists bool) (string, error) {
				n := 0
				if exists {
					n, _ = strconv.Atoi(current)
				}
				return strconv.Itoa(n + 1), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	value, ok, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "50", value)
}

func TestMemoryStore_UpdateAborted(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	require.NoError(t, store.Set(ctx, "k", "v1", 0))

	value, err := store.Update(ctx, "k", 0, func(current string, exists bool) (string, error) {
		return "", providers.ErrUpdateAborted
	})
	require.NoError(t, err)
	assert.Equal(t, "v1", value)
}

func TestMemoryStore_KeysSkipsExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestStore()
	require.NoError(t, store.Set(ctx, "swarm:failure:1", "a", time.Minute))
	require.NoError(t, store.Set(ctx, "swarm:failure:2", "b", time.Hour))
	require.NoError(t, store.Set(ctx, "lock:x", "c", 0))

	clock.Advance(2 * time.Minute)

	keys, err := store.Keys(ctx, "swarm:failure:")
	require.NoError(t, err)
	assert.Equal(t, []string{"swarm:failure:2"}, keys)
}
