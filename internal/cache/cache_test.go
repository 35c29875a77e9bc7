package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clients(t *testing.T) map[string]Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return map[string]Client{
		"redis":  FromRedis(rdb, "hf"),
		"memory": NewMemory("hf", 0),
	}
}

func TestClient_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, c := range clients(t) {
		t.Run(name, func(t *testing.T) {
			_, err := c.Get(ctx, "k")
			assert.True(t, IsNotFound(err))

			require.NoError(t, c.Set(ctx, "k", []byte("v1"), time.Minute))
			got, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v1", string(got))

			require.NoError(t, c.Delete(ctx, "k"))
			_, err = c.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			st, err := c.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, name, st.Driver)
			assert.EqualValues(t, 1, st.Hits)
			assert.EqualValues(t, 2, st.Misses)
		})
	}
}

func TestMemory_Expires(t *testing.T) {
	ctx := context.Background()
	c := NewMemory("", 0)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedis_PrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	c := FromRedis(rdb, "keys")
	require.NoError(t, c.Set(ctx, "a", []byte("x"), time.Hour))
	assert.True(t, mr.Exists("keys:a"))

	mr.FastForward(2 * time.Hour)
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// el cliente es compartido: Close no lo cierra
	require.NoError(t, c.Close())
	require.NoError(t, rdb.Ping(ctx).Err())
}
