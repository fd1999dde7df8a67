package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetRefreshesWhenStale(t *testing.T) {
	c := New("t", nil)
	var calls int32
	c.Register("k", 10*time.Millisecond, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v1", nil
	})

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
	require.EqualValues(t, 1, calls)

	// Within TTL: no refresh.
	v, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "v1", v)
	require.EqualValues(t, 1, calls)

	time.Sleep(20 * time.Millisecond)
	_, err = c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.EqualValues(t, 2, calls)
}

func TestGetFailedRefreshKeepsPriorValue(t *testing.T) {
	c := New("t", nil)
	first := true
	c.Register("k", time.Millisecond, func(ctx context.Context, key string) (any, error) {
		if first {
			first = false
			return "ok", nil
		}
		return nil, errors.New("boom")
	})

	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "ok", v)

	time.Sleep(5 * time.Millisecond)
	_, err = c.Get(context.Background(), "k")
	require.ErrorIs(t, err, ErrCacheUpdateFailed)

	c.mu.RLock()
	prior := c.entries["k"].value
	c.mu.RUnlock()
	require.Equal(t, "ok", prior)
}

func TestSingleFlightCoalescesConcurrentRefresh(t *testing.T) {
	c := New("t", nil)
	var calls int32
	release := make(chan struct{})
	c.Register("k", time.Nanosecond, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "v", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get(context.Background(), "k")
		}()
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls, "concurrent Get calls for the same key must not trigger more than one refresh")
}

func TestInvalidateForcesRefresh(t *testing.T) {
	c := New("t", nil)
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	})
	_, _ = c.Get(context.Background(), "k")
	c.Invalidate("k")
	_, _ = c.Get(context.Background(), "k")
	require.EqualValues(t, 2, calls)
}

func TestInvalidateWithValueMarksFresh(t *testing.T) {
	c := New("t", nil)
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "orig", nil
	})
	c.Invalidate("k", "replaced")
	v, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "replaced", v)
	require.EqualValues(t, 0, calls)
}

func TestDisabledCachingAlwaysRefreshes(t *testing.T) {
	enabled := false
	c := New("t", func() bool { return enabled })
	var calls int32
	c.Register("k", time.Hour, func(ctx context.Context, key string) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	})
	_, _ = c.Get(context.Background(), "k")
	_, _ = c.Get(context.Background(), "k")
	require.EqualValues(t, 2, calls)
}

func TestSweepRemovesFullyExpiredEntries(t *testing.T) {
	c := New("t", nil)
	c.Register("k", time.Millisecond, func(ctx context.Context, key string) (any, error) {
		return "v", nil
	})
	_, _ = c.Get(context.Background(), "k")
	c.Sweep(time.Now().Add(time.Hour))

	c.mu.RLock()
	_, exists := c.entries["k"]
	c.mu.RUnlock()
	require.False(t, exists)
}

func TestGetMultipleUsesAddAllOnce(t *testing.T) {
	c := New("t", nil)
	var calls int32
	c.RegisterAddAll(time.Hour, func(ctx context.Context, keys []string) (map[string]any, error) {
		atomic.AddInt32(&calls, 1)
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			out[k] = "v-" + k
		}
		return out, nil
	})

	vals, err := c.GetMultiple(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Equal(t, []any{"v-a", "v-b", "v-c"}, vals)
	require.EqualValues(t, 1, calls)

	vals, err = c.GetMultiple(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []any{"v-a", "v-b"}, vals)
	require.EqualValues(t, 1, calls, "fresh keys must not trigger a second addAll call")
}
