package metacache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ammar0144/gormattach/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingCompute(calls *atomic.Int32, v []string) ComputeFunc[[]string] {
	return func(context.Context) ([]string, error) {
		calls.Add(1)
		return v, nil
	}
}

func TestLocal_ComputesOncePerWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TTL = 50 * time.Millisecond
	c, err := NewLocal[[]string](cfg, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.GetOrAdd(ctx, "shop.Order", countingCompute(&calls, []string{"Customer"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"Customer"}, v)
	}
	assert.Equal(t, int32(1), calls.Load())

	time.Sleep(100 * time.Millisecond)

	_, err = c.GetOrAdd(ctx, "shop.Order", countingCompute(&calls, []string{"Customer"}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestLocal_FailedComputeIsNotCached(t *testing.T) {
	c, err := NewLocal[[]string](nil, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = c.GetOrAdd(context.Background(), "k", func(context.Context) ([]string, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	var calls atomic.Int32
	_, err = c.GetOrAdd(context.Background(), "k", countingCompute(&calls, []string{"x"}))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocal_ConcurrentMissesAreIdempotent(t *testing.T) {
	c, err := NewLocal[[]string](nil, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrAdd(context.Background(), "k", countingCompute(&calls, []string{"Customer"}))
			assert.NoError(t, err)
			assert.Equal(t, []string{"Customer"}, v)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, calls.Load(), int32(1))
	assert.Equal(t, 1, c.Len())
}

func TestLocal_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewLocal[[]string](nil, reg)
	require.NoError(t, err)

	var calls atomic.Int32
	_, _ = c.GetOrAdd(context.Background(), "k", countingCompute(&calls, nil))
	_, _ = c.GetOrAdd(context.Background(), "k", countingCompute(&calls, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.hits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.misses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.metrics.computes))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, (&Config{TTL: 0, Size: 1}).Validate())
	assert.Error(t, (&Config{TTL: time.Second, Size: 0}).Validate())
}

func TestTiered_SharesComputationThroughRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mgr, err := redis.NewManagerWithClient(redis.DefaultConfig(), client)
	require.NoError(t, err)

	first, err := NewTiered[[]string](nil, mgr, nil)
	require.NoError(t, err)
	second, err := NewTiered[[]string](nil, mgr, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	ctx := context.Background()

	v, err := first.GetOrAdd(ctx, "shop.Order", countingCompute(&calls, []string{"Customer"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer"}, v)

	v, err = second.GetOrAdd(ctx, "shop.Order", countingCompute(&calls, []string{"Customer"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer"}, v)

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, mr.Exists(mgr.Key("meta", "shop.Order")))
	assert.Equal(t, DefaultTTL, mr.TTL(mgr.Key("meta", "shop.Order")))
}

func TestTiered_RedisDownFallsBackToCompute(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	mgr, err := redis.NewManagerWithClient(redis.DefaultConfig(), client)
	require.NoError(t, err)
	c, err := NewTiered[[]string](nil, mgr, nil)
	require.NoError(t, err)

	mr.Close()

	var calls atomic.Int32
	v, err := c.GetOrAdd(context.Background(), "k", countingCompute(&calls, []string{"x"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, v)
	assert.Equal(t, int32(1), calls.Load())
}
