package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackgate/pkg/logger"
	"trackgate/pkg/timing"
)

func newTestTiered(t *testing.T) (*TieredCache, *timing.ManualClock) {
	t.Helper()
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	backend := NewMemoryBackend(MemoryBackendConfig{Clock: clock})
	c := NewTieredCache(backend, Options{
		TTL:       DefaultTierTTL(),
		KeyPrefix: "tg:",
		L1Size:    16,
		Clock:     clock,
		Logger:    logger.Discard(),
	})
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func TestTieredCache_MissForUnknownKey(t *testing.T) {
	c, _ := newTestTiered(t)

	_, ok := c.Get(context.Background(), "never-set")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestTieredCache_SetGetUntilExpiry(t *testing.T) {
	c, clock := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:shakira", []string{"hips"}, TierRecent, []string{"search"}))

	var got []string
	require.True(t, c.GetInto(ctx, "search:shakira", &got))
	assert.Equal(t, []string{"hips"}, got)

	entry, ok := c.Lookup(ctx, "search:shakira")
	require.True(t, ok)
	assert.Equal(t, TierRecent, entry.Tier)
	assert.Equal(t, time.Hour, entry.ExpiresAt.Sub(entry.CreatedAt))

	clock.Advance(time.Hour)
	_, ok = c.Get(ctx, "search:shakira")
	assert.False(t, ok, "过期条目不能被返回")
	_, ok = c.Get(ctx, "search:shakira")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestTieredCache_TierTTL(t *testing.T) {
	c, _ := newTestTiered(t)
	ctx := context.Background()

	cases := map[Tier]time.Duration{
		TierTrending: 12 * time.Hour,
		TierPopular:  24 * time.Hour,
		TierRecent:   time.Hour,
	}
	for tier, ttl := range cases {
		key := "k:" + string(tier)
		require.NoError(t, c.Set(ctx, key, 1, tier, nil))
		entry, ok := c.Lookup(ctx, key)
		require.True(t, ok)
		assert.Equal(t, ttl, entry.ExpiresAt.Sub(entry.CreatedAt), "层级 %s", tier)
	}
}

func TestTieredCache_RewriteOverwritesTTL(t *testing.T) {
	c, clock := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, TierPopular, nil))
	clock.Advance(10 * time.Minute)
	require.NoError(t, c.Set(ctx, "k", 2, TierRecent, nil))

	entry, ok := c.Lookup(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, TierRecent, entry.Tier)
	assert.Equal(t, clock.Now().Add(time.Hour), entry.ExpiresAt)
}

func TestTieredCache_InvalidateTags(t *testing.T) {
	c, _ := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1, TierRecent, []string{"search", "provider:youtube"}))
	require.NoError(t, c.Set(ctx, "b", 2, TierRecent, []string{"search", "provider:spotify"}))
	require.NoError(t, c.Set(ctx, "c", 3, TierRecent, []string{"details", "provider:youtube"}))

	count := c.InvalidateTags(ctx, "provider:youtube")
	assert.Equal(t, 2, count)

	assert.False(t, c.Exists(ctx, "a"))
	assert.True(t, c.Exists(ctx, "b"), "不带该标签的条目保留")
	assert.False(t, c.Exists(ctx, "c"))

	keys, err := c.KeysForTag(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys, "被删除条目的其他标签标记也随之清除")

	assert.Equal(t, 0, c.InvalidateTags(ctx, "provider:youtube"))
}

func TestTieredCache_RewriteDropsOldTags(t *testing.T) {
	c, _ := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, TierRecent, []string{"query:old"}))
	require.NoError(t, c.Set(ctx, "k", 2, TierRecent, []string{"query:new"}))

	assert.Equal(t, 0, c.InvalidateTags(ctx, "query:old"))
	assert.True(t, c.Exists(ctx, "k"))
}

func TestTieredCache_InvalidatePattern(t *testing.T) {
	c, _ := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:youtube:shakira", 1, TierRecent, nil))
	require.NoError(t, c.Set(ctx, "search:spotify:shakira", 1, TierRecent, nil))
	require.NoError(t, c.Set(ctx, "details:youtube:abc", 1, TierRecent, nil))

	count, err := c.InvalidatePattern(ctx, "search:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.True(t, c.Exists(ctx, "details:youtube:abc"))

	_, err = c.InvalidatePattern(ctx, "[")
	assert.Error(t, err)
}

func TestTieredCache_SweepStale(t *testing.T) {
	c, clock := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "recent", 1, TierRecent, []string{"search"}))
	require.NoError(t, c.Set(ctx, "popular", 1, TierPopular, []string{"search"}))

	clock.Advance(50 * time.Minute)
	assert.Equal(t, 1, c.SweepStale(ctx, 15*time.Minute))

	assert.False(t, c.Exists(ctx, "recent"))
	assert.True(t, c.Exists(ctx, "popular"))

	keys, err := c.KeysForTag(ctx, "search")
	require.NoError(t, err)
	assert.Equal(t, []string{"popular"}, keys)
}

func TestTieredCache_Delete(t *testing.T) {
	c, _ := newTestTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, TierRecent, []string{"t"}))
	c.Delete(ctx, "k")

	assert.False(t, c.Exists(ctx, "k"))
	keys, err := c.KeysForTag(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestTieredCache_SetRejectsUnencodable(t *testing.T) {
	c, _ := newTestTiered(t)
	err := c.Set(context.Background(), "k", make(chan int), TierRecent, nil)
	assert.Error(t, err)
}

// flakyBackend 可切换为故障状态的后端
type flakyBackend struct {
	*MemoryBackend
	down  atomic.Bool
	block atomic.Bool
}

var errBackendDown = errors.New("connection refused")

func (f *flakyBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if f.block.Load() {
		<-ctx.Done()
		return nil, false, ctx.Err()
	}
	if f.down.Load() {
		return nil, false, errBackendDown
	}
	return f.MemoryBackend.Get(ctx, key)
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if f.down.Load() || f.block.Load() {
		return errBackendDown
	}
	return f.MemoryBackend.Set(ctx, key, value, ttl)
}

func (f *flakyBackend) Delete(ctx context.Context, keys ...string) error {
	if f.down.Load() {
		return errBackendDown
	}
	return f.MemoryBackend.Delete(ctx, keys...)
}

func (f *flakyBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	if f.down.Load() {
		return nil, errBackendDown
	}
	return f.MemoryBackend.Scan(ctx, prefix)
}

func newFlakyTiered(t *testing.T) (*TieredCache, *flakyBackend) {
	t.Helper()
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(MemoryBackendConfig{Clock: clock})}
	c := NewTieredCache(backend, Options{KeyPrefix: "tg:", L1Size: 8, Clock: clock, Logger: logger.Discard()})
	t.Cleanup(func() { _ = c.Close() })
	return c, backend
}

func TestTieredCache_InvalidateTagsDuringOutage(t *testing.T) {
	c, backend := newFlakyTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:youtube:shakira", "v1", TierPopular, []string{"query:shakira"}))
	require.NoError(t, c.Set(ctx, "search:youtube:karol", "v2", TierPopular, []string{"query:karol"}))

	backend.down.Store(true)
	assert.Equal(t, 1, c.InvalidateTags(ctx, "query:shakira"), "后端故障时清理进程内缓存")

	_, ok := c.Get(ctx, "search:youtube:shakira")
	assert.False(t, ok, "故障期间不再由进程内缓存返回已失效条目")
	_, ok = c.Get(ctx, "search:youtube:karol")
	assert.True(t, ok)

	backend.down.Store(false)
	_, ok = c.Get(ctx, "search:youtube:shakira")
	assert.False(t, ok, "后端恢复后不返回故障期间失效的条目")
	_, found, err := backend.MemoryBackend.Get(ctx, "tg:data:search:youtube:shakira")
	require.NoError(t, err)
	assert.False(t, found, "读取时补删残留条目")

	_, ok = c.Get(ctx, "search:youtube:karol")
	assert.True(t, ok)
}

func TestTieredCache_DeleteDuringOutage(t *testing.T) {
	c, backend := newFlakyTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "track:spotify:1", "old", TierRecent, nil))
	backend.down.Store(true)
	c.Delete(ctx, "track:spotify:1")
	backend.down.Store(false)

	assert.False(t, c.Exists(ctx, "track:spotify:1"))
	_, ok := c.Get(ctx, "track:spotify:1")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "track:spotify:1", "new", TierRecent, nil))
	var got string
	require.True(t, c.GetInto(ctx, "track:spotify:1", &got), "重新写入后可见")
	assert.Equal(t, "new", got)
}

func TestTieredCache_InvalidatePatternDuringOutage(t *testing.T) {
	c, backend := newFlakyTiered(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:youtube:a", "a", TierRecent, nil))
	require.NoError(t, c.Set(ctx, "track:youtube:b", "b", TierRecent, nil))

	backend.down.Store(true)
	count, err := c.InvalidatePattern(ctx, "search:*")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	backend.down.Store(false)
	_, ok := c.Get(ctx, "search:youtube:a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "track:youtube:b")
	assert.True(t, ok)
}

func TestTieredCache_EvictionKeepsTagIndexConsistent(t *testing.T) {
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	backend := NewMemoryBackend(MemoryBackendConfig{MaxSize: 2, Clock: clock})
	c := NewTieredCache(backend, Options{KeyPrefix: "tg:", Clock: clock, Logger: logger.Discard()})
	defer c.Close()
	ctx := context.Background()

	// 标签多于容量也不会挤掉数据条目
	require.NoError(t, c.Set(ctx, "a", "a", TierRecent, []string{"x", "t1", "t2", "t3"}))
	require.NoError(t, c.Set(ctx, "b", "b", TierRecent, []string{"y"}))
	require.True(t, c.Exists(ctx, "a"))
	require.True(t, c.Exists(ctx, "b"))

	// 读取 a 后写入 c，淘汰最久未使用的 b 及其标记
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", "c", TierRecent, []string{"x"}))

	assert.False(t, c.Exists(ctx, "b"))
	markers, err := backend.Scan(ctx, "tg:tag:y:")
	require.NoError(t, err)
	assert.Empty(t, markers, "被淘汰条目的标记一并删除")

	assert.Equal(t, 2, c.InvalidateTags(ctx, "x"))
	assert.False(t, c.Exists(ctx, "a"))
	assert.False(t, c.Exists(ctx, "c"))
}

func TestTieredCache_BackendFailureFallsBackToL1(t *testing.T) {
	clock := timing.NewManualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(MemoryBackendConfig{Clock: clock})}
	c := NewTieredCache(backend, Options{L1Size: 8, Clock: clock, Logger: logger.Discard()})
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", TierRecent, nil))
	backend.down.Store(true)

	var got string
	assert.True(t, c.GetInto(ctx, "k", &got), "后端故障时由进程内缓存兜底")
	assert.Equal(t, "v", got)

	_, ok := c.Get(ctx, "other")
	assert.False(t, ok, "兜底缓存也没有时返回未命中而不是错误")

	assert.NoError(t, c.Set(ctx, "k2", "v2", TierRecent, nil), "写入失败不暴露给调用方")

	clock.Advance(time.Hour)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "兜底缓存同样不返回过期条目")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.FallbackHits)
	assert.Greater(t, stats.BackendErrors, int64(0))
}

func TestTieredCache_HungBackendBoundedByOpTimeout(t *testing.T) {
	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(MemoryBackendConfig{})}
	backend.block.Store(true)
	c := NewTieredCache(backend, Options{OpTimeout: 20 * time.Millisecond, Logger: logger.Discard()})

	start := time.Now()
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTieredCache_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	backend := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), 0)
	c := NewTieredCache(backend, Options{KeyPrefix: "tg:", Logger: logger.Discard()})
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "search:youtube:shakira", []int{1, 2}, TierPopular, []string{"search", "query:shakira"}))
	assert.Equal(t, 24*time.Hour, mr.TTL("tg:data:search:youtube:shakira"))
	assert.True(t, mr.Exists("tg:tag:query%3Ashakira:search:youtube:shakira"))

	var got []int
	require.True(t, c.GetInto(ctx, "search:youtube:shakira", &got))
	assert.Equal(t, []int{1, 2}, got)

	assert.Equal(t, 1, c.InvalidateTags(ctx, "query:shakira"))
	assert.False(t, mr.Exists("tg:data:search:youtube:shakira"))
	assert.False(t, mr.Exists("tg:tag:search:search:youtube:shakira"))
}

func TestParseTier(t *testing.T) {
	tier, ok := ParseTier("popular")
	assert.True(t, ok)
	assert.Equal(t, TierPopular, tier)

	_, ok = ParseTier("cold")
	assert.False(t, ok)

	assert.Equal(t, time.Hour, DefaultTierTTL().For(Tier("cold")))
}
