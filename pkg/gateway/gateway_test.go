package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackgate/pkg/cache"
	"trackgate/pkg/config"
	"trackgate/pkg/errs"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/scheduler"
	"trackgate/pkg/timing"
)

// fakeYouTube 模拟 YouTube Data API
type fakeYouTube struct {
	calls   atomic.Int32
	failing atomic.Bool
}

func (f *fakeYouTube) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if f.failing.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"backend error"}}`))
		return
	}

	q := r.URL.Query()
	switch r.URL.Path {
	case "/search":
		fmt.Fprintf(w, `{"items":[{"id":{"videoId":"v-%s"},"snippet":{"title":"Artist - %s","channelTitle":"c","liveBroadcastContent":"none"}}]}`, q.Get("q"), q.Get("q"))
	case "/videos":
		id := q.Get("id")
		if id == "" {
			id = "chart-1"
		}
		if id == "missing" {
			_, _ = w.Write([]byte(`{"items":[]}`))
			return
		}
		fmt.Fprintf(w, `{"items":[{"id":"%s","snippet":{"title":"Song %s","channelTitle":"Band - Topic","categoryId":"10","liveBroadcastContent":"none"},"contentDetails":{"duration":"PT3M"}}]}`, id, id)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type fixture struct {
	gw    *Gateway
	yt    *fakeYouTube
	clock *timing.ManualClock
}

func newFixture(t *testing.T, mutate func(cfg *config.Config)) *fixture {
	t.Helper()
	yt := &fakeYouTube{}
	srv := httptest.NewServer(yt)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.Providers.YouTube.APIKey = "test-key"
	cfg.Providers.YouTube.BaseURL = srv.URL
	cfg.Cache.CleanupInterval = 0
	cfg.Retry.MaxRetries = 0
	cfg.Breaker.RecoveryTimeout = 50 * time.Millisecond
	cfg.Precache.InterCallDelay = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := timing.NewManualClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	gw, err := New(cfg, Options{Clock: clock, HTTPClient: srv.Client()})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Stop(ctx)
	})
	return &fixture{gw: gw, yt: yt, clock: clock}
}

func searchKey(query string) string {
	return "search:youtube:" + query + ":limit=10:region="
}

func TestScenarioA_MissThenCachedHit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.gw.Search(ctx, "youtube", "shakira", core.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "v-shakira", first[0].ID)
	assert.Equal(t, int32(1), f.yt.calls.Load())

	f.clock.Advance(30 * time.Minute)
	second, err := f.gw.Search(ctx, "youtube", "Shakira", core.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.yt.calls.Load())

	m := f.gw.GetMetrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.InDelta(t, 0.5, m.CacheHitRate, 1e-9)
	assert.Equal(t, 100, m.Providers["youtube"].Quota.Consumed)
	assert.Equal(t, 9900, m.Providers["youtube"].RemainingQuota)

	entry, ok := f.gw.cache.Lookup(ctx, searchKey("shakira"))
	require.True(t, ok)
	assert.Equal(t, cache.TierRecent, entry.Tier)
	assert.Equal(t, 30*time.Minute, entry.TTLRemaining(f.clock.Now()))
}

func TestScenarioB_PromotionToPopularTier(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := f.gw.Search(ctx, "youtube", "bad bunny", core.SearchOptions{})
		require.NoError(t, err)
	}
	entry, ok := f.gw.cache.Lookup(ctx, searchKey("bad bunny"))
	require.True(t, ok)
	assert.Equal(t, cache.TierRecent, entry.Tier)

	count, err := f.gw.InvalidateCache(ctx, "tag:query:bad bunny")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = f.gw.Search(ctx, "youtube", "bad bunny", core.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.yt.calls.Load())

	entry, ok = f.gw.cache.Lookup(ctx, searchKey("bad bunny"))
	require.True(t, ok)
	assert.Equal(t, cache.TierPopular, entry.Tier)
	assert.Equal(t, 24*time.Hour, entry.TTLRemaining(f.clock.Now()))
}

func TestScenarioC_BreakerOpensAndProbes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.yt.failing.Store(true)

	for i := 0; i < 5; i++ {
		_, err := f.gw.Search(ctx, "youtube", fmt.Sprintf("q%d", i), core.SearchOptions{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
		assert.False(t, errs.IsBreakerOpen(err))
	}
	assert.Equal(t, int32(5), f.yt.calls.Load())

	_, err := f.gw.Search(ctx, "youtube", "q5", core.SearchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrProviderUnavailable))
	assert.True(t, errs.IsBreakerOpen(err))
	assert.Equal(t, int32(5), f.yt.calls.Load())
	assert.Equal(t, "open", f.gw.GetMetrics().Providers["youtube"].BreakerState)

	time.Sleep(80 * time.Millisecond)
	f.yt.failing.Store(false)

	_, err = f.gw.Search(ctx, "youtube", "q6", core.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(6), f.yt.calls.Load())
	assert.Equal(t, "closed", f.gw.GetMetrics().Providers["youtube"].BreakerState)
}

func TestScenarioD_SearchWindowExhausted(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := f.gw.Search(ctx, "youtube", fmt.Sprintf("query %d", i), core.SearchOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, int32(100), f.yt.calls.Load())

	_, err := f.gw.Search(ctx, "youtube", "one more", core.SearchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrRateLimited))
	assert.Equal(t, 24*time.Hour, errs.RetryAfterOf(err))
	assert.Equal(t, int32(100), f.yt.calls.Load())

	// 其他端点类别有独立的窗口
	_, err = f.gw.GetDetails(ctx, "youtube", "abc")
	assert.NoError(t, err)
}

func TestGateway_DetailsAndTrending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	track, err := f.gw.GetDetails(ctx, "youtube", "abc")
	require.NoError(t, err)
	assert.Equal(t, "Song abc", track.Title)
	assert.Equal(t, "Band", track.Artist)
	assert.Equal(t, 3*time.Minute, track.Duration)

	_, err = f.gw.GetDetails(ctx, "youtube", "missing")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	tracks, err := f.gw.GetTrending(ctx, "youtube", "us", core.SearchOptions{Limit: 5})
	require.NoError(t, err)
	require.Len(t, tracks, 1)

	entry, ok := f.gw.cache.Lookup(ctx, "trending:youtube:US:limit=5")
	require.True(t, ok)
	assert.Equal(t, cache.TierTrending, entry.Tier)
}

func TestGateway_UnknownProvider(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.gw.Search(context.Background(), "spotify", "x", core.SearchOptions{})
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
	assert.Equal(t, []string{"youtube"}, f.gw.Providers())
}

func TestGateway_InvalidateCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, q := range []string{"a", "b"} {
		_, err := f.gw.Search(ctx, "youtube", q, core.SearchOptions{})
		require.NoError(t, err)
	}
	_, err := f.gw.GetDetails(ctx, "youtube", "abc")
	require.NoError(t, err)

	count, err := f.gw.InvalidateCache(ctx, "search:youtube:*")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = f.gw.InvalidateCache(ctx, "tag:provider:youtube")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = f.gw.InvalidateCache(ctx, "  ")
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
	_, err = f.gw.InvalidateCache(ctx, "tag:")
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
	_, err = f.gw.InvalidateCache(ctx, "search:[")
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestGateway_RunPrecacheNow(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Precache.Curated = []string{"Karol G", "shakira"}
	})
	ctx := context.Background()

	_, err := f.gw.Search(ctx, "youtube", "shakira", core.SearchOptions{})
	require.NoError(t, err)

	record, err := f.gw.RunPrecacheNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.TriggerManual, record.Trigger)
	assert.Equal(t, []string{"shakira", "karol g"}, record.Queries)
	assert.Equal(t, 1, record.AlreadyCached)
	assert.Equal(t, 1, record.Warmed)

	entry, ok := f.gw.cache.Lookup(ctx, searchKey("karol g"))
	require.True(t, ok)
	assert.Equal(t, cache.TierPopular, entry.Tier)

	m := f.gw.GetMetrics()
	require.NotNil(t, m.LastPrecache)
	assert.Equal(t, record.ID, m.LastPrecache.ID)
	assert.Len(t, f.gw.PrecacheHistory(), 1)
}

func TestGateway_MetricsListJobs(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Precache.Enabled = false
	})

	jobs := f.gw.GetMetrics().Jobs
	require.Len(t, jobs, 2)
	assert.Equal(t, housekeepingJobName, jobs[0].Name)
	assert.Equal(t, scheduler.JobStatusPending, jobs[0].Status)
	assert.Equal(t, precacheJobName, jobs[1].Name)
	assert.Equal(t, scheduler.JobStatusDisabled, jobs[1].Status)
}

func TestGateway_PrecacheRunWrittenToInflux(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	influx := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		lines = append(lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer influx.Close()

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Precache.Curated = []string{"shakira"}
		cfg.Influx.Enabled = true
		cfg.Influx.URL = influx.URL
		cfg.Influx.Org = "music"
		cfg.Influx.Bucket = "gateway"
	})

	_, err := f.gw.RunPrecacheNow(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "precache_run,provider=youtube,result=ok,trigger=manual "), lines[0])
	assert.Contains(t, lines[0], "warmed=1i")
}

func TestGateway_PrecacheWithoutProvider(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Precache.Provider = "spotify"
	})

	_, err := f.gw.RunPrecacheNow(context.Background())
	assert.True(t, errors.Is(err, errs.ErrInvalidRequest))
}

func TestGateway_HousekeepRollsOverQuota(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.gw.Search(ctx, "youtube", "shakira", core.SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 100, f.gw.GetMetrics().Providers["youtube"].Quota.Consumed)

	// 12:00 UTC 为洛杉矶 05:00，推进 20 小时越过洛杉矶午夜
	f.clock.Advance(20 * time.Hour)
	require.NoError(t, f.gw.Housekeep(ctx))

	pm := f.gw.GetMetrics().Providers["youtube"]
	assert.Equal(t, 0, pm.Quota.Consumed)
	assert.Equal(t, 10000, pm.RemainingQuota)
}

func TestGateway_DefaultTimeoutAttached(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.RequestTimeout = time.Minute
	})

	ctx, cancel := f.gw.withTimeout(context.Background())
	defer cancel()
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)

	parent, parentCancel := context.WithTimeout(context.Background(), time.Second)
	defer parentCancel()
	ctx, cancel = f.gw.withTimeout(parent)
	defer cancel()
	deadline, _ = ctx.Deadline()
	parentDeadline, _ := parent.Deadline()
	assert.Equal(t, parentDeadline, deadline)
}

func TestNew_RejectsBadTimezone(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.YouTube.QuotaTimezone = "Mars/Olympus"
	_, err := New(cfg, Options{})
	assert.Error(t, err)
}
