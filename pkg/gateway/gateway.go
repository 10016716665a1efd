// Package gateway 组合缓存、热度统计、配额账本和提供商客户端，对外提供统一的查询接口。
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"trackgate/pkg/cache"
	"trackgate/pkg/errs"
	"trackgate/pkg/limiter"
	"trackgate/pkg/metrics"
	"trackgate/pkg/popularity"
	"trackgate/pkg/provider"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/provider/decorators"
	"trackgate/pkg/quota"
	"trackgate/pkg/scheduler"
	"trackgate/pkg/timing"
)

// TagPrefix InvalidateCache 中按标签失效的前缀
const TagPrefix = "tag:"

// Gateway 外部目录 API 网关
type Gateway struct {
	cache          *cache.TieredCache
	tracker        *popularity.Tracker
	registry       *provider.Registry
	scheduler      *scheduler.JobScheduler
	precache       *scheduler.Precache
	metrics        *metrics.Registry
	influx         *metrics.InfluxReporter
	clock          timing.Clock
	requestTimeout time.Duration
	log            *logrus.Entry
}

// ProviderMetrics 单个提供商的运行状态
type ProviderMetrics struct {
	Healthy        bool                            `json:"healthy"`
	BreakerState   string                          `json:"breaker_state"`
	Breaker        decorators.CircuitBreakerStats  `json:"breaker"`
	Retry          decorators.RetryStats           `json:"retry"`
	RemainingQuota int                             `json:"remaining_quota"` // 小于 0 表示不限
	Quota          quota.Snapshot                  `json:"quota"`
	RateLimits     map[limiter.Class]limiter.Usage `json:"rate_limits"`
	Client         provider.ClientStats            `json:"client"`
	Decorators     []decorators.DecoratorType      `json:"decorators"`
}

// Metrics 网关指标快照
type Metrics struct {
	Hits         int64                      `json:"hits"`
	Misses       int64                      `json:"misses"`
	CacheHitRate float64                    `json:"cache_hit_rate"`
	Cache        cache.Stats                `json:"cache"`
	TrackedQuery int                        `json:"tracked_queries"`
	Providers    map[string]ProviderMetrics `json:"providers"`
	LastPrecache *scheduler.RunRecord       `json:"last_precache,omitempty"`
	Jobs         []scheduler.JobState       `json:"jobs"`
}

// Start 启动后台任务
func (g *Gateway) Start() {
	g.scheduler.Start()
}

// Stop 停止后台任务并释放资源
func (g *Gateway) Stop(ctx context.Context) error {
	err := g.scheduler.Stop(ctx)
	if g.influx != nil {
		g.influx.Close()
	}
	if closeErr := g.registry.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := g.cache.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// Providers 已启用的提供商名称
func (g *Gateway) Providers() []string {
	return g.registry.Names()
}

// MetricsRegistry 返回 Prometheus 指标
func (g *Gateway) MetricsRegistry() *metrics.Registry {
	return g.metrics
}

// withTimeout 调用方没有截止时间时附加默认超时
func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || g.requestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.requestTimeout)
}

func (g *Gateway) observe(providerName string, endpoint core.Endpoint, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(errs.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	g.metrics.ObserveRequest(providerName, string(endpoint), outcome, g.clock.Now().Sub(start))
}

// Search 搜索曲目
func (g *Gateway) Search(ctx context.Context, providerName, query string, opts core.SearchOptions) (tracks []core.Track, err error) {
	start := g.clock.Now()
	defer func() { g.observe(providerName, core.EndpointSearch, start, err) }()

	client, err := g.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return client.Search(ctx, query, opts)
}

// GetDetails 获取曲目详情
func (g *Gateway) GetDetails(ctx context.Context, providerName, id string) (track core.Track, err error) {
	start := g.clock.Now()
	defer func() { g.observe(providerName, core.EndpointDetails, start, err) }()

	client, err := g.registry.Get(providerName)
	if err != nil {
		return core.Track{}, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return client.GetDetails(ctx, id)
}

// GetTrending 获取趋势曲目
func (g *Gateway) GetTrending(ctx context.Context, providerName, region string, opts core.SearchOptions) (tracks []core.Track, err error) {
	start := g.clock.Now()
	defer func() { g.observe(providerName, core.EndpointTrending, start, err) }()

	client, err := g.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	return client.GetTrending(ctx, region, opts)
}

// InvalidateCache 失效缓存，返回删除的条目数。
// "tag:<t>" 按标签失效，其余按键的 glob 模式匹配。
func (g *Gateway) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return 0, errs.New(errs.CodeInvalidRequest, "invalidation pattern cannot be empty")
	}

	if tag, ok := strings.CutPrefix(pattern, TagPrefix); ok {
		if tag == "" {
			return 0, errs.New(errs.CodeInvalidRequest, "tag cannot be empty")
		}
		return g.cache.InvalidateTags(ctx, tag), nil
	}

	count, err := g.cache.InvalidatePattern(ctx, pattern)
	if err != nil {
		return 0, errs.Wrap(errs.CodeInvalidRequest, "invalid key pattern", err)
	}
	return count, nil
}

// GetMetrics 返回指标快照
func (g *Gateway) GetMetrics() Metrics {
	stats := g.cache.Stats()
	m := Metrics{
		Hits:         stats.Hits,
		Misses:       stats.Misses,
		CacheHitRate: stats.HitRate,
		Cache:        stats,
		TrackedQuery: g.tracker.Len(),
		Providers:    make(map[string]ProviderMetrics),
	}

	for _, client := range g.registry.All() {
		chain := client.Chain()
		pm := ProviderMetrics{
			Healthy:    client.IsHealthy(),
			Client:     client.Stats(),
			Decorators: chain.GetAppliedDecorators(),
		}
		if chain.Breaker != nil {
			pm.Breaker = chain.Breaker.GetStats()
			pm.BreakerState = pm.Breaker.State
		}
		if chain.Retry != nil {
			pm.Retry = chain.Retry.GetStats()
		}
		if chain.Quota != nil {
			pm.Quota = chain.Quota.Ledger().Snapshot()
			pm.RemainingQuota = pm.Quota.Remaining
		}
		if chain.RateLimit != nil {
			pm.RateLimits = chain.RateLimit.Limiter().Usage()
		}
		m.Providers[client.Name()] = pm
	}

	if g.precache != nil {
		if last, ok := g.precache.LastRun(); ok {
			m.LastPrecache = &last
		}
	}
	m.Jobs = g.scheduler.Jobs()
	return m
}

// RunPrecacheNow 手动触发一次预缓存，与定时任务共用运行保护
func (g *Gateway) RunPrecacheNow(ctx context.Context) (scheduler.RunRecord, error) {
	if g.precache == nil {
		return scheduler.RunRecord{}, errs.New(errs.CodeInvalidRequest, "precache is not configured")
	}
	record, err := g.precache.Run(ctx, scheduler.TriggerManual)
	if err == nil {
		g.observePrecache(record)
	}
	return record, err
}

// PrecacheHistory 最近的预缓存记录
func (g *Gateway) PrecacheHistory() []scheduler.RunRecord {
	if g.precache == nil {
		return nil
	}
	return g.precache.History()
}

func (g *Gateway) observePrecache(record scheduler.RunRecord) {
	result := "ok"
	switch {
	case record.Skipped:
		result = "skipped"
	case record.Stopped:
		result = "stopped"
	}
	g.metrics.ObservePrecache(record.Provider, result, record.Warmed, record.AlreadyCached, record.Failed)

	if g.influx != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := g.influx.ReportPrecache(ctx, record, result); err != nil {
			g.log.WithError(err).Warn("写入预缓存记录到 InfluxDB 失败")
		}
	}
}
