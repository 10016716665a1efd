package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"trackgate/pkg/cache"
	"trackgate/pkg/config"
	"trackgate/pkg/limiter"
	"trackgate/pkg/logger"
	"trackgate/pkg/metrics"
	"trackgate/pkg/popularity"
	"trackgate/pkg/provider"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/provider/decorators"
	"trackgate/pkg/provider/spotify"
	"trackgate/pkg/provider/youtube"
	"trackgate/pkg/quota"
	"trackgate/pkg/scheduler"
	"trackgate/pkg/timing"
)

const (
	precacheJobName     = "precache"
	housekeepingJobName = "housekeeping"
)

// Options 构建网关时可替换的依赖，测试使用
type Options struct {
	Clock      timing.Clock
	Backend    cache.Backend           // 非 nil 时替代配置中的缓存后端
	Fetchers   map[string]core.Fetcher // 按名称替代内置的提供商实现
	HTTPClient *http.Client
}

// New 按配置装配网关
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	clock := timing.OrSystem(opts.Clock)
	log := logger.WithComponent("gateway")

	backend := opts.Backend
	if backend == nil {
		backend = newBackend(cfg.Cache, clock)
	}

	tiered := cache.NewTieredCache(backend, cache.Options{
		TTL: cache.TierTTL{
			Trending: cfg.Cache.TierTTL.Trending,
			Popular:  cfg.Cache.TierTTL.Popular,
			Recent:   cfg.Cache.TierTTL.Recent,
		},
		KeyPrefix: cfg.Cache.KeyPrefix,
		OpTimeout: cfg.Cache.OpTimeout,
		L1Size:    cfg.Cache.L1Size,
		Clock:     clock,
	})

	tracker := popularity.NewTracker(popularity.Config{
		Window:           cfg.Popularity.Window,
		PopularThreshold: cfg.Popularity.PopularThreshold,
		Trending:         cfg.Popularity.Trending,
	}, clock)

	reg := metrics.NewRegistry()
	reg.RegisterCache(tiered.Stats)

	g := &Gateway{
		cache:          tiered,
		tracker:        tracker,
		registry:       provider.NewRegistry(),
		metrics:        reg,
		clock:          clock,
		requestTimeout: cfg.RequestTimeout,
		log:            log,
	}

	providers := []struct {
		name    string
		common  config.ProviderConfig
		fetcher func() core.Fetcher
	}{
		{"youtube", cfg.Providers.YouTube.ProviderConfig, func() core.Fetcher {
			yt := cfg.Providers.YouTube
			return youtube.NewFetcher(youtube.Config{
				APIKey:       yt.APIKey,
				BaseURL:      yt.BaseURL,
				RegionCode:   yt.RegionCode,
				BlockedTerms: yt.BlockedTerms,
				Timeout:      cfg.AttemptTimeout,
				HTTPClient:   opts.HTTPClient,
			})
		}},
		{"spotify", cfg.Providers.Spotify.ProviderConfig, func() core.Fetcher {
			sp := cfg.Providers.Spotify
			return spotify.NewFetcher(spotify.Config{
				ClientID:      sp.ClientID,
				ClientSecret:  sp.ClientSecret,
				TokenURL:      sp.TokenURL,
				BaseURL:       sp.BaseURL,
				Market:        sp.Market,
				AllowExplicit: sp.AllowExplicit,
				BlockedTerms:  sp.BlockedTerms,
				Timeout:       cfg.AttemptTimeout,
				HTTPClient:    opts.HTTPClient,
			})
		}},
	}

	for _, p := range providers {
		if !p.common.Enabled {
			continue
		}
		fetcher, ok := opts.Fetchers[p.name]
		if !ok {
			fetcher = p.fetcher()
		}
		if err := g.addProvider(cfg, p.name, p.common, fetcher); err != nil {
			_ = tiered.Close()
			return nil, err
		}
	}

	if err := g.setupJobs(cfg); err != nil {
		_ = tiered.Close()
		return nil, err
	}

	if cfg.Influx.Enabled {
		reporter, err := metrics.NewInfluxReporter(metrics.InfluxConfig{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		})
		if err != nil {
			_ = tiered.Close()
			return nil, fmt.Errorf("create influx reporter: %w", err)
		}
		g.influx = reporter
	}

	log.WithField("providers", g.registry.Names()).Info("网关已装配")
	return g, nil
}

func newBackend(cfg config.CacheConfig, clock timing.Clock) cache.Backend {
	switch cfg.Backend {
	case "redis":
		backend := cache.NewRedisBackend(cache.RedisBackendConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 启动时 Redis 不可用不阻止网关启动，读写会降级到进程内缓存
		if err := backend.Ping(ctx); err != nil {
			logger.WithComponent("gateway").WithError(err).Warn("Redis 暂不可用")
		}
		return backend
	default:
		return cache.NewMemoryBackend(cache.MemoryBackendConfig{
			MaxSize:         cfg.MaxEntries,
			CleanupInterval: cfg.CleanupInterval,
			Clock:           clock,
		})
	}
}

// addProvider 为提供商装配账本、限流器和装饰器链
func (g *Gateway) addProvider(cfg *config.Config, name string, pc config.ProviderConfig, fetcher core.Fetcher) error {
	loc := time.UTC
	if pc.QuotaTimezone != "" {
		var err error
		if loc, err = time.LoadLocation(pc.QuotaTimezone); err != nil {
			return fmt.Errorf("providers.%s.quota_timezone: %w", name, err)
		}
	}

	ledger := quota.NewLedger(quota.Config{
		Provider:    name,
		DailyBudget: pc.DailyQuota,
		Location:    loc,
	}, g.clock, nil)

	costs := map[core.Endpoint]int{
		core.EndpointSearch:   pc.Cost(string(core.EndpointSearch)),
		core.EndpointDetails:  pc.Cost(string(core.EndpointDetails)),
		core.EndpointTrending: pc.Cost(string(core.EndpointTrending)),
	}

	chain, err := decorators.BuildChain(fetcher, decorators.ChainConfig{
		Breaker: &decorators.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			Enabled:          true,
		},
		Retry: &decorators.RetryConfig{
			MaxRetries: cfg.Retry.MaxRetries,
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			Jitter:     cfg.Retry.Jitter,
		},
		Limiter: limiter.NewWindowLimiter(pc.Limits, g.clock),
		Ledger:  ledger,
		Costs:   costs,
	})
	if err != nil {
		return fmt.Errorf("build %s chain: %w", name, err)
	}
	chain.Breaker.SetStateListener(func(provider string, from, to gobreaker.State) {
		g.metrics.BreakerTransition(provider, to)
	})
	g.metrics.SetBreakerState(name, chain.Breaker.GetState())

	client := provider.NewClient(chain, provider.ClientOptions{
		Cache:          g.cache,
		Tracker:        g.tracker,
		RequestTimeout: cfg.RequestTimeout,
	})
	return g.registry.Register(client)
}

// setupJobs 注册预缓存和周期清理任务
func (g *Gateway) setupJobs(cfg *config.Config) error {
	g.scheduler = scheduler.NewJobScheduler(nil)

	if client, err := g.registry.Get(cfg.Precache.Provider); err == nil {
		pc := g.providerConfig(cfg, client.Name())
		g.precache = scheduler.NewPrecache(scheduler.PrecacheConfig{
			MaxQueries:     cfg.Precache.MaxQueries,
			TopK:           cfg.Precache.TopK,
			InterCallDelay: cfg.Precache.InterCallDelay,
			StaleThreshold: cfg.Precache.StaleThreshold,
			Curated:        cfg.Precache.Curated,
			SearchCost:     pc.Cost(string(core.EndpointSearch)),
		}, client, g.tracker, g.cache, client.Chain().Quota.Ledger(), g.clock)

		if err := g.scheduler.AddJob(scheduler.JobConfig{
			Name:     precacheJobName,
			Enabled:  cfg.Precache.Enabled,
			Schedule: cfg.Precache.Schedule,
			Timeout:  time.Hour,
		}, g.precache.Job(g.observePrecache)); err != nil {
			return fmt.Errorf("register precache job: %w", err)
		}
	} else if cfg.Precache.Enabled {
		g.log.WithField("provider", cfg.Precache.Provider).Warn("预缓存提供商未启用，跳过预缓存任务")
	}

	if err := g.scheduler.AddJob(scheduler.JobConfig{
		Name:     housekeepingJobName,
		Enabled:  true,
		Schedule: cfg.Housekeeping.Schedule,
		Timeout:  time.Minute,
	}, g.Housekeep); err != nil {
		return fmt.Errorf("register housekeeping job: %w", err)
	}
	return nil
}

func (g *Gateway) providerConfig(cfg *config.Config, name string) config.ProviderConfig {
	if name == "spotify" {
		return cfg.Providers.Spotify.ProviderConfig
	}
	return cfg.Providers.YouTube.ProviderConfig
}
