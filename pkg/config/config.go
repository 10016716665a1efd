// Package config 加载网关配置：默认值、YAML 文件与 TRACKGATE_ 环境变量覆盖。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"trackgate/pkg/limiter"
	"trackgate/pkg/logger"
)

// EnvPrefix 环境变量前缀
const EnvPrefix = "TRACKGATE"

// Config 主配置结构
type Config struct {
	Server         ServerConfig       `mapstructure:"server" json:"server"`
	Log            logger.Config      `mapstructure:"log" json:"log"`
	RequestTimeout time.Duration      `mapstructure:"request_timeout" json:"request_timeout"` // 调用方未设置截止时间时使用
	AttemptTimeout time.Duration      `mapstructure:"attempt_timeout" json:"attempt_timeout"` // 单次上游 HTTP 往返超时，必须小于 request_timeout
	Cache          CacheConfig        `mapstructure:"cache" json:"cache"`
	Popularity     PopularityConfig   `mapstructure:"popularity" json:"popularity"`
	Breaker        BreakerConfig      `mapstructure:"breaker" json:"breaker"`
	Retry          RetryConfig        `mapstructure:"retry" json:"retry"`
	Providers      ProvidersConfig    `mapstructure:"providers" json:"providers"`
	Precache       PrecacheConfig     `mapstructure:"precache" json:"precache"`
	Housekeeping   HousekeepingConfig `mapstructure:"housekeeping" json:"housekeeping"`
	Influx         InfluxConfig       `mapstructure:"influx" json:"influx"`
}

// ServerConfig 运维 HTTP 接口配置
type ServerConfig struct {
	Addr string `mapstructure:"addr" json:"addr"`
	Mode string `mapstructure:"mode" json:"mode"` // gin 模式: debug, release, test
}

// CacheConfig 分层缓存配置
type CacheConfig struct {
	Backend         string        `mapstructure:"backend" json:"backend"` // memory 或 redis
	KeyPrefix       string        `mapstructure:"key_prefix" json:"key_prefix"`
	OpTimeout       time.Duration `mapstructure:"op_timeout" json:"op_timeout"` // 单次后端操作超时
	L1Size          int           `mapstructure:"l1_size" json:"l1_size"`       // 每个层级的进程内兜底缓存容量
	MaxEntries      int           `mapstructure:"max_entries" json:"max_entries"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" json:"cleanup_interval"`
	TierTTL         TierTTLConfig `mapstructure:"tier_ttl" json:"tier_ttl"`
	Redis           RedisConfig   `mapstructure:"redis" json:"redis"`
}

// TierTTLConfig 各层级的 TTL
type TierTTLConfig struct {
	Trending time.Duration `mapstructure:"trending" json:"trending"`
	Popular  time.Duration `mapstructure:"popular" json:"popular"`
	Recent   time.Duration `mapstructure:"recent" json:"recent"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr" json:"addr"`
	Password string `mapstructure:"password" json:"-"`
	DB       int    `mapstructure:"db" json:"db"`
}

// PopularityConfig 热度统计配置
type PopularityConfig struct {
	Window           time.Duration `mapstructure:"window" json:"window"`
	PopularThreshold int           `mapstructure:"popular_threshold" json:"popular_threshold"`
	Trending         []string      `mapstructure:"trending" json:"trending"` // 固定的趋势查询列表
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout" json:"recovery_timeout"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay" json:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter" json:"jitter"`
}

// ProviderConfig 两个提供商共有的配置
type ProviderConfig struct {
	Enabled       bool                                   `mapstructure:"enabled" json:"enabled"`
	BaseURL       string                                 `mapstructure:"base_url" json:"base_url"`
	DailyQuota    int                                    `mapstructure:"daily_quota" json:"daily_quota"` // 0 表示不计预算
	QuotaTimezone string                                 `mapstructure:"quota_timezone" json:"quota_timezone"`
	Limits        map[limiter.Class]limiter.WindowConfig `mapstructure:"limits" json:"limits"`
	Costs         map[string]int                         `mapstructure:"costs" json:"costs"`
	BlockedTerms  []string                               `mapstructure:"blocked_terms" json:"blocked_terms"`
}

// YouTubeConfig YouTube Data API v3 配置
type YouTubeConfig struct {
	ProviderConfig `mapstructure:",squash"`
	APIKey         string `mapstructure:"api_key" json:"-"`
	RegionCode     string `mapstructure:"region_code" json:"region_code"`
}

// SpotifyConfig Spotify Web API 配置
type SpotifyConfig struct {
	ProviderConfig `mapstructure:",squash"`
	ClientID       string `mapstructure:"client_id" json:"-"`
	ClientSecret   string `mapstructure:"client_secret" json:"-"`
	TokenURL       string `mapstructure:"token_url" json:"token_url"`
	Market         string `mapstructure:"market" json:"market"`
	AllowExplicit  bool   `mapstructure:"allow_explicit" json:"allow_explicit"`
}

// ProvidersConfig 提供商配置集合
type ProvidersConfig struct {
	YouTube YouTubeConfig `mapstructure:"youtube" json:"youtube"`
	Spotify SpotifyConfig `mapstructure:"spotify" json:"spotify"`
}

// PrecacheConfig 预热任务配置
type PrecacheConfig struct {
	Enabled        bool          `mapstructure:"enabled" json:"enabled"`
	Schedule       string        `mapstructure:"schedule" json:"schedule"` // 带秒的 cron 表达式
	Provider       string        `mapstructure:"provider" json:"provider"`
	MaxQueries     int           `mapstructure:"max_queries" json:"max_queries"` // 硬上限
	TopK           int           `mapstructure:"top_k" json:"top_k"`
	InterCallDelay time.Duration `mapstructure:"inter_call_delay" json:"inter_call_delay"`
	StaleThreshold time.Duration `mapstructure:"stale_threshold" json:"stale_threshold"`
	Curated        []string      `mapstructure:"curated" json:"curated"`
}

// HousekeepingConfig 周期清理任务配置
type HousekeepingConfig struct {
	Schedule string `mapstructure:"schedule" json:"schedule"`
}

// InfluxConfig InfluxDB 上报配置
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	URL     string `mapstructure:"url" json:"url"`
	Token   string `mapstructure:"token" json:"-"`
	Org     string `mapstructure:"org" json:"org"`
	Bucket  string `mapstructure:"bucket" json:"bucket"`
}

// Default 返回默认配置
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	// 默认值均为合法的 mapstructure 输入，不会失败
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("attempt_timeout", 5*time.Second)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.key_prefix", "trackgate:")
	v.SetDefault("cache.op_timeout", 500*time.Millisecond)
	v.SetDefault("cache.l1_size", 256)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.cleanup_interval", time.Minute)
	v.SetDefault("cache.tier_ttl.trending", 12*time.Hour)
	v.SetDefault("cache.tier_ttl.popular", 24*time.Hour)
	v.SetDefault("cache.tier_ttl.recent", time.Hour)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("popularity.window", 7*24*time.Hour)
	v.SetDefault("popularity.popular_threshold", 10)
	v.SetDefault("popularity.trending", []string{})

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)

	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.jitter", 250*time.Millisecond)

	v.SetDefault("providers.youtube.enabled", true)
	v.SetDefault("providers.youtube.base_url", "https://www.googleapis.com/youtube/v3")
	v.SetDefault("providers.youtube.daily_quota", 10000)
	v.SetDefault("providers.youtube.quota_timezone", "America/Los_Angeles")
	v.SetDefault("providers.youtube.api_key", "")
	v.SetDefault("providers.youtube.region_code", "US")
	v.SetDefault("providers.youtube.limits", map[string]interface{}{
		"search":   map[string]interface{}{"limit": 100, "window": 24 * time.Hour},
		"details":  map[string]interface{}{"limit": 1000, "window": time.Hour},
		"trending": map[string]interface{}{"limit": 100, "window": time.Hour},
		"general":  map[string]interface{}{"limit": 1000, "window": time.Hour},
	})
	v.SetDefault("providers.youtube.costs", map[string]interface{}{
		"search": 100, "details": 1, "trending": 1,
	})
	v.SetDefault("providers.youtube.blocked_terms", []string{"full album", "podcast", "reaction", "tutorial"})

	v.SetDefault("providers.spotify.enabled", false)
	v.SetDefault("providers.spotify.base_url", "https://api.spotify.com/v1")
	v.SetDefault("providers.spotify.token_url", "https://accounts.spotify.com/api/token")
	v.SetDefault("providers.spotify.daily_quota", 0)
	v.SetDefault("providers.spotify.quota_timezone", "UTC")
	v.SetDefault("providers.spotify.client_id", "")
	v.SetDefault("providers.spotify.client_secret", "")
	v.SetDefault("providers.spotify.market", "US")
	v.SetDefault("providers.spotify.allow_explicit", true)
	v.SetDefault("providers.spotify.limits", map[string]interface{}{
		"general": map[string]interface{}{"limit": 180, "window": 30 * time.Second},
	})
	v.SetDefault("providers.spotify.costs", map[string]interface{}{
		"search": 1, "details": 1, "trending": 1,
	})
	v.SetDefault("providers.spotify.blocked_terms", []string{})

	v.SetDefault("precache.enabled", true)
	v.SetDefault("precache.schedule", "0 0 6 * * *")
	v.SetDefault("precache.provider", "youtube")
	v.SetDefault("precache.max_queries", 15)
	v.SetDefault("precache.top_k", 10)
	v.SetDefault("precache.inter_call_delay", 3*time.Second)
	v.SetDefault("precache.stale_threshold", 30*time.Minute)
	v.SetDefault("precache.curated", []string{})

	v.SetDefault("housekeeping.schedule", "0 */5 * * * *")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "trackgate")
	v.SetDefault("influx.bucket", "trackgate")
}

// Load 读取配置文件（可选）并应用环境变量覆盖。
// path 为空时在 ./config 和当前目录查找 trackgate.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("trackgate")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if c.AttemptTimeout <= 0 || c.AttemptTimeout >= c.RequestTimeout {
		return errors.New("attempt_timeout must be positive and shorter than request_timeout")
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache backend %q", c.Cache.Backend)
	}
	if c.Cache.OpTimeout <= 0 {
		return errors.New("cache op_timeout must be positive")
	}
	if c.Cache.TierTTL.Trending <= 0 || c.Cache.TierTTL.Popular <= 0 || c.Cache.TierTTL.Recent <= 0 {
		return errors.New("cache tier_ttl values must be positive")
	}

	if c.Popularity.Window <= 0 {
		return errors.New("popularity window must be positive")
	}
	if c.Popularity.PopularThreshold < 0 {
		return errors.New("popular_threshold cannot be negative")
	}

	if c.Breaker.FailureThreshold == 0 {
		return errors.New("breaker failure_threshold must be positive")
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		return errors.New("breaker recovery_timeout must be positive")
	}

	if c.Retry.MaxRetries < 0 {
		return errors.New("retry max_retries cannot be negative")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry max_delay must be >= base_delay >= 0")
	}

	for name, p := range map[string]ProviderConfig{
		"youtube": c.Providers.YouTube.ProviderConfig,
		"spotify": c.Providers.Spotify.ProviderConfig,
	} {
		if !p.Enabled {
			continue
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url cannot be empty", name)
		}
		if p.DailyQuota < 0 {
			return fmt.Errorf("providers.%s.daily_quota cannot be negative", name)
		}
		for endpoint, cost := range p.Costs {
			if cost < 0 {
				return fmt.Errorf("providers.%s.costs.%s cannot be negative", name, endpoint)
			}
		}
	}

	if c.Precache.Enabled {
		if c.Precache.MaxQueries <= 0 {
			return errors.New("precache max_queries must be positive")
		}
		if c.Precache.InterCallDelay < 0 {
			return errors.New("precache inter_call_delay cannot be negative")
		}
		if c.Precache.Provider == "" {
			return errors.New("precache provider cannot be empty")
		}
	}

	return nil
}

// Cost 返回端点的配额消耗，未配置时为 1
func (p ProviderConfig) Cost(endpoint string) int {
	if cost, ok := p.Costs[endpoint]; ok {
		return cost
	}
	return 1
}
