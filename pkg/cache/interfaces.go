// Package cache 实现按热度分层的缓存：每个条目按层级决定 TTL，并维护标签索引用于批量失效。
package cache

import (
	"context"
	"errors"
	"time"
)

// Tier 缓存层级，决定条目的 TTL
type Tier string

const (
	TierTrending Tier = "trending"
	TierPopular  Tier = "popular"
	TierRecent   Tier = "recent"
)

// Tiers 所有层级
var Tiers = []Tier{TierTrending, TierPopular, TierRecent}

// ParseTier 解析层级名称
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierTrending, TierPopular, TierRecent:
		return Tier(s), true
	}
	return "", false
}

// TierTTL 各层级的 TTL 配置表
type TierTTL struct {
	Trending time.Duration `json:"trending"`
	Popular  time.Duration `json:"popular"`
	Recent   time.Duration `json:"recent"`
}

// For 返回层级对应的 TTL，未知层级按 Recent 处理
func (t TierTTL) For(tier Tier) time.Duration {
	switch tier {
	case TierTrending:
		return t.Trending
	case TierPopular:
		return t.Popular
	default:
		return t.Recent
	}
}

// DefaultTierTTL 默认 TTL 表
func DefaultTierTTL() TierTTL {
	return TierTTL{
		Trending: 12 * time.Hour,
		Popular:  24 * time.Hour,
		Recent:   time.Hour,
	}
}

// Backend 缓存后端需要提供的最小能力集合。
// 标签索引建立在 Scan 之上，后端本身无需支持标签。
type Backend interface {
	// Get 返回值；不存在时 found 为 false，err 仅表示后端故障
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	// Set 写入值并设置 TTL
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete 删除一个或多个键，不存在的键忽略
	Delete(ctx context.Context, keys ...string) error
	// Scan 返回所有以 prefix 开头的键
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Close 释放后端资源
	Close() error
}

// Stats 缓存统计信息
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	FallbackHits  int64   `json:"fallback_hits"` // 后端故障时由进程内缓存命中
	Sets          int64   `json:"sets"`
	Invalidations int64   `json:"invalidations"`
	BackendErrors int64   `json:"backend_errors"`
	HitRate       float64 `json:"hit_rate"`
}

// ErrBackendClosed 后端已关闭
var ErrBackendClosed = errors.New("cache backend closed")
