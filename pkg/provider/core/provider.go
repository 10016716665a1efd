package core

import (
	"context"
	"time"

	"trackgate/pkg/limiter"
)

// Provider 数据提供商基础接口
// 所有数据提供商都必须实现此接口
type Provider interface {
	// Name 返回提供商名称，用于标识和日志记录
	Name() string

	// IsHealthy 检查提供商健康状态
	// 返回 true 表示提供商可以正常工作
	IsHealthy() bool
}

// Fetcher 访问外部目录 API 的提供商。
// 装饰器链中的每一层都实现此接口。
type Fetcher interface {
	Provider

	// Fetch 执行一次逻辑请求，返回已过滤的曲目
	Fetch(ctx context.Context, req Request) ([]Track, error)
}

// Closable 可关闭接口
// 需要清理资源的提供商应实现此接口
type Closable interface {
	// Close 关闭提供商，清理资源
	Close() error
}

// Endpoint 逻辑端点
type Endpoint string

const (
	EndpointSearch   Endpoint = "search"
	EndpointDetails  Endpoint = "details"
	EndpointTrending Endpoint = "trending"
)

// Class 端点对应的限流类别
func (e Endpoint) Class() limiter.Class {
	switch e {
	case EndpointSearch:
		return limiter.ClassSearch
	case EndpointDetails:
		return limiter.ClassDetails
	case EndpointTrending:
		return limiter.ClassTrending
	default:
		return limiter.ClassGeneral
	}
}

// Track 规范化后的曲目记录
type Track struct {
	ID           string        `json:"id"`
	Provider     string        `json:"provider"`
	Title        string        `json:"title"`
	Artist       string        `json:"artist"`
	Album        string        `json:"album,omitempty"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	URL          string        `json:"url,omitempty"`
	Duration     time.Duration `json:"duration"`
	Explicit     bool          `json:"explicit"`
	PublishedAt  time.Time     `json:"published_at,omitempty"`
}
