package decorators

import (
	"context"

	"trackgate/pkg/errs"
	"trackgate/pkg/limiter"
	"trackgate/pkg/provider/core"
)

// RateLimitProvider 限流装饰器，位于链的最外层。
// 每个逻辑请求只消费一次窗口配额，重试不重复计数。
type RateLimitProvider struct {
	*BaseDecorator
	limiter *limiter.WindowLimiter
}

// NewRateLimitProvider 创建限流装饰器
func NewRateLimitProvider(base core.Fetcher, l *limiter.WindowLimiter) *RateLimitProvider {
	return &RateLimitProvider{
		BaseDecorator: NewBaseDecorator(base),
		limiter:       l,
	}
}

// Fetch 检查端点窗口后执行请求
func (p *RateLimitProvider) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	if allowed, retryAfter := p.limiter.Allow(req.Endpoint.Class()); !allowed {
		return nil, errs.RateLimited(p.Name(), retryAfter)
	}
	return p.base.Fetch(ctx, req)
}

// Limiter 返回底层限流器
func (p *RateLimitProvider) Limiter() *limiter.WindowLimiter {
	return p.limiter
}
