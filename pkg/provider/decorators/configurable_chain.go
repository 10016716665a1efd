package decorators

import (
	"fmt"

	"trackgate/pkg/limiter"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/quota"
)

// DecoratorType 装饰器类型枚举
type DecoratorType string

const (
	CircuitBreakerType DecoratorType = "circuit_breaker"
	RetryType          DecoratorType = "retry"
	QuotaType          DecoratorType = "quota"
	RateLimitType      DecoratorType = "rate_limit"
)

// ChainConfig 提供商装饰器链的完整配置
type ChainConfig struct {
	Breaker *CircuitBreakerConfig
	Retry   *RetryConfig
	Limiter *limiter.WindowLimiter // nil 时不限流
	Ledger  *quota.Ledger          // nil 时不记账
	Costs   map[core.Endpoint]int
}

// Chain 装配好的装饰器链，保留各层的引用以便读取状态
type Chain struct {
	core.Fetcher

	Base      core.Fetcher
	Breaker   *CircuitBreakerProvider
	Retry     *RetryProvider
	Quota     *QuotaProvider
	RateLimit *RateLimitProvider
	layers    []DecoratorType
}

// BuildChain 按固定顺序装配装饰器链，由内到外：熔断 → 重试 → 配额记账 → 限流
func BuildChain(base core.Fetcher, config ChainConfig) (*Chain, error) {
	if base == nil {
		return nil, fmt.Errorf("base fetcher cannot be nil")
	}

	chain := &Chain{Base: base}
	dc := NewDecoratorChain()

	dc.AddDecorator(func(f core.Fetcher) core.Fetcher {
		chain.Breaker = NewCircuitBreakerProvider(f, config.Breaker)
		chain.layers = append(chain.layers, CircuitBreakerType)
		return chain.Breaker
	})
	dc.AddDecorator(func(f core.Fetcher) core.Fetcher {
		chain.Retry = NewRetryProvider(f, config.Retry)
		chain.layers = append(chain.layers, RetryType)
		return chain.Retry
	})
	if config.Ledger != nil {
		dc.AddDecorator(func(f core.Fetcher) core.Fetcher {
			chain.Quota = NewQuotaProvider(f, config.Ledger, config.Costs)
			chain.layers = append(chain.layers, QuotaType)
			return chain.Quota
		})
	}
	if config.Limiter != nil {
		dc.AddDecorator(func(f core.Fetcher) core.Fetcher {
			chain.RateLimit = NewRateLimitProvider(f, config.Limiter)
			chain.layers = append(chain.layers, RateLimitType)
			return chain.RateLimit
		})
	}

	chain.Fetcher = dc.Apply(base)
	return chain, nil
}

// GetAppliedDecorators 获取已应用的装饰器列表，由内到外
func (c *Chain) GetAppliedDecorators() []DecoratorType {
	out := make([]DecoratorType, len(c.layers))
	copy(out, c.layers)
	return out
}
