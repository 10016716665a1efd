package decorators

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"trackgate/pkg/errs"
	"trackgate/pkg/limiter"
	"trackgate/pkg/logger"
	"trackgate/pkg/provider/core"
)

// StateListener 熔断器状态变更回调
type StateListener func(provider string, from, to gobreaker.State)

// CircuitBreakerProvider 熔断器装饰器
// 使用 sony/gobreaker 提供熔断功能，每个提供商一个实例
type CircuitBreakerProvider struct {
	*BaseDecorator

	// 熔断器组件
	cb         *gobreaker.CircuitBreaker
	config     *CircuitBreakerConfig
	classifier *limiter.ErrorClassifier
	log        *logrus.Entry

	// 统计信息
	mu       sync.RWMutex
	stats    CircuitBreakerStats
	openedAt time.Time
	listener StateListener
}

// CircuitBreakerConfig 熔断器配置
type CircuitBreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 触发熔断的连续失败次数
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`  // 打开后多久进入半开
	Enabled          bool          `mapstructure:"enabled"`           // 是否启用熔断器
}

// CircuitBreakerStats 熔断器统计信息
type CircuitBreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	RejectedRequests    int64     `json:"rejected_requests"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
}

// DefaultCircuitBreakerConfig 默认熔断器配置
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		Enabled:          true,
	}
}

// NewCircuitBreakerProvider 创建熔断器装饰器
func NewCircuitBreakerProvider(base core.Fetcher, config *CircuitBreakerConfig) *CircuitBreakerProvider {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}

	c := &CircuitBreakerProvider{
		BaseDecorator: NewBaseDecorator(base),
		config:        config,
		classifier:    limiter.NewErrorClassifier(),
		log:           logger.WithComponent("circuit_breaker").WithField("provider", base.Name()),
	}

	// 半开状态只放行一个探测请求，连续失败计数不按时间窗口清零
	settings := gobreaker.Settings{
		Name:        base.Name(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return !c.classifier.CountsAsFailure(err)
		},
		OnStateChange: c.onStateChange,
	}
	c.cb = gobreaker.NewCircuitBreaker(settings)

	return c
}

// SetStateListener 设置状态变更回调
func (c *CircuitBreakerProvider) SetStateListener(listener StateListener) {
	c.mu.Lock()
	c.listener = listener
	c.mu.Unlock()
}

func (c *CircuitBreakerProvider) onStateChange(name string, from, to gobreaker.State) {
	c.mu.Lock()
	if to == gobreaker.StateOpen {
		c.openedAt = time.Now()
	}
	listener := c.listener
	c.mu.Unlock()

	entry := c.log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()})
	if to == gobreaker.StateOpen {
		entry.Warn("熔断器打开")
	} else {
		entry.Info("熔断器状态变更")
	}

	if listener != nil {
		listener(name, from, to)
	}
}

// Name 返回提供商名称
func (c *CircuitBreakerProvider) Name() string {
	return c.base.Name()
}

// IsHealthy 熔断器打开状态视为不健康
func (c *CircuitBreakerProvider) IsHealthy() bool {
	if !c.config.Enabled {
		return c.base.IsHealthy()
	}
	return c.cb.State() != gobreaker.StateOpen && c.base.IsHealthy()
}

// Fetch 通过熔断器执行请求
func (c *CircuitBreakerProvider) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	if !c.config.Enabled {
		return c.base.Fetch(ctx, req)
	}

	// 调用方已经放弃时不占用熔断器名额，也不影响计数
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, errs.FromContext(ctxErr)
	}

	c.mu.Lock()
	c.stats.TotalRequests++
	c.mu.Unlock()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.base.Fetch(ctx, req)
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.mu.Lock()
			c.stats.RejectedRequests++
			c.mu.Unlock()
			return nil, errs.BreakerOpen(c.Name(), c.retryAfter(), err)
		}
		c.handleFailure(err)
		return nil, err
	}

	tracks, ok := result.([]core.Track)
	if !ok {
		return nil, fmt.Errorf("熔断器返回数据类型错误: %T", result)
	}
	return tracks, nil
}

// handleFailure 更新失败统计
func (c *CircuitBreakerProvider) handleFailure(err error) {
	if !c.classifier.CountsAsFailure(err) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.FailedRequests++
	c.stats.LastFailure = time.Now()
}

// retryAfter 距离进入半开状态的时间
func (c *CircuitBreakerProvider) retryAfter() time.Duration {
	c.mu.RLock()
	openedAt := c.openedAt
	c.mu.RUnlock()

	if openedAt.IsZero() {
		return c.config.RecoveryTimeout
	}
	remaining := time.Until(openedAt.Add(c.config.RecoveryTimeout))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GetState 获取熔断器当前状态
func (c *CircuitBreakerProvider) GetState() gobreaker.State {
	return c.cb.State()
}

// GetStats 获取统计信息
func (c *CircuitBreakerProvider) GetStats() CircuitBreakerStats {
	state := c.cb.State()
	counts := c.cb.Counts()

	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := c.stats
	stats.State = state.String()
	stats.ConsecutiveFailures = counts.ConsecutiveFailures
	if state != gobreaker.StateClosed {
		stats.OpenedAt = c.openedAt
	}
	return stats
}
