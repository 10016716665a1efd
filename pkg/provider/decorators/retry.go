package decorators

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"trackgate/pkg/errs"
	"trackgate/pkg/limiter"
	"trackgate/pkg/logger"
	"trackgate/pkg/provider/core"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"` // 首次请求之外的最大重试次数
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     time.Duration `mapstructure:"jitter"` // 随机抖动上限
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   10 * time.Second,
		Jitter:     250 * time.Millisecond,
	}
}

// SleepFunc 可取消的等待
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryStats 重试统计
type RetryStats struct {
	Calls   int64 `json:"calls"`
	Retries int64 `json:"retries"`
	GaveUp  int64 `json:"gave_up"` // 重试耗尽后仍失败
}

// RetryProvider 重试装饰器，位于熔断器外层。
// 只重试瞬时错误，熔断器拒绝、限流、配额和永久错误立即返回。
type RetryProvider struct {
	*BaseDecorator

	config     *RetryConfig
	classifier *limiter.ErrorClassifier
	sleep      SleepFunc
	jitter     func(n int64) int64
	log        *logrus.Entry

	calls   int64
	retries int64
	gaveUp  int64
}

// NewRetryProvider 创建重试装饰器
func NewRetryProvider(base core.Fetcher, config *RetryConfig) *RetryProvider {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &RetryProvider{
		BaseDecorator: NewBaseDecorator(base),
		config:        config,
		classifier:    limiter.NewErrorClassifier(),
		sleep:         sleepContext,
		jitter:        rand.Int63n,
		log:           logger.WithComponent("retry").WithField("provider", base.Name()),
	}
}

// SetSleepForTest 替换等待函数和抖动源
func (r *RetryProvider) SetSleepForTest(sleep SleepFunc, jitter func(n int64) int64) {
	r.sleep = sleep
	if jitter != nil {
		r.jitter = jitter
	}
}

// Fetch 执行请求，失败时按指数退避重试
func (r *RetryProvider) Fetch(ctx context.Context, req core.Request) ([]core.Track, error) {
	atomic.AddInt64(&r.calls, 1)

	for attempt := 0; ; attempt++ {
		tracks, err := r.base.Fetch(ctx, req)
		if err == nil {
			return tracks, nil
		}

		// 调用方的截止时间已过，与提供商错误区分开
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errs.FromContext(ctxErr)
		}

		level := r.classifier.Classify(err)
		if !r.classifier.ShouldRetry(level) {
			return nil, err
		}
		if attempt >= r.config.MaxRetries {
			atomic.AddInt64(&r.gaveUp, 1)
			return nil, err
		}

		delay := r.Backoff(attempt + 1)
		if hint := errs.RetryAfterOf(err); hint > delay {
			if hint > r.config.MaxDelay {
				// 提示的等待时间超出上限，交给调用方决定
				return nil, err
			}
			delay = hint
		}

		r.log.WithError(err).WithFields(logrus.Fields{
			"request": req.String(),
			"attempt": attempt + 1,
			"delay":   delay,
		}).Debug("请求失败，等待重试")
		atomic.AddInt64(&r.retries, 1)

		if err := r.sleep(ctx, delay); err != nil {
			return nil, errs.FromContext(err)
		}
	}
}

// Backoff 第 n 次重试前的等待时间：base * 2^(n-1) + jitter，不超过 MaxDelay
func (r *RetryProvider) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := r.config.BaseDelay
	for i := 1; i < n && delay < r.config.MaxDelay; i++ {
		delay *= 2
	}
	if r.config.Jitter > 0 {
		delay += time.Duration(r.jitter(int64(r.config.Jitter)))
	}
	if r.config.MaxDelay > 0 && delay > r.config.MaxDelay {
		delay = r.config.MaxDelay
	}
	return delay
}

// GetStats 获取重试统计
func (r *RetryProvider) GetStats() RetryStats {
	return RetryStats{
		Calls:   atomic.LoadInt64(&r.calls),
		Retries: atomic.LoadInt64(&r.retries),
		GaveUp:  atomic.LoadInt64(&r.gaveUp),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
