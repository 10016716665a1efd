package limiter

import (
	"sync"
	"sync/atomic"
	"time"

	"trackgate/pkg/timing"
)

// Class 端点类别，每个类别有独立的窗口和配额
type Class string

const (
	ClassSearch   Class = "search"
	ClassDetails  Class = "details"
	ClassTrending Class = "trending"
	ClassGeneral  Class = "general"
)

// WindowConfig 单个端点类别的固定窗口配置
type WindowConfig struct {
	Limit  int           `mapstructure:"limit" json:"limit"`   // 窗口内允许的请求数，<=0 表示不限
	Window time.Duration `mapstructure:"window" json:"window"` // 窗口长度
}

// RateWindow 固定窗口计数器
type RateWindow struct {
	Class         Class     `json:"class"`
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
}

// Usage 端点类别的使用情况快照
type Usage struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// WindowStats 限流统计
type WindowStats struct {
	Allowed  int64 `json:"allowed"`
	Rejected int64 `json:"rejected"`
}

// WindowLimiter 按端点类别的固定窗口限流器。
// 配额是提供商级别的，所以每个提供商一个实例，不区分调用方。
type WindowLimiter struct {
	mu      sync.Mutex
	limits  map[Class]WindowConfig
	windows map[Class]*RateWindow
	clock   timing.Clock

	allowed  int64
	rejected int64
}

// NewWindowLimiter 创建固定窗口限流器
func NewWindowLimiter(limits map[Class]WindowConfig, clock timing.Clock) *WindowLimiter {
	copied := make(map[Class]WindowConfig, len(limits))
	for class, cfg := range limits {
		copied[class] = cfg
	}
	return &WindowLimiter{
		limits:  copied,
		windows: make(map[Class]*RateWindow),
		clock:   timing.OrSystem(clock),
	}
}

// resolve 返回类别实际使用的配置，未配置的类别落到 general
func (l *WindowLimiter) resolve(class Class) (Class, WindowConfig, bool) {
	if cfg, ok := l.limits[class]; ok {
		return class, cfg, true
	}
	if cfg, ok := l.limits[ClassGeneral]; ok {
		return ClassGeneral, cfg, true
	}
	return class, WindowConfig{}, false
}

// Allow 检查并消费一次配额。被拒绝时返回距离窗口重置的时间
func (l *WindowLimiter) Allow(class Class) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, cfg, ok := l.resolve(class)
	if !ok || cfg.Limit <= 0 || cfg.Window <= 0 {
		atomic.AddInt64(&l.allowed, 1)
		return true, 0
	}

	now := l.clock.Now()
	w, exists := l.windows[key]
	if !exists || !now.Before(w.WindowResetAt) {
		// 惰性重置：第一个越过重置时间的请求开启新窗口
		l.windows[key] = &RateWindow{
			Class:         key,
			Count:         1,
			WindowResetAt: now.Add(cfg.Window),
		}
		atomic.AddInt64(&l.allowed, 1)
		return true, 0
	}

	if w.Count >= cfg.Limit {
		atomic.AddInt64(&l.rejected, 1)
		return false, w.WindowResetAt.Sub(now)
	}

	w.Count++
	atomic.AddInt64(&l.allowed, 1)
	return true, 0
}

// CheckAndConsume 检查并消费一次配额
func (l *WindowLimiter) CheckAndConsume(class Class) bool {
	allowed, _ := l.Allow(class)
	return allowed
}

// Usage 返回所有已配置类别的使用情况
func (l *WindowLimiter) Usage() map[Class]Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	usage := make(map[Class]Usage, len(l.limits))
	for class, cfg := range l.limits {
		u := Usage{Limit: cfg.Limit, Remaining: cfg.Limit}
		if w, ok := l.windows[class]; ok && now.Before(w.WindowResetAt) {
			u.Used = w.Count
			u.Remaining = cfg.Limit - w.Count
			u.ResetAt = w.WindowResetAt
		}
		if u.Remaining < 0 {
			u.Remaining = 0
		}
		usage[class] = u
	}
	return usage
}

// Sweep 清理已过期的窗口，返回清理数量
func (l *WindowLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for class, w := range l.windows {
		if !now.Before(w.WindowResetAt) {
			delete(l.windows, class)
			removed++
		}
	}
	return removed
}

// Stats 返回限流统计
func (l *WindowLimiter) Stats() WindowStats {
	return WindowStats{
		Allowed:  atomic.LoadInt64(&l.allowed),
		Rejected: atomic.LoadInt64(&l.rejected),
	}
}
