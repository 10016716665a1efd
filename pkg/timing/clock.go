package timing

import (
	"sync"
	"time"
	_ "time/tzdata" // 容器镜像中可能没有系统时区数据
)

// Clock 提供当前时间接口，用于mock测试
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统实际时间
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// ManualClock 手动推进的时钟，测试使用
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 创建停在指定时间的时钟
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 返回当前时间
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进时钟
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 将时钟设置到指定时间
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// OrSystem 返回 clock，为 nil 时返回系统时钟
func OrSystem(clock Clock) Clock {
	if clock == nil {
		return SystemClock{}
	}
	return clock
}

// LoadLocation 加载时区，失败时回退到 UTC
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayStart 返回 t 在 loc 时区当天零点
func DayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// NextDayStart 返回 t 在 loc 时区下一个零点
func NextDayStart(t time.Time, loc *time.Location) time.Time {
	return DayStart(t, loc).AddDate(0, 0, 1)
}
