// Package quota 记录提供商每日配额的消耗，提供用量预测和阈值告警。
// 账本只做记录和分级，不阻止调用，限流由 limiter 负责。
package quota

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"trackgate/pkg/logger"
	"trackgate/pkg/timing"
)

// Status 配额使用状态
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

const (
	WarningPercent  = 80.0
	CriticalPercent = 95.0
)

// StatusFor 根据使用百分比返回状态
func StatusFor(percent float64) Status {
	switch {
	case percent >= CriticalPercent:
		return StatusCritical
	case percent >= WarningPercent:
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Config 账本配置
type Config struct {
	Provider    string
	DailyBudget int            // 0 表示不计预算
	Location    *time.Location // 配额重置所在时区，nil 为 UTC
}

// Snapshot 账本快照
type Snapshot struct {
	Provider    string    `json:"provider"`
	DayStart    time.Time `json:"day_start"`
	Consumed    int       `json:"consumed"`
	Budget      int       `json:"budget"`
	Remaining   int       `json:"remaining"` // 小于 0 表示不限
	PercentUsed float64   `json:"percent_used"`
	Projected   float64   `json:"projected"`
	Status      Status    `json:"status"`
	Calls       int64     `json:"calls"`
}

// Ledger 每日配额账本
type Ledger struct {
	mu       sync.Mutex
	provider string
	budget   int
	loc      *time.Location
	clock    timing.Clock
	log      *logrus.Entry

	consumed   int
	calls      int64
	dayStart   time.Time
	lastStatus Status
}

// NewLedger 创建账本
func NewLedger(config Config, clock timing.Clock, log *logrus.Entry) *Ledger {
	loc := config.Location
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.WithComponent("quota")
	}
	clock = timing.OrSystem(clock)

	return &Ledger{
		provider:   config.Provider,
		budget:     config.DailyBudget,
		loc:        loc,
		clock:      clock,
		log:        log.WithField("provider", config.Provider),
		dayStart:   timing.DayStart(clock.Now(), loc),
		lastStatus: StatusNormal,
	}
}

// rollover 跨过重置时间时清零，调用方持有锁
func (l *Ledger) rollover(now time.Time) bool {
	if now.Before(timing.NextDayStart(l.dayStart, l.loc)) {
		return false
	}
	if l.consumed > 0 {
		l.log.WithFields(logrus.Fields{
			"consumed": l.consumed,
			"calls":    l.calls,
		}).Info("配额日切，计数清零")
	}
	l.dayStart = timing.DayStart(now, l.loc)
	l.consumed = 0
	l.calls = 0
	l.lastStatus = StatusNormal
	return true
}

// Rollover 检查日切，返回是否发生了重置
func (l *Ledger) Rollover() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollover(l.clock.Now())
}

// RecordUsage 记录一次成功调用的消耗
func (l *Ledger) RecordUsage(cost int) {
	if cost < 0 {
		cost = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover(l.clock.Now())
	l.consumed += cost
	l.calls++

	status := StatusFor(l.percentLocked())
	if status != l.lastStatus {
		entry := l.log.WithFields(logrus.Fields{
			"consumed": l.consumed,
			"budget":   l.budget,
			"status":   status,
		})
		switch status {
		case StatusCritical:
			entry.Error("配额使用已达临界阈值")
		case StatusWarning:
			entry.Warn("配额使用已达告警阈值")
		}
		l.lastStatus = status
	}
}

func (l *Ledger) percentLocked() float64 {
	if l.budget <= 0 || l.consumed == 0 {
		return 0
	}
	return float64(l.consumed) / float64(l.budget) * 100
}

func (l *Ledger) projectedLocked(now time.Time) float64 {
	if l.consumed == 0 {
		return 0
	}
	elapsed := now.Sub(l.dayStart).Hours()
	// 刚过日切时按一分钟计，避免除零
	if minimum := (time.Minute).Hours(); elapsed < minimum {
		elapsed = minimum
	}
	return float64(l.consumed) / elapsed * 24
}

func (l *Ledger) remainingLocked() int {
	if l.budget <= 0 {
		return -1
	}
	remaining := l.budget - l.consumed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// PercentUsed 当日已用百分比，不计预算时恒为 0
func (l *Ledger) PercentUsed() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.clock.Now())
	return l.percentLocked()
}

// ProjectedDailyUsage 按当日已过去的时间外推全天用量
func (l *Ledger) ProjectedDailyUsage() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.rollover(now)
	return l.projectedLocked(now)
}

// Remaining 剩余配额，小于 0 表示不限
func (l *Ledger) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover(l.clock.Now())
	return l.remainingLocked()
}

// CanAfford 剩余配额是否足够支付 cost
func (l *Ledger) CanAfford(cost int) bool {
	remaining := l.Remaining()
	return remaining < 0 || remaining >= cost
}

// Status 当前告警状态
func (l *Ledger) Status() Status {
	return StatusFor(l.PercentUsed())
}

// IsCritical 是否达到临界阈值
func (l *Ledger) IsCritical() bool {
	return l.Status() == StatusCritical
}

// Snapshot 返回账本快照
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.rollover(now)
	percent := l.percentLocked()

	return Snapshot{
		Provider:    l.provider,
		DayStart:    l.dayStart,
		Consumed:    l.consumed,
		Budget:      l.budget,
		Remaining:   l.remainingLocked(),
		PercentUsed: percent,
		Projected:   l.projectedLocked(now),
		Status:      StatusFor(percent),
		Calls:       l.calls,
	}
}
