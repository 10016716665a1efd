package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"trackgate/pkg/cache"
	"trackgate/pkg/errs"
	"trackgate/pkg/logger"
	"trackgate/pkg/popularity"
	"trackgate/pkg/provider/core"
	"trackgate/pkg/quota"
	"trackgate/pkg/timing"
)

// MaxPrecacheQueries 单次预缓存的查询数上限，配置无法放宽
const MaxPrecacheQueries = 15

// historySize 保留的运行记录数
const historySize = 20

// ErrPrecacheRunning 已有预缓存在运行
var ErrPrecacheRunning = errors.New("precache run already in progress")

// Trigger 运行来源
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

// Warmer 预缓存使用的提供商客户端能力
type Warmer interface {
	Name() string
	Cached(ctx context.Context, query string, opts core.SearchOptions) bool
	Warm(ctx context.Context, query string, opts core.SearchOptions, tier cache.Tier) ([]core.Track, error)
}

// PrecacheConfig 预缓存配置
type PrecacheConfig struct {
	MaxQueries     int
	TopK           int
	InterCallDelay time.Duration
	StaleThreshold time.Duration
	Curated        []string
	SearchCost     int // 一次搜索的配额消耗，用于运行前的预算检查
	Options        core.SearchOptions
}

// RunRecord 一次预缓存运行的记录
type RunRecord struct {
	ID            string        `json:"id"`
	Trigger       Trigger       `json:"trigger"`
	Provider      string        `json:"provider"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Duration      time.Duration `json:"duration"`
	Queries       []string      `json:"queries"`
	Warmed        int           `json:"warmed"`
	AlreadyCached int           `json:"already_cached"` // 已缓存而跳过的查询
	Failed        int           `json:"failed"`
	Swept         int           `json:"swept"`
	Skipped       bool          `json:"skipped"` // 运行前的预算检查未通过
	Stopped       bool          `json:"stopped"` // 中途停止
	Reason        string        `json:"reason,omitempty"`
}

// Precache 预缓存任务
type Precache struct {
	config  PrecacheConfig
	warmer  Warmer
	tracker *popularity.Tracker
	cache   *cache.TieredCache
	ledger  *quota.Ledger
	clock   timing.Clock
	log     *logrus.Entry

	running atomic.Bool
	mu      sync.RWMutex
	history []RunRecord
}

// NewPrecache 创建预缓存任务，ledger 可以为 nil
func NewPrecache(config PrecacheConfig, warmer Warmer, tracker *popularity.Tracker, c *cache.TieredCache, ledger *quota.Ledger, clock timing.Clock) *Precache {
	if config.MaxQueries <= 0 || config.MaxQueries > MaxPrecacheQueries {
		config.MaxQueries = MaxPrecacheQueries
	}
	if config.TopK <= 0 {
		config.TopK = config.MaxQueries
	}
	if config.SearchCost <= 0 {
		config.SearchCost = 1
	}
	return &Precache{
		config:  config,
		warmer:  warmer,
		tracker: tracker,
		cache:   c,
		ledger:  ledger,
		clock:   timing.OrSystem(clock),
		log:     logger.WithComponent("precache").WithField("provider", warmer.Name()),
	}
}

// Job 返回供调度器使用的任务函数，observe 非 nil 时在每次完成的运行后回调
func (p *Precache) Job(observe func(RunRecord)) JobFunc {
	return func(ctx context.Context) error {
		record, err := p.Run(ctx, TriggerCron)
		if errors.Is(err, ErrPrecacheRunning) {
			return nil
		}
		if err != nil {
			return err
		}
		if observe != nil {
			observe(record)
		}
		return nil
	}
}

// Running 是否有运行在进行
func (p *Precache) Running() bool {
	return p.running.Load()
}

// Plan 计算本次要预缓存的查询：热门查询在前，再合并精选列表，去重后截断
func (p *Precache) Plan() []string {
	seen := make(map[string]struct{})
	var queries []string
	add := func(q string) {
		n := popularity.Normalize(q)
		if n == "" {
			return
		}
		if _, dup := seen[n]; dup {
			return
		}
		seen[n] = struct{}{}
		queries = append(queries, n)
	}

	if p.tracker != nil {
		for _, stat := range p.tracker.TopK(p.config.TopK) {
			add(stat.Query)
		}
	}
	for _, q := range p.config.Curated {
		add(q)
	}

	if len(queries) > p.config.MaxQueries {
		queries = queries[:p.config.MaxQueries]
	}
	return queries
}

// budgetExhausted 剩余配额不足以支付一次搜索
func (p *Precache) budgetExhausted() (bool, string) {
	if p.ledger == nil {
		return false, ""
	}
	if p.ledger.IsCritical() {
		return true, "quota status critical"
	}
	if remaining := p.ledger.Remaining(); remaining >= 0 && remaining < p.config.SearchCost {
		return true, "remaining quota below search cost"
	}
	return false, ""
}

// Run 执行一次预缓存。已有运行在进行时返回 ErrPrecacheRunning
func (p *Precache) Run(ctx context.Context, trigger Trigger) (RunRecord, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.log.WithField("trigger", trigger).Info("预缓存正在运行，忽略本次触发")
		return RunRecord{}, ErrPrecacheRunning
	}
	defer p.running.Store(false)

	record := RunRecord{
		ID:        uuid.New().String(),
		Trigger:   trigger,
		Provider:  p.warmer.Name(),
		StartedAt: p.clock.Now(),
	}
	log := p.log.WithFields(logrus.Fields{"run_id": record.ID, "trigger": trigger})

	if exhausted, reason := p.budgetExhausted(); exhausted {
		record.Skipped = true
		record.Reason = reason
		log.WithField("reason", reason).Warn("配额不足，跳过预缓存")
		return p.finish(record), nil
	}

	record.Queries = p.Plan()
	log.WithField("queries", len(record.Queries)).Info("预缓存开始")

	limit := rate.Inf
	if p.config.InterCallDelay > 0 {
		limit = rate.Every(p.config.InterCallDelay)
	}
	pacer := rate.NewLimiter(limit, 1)

	for _, query := range record.Queries {
		if p.warmer.Cached(ctx, query, p.config.Options) {
			record.AlreadyCached++
			continue
		}
		if exhausted, reason := p.budgetExhausted(); exhausted {
			record.Stopped = true
			record.Reason = reason
			break
		}
		if err := pacer.Wait(ctx); err != nil {
			record.Stopped = true
			record.Reason = "cancelled"
			break
		}

		if _, err := p.warmer.Warm(ctx, query, p.config.Options, cache.TierPopular); err != nil {
			record.Failed++
			log.WithError(err).WithField("query", query).Warn("预缓存查询失败")
			if errors.Is(err, errs.ErrQuotaExceeded) {
				record.Stopped = true
				record.Reason = "provider quota exceeded"
				break
			}
			continue
		}
		record.Warmed++
	}

	if p.cache != nil && p.config.StaleThreshold > 0 {
		record.Swept = p.cache.SweepStale(ctx, p.config.StaleThreshold)
	}

	return p.finish(record), nil
}

func (p *Precache) finish(record RunRecord) RunRecord {
	record.FinishedAt = p.clock.Now()
	record.Duration = record.FinishedAt.Sub(record.StartedAt)

	p.mu.Lock()
	p.history = append(p.history, record)
	if len(p.history) > historySize {
		p.history = p.history[len(p.history)-historySize:]
	}
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"run_id":         record.ID,
		"warmed":         record.Warmed,
		"already_cached": record.AlreadyCached,
		"failed":         record.Failed,
		"swept":          record.Swept,
		"skipped":        record.Skipped,
		"stopped":        record.Stopped,
	}).Info("预缓存完成")
	return record
}

// LastRun 最近一次运行记录
func (p *Precache) LastRun() (RunRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.history) == 0 {
		return RunRecord{}, false
	}
	return p.history[len(p.history)-1], true
}

// History 最近的运行记录，由旧到新
func (p *Precache) History() []RunRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RunRecord, len(p.history))
	copy(out, p.history)
	return out
}
