// Package popularity 在滚动窗口内统计查询次数，用于决定缓存层级。
package popularity

import (
	"sort"
	"sync"
	"time"

	"trackgate/pkg/cache"
	"trackgate/pkg/timing"
)

// QueryStat 单个查询的统计
type QueryStat struct {
	Query       string    `json:"query"`
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Config 热度统计配置
type Config struct {
	Window           time.Duration // 滚动窗口，过期后计数重新开始
	PopularThreshold int           // 计数超过该值即为 Popular
	Trending         []string      // 固定的趋势列表，优先级高于 Popular
}

// Tracker 查询热度统计器
type Tracker struct {
	mu       sync.RWMutex
	stats    map[string]*QueryStat
	trending map[string]struct{}
	window   time.Duration
	popular  int
	clock    timing.Clock
}

// NewTracker 创建统计器
func NewTracker(config Config, clock timing.Clock) *Tracker {
	if config.Window <= 0 {
		config.Window = 7 * 24 * time.Hour
	}
	t := &Tracker{
		stats:   make(map[string]*QueryStat),
		window:  config.Window,
		popular: config.PopularThreshold,
		clock:   timing.OrSystem(clock),
	}
	t.SetTrending(config.Trending)
	return t
}

// SetTrending 替换趋势列表
func (t *Tracker) SetTrending(queries []string) {
	trending := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		if n := Normalize(q); n != "" {
			trending[n] = struct{}{}
		}
	}
	t.mu.Lock()
	t.trending = trending
	t.mu.Unlock()
}

func (t *Tracker) expired(stat *QueryStat, now time.Time) bool {
	return !now.Before(stat.WindowStart.Add(t.window))
}

// Increment 记录一次查询，返回窗口内的计数
func (t *Tracker) Increment(query string) int {
	key := Normalize(query)
	if key == "" {
		return 0
	}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	stat, ok := t.stats[key]
	if !ok || t.expired(stat, now) {
		stat = &QueryStat{Query: key, WindowStart: now}
		t.stats[key] = stat
	}
	stat.Count++
	return stat.Count
}

// Count 返回查询在当前窗口内的计数
func (t *Tracker) Count(query string) int {
	key := Normalize(query)
	now := t.clock.Now()

	t.mu.RLock()
	defer t.mu.RUnlock()

	stat, ok := t.stats[key]
	if !ok || t.expired(stat, now) {
		return 0
	}
	return stat.Count
}

// IsTrending 查询是否在趋势列表中
func (t *Tracker) IsTrending(query string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.trending[Normalize(query)]
	return ok
}

// Classify 决定查询的缓存层级。
// 计数随窗口过期归零，所以 Popular 查询在窗口结束后自然降回 Recent。
func (t *Tracker) Classify(query string) cache.Tier {
	if t.IsTrending(query) {
		return cache.TierTrending
	}
	if t.Count(query) > t.popular {
		return cache.TierPopular
	}
	return cache.TierRecent
}

// TopK 返回计数最高的 k 个查询，计数相同时按字典序
func (t *Tracker) TopK(k int) []QueryStat {
	if k <= 0 {
		return nil
	}
	now := t.clock.Now()

	t.mu.RLock()
	all := make([]QueryStat, 0, len(t.stats))
	for _, stat := range t.stats {
		if !t.expired(stat, now) {
			all = append(all, *stat)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Query < all[j].Query
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Sweep 清理窗口已过期的统计，返回清理数量
func (t *Tracker) Sweep() int {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, stat := range t.stats {
		if t.expired(stat, now) {
			delete(t.stats, key)
			removed++
		}
	}
	return removed
}

// Len 返回跟踪的查询数量
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.stats)
}
