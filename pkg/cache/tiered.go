package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"trackgate/pkg/logger"
	"trackgate/pkg/timing"
)

const (
	dataSegment = "data:"
	tagSegment  = "tag:"
)

// Entry 缓存条目
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Tier      Tier            `json:"tier"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Tags      []string        `json:"tags,omitempty"`
}

// Expired 条目在 now 时刻是否已过期
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTLRemaining 剩余有效期
func (e *Entry) TTLRemaining(now time.Time) time.Duration {
	if e.Expired(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Options 分层缓存配置
type Options struct {
	TTL       TierTTL
	KeyPrefix string        // 所有后端键的前缀
	OpTimeout time.Duration // 单次后端操作超时，避免后端故障时无限阻塞
	L1Size    int           // 每个层级的进程内兜底缓存容量，0 表示关闭
	Clock     timing.Clock
	Logger    *logrus.Entry
}

// evictingBackend 有容量上限、会自行淘汰条目的后端
type evictingBackend interface {
	RetainPrefix(prefix string)
	SetEvictionHandler(handler EvictionHandler)
}

// TieredCache 分层缓存。
// 后端故障不会暴露给调用方：读降级为进程内缓存或未命中，写尽力而为并记录日志。
// 故障期间未能完成的失效记录为墓碑，后端恢复后读到被覆盖的条目时补删。
type TieredCache struct {
	backend Backend
	opts    Options
	clock   timing.Clock
	log     *logrus.Entry
	l1      map[Tier]*expirable.LRU[string, *Entry]
	tomb    *tombstones

	hits          int64
	misses        int64
	fallbackHits  int64
	sets          int64
	invalidations int64
	backendErrors int64
}

// NewTieredCache 创建分层缓存
func NewTieredCache(backend Backend, opts Options) *TieredCache {
	if opts.TTL == (TierTTL{}) {
		opts.TTL = DefaultTierTTL()
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logger.WithComponent("cache")
	}

	c := &TieredCache{
		backend: backend,
		opts:    opts,
		clock:   timing.OrSystem(opts.Clock),
		log:     log,
		l1:      make(map[Tier]*expirable.LRU[string, *Entry]),
		tomb:    newTombstones(opts.TTL),
	}
	if opts.L1Size > 0 {
		for _, tier := range Tiers {
			c.l1[tier] = expirable.NewLRU[string, *Entry](opts.L1Size, nil, opts.TTL.For(tier))
		}
	}
	// 标签标记不参与淘汰，数据条目被淘汰时一并删除其标记
	if eb, ok := backend.(evictingBackend); ok {
		eb.RetainPrefix(opts.KeyPrefix + tagSegment)
		eb.SetEvictionHandler(c.dropEvicted)
	}
	return c
}

// TTL 返回 TTL 配置表
func (c *TieredCache) TTL() TierTTL {
	return c.opts.TTL
}

func (c *TieredCache) dataKey(key string) string {
	return c.opts.KeyPrefix + dataSegment + key
}

func (c *TieredCache) tagPrefix(tag string) string {
	return c.opts.KeyPrefix + tagSegment + url.QueryEscape(tag) + ":"
}

func (c *TieredCache) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.OpTimeout)
}

func (c *TieredCache) backendFailed(op, key string, err error) {
	atomic.AddInt64(&c.backendErrors, 1)
	c.log.WithError(err).WithFields(logrus.Fields{"op": op, "key": key}).Warn("缓存后端操作失败")
}

// read 从后端读取条目，不影响统计
func (c *TieredCache) read(ctx context.Context, key string) (*Entry, bool, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	raw, found, err := c.backend.Get(opCtx, c.dataKey(key))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("缓存条目损坏，按未命中处理")
		return nil, false, nil
	}
	return &entry, true, nil
}

// Lookup 查找条目，记录命中/未命中
func (c *TieredCache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	now := c.clock.Now()

	entry, found, err := c.read(ctx, key)
	if err != nil {
		c.backendFailed("get", key, err)
		if fallback, ok := c.l1Get(key, now); ok {
			atomic.AddInt64(&c.hits, 1)
			atomic.AddInt64(&c.fallbackHits, 1)
			return fallback, true
		}
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	if !found || entry.Expired(now) {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if c.tomb.covers(entry) {
		c.Delete(ctx, key)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return entry, true
}

// Get 返回缓存值
func (c *TieredCache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// GetInto 查找并解码到 out
func (c *TieredCache) GetInto(ctx context.Context, key string, out interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("缓存值解码失败")
		return false
	}
	return true
}

// Exists 检查条目是否存在且未过期，不计入统计
func (c *TieredCache) Exists(ctx context.Context, key string) bool {
	now := c.clock.Now()
	entry, found, err := c.read(ctx, key)
	if err != nil {
		_, ok := c.l1Get(key, now)
		return ok
	}
	return found && !entry.Expired(now) && !c.tomb.covers(entry)
}

// Set 写入条目，TTL 由层级决定，重复写入时覆盖 TTL。
// 仅在值无法编码时返回错误，后端故障只记录日志。
func (c *TieredCache) Set(ctx context.Context, key string, value interface{}, tier Tier, tags []string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for %s: %w", key, err)
	}

	if _, ok := ParseTier(string(tier)); !ok {
		tier = TierRecent
	}
	ttl := c.opts.TTL.For(tier)
	now := c.clock.Now()
	entry := &Entry{
		Key:       key,
		Value:     raw,
		Tier:      tier,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Tags:      dedupe(tags),
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry for %s: %w", key, err)
	}

	atomic.AddInt64(&c.sets, 1)
	c.tomb.clearKey(key)
	c.l1Put(entry)

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	// 旧条目的标签可能与新标签不同，先清理旧标记
	if previous, found, err := c.read(opCtx, key); err == nil && found {
		c.deleteMarkers(opCtx, key, removed(previous.Tags, entry.Tags))
	}

	if err := c.backend.Set(opCtx, c.dataKey(key), payload, ttl); err != nil {
		c.backendFailed("set", key, err)
		return nil
	}
	for _, tag := range entry.Tags {
		if err := c.backend.Set(opCtx, c.tagPrefix(tag)+key, []byte{'1'}, ttl); err != nil {
			c.backendFailed("set_tag", key, err)
			return nil
		}
	}
	return nil
}

// Delete 删除条目及其标签标记。
// 后端删除失败时记录墓碑，后端恢复后残留的旧条目不会再被返回。
func (c *TieredCache) Delete(ctx context.Context, key string) {
	c.l1Remove(key)

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	entry, found, err := c.read(opCtx, key)
	if err != nil {
		c.backendFailed("delete", key, err)
		c.tomb.addKey(key, c.clock.Now())
		return
	}
	if err := c.backend.Delete(opCtx, c.dataKey(key)); err != nil {
		c.backendFailed("delete", key, err)
		c.tomb.addKey(key, c.clock.Now())
		return
	}
	c.tomb.clearKey(key)
	if found {
		c.deleteMarkers(opCtx, key, entry.Tags)
	}
}

// dropEvicted 后端按容量淘汰数据条目时清理其标签标记
func (c *TieredCache) dropEvicted(backendKey string, value []byte) {
	if !strings.HasPrefix(backendKey, c.opts.KeyPrefix+dataSegment) {
		return
	}
	var entry Entry
	if err := json.Unmarshal(value, &entry); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpTimeout)
	defer cancel()
	c.deleteMarkers(ctx, entry.Key, entry.Tags)
}

func (c *TieredCache) deleteMarkers(ctx context.Context, key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	markers := make([]string, 0, len(tags))
	for _, tag := range tags {
		markers = append(markers, c.tagPrefix(tag)+key)
	}
	if err := c.backend.Delete(ctx, markers...); err != nil {
		c.backendFailed("delete_tag", key, err)
	}
}

// KeysForTag 返回带有该标签的所有键
func (c *TieredCache) KeysForTag(ctx context.Context, tag string) ([]string, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	prefix := c.tagPrefix(tag)
	markers, err := c.backend.Scan(opCtx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(markers))
	for _, marker := range markers {
		keys = append(keys, strings.TrimPrefix(marker, prefix))
	}
	return keys, nil
}

// InvalidateTags 删除所有带有任一标签的条目，返回删除的条目数。
// 后端不可用时清理进程内缓存中带标签的条目，并记录墓碑供后端恢复后补删。
func (c *TieredCache) InvalidateTags(ctx context.Context, tags ...string) int {
	seen := make(map[string]struct{})
	for _, tag := range tags {
		keys, err := c.KeysForTag(ctx, tag)
		if err != nil {
			c.backendFailed("scan_tag", tag, err)
			c.tomb.addTag(tag, c.clock.Now())
			for _, key := range c.l1RemoveWhere(func(e *Entry) bool { return hasTag(e, tag) }) {
				seen[key] = struct{}{}
			}
			continue
		}
		for _, key := range keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			c.Delete(ctx, key)
		}
		// 兜底清理残留标记
		opCtx, cancel := c.opContext(ctx)
		if markers, err := c.backend.Scan(opCtx, c.tagPrefix(tag)); err == nil && len(markers) > 0 {
			_ = c.backend.Delete(opCtx, markers...)
		}
		cancel()
	}

	atomic.AddInt64(&c.invalidations, int64(len(seen)))
	if len(seen) > 0 {
		c.log.WithFields(logrus.Fields{"tags": tags, "count": len(seen)}).Info("按标签失效缓存")
	}
	return len(seen)
}

// Keys 返回所有数据键（不含前缀）
func (c *TieredCache) Keys(ctx context.Context) ([]string, error) {
	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	prefix := c.opts.KeyPrefix + dataSegment
	raw, err := c.backend.Scan(opCtx, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, strings.TrimPrefix(k, prefix))
	}
	return keys, nil
}

// InvalidatePattern 删除键匹配 glob 模式的条目，返回删除数
func (c *TieredCache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}

	keys, err := c.Keys(ctx)
	if err != nil {
		c.backendFailed("scan", pattern, err)
		c.tomb.addPattern(pattern, c.clock.Now())
		count := len(c.l1RemoveWhere(func(e *Entry) bool {
			ok, _ := path.Match(pattern, e.Key)
			return ok
		}))
		atomic.AddInt64(&c.invalidations, int64(count))
		return count, nil
	}

	count := 0
	for _, key := range keys {
		if ok, _ := path.Match(pattern, key); ok {
			c.Delete(ctx, key)
			count++
		}
	}

	atomic.AddInt64(&c.invalidations, int64(count))
	c.log.WithFields(logrus.Fields{"pattern": pattern, "count": count}).Info("按模式失效缓存")
	return count, nil
}

// SweepStale 删除剩余 TTL 低于阈值的条目，返回删除数
func (c *TieredCache) SweepStale(ctx context.Context, threshold time.Duration) int {
	keys, err := c.Keys(ctx)
	if err != nil {
		c.backendFailed("scan", "", err)
		return 0
	}

	now := c.clock.Now()
	count := 0
	for _, key := range keys {
		entry, found, err := c.read(ctx, key)
		if err != nil {
			c.backendFailed("get", key, err)
			continue
		}
		if found && entry.TTLRemaining(now) >= threshold {
			continue
		}
		c.Delete(ctx, key)
		count++
	}

	if count > 0 {
		c.log.WithFields(logrus.Fields{"threshold": threshold, "count": count}).Info("清理即将过期的缓存条目")
	}
	return count
}

// Stats 返回统计信息
func (c *TieredCache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	var hitRate float64
	if total := hits + misses; total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:          hits,
		Misses:        misses,
		FallbackHits:  atomic.LoadInt64(&c.fallbackHits),
		Sets:          atomic.LoadInt64(&c.sets),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		BackendErrors: atomic.LoadInt64(&c.backendErrors),
		HitRate:       hitRate,
	}
}

// Close 关闭后端
func (c *TieredCache) Close() error {
	return c.backend.Close()
}

func (c *TieredCache) l1Get(key string, now time.Time) (*Entry, bool) {
	for _, tier := range Tiers {
		lru, ok := c.l1[tier]
		if !ok {
			continue
		}
		if entry, found := lru.Get(key); found && !entry.Expired(now) {
			return entry, true
		}
	}
	return nil, false
}

func (c *TieredCache) l1Put(entry *Entry) {
	for _, tier := range Tiers {
		lru, ok := c.l1[tier]
		if !ok {
			continue
		}
		if tier == entry.Tier {
			lru.Add(entry.Key, entry)
		} else {
			lru.Remove(entry.Key)
		}
	}
}

func (c *TieredCache) l1Remove(key string) {
	for _, lru := range c.l1 {
		lru.Remove(key)
	}
}

// l1RemoveWhere 删除进程内缓存中满足条件的条目，返回被删除的键
func (c *TieredCache) l1RemoveWhere(match func(*Entry) bool) []string {
	var keys []string
	for _, lru := range c.l1 {
		for _, key := range lru.Keys() {
			if entry, ok := lru.Peek(key); ok && match(entry) {
				lru.Remove(key)
				keys = append(keys, key)
			}
		}
	}
	return keys
}

func hasTag(e *Entry, tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// tombstones 记录后端故障期间未能执行的删除。
// 创建时间不晚于墓碑时间的条目视为已删除；墓碑在最长层级 TTL 之后失效。
type tombstones struct {
	mu       sync.Mutex
	ttl      time.Duration
	keys     map[string]time.Time
	tags     map[string]time.Time
	patterns map[string]time.Time
}

func newTombstones(ttl TierTTL) *tombstones {
	longest := ttl.Recent
	for _, d := range []time.Duration{ttl.Trending, ttl.Popular} {
		if d > longest {
			longest = d
		}
	}
	return &tombstones{
		ttl:      longest,
		keys:     make(map[string]time.Time),
		tags:     make(map[string]time.Time),
		patterns: make(map[string]time.Time),
	}
}

func (t *tombstones) addKey(key string, at time.Time) {
	t.mu.Lock()
	t.keys[key] = at
	t.mu.Unlock()
}

func (t *tombstones) addTag(tag string, at time.Time) {
	t.mu.Lock()
	t.tags[tag] = at
	t.mu.Unlock()
}

func (t *tombstones) addPattern(pattern string, at time.Time) {
	t.mu.Lock()
	t.patterns[pattern] = at
	t.mu.Unlock()
}

func (t *tombstones) clearKey(key string) {
	t.mu.Lock()
	delete(t.keys, key)
	t.mu.Unlock()
}

// covers 条目是否被某个墓碑覆盖
func (t *tombstones) covers(e *Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.keys)+len(t.tags)+len(t.patterns) == 0 {
		return false
	}
	t.prune(e.CreatedAt)

	if at, ok := t.keys[e.Key]; ok && !e.CreatedAt.After(at) {
		return true
	}
	for _, tag := range e.Tags {
		if at, ok := t.tags[tag]; ok && !e.CreatedAt.After(at) {
			return true
		}
	}
	for pattern, at := range t.patterns {
		if ok, _ := path.Match(pattern, e.Key); ok && !e.CreatedAt.After(at) {
			return true
		}
	}
	return false
}

// prune 删除比 since 早一个最长 TTL 以上的墓碑，它们覆盖的条目都已过期
func (t *tombstones) prune(since time.Time) {
	cutoff := since.Add(-t.ttl)
	for _, m := range []map[string]time.Time{t.keys, t.tags, t.patterns} {
		for k, at := range m {
			if at.Before(cutoff) {
				delete(m, k)
			}
		}
	}
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}

// removed 返回在 old 中但不在 current 中的标签
func removed(old, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, tag := range current {
		keep[tag] = struct{}{}
	}
	var out []string
	for _, tag := range old {
		if _, ok := keep[tag]; !ok {
			out = append(out, tag)
		}
	}
	return out
}
