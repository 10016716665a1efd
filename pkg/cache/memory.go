package cache

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"trackgate/pkg/timing"
)

// memoryEntry 内存后端中的条目
type memoryEntry struct {
	value      []byte
	expireTime time.Time
}

// EvictionHandler 条目因容量不足被淘汰时的回调，在后端锁之外调用
type EvictionHandler func(key string, value []byte)

// MemoryBackendConfig 内存后端配置
type MemoryBackendConfig struct {
	MaxSize         int           // 可淘汰条目的最大数量，<=0 表示不限
	CleanupInterval time.Duration // 清理间隔，<=0 时不启动清理协程
	Clock           timing.Clock
}

// MemoryBackend 线程安全的内存后端，单进程部署或测试使用。
// 容量满时按最近最少使用淘汰；保留前缀下的键不计入容量也不会被淘汰。
type MemoryBackend struct {
	mu       sync.Mutex
	entries  *simplelru.LRU[string, *memoryEntry]
	retained map[string]*memoryEntry
	prefixes []string
	onEvict  EvictionHandler
	maxSize  int
	clock    timing.Clock
	closed   bool

	// 清理相关
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

// NewMemoryBackend 创建新的内存后端
func NewMemoryBackend(config MemoryBackendConfig) *MemoryBackend {
	b := &MemoryBackend{
		entries:     newEntryLRU(),
		retained:    make(map[string]*memoryEntry),
		maxSize:     config.MaxSize,
		clock:       timing.OrSystem(config.Clock),
		stopCleanup: make(chan struct{}),
	}

	// 启动清理协程
	if config.CleanupInterval > 0 {
		b.cleanupTicker = time.NewTicker(config.CleanupInterval)
		go b.startCleanup()
	}

	return b
}

// newEntryLRU 容量由 Set 自行控制，以便区分容量淘汰与普通删除
func newEntryLRU() *simplelru.LRU[string, *memoryEntry] {
	lru, _ := simplelru.NewLRU[string, *memoryEntry](math.MaxInt32, nil)
	return lru
}

// RetainPrefix 声明以 prefix 开头的键不参与容量淘汰
func (b *MemoryBackend) RetainPrefix(prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefixes = append(b.prefixes, prefix)
}

// SetEvictionHandler 设置容量淘汰回调
func (b *MemoryBackend) SetEvictionHandler(handler EvictionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvict = handler
}

func (b *MemoryBackend) isRetained(key string) bool {
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// lookup 查找条目，可淘汰条目会被标记为最近使用；调用方持有锁
func (b *MemoryBackend) lookup(key string) (*memoryEntry, bool) {
	if b.isRetained(key) {
		entry, ok := b.retained[key]
		return entry, ok
	}
	return b.entries.Get(key)
}

func (b *MemoryBackend) remove(key string) {
	if b.isRetained(key) {
		delete(b.retained, key)
		return
	}
	b.entries.Remove(key)
}

// Get 获取值
func (b *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, false, ErrBackendClosed
	}
	entry, exists := b.lookup(key)
	if !exists {
		return nil, false, nil
	}

	// 检查过期
	if !b.clock.Now().Before(entry.expireTime) {
		b.remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

type evictedEntry struct {
	key   string
	value []byte
}

// Set 设置值，新键超出容量时淘汰最近最少使用的条目
func (b *MemoryBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	entry := &memoryEntry{
		value:      value,
		expireTime: b.clock.Now().Add(ttl),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBackendClosed
	}

	if b.isRetained(key) {
		b.retained[key] = entry
		b.mu.Unlock()
		return nil
	}

	var evicted []evictedEntry
	if !b.entries.Contains(key) && b.maxSize > 0 {
		for b.entries.Len() >= b.maxSize {
			oldKey, oldEntry, ok := b.entries.RemoveOldest()
			if !ok {
				break
			}
			evicted = append(evicted, evictedEntry{key: oldKey, value: oldEntry.value})
		}
	}
	b.entries.Add(key, entry)
	handler := b.onEvict
	b.mu.Unlock()

	if handler != nil {
		for _, e := range evicted {
			handler(e.key, e.value)
		}
	}
	return nil
}

// Delete 删除键
func (b *MemoryBackend) Delete(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}
	for _, key := range keys {
		b.remove(key)
	}
	return nil
}

// Scan 返回以 prefix 开头且未过期的键，按字典序排列
func (b *MemoryBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBackendClosed
	}

	keys := make([]string, 0)
	for key, entry := range b.retained {
		if strings.HasPrefix(key, prefix) && now.Before(entry.expireTime) {
			keys = append(keys, key)
		}
	}
	for _, key := range b.entries.Keys() {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if entry, ok := b.entries.Peek(key); ok && now.Before(entry.expireTime) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len 返回当前条目数（含保留键和尚未清理的过期条目）
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len() + len(b.retained)
}

// Close 关闭后端
func (b *MemoryBackend) Close() error {
	b.closeOnce.Do(func() {
		if b.cleanupTicker != nil {
			b.cleanupTicker.Stop()
		}
		close(b.stopCleanup)

		b.mu.Lock()
		b.closed = true
		b.entries.Purge()
		b.retained = make(map[string]*memoryEntry)
		b.mu.Unlock()
	})
	return nil
}

// startCleanup 启动清理协程
func (b *MemoryBackend) startCleanup() {
	for {
		select {
		case <-b.cleanupTicker.C:
			b.cleanup()
		case <-b.stopCleanup:
			return
		}
	}
}

// cleanup 清理过期条目
func (b *MemoryBackend) cleanup() {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	for key, entry := range b.retained {
		if !now.Before(entry.expireTime) {
			delete(b.retained, key)
		}
	}
	for _, key := range b.entries.Keys() {
		if entry, ok := b.entries.Peek(key); ok && !now.Before(entry.expireTime) {
			b.entries.Remove(key)
		}
	}
}

var _ Backend = (*MemoryBackend)(nil)
