package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisBackendConfig Redis 后端配置
type RedisBackendConfig struct {
	Addr     string
	Password string
	DB       int
	ScanSize int64 // 每次 SCAN 的 COUNT 提示
}

// RedisBackend 基于 go-redis 的分布式后端，多实例共享缓存时使用
type RedisBackend struct {
	client   redis.UniversalClient
	scanSize int64
}

// NewRedisBackend 根据配置创建 Redis 后端
func NewRedisBackend(config RedisBackendConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	return NewRedisBackendFromClient(client, config.ScanSize)
}

// NewRedisBackendFromClient 使用已有客户端创建后端
func NewRedisBackendFromClient(client redis.UniversalClient, scanSize int64) *RedisBackend {
	if scanSize <= 0 {
		scanSize = 100
	}
	return &RedisBackend{client: client, scanSize: scanSize}
}

// Ping 检查连接状态
func (r *RedisBackend) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

// Get 获取值
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set 写入值并设置 TTL
func (r *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete 删除键
func (r *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Scan 使用 SCAN MATCH 遍历前缀，不会像 KEYS 一样阻塞服务端
func (r *RedisBackend) Scan(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, escapeGlob(prefix)+"*", r.scanSize).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Close 关闭客户端
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// escapeGlob 转义 Redis MATCH 模式中的特殊字符
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Backend = (*RedisBackend)(nil)
