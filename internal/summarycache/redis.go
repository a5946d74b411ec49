package summarycache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Redis 使用 SETNX 实现多实例共享的一次写入缓存。
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis 连接 Redis 并创建缓存。
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisWithClient 基于已有客户端创建缓存。
func NewRedisWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "taskpilot:summary:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Get 实现 Cache。
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("读取摘要缓存失败: %w", err)
	}
	return value, true, nil
}

// Put 实现 Cache。
func (r *Redis) Put(ctx context.Context, key, summary string) error {
	if err := r.client.SetNX(ctx, r.prefix+key, summary, r.ttl).Err(); err != nil {
		return fmt.Errorf("写入摘要缓存失败: %w", err)
	}
	return nil
}

// Close 关闭底层连接。
func (r *Redis) Close() error {
	return r.client.Close()
}
