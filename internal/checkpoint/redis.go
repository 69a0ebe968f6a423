package checkpoint

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 检查点存储的连接参数。
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	Prefix   string
	// TTL 为零表示检查点不过期。
	TTL time.Duration
}

// RedisStore 将检查点以 JSON 字符串写入 Redis，过期交给 Redis 原生 TTL。
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 检查点存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newRedisStore(client, cfg), nil
}

func newRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "openmcp:checkpoint:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (r *RedisStore) key(threadID string) string {
	return r.prefix + threadID
}

// Save 实现 Store。
func (r *RedisStore) Save(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return storeError(err, "encode")
	}
	if err := r.client.Set(ctx, r.key(rec.ThreadID), payload, r.ttl).Err(); err != nil {
		return storeError(err, "save")
	}
	return nil
}

// Load 实现 Store。
func (r *RedisStore) Load(ctx context.Context, threadID string) (Record, error) {
	payload, err := r.client.Get(ctx, r.key(threadID)).Bytes()
	if err != nil {
		if stdErrors.Is(err, redis.Nil) {
			return Record{}, NotFound(threadID)
		}
		return Record{}, storeError(err, "load")
	}
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return Record{}, storeError(err, "decode")
	}
	return rec, nil
}

// Delete 实现 Store。
func (r *RedisStore) Delete(ctx context.Context, threadID string) error {
	if err := r.client.Del(ctx, r.key(threadID)).Err(); err != nil {
		return storeError(err, "delete")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	return r.client.Close()
}
