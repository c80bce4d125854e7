package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ChainPilot/internal/errors"
)

// RedisConfig 描述 Redis 缓存的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL 为 0 表示不过期。
	TTL time.Duration
}

// RedisStore 将值编码为 JSON 后保存到 Redis，适合多实例共享分析结果。
type RedisStore[V any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewRedisStore 连接 Redis 并创建缓存实例。
func NewRedisStore[V any](ctx context.Context, cfg RedisConfig) (*RedisStore[V], error) {
	if strings.TrimSpace(cfg.Address) == "" {
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
	store := NewRedisStoreWithClient[V](client, cfg.Prefix, cfg.TTL)
	store.owned = true
	return store, nil
}

// NewRedisStoreWithClient 复用已有的 Redis 客户端。
func NewRedisStoreWithClient[V any](client *redis.Client, prefix string, ttl time.Duration) *RedisStore[V] {
	if prefix == "" {
		prefix = "chainpilot:cache:"
	}
	return &RedisStore[V]{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore[V]) key(key string) string {
	return s.prefix + NormalizeKey(key)
}

// Get 读取并解码缓存值。
func (s *RedisStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var value V
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, false, nil
	}
	if err != nil {
		return value, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 缓存失败")
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解码缓存数据失败")
	}
	return value, true, nil
}

// Put 编码并写入缓存值。
func (s *RedisStore[V]) Put(ctx context.Context, key string, value V) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码缓存数据失败")
	}
	if err := s.client.Set(ctx, s.key(key), raw, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 缓存失败")
	}
	return nil
}

// Invalidate 删除单个键。
func (s *RedisStore[V]) Invalidate(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除 Redis 缓存失败")
	}
	return nil
}

// Clear 删除当前前缀下的全部键。
func (s *RedisStore[V]) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空 Redis 缓存失败")
	}
	return nil
}

// Keys 返回去除前缀后的键列表。
func (s *RedisStore[V]) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(keys))
	for _, key := range keys {
		result = append(result, strings.TrimPrefix(key, s.prefix))
	}
	sort.Strings(result)
	return result, nil
}

func (s *RedisStore[V]) scan(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描 Redis 键失败")
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Close 关闭自行创建的 Redis 连接。
func (s *RedisStore[V]) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ Store[int] = (*RedisStore[int])(nil)
