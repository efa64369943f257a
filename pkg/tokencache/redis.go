package tokencache

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/BetaCatPro/wsevent/pkg/types"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix Redis 键前缀
const DefaultRedisPrefix = "wsevent:token:"

const scanBatch = 100

// RedisStorage 以 Redis 为后端的凭证存储，键的过期时间等于凭证剩余有效期
type RedisStorage struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStorage 创建 Redis 存储，prefix 为空时使用默认前缀
func NewRedisStorage(client redis.UniversalClient, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStorage) key(k string) string {
	return s.prefix + k
}

// Store 写入记录，已过期的记录直接删除
func (s *RedisStorage) Store(ctx context.Context, key string, record types.TokenRecord) error {
	ttl := record.RemainingTTL(s.now())
	if ttl == 0 {
		return s.Delete(ctx, key)
	}
	if ttl < 0 {
		ttl = 0
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode token record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Retrieve 读取记录，不存在时返回 false
func (s *RedisStorage) Retrieve(ctx context.Context, key string) (types.TokenRecord, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return types.TokenRecord{}, false, nil
	}
	if err != nil {
		return types.TokenRecord{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var record types.TokenRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return types.TokenRecord{}, false, fmt.Errorf("decode token record %s: %w", key, err)
	}
	if record.Expired(s.now()) {
		return types.TokenRecord{}, false, nil
	}
	return record, true, nil
}

// Delete 删除记录，不存在时不报错
func (s *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// List 列出前缀下的所有键（去掉前缀）
func (s *RedisStorage) List(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}
