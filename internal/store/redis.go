package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/qiminjie89/guildbot/internal/protocol"
)

// RedisConfig Redis 存储配置
type RedisConfig struct {
	Client    *redis.Client
	KeyPrefix string // 默认 "guildbot:session:"
	AppID     string
	Shard     int
	TTL       time.Duration // 0 表示不过期
}

// RedisStore Redis 会话存储，value 为 msgpack 编码的 SessionRecord
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisStore 创建 Redis 存储
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("store: redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "guildbot:session:"
	}

	return &RedisStore{
		client: cfg.Client,
		key:    cfg.KeyPrefix + cfg.AppID + ":" + strconv.Itoa(cfg.Shard),
		ttl:    cfg.TTL,
	}, nil
}

// Key 存储使用的 Redis key
func (s *RedisStore) Key() string {
	return s.key
}

// Load 读取会话
func (s *RedisStore) Load(ctx context.Context) (*protocol.SessionRecord, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get %s: %w", s.key, err)
	}

	var rec protocol.SessionRecord
	if err := protocol.Decode(data, &rec); err != nil {
		return nil, fmt.Errorf("store: decode session: %w", err)
	}
	return &rec, nil
}

// Save 保存会话并刷新 TTL
func (s *RedisStore) Save(ctx context.Context, rec *protocol.SessionRecord) error {
	data, err := protocol.Encode(rec)
	if err != nil {
		return fmt.Errorf("store: encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store: set %s: %w", s.key, err)
	}
	return nil
}

// Delete 删除会话
func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("store: del %s: %w", s.key, err)
	}
	return nil
}

// Close 关闭连接
func (s *RedisStore) Close() error {
	return s.client.Close()
}
