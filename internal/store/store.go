// Package store 网关会话持久化，进程重启后可恢复会话
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/config"
)

// SessionStore 会话存储，Load 未找到时返回 (nil, nil)
type SessionStore interface {
	Load(ctx context.Context) (*protocol.SessionRecord, error)
	Save(ctx context.Context, rec *protocol.SessionRecord) error
	Delete(ctx context.Context) error
}

// MemoryStore 进程内存储
type MemoryStore struct {
	mu  sync.Mutex
	rec *protocol.SessionRecord
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load 读取会话
func (s *MemoryStore) Load(ctx context.Context) (*protocol.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	rec := *s.rec
	return &rec, nil
}

// Save 保存会话
func (s *MemoryStore) Save(ctx context.Context, rec *protocol.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.rec = &cp
	return nil
}

// Delete 删除会话
func (s *MemoryStore) Delete(ctx context.Context) error {
	s.mu.Lock()
	s.rec = nil
	s.mu.Unlock()
	return nil
}

// Open 按配置创建会话存储
func Open(cfg *config.BotConfig) (SessionStore, error) {
	switch cfg.Store.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		return NewRedisStore(RedisConfig{
			Client:    client,
			KeyPrefix: cfg.Store.Redis.KeyPrefix,
			AppID:     cfg.Bot.AppID,
			Shard:     cfg.Bot.ShardIndex,
			TTL:       cfg.Store.TTL,
		})
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}
