package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/config"
)

func testStore(t *testing.T, s SessionStore) {
	ctx := context.Background()

	rec, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	saved := &protocol.SessionRecord{
		SessionID:    "s1",
		LastSequence: 12,
		GatewayURL:   "wss://gw/ws",
		BotID:        "42",
		Resumable:    true,
		SavedAt:      time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, s.Save(ctx, saved))

	rec, err = s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, int64(12), rec.LastSequence)
	assert.True(t, rec.Resumable)

	saved.LastSequence = 20
	require.NoError(t, s.Save(ctx, saved))
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), rec.LastSequence)

	require.NoError(t, s.Delete(ctx))
	rec, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestMemoryStoreCopies(t *testing.T) {
	s := NewMemoryStore()
	rec := &protocol.SessionRecord{SessionID: "a"}
	require.NoError(t, s.Save(context.Background(), rec))
	rec.SessionID = "b"

	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", got.SessionID)
}

func TestRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	s, err := NewRedisStore(RedisConfig{Client: client, AppID: "100", Shard: 1, TTL: time.Minute})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "guildbot:session:100:1", s.Key())
	testStore(t, s)

	require.NoError(t, s.Save(ctx, &protocol.SessionRecord{SessionID: "ttl"}))
	ttl, err := client.TTL(ctx, s.Key()).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestOpen(t *testing.T) {
	cfg := config.Default()
	s, err := Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.Store.Driver = "redis"
	s, err = Open(cfg)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)

	cfg.Store.Driver = "etcd"
	_, err = Open(cfg)
	assert.Error(t, err)
}
