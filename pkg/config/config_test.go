package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
bot:
  app_id: "102000"
  token: "secret"
`))
	require.NoError(t, err)

	assert.Equal(t, "/", cfg.Bot.CommandPrefix)
	assert.Equal(t, 1, cfg.Bot.ShardCount)
	assert.Equal(t, 3, cfg.Gateway.InitialRetries)
	assert.Equal(t, 10*time.Second, cfg.Gateway.InitialRetryDelay)
	assert.Equal(t, time.Hour, cfg.Breaker.MaxBackoff)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.False(t, cfg.Store.Persistent())
	assert.Equal(t, time.Minute, cfg.Gateway.HandshakeDeadline)
	assert.Equal(t, "https://api.sgroup.qq.com", cfg.APIBaseURL())
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse([]byte(`
bot:
  app_id: "102000"
  token: "secret"
  sandbox: true
  intents: [guilds, guild_messages]
  command_prefix: "!"
  master_id: "u-1"
gateway:
  max_heartbeat_interval: 30s
  initial_retries: 5
  handshake_deadline: 20s
breaker:
  initial_backoff: 2m
  max_backoff: 30m
  structural_codes: [1, 2]
store:
  driver: redis
  redis:
    addr: "redis:6379"
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"guilds", "guild_messages"}, cfg.Bot.Intents)
	assert.Equal(t, "!", cfg.Bot.CommandPrefix)
	assert.Equal(t, "u-1", cfg.Bot.MasterID)
	assert.Equal(t, 30*time.Second, cfg.Gateway.MaxHeartbeatInterval)
	assert.Equal(t, 5, cfg.Gateway.InitialRetries)
	assert.Equal(t, 2*time.Minute, cfg.Breaker.InitialBackoff)
	assert.Equal(t, []int{1, 2}, cfg.Breaker.StructuralCodes)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "guildbot:session:", cfg.Store.Redis.KeyPrefix)
	assert.True(t, cfg.Store.Persistent())
	assert.Equal(t, 20*time.Second, cfg.Gateway.HandshakeDeadline)
	assert.Equal(t, "https://sandbox.api.sgroup.qq.com", cfg.APIBaseURL())
}

func TestParse_Validation(t *testing.T) {
	_, err := Parse([]byte(`bot: {token: x}`))
	assert.ErrorIs(t, err, ErrMissingAppID)

	_, err = Parse([]byte(`bot: {app_id: "1"}`))
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = Parse([]byte(`
bot: {app_id: "1", token: x, shard_index: 2, shard_count: 2}
`))
	assert.Error(t, err)

	_, err = Parse([]byte(`
bot: {app_id: "1", token: x}
breaker: {initial_backoff: 2h, max_backoff: 1h}
`))
	assert.Error(t, err)
}

func TestLoadBotConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bot: {app_id: \"7\", token: t}\n"), 0o600))

	cfg, err := LoadBotConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7", cfg.Bot.AppID)

	_, err = LoadBotConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
