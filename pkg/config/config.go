// Package config 提供配置加载功能
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAppID = errors.New("config: bot.app_id is required")
	ErrMissingToken = errors.New("config: bot.token is required")
)

// BotConfig 机器人客户端配置
type BotConfig struct {
	Bot       BotSection      `yaml:"bot"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	API       APIConfig       `yaml:"api"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BotSection 机器人身份与指令配置
type BotSection struct {
	AppID         string   `yaml:"app_id"`
	Token         string   `yaml:"token"`
	Sandbox       bool     `yaml:"sandbox"`
	Intents       []string `yaml:"intents"`
	ShardIndex    int      `yaml:"shard_index"`
	ShardCount    int      `yaml:"shard_count"`
	CommandPrefix string   `yaml:"command_prefix"`
	MasterID      string   `yaml:"master_id"`      // 不受权限限制的用户
	ElevatedRoles []string `yaml:"elevated_roles"` // 管理指令所需身份组
	DeniedNotice  string   `yaml:"denied_notice"`
}

// GatewayConfig 网关连接与重连策略
type GatewayConfig struct {
	MaxHeartbeatInterval time.Duration `yaml:"max_heartbeat_interval"`
	InitialRetries       int           `yaml:"initial_retries"`
	InitialRetryDelay    time.Duration `yaml:"initial_retry_delay"`
	RetryDelayStep       time.Duration `yaml:"retry_delay_step"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
	InvalidSessionDelay  time.Duration `yaml:"invalid_session_delay"`
	HydrateTimeout       time.Duration `yaml:"hydrate_timeout"`
	HandshakeDeadline    time.Duration `yaml:"handshake_deadline"` // 连接建立到 READY/RESUMED 的期限
}

// WebSocketConfig WebSocket 配置
type WebSocketConfig struct {
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	WriteBufferSize  int           `yaml:"write_buffer_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// APIConfig OpenAPI 调用配置
type APIConfig struct {
	BaseURL        string        `yaml:"base_url"`
	SandboxBaseURL string        `yaml:"sandbox_base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RateLimit      float64       `yaml:"rate_limit"` // 每秒请求数，0 表示不限速
	RateBurst      int           `yaml:"rate_burst"`
}

// BreakerConfig 熔断冷却配置
type BreakerConfig struct {
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	StructuralCodes []int         `yaml:"structural_codes"`
}

// DispatchConfig 事件分发配置
type DispatchConfig struct {
	Workers   int `yaml:"workers"` // 0 表示在接收协程内同步执行
	QueueSize int `yaml:"queue_size"`
}

// StoreConfig 会话持久化配置
type StoreConfig struct {
	Driver string        `yaml:"driver"` // memory, redis
	Redis  RedisConfig   `yaml:"redis"`
	TTL    time.Duration `yaml:"ttl"`
}

// Persistent 会话能否跨进程重启保留
func (c StoreConfig) Persistent() bool {
	return c.Driver == "redis"
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	EventTopic   string        `yaml:"event_topic"`
	OutboxTopic  string        `yaml:"outbox_topic"`
	GroupID      string        `yaml:"group_id"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// AdminConfig 管理端口配置
type AdminConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default 返回带默认值的配置
func Default() *BotConfig {
	return &BotConfig{
		Bot: BotSection{
			Intents:       []string{"guilds", "guild_members", "public_guild_messages", "direct_message"},
			ShardCount:    1,
			CommandPrefix: "/",
			ElevatedRoles: []string{"2", "4", "5"},
			DeniedNotice:  "你没有使用该指令的权限",
		},
		Gateway: GatewayConfig{
			MaxHeartbeatInterval: 45 * time.Second,
			InitialRetries:       3,
			InitialRetryDelay:    10 * time.Second,
			RetryDelayStep:       10 * time.Second,
			ReconnectInterval:    time.Second,
			ReconnectMaxInterval: time.Minute,
			InvalidSessionDelay:  2 * time.Second,
			HydrateTimeout:       15 * time.Second,
			HandshakeDeadline:    time.Minute,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		API: APIConfig{
			BaseURL:        "https://api.sgroup.qq.com",
			SandboxBaseURL: "https://sandbox.api.sgroup.qq.com",
			Timeout:        10 * time.Second,
			RateLimit:      20,
			RateBurst:      5,
		},
		Breaker: BreakerConfig{
			InitialBackoff:  time.Minute,
			MaxBackoff:      time.Hour,
			StructuralCodes: []int{11241, 11242, 11243, 11244, 11251, 11252, 11253, 11254},
		},
		Dispatch: DispatchConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Store: StoreConfig{
			Driver: "memory",
			Redis: RedisConfig{
				Addr:      "127.0.0.1:6379",
				KeyPrefix: "guildbot:session:",
			},
			TTL: 10 * time.Minute,
		},
		Kafka: KafkaConfig{
			GroupID:      "guildbot",
			BatchSize:    100,
			BatchTimeout: 10 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadBotConfig 加载机器人配置
func LoadBotConfig(path string) (*BotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析 yaml 配置，未设置的字段保留默认值
func Parse(data []byte) (*BotConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate 校验必填项
func (c *BotConfig) Validate() error {
	if c.Bot.AppID == "" {
		return ErrMissingAppID
	}
	if c.Bot.Token == "" {
		return ErrMissingToken
	}
	if c.Bot.ShardCount <= 0 {
		c.Bot.ShardCount = 1
	}
	if c.Bot.ShardIndex < 0 || c.Bot.ShardIndex >= c.Bot.ShardCount {
		return fmt.Errorf("config: shard_index %d out of range [0,%d)", c.Bot.ShardIndex, c.Bot.ShardCount)
	}
	if c.Breaker.MaxBackoff < c.Breaker.InitialBackoff {
		return fmt.Errorf("config: breaker.max_backoff %s below initial_backoff %s",
			c.Breaker.MaxBackoff, c.Breaker.InitialBackoff)
	}
	if c.Gateway.InitialRetries <= 0 {
		c.Gateway.InitialRetries = 1
	}
	return nil
}

// APIBaseURL 返回当前环境的 OpenAPI 地址
func (c *BotConfig) APIBaseURL() string {
	if c.Bot.Sandbox {
		return c.API.SandboxBaseURL
	}
	return c.API.BaseURL
}
