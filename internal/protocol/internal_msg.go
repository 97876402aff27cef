package protocol

import "time"

// ========== Gateway → Kafka ==========

// ForwardedEvent 转发到事件 topic 的 Dispatch 事件
type ForwardedEvent struct {
	ID         string    `msgpack:"id"`
	Type       EventType `msgpack:"type"`
	Seq        int64     `msgpack:"seq"`
	ShardIndex int       `msgpack:"shard"`
	GuildID    string    `msgpack:"guild_id,omitempty"`
	Data       []byte    `msgpack:"data"` // 原始 JSON 负载
	Time       time.Time `msgpack:"time"`
}

// ========== Kafka → Gateway ==========

// OutboxRequest 下游服务请求机器人发送的消息
type OutboxRequest struct {
	ChannelID string `msgpack:"channel_id,omitempty"`
	GuildID   string `msgpack:"guild_id,omitempty"` // Direct 时为私信会话频道
	Direct    bool   `msgpack:"direct"`
	Content   string `msgpack:"content"`
	ReplyTo   string `msgpack:"reply_to,omitempty"` // 被动回复的消息 ID
}

// ========== 会话持久化 ==========

// SessionRecord 持久化的网关会话
type SessionRecord struct {
	SessionID    string    `msgpack:"session_id"`
	LastSequence int64     `msgpack:"seq"`
	GatewayURL   string    `msgpack:"url"`
	BotID        string    `msgpack:"bot_id"`
	Resumable    bool      `msgpack:"resumable"`
	SavedAt      time.Time `msgpack:"saved_at"`
}
