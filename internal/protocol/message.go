// Package protocol 定义网关协议的操作码、帧格式、事件类型和内部消息
package protocol

import (
	"fmt"
	"strings"
)

// Opcode 网关操作码
type Opcode int

// 网关操作码（稳定协议）
const (
	OpDispatch       Opcode = 0  // 服务端推送事件
	OpHeartbeat      Opcode = 1  // 心跳
	OpIdentify       Opcode = 2  // 鉴权，建立新会话
	OpResume         Opcode = 6  // 恢复会话
	OpReconnect      Opcode = 7  // 服务端要求重连
	OpInvalidSession Opcode = 9  // 会话失效
	OpHello          Opcode = 10 // 连接建立后下发心跳间隔
	OpHeartbeatAck   Opcode = 11 // 心跳回包
)

func (op Opcode) String() string {
	switch op {
	case OpDispatch:
		return "dispatch"
	case OpHeartbeat:
		return "heartbeat"
	case OpIdentify:
		return "identify"
	case OpResume:
		return "resume"
	case OpReconnect:
		return "reconnect"
	case OpInvalidSession:
		return "invalid_session"
	case OpHello:
		return "hello"
	case OpHeartbeatAck:
		return "heartbeat_ack"
	default:
		return fmt.Sprintf("op_%d", int(op))
	}
}

// Intent 事件订阅位
type Intent uint32

const (
	IntentGuilds                Intent = 1 << 0  // 频道、子频道、身份组变更
	IntentGuildMembers          Intent = 1 << 1  // 成员变更
	IntentGuildMessages         Intent = 1 << 9  // 全量消息（私域）
	IntentGuildMessageReactions Intent = 1 << 10 // 表情表态
	IntentDirectMessage         Intent = 1 << 12 // 私信
	IntentMessageAudit          Intent = 1 << 27 // 消息审核
	IntentAudioAction           Intent = 1 << 29 // 音频
	IntentPublicGuildMessages   Intent = 1 << 30 // @机器人 消息（公域）
)

var intentNames = map[string]Intent{
	"guilds":                  IntentGuilds,
	"guild_members":           IntentGuildMembers,
	"guild_messages":          IntentGuildMessages,
	"guild_message_reactions": IntentGuildMessageReactions,
	"direct_message":          IntentDirectMessage,
	"message_audit":           IntentMessageAudit,
	"audio_action":            IntentAudioAction,
	"public_guild_messages":   IntentPublicGuildMessages,
}

// ParseIntents 将配置中的订阅名转换为位掩码
func ParseIntents(names []string) (Intent, error) {
	var intents Intent
	for _, name := range names {
		bit, ok := intentNames[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("protocol: unknown intent %q", name)
		}
		intents |= bit
	}
	return intents, nil
}

// Has 判断是否订阅了指定事件
func (i Intent) Has(bit Intent) bool {
	return i&bit == bit
}

// ConnectionState 网关连接状态
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateAwaitingHello
	StateIdentifying
	StateResuming
	StateReady
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// MessageClass 消息分类
type MessageClass int

const (
	ClassPublic  MessageClass = iota // 普通频道消息
	ClassAtSelf                      // @机器人
	ClassAtAll                       // @全体成员
	ClassPrivate                     // 私信
)

func (c MessageClass) String() string {
	switch c {
	case ClassPrivate:
		return "private"
	case ClassAtAll:
		return "at_all"
	case ClassAtSelf:
		return "at_self"
	default:
		return "public"
	}
}
