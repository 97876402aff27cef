// Package dispatch 消息分类与指令分发
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

// ConsumedBy 消息最终的消费方
type ConsumedBy int

const (
	Dropped ConsumedBy = iota
	ConsumedCommand
	ConsumedGeneric
)

func (c ConsumedBy) String() string {
	switch c {
	case ConsumedCommand:
		return "command"
	case ConsumedGeneric:
		return "generic"
	default:
		return "dropped"
	}
}

// Inbound 分类后的入站消息
type Inbound struct {
	Type    protocol.EventType
	Class   protocol.MessageClass
	Content string // 去掉 @机器人 后的内容
	Message *protocol.Message
}

// Filter 应用层过滤，返回 false 时丢弃消息
type Filter func(in *Inbound) bool

// MessageListener 通用消息回调
type MessageListener func(ctx context.Context, in *Inbound)

// Replier 动作通道回复能力
type Replier interface {
	Reply(ctx context.Context, msg *protocol.Message, direct bool, content string) error
}

// Config 分发配置
type Config struct {
	Prefix        string
	MasterID      string
	ElevatedRoles []string
	DeniedNotice  string
	Intents       protocol.Intent
}

// Triage 入站消息分类与分发
type Triage struct {
	cfg      Config
	elevated map[string]struct{}
	commands *Registry
	replier  Replier

	botID atomic.Value // string

	mu        sync.RWMutex
	filter    Filter
	listeners []MessageListener
}

// NewTriage 创建分发器
func NewTriage(cfg Config, commands *Registry, replier Replier) *Triage {
	if commands == nil {
		commands = NewRegistry()
	}
	elevated := make(map[string]struct{}, len(cfg.ElevatedRoles))
	for _, role := range cfg.ElevatedRoles {
		elevated[role] = struct{}{}
	}

	t := &Triage{
		cfg:      cfg,
		elevated: elevated,
		commands: commands,
		replier:  replier,
	}
	t.botID.Store("")
	return t
}

// SetBotID 设置机器人自身 ID（READY 后）
func (t *Triage) SetBotID(id string) {
	t.botID.Store(id)
}

// BotID 机器人自身 ID
func (t *Triage) BotID() string {
	return t.botID.Load().(string)
}

// Commands 指令注册表
func (t *Triage) Commands() *Registry {
	return t.commands
}

// SetFilter 设置应用层过滤
func (t *Triage) SetFilter(f Filter) {
	t.mu.Lock()
	t.filter = f
	t.mu.Unlock()
}

// OnMessage 注册通用消息回调
func (t *Triage) OnMessage(fn MessageListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Classify 消息分类：私信 > @全体 > @机器人 > 普通
func (t *Triage) Classify(msg *protocol.Message, eventType protocol.EventType) protocol.MessageClass {
	if eventType == protocol.EventDirectMessageCreate {
		return protocol.ClassPrivate
	}
	if msg.MentionEveryone {
		return protocol.ClassAtAll
	}
	if botID := t.BotID(); botID != "" {
		for _, u := range msg.Mentions {
			if u != nil && u.ID == botID {
				return protocol.ClassAtSelf
			}
		}
	}
	return protocol.ClassPublic
}

// Handle 分发一条消息，命令与通用回调至多触发其一
func (t *Triage) Handle(ctx context.Context, ev *protocol.MessageEvent) ConsumedBy {
	msg := &ev.Message
	class := t.Classify(msg, ev.Type)

	result := t.handle(ctx, msg, ev.Type, class)
	metrics.TriageOutcomes.WithLabelValues(class.String(), result.String()).Inc()
	return result
}

func (t *Triage) handle(ctx context.Context, msg *protocol.Message, eventType protocol.EventType, class protocol.MessageClass) ConsumedBy {
	// 订阅全量消息时 AT_MESSAGE_CREATE 与 MESSAGE_CREATE 重复
	if eventType == protocol.EventAtMessageCreate && t.cfg.Intents.Has(protocol.IntentGuildMessages) {
		return Dropped
	}

	in := &Inbound{
		Type:    eventType,
		Class:   class,
		Content: t.stripMention(msg.Content),
		Message: msg,
	}

	t.mu.RLock()
	filter := t.filter
	listeners := t.listeners
	t.mu.RUnlock()

	if filter != nil && !filter(in) {
		return Dropped
	}

	content := in.Content
	hasPrefix := false
	if t.cfg.Prefix != "" && strings.HasPrefix(content, t.cfg.Prefix) {
		content = strings.TrimSpace(content[len(t.cfg.Prefix):])
		hasPrefix = true
	}

	if (hasPrefix || class == protocol.ClassAtSelf || class == protocol.ClassPrivate) && content != "" {
		if rule, token, ok := t.commands.Match(content); ok {
			if rule.RequiresElevated && !t.isElevated(msg) {
				metrics.CommandInvocations.WithLabelValues(rule.Name, "denied").Inc()
				logger.Info("command denied",
					zap.String("command", rule.Name),
					zap.String("author", authorID(msg)),
					zap.Stringer("class", class),
				)
				if class == protocol.ClassAtSelf && t.cfg.DeniedNotice != "" {
					t.reply(ctx, msg, class, t.cfg.DeniedNotice)
				}
				return Dropped
			}

			cmd := &Command{
				Name:    rule.Name,
				Token:   token,
				Args:    strings.TrimSpace(content[len(token):]),
				Class:   class,
				Message: msg,
				reply: func(ctx context.Context, text string) error {
					return t.reply(ctx, msg, class, text)
				},
			}
			t.invoke(ctx, rule, cmd)
			return ConsumedCommand
		}
	}

	if len(listeners) == 0 {
		return Dropped
	}
	for _, fn := range listeners {
		t.notify(ctx, fn, in)
	}
	return ConsumedGeneric
}

// stripMention 去掉开头的 @机器人
func (t *Triage) stripMention(content string) string {
	content = strings.TrimSpace(content)
	botID := t.BotID()
	if botID == "" {
		return content
	}
	for _, tag := range []string{"<@!" + botID + ">", "<@" + botID + ">"} {
		if strings.HasPrefix(content, tag) {
			return strings.TrimSpace(content[len(tag):])
		}
	}
	return content
}

func (t *Triage) isElevated(msg *protocol.Message) bool {
	if t.cfg.MasterID != "" && authorID(msg) == t.cfg.MasterID {
		return true
	}
	if msg.Member == nil {
		return false
	}
	for _, role := range msg.Member.Roles {
		if _, ok := t.elevated[role]; ok {
			return true
		}
	}
	return false
}

func (t *Triage) reply(ctx context.Context, msg *protocol.Message, class protocol.MessageClass, content string) error {
	if t.replier == nil {
		return nil
	}
	err := t.replier.Reply(ctx, msg, class == protocol.ClassPrivate, content)
	if err != nil {
		logger.Warn("reply failed",
			zap.String("msg_id", msg.ID),
			zap.String("channel_id", msg.ChannelID),
			zap.Error(err),
		)
	}
	return err
}

// invoke 执行指令，recover 处理函数 panic
func (t *Triage) invoke(ctx context.Context, rule Rule, cmd *Command) {
	result := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			logger.Error("command panic",
				zap.String("command", rule.Name),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
		metrics.CommandInvocations.WithLabelValues(rule.Name, result).Inc()
	}()

	if err := rule.Handler(ctx, cmd); err != nil {
		result = "error"
		logger.Warn("command failed",
			zap.String("command", rule.Name),
			zap.String("msg_id", cmd.Message.ID),
			zap.Error(err),
		)
	}
}

func (t *Triage) notify(ctx context.Context, fn MessageListener, in *Inbound) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("message listener panic",
				zap.String("msg_id", in.Message.ID),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(ctx, in)
}

func authorID(msg *protocol.Message) string {
	if msg.Author == nil {
		return ""
	}
	return msg.Author.ID
}
