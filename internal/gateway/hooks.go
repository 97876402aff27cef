package gateway

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/dispatch"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

// OnOpen 连接建立（收到 Hello 之前）
func (c *Client) OnOpen(fn func()) {
	c.hookMu.Lock()
	c.onOpen = append(c.onOpen, fn)
	c.hookMu.Unlock()
}

// OnClose 连接关闭，参数为关闭码
func (c *Client) OnClose(fn func(code int)) {
	c.hookMu.Lock()
	c.onClose = append(c.onClose, fn)
	c.hookMu.Unlock()
}

// OnOpcode 原始操作码回调，在状态机处理该帧之前同步调用
func (c *Client) OnOpcode(op protocol.Opcode, fn func(f *protocol.Frame)) {
	c.hookMu.Lock()
	c.onOpcode[op] = append(c.onOpcode[op], fn)
	c.hookMu.Unlock()
}

// OnReady 会话建立且已加入频道缓存填充完成
func (c *Client) OnReady(fn func(ev *protocol.ReadyEvent)) {
	c.hookMu.Lock()
	c.onReady = append(c.onReady, fn)
	c.hookMu.Unlock()
}

// OnResumed 会话恢复完成
func (c *Client) OnResumed(fn func()) {
	c.hookMu.Lock()
	c.onResumed = append(c.onResumed, fn)
	c.hookMu.Unlock()
}

// OnMessage 未被指令消费的消息回调
func (c *Client) OnMessage(fn dispatch.MessageListener) {
	c.triage.OnMessage(fn)
}

// SetMessageFilter 应用层消息过滤，返回 false 的消息被丢弃
func (c *Client) SetMessageFilter(f dispatch.Filter) {
	c.triage.SetFilter(f)
}

// AddCommand 注册指令
func (c *Client) AddCommand(name string, m dispatch.Matcher, requiresElevated bool, h dispatch.Handler) error {
	return c.triage.Commands().Add(dispatch.Rule{
		Name:             name,
		Matcher:          m,
		RequiresElevated: requiresElevated,
		Handler:          h,
	})
}

// RemoveCommand 注销指令
func (c *Client) RemoveCommand(name string) bool {
	return c.triage.Commands().Remove(name)
}

// OnGuild 频道事件
func (c *Client) OnGuild(fn func(ctx context.Context, ev *protocol.GuildEvent)) { c.router.OnGuild(fn) }

// OnChannel 子频道事件
func (c *Client) OnChannel(fn func(ctx context.Context, ev *protocol.ChannelEvent)) {
	c.router.OnChannel(fn)
}

// OnMember 成员事件
func (c *Client) OnMember(fn func(ctx context.Context, ev *protocol.MemberEvent)) {
	c.router.OnMember(fn)
}

// OnRole 身份组事件
func (c *Client) OnRole(fn func(ctx context.Context, ev *protocol.RoleEvent)) { c.router.OnRole(fn) }

// OnReaction 表情表态事件
func (c *Client) OnReaction(fn func(ctx context.Context, ev *protocol.ReactionEvent)) {
	c.router.OnReaction(fn)
}

// OnAudit 消息审核事件
func (c *Client) OnAudit(fn func(ctx context.Context, ev *protocol.AuditEvent)) { c.router.OnAudit(fn) }

// OnAudio 音频事件
func (c *Client) OnAudio(fn func(ctx context.Context, ev *protocol.AudioEvent)) { c.router.OnAudio(fn) }

// OnUnknown 未识别的事件
func (c *Client) OnUnknown(fn func(ctx context.Context, ev *protocol.UnknownEvent)) {
	c.router.OnUnknown(fn)
}

func (c *Client) fireOpen() {
	c.hookMu.RLock()
	hooks := c.onOpen
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		safeCall("open", fn)
	}
}

func (c *Client) fireClose(code int) {
	c.hookMu.RLock()
	hooks := c.onClose
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn := fn
		safeCall("close", func() { fn(code) })
	}
}

func (c *Client) fireOpcode(f *protocol.Frame) {
	c.hookMu.RLock()
	hooks := c.onOpcode[f.Op]
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn := fn
		safeCall(f.Op.String(), func() { fn(f) })
	}
}

func (c *Client) fireReady(ev *protocol.ReadyEvent) {
	c.hookMu.RLock()
	hooks := c.onReady
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn := fn
		safeCall("ready", func() { fn(ev) })
	}
}

func (c *Client) fireResumed() {
	c.hookMu.RLock()
	hooks := c.onResumed
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		safeCall("resumed", fn)
	}
}

// safeCall 回调 panic 不能中断接收循环
func safeCall(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("gateway hook panic",
				zap.String("hook", hook),
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	fn()
}
