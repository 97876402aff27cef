package gateway

import (
	"context"
	"fmt"
	"sync"

	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/dispatch"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

// Forwarder 事件转发（Kafka 等下游）
type Forwarder interface {
	Forward(ctx context.Context, f *protocol.Frame, ev protocol.Event)
}

// listeners 各类事件回调，按注册顺序调用
type listeners struct {
	guild    []func(ctx context.Context, ev *protocol.GuildEvent)
	channel  []func(ctx context.Context, ev *protocol.ChannelEvent)
	member   []func(ctx context.Context, ev *protocol.MemberEvent)
	role     []func(ctx context.Context, ev *protocol.RoleEvent)
	reaction []func(ctx context.Context, ev *protocol.ReactionEvent)
	audit    []func(ctx context.Context, ev *protocol.AuditEvent)
	audio    []func(ctx context.Context, ev *protocol.AudioEvent)
	unknown  []func(ctx context.Context, ev *protocol.UnknownEvent)
}

// Router 事件路由：维护已加入频道缓存，并将事件分发到回调和消息分发
type Router struct {
	guilds    *csmap.CsMap[string, protocol.Guild]
	triage    *dispatch.Triage
	pool      *Pool
	forwarder Forwarder

	mu sync.RWMutex
	ls listeners
}

// NewRouter 创建路由
func NewRouter(triage *dispatch.Triage, pool *Pool, forwarder Forwarder) *Router {
	return &Router{
		guilds: csmap.Create[string, protocol.Guild](
			csmap.WithShardCount[string, protocol.Guild](32),
		),
		triage:    triage,
		pool:      pool,
		forwarder: forwarder,
	}
}

// Route 处理一个已解码的 Dispatch 事件
func (r *Router) Route(ctx context.Context, f *protocol.Frame, ev protocol.Event) {
	metrics.DispatchEvents.WithLabelValues(string(ev.EventType())).Inc()

	if r.forwarder != nil {
		r.forwarder.Forward(ctx, f, ev)
	}

	switch e := ev.(type) {
	case *protocol.ReadyEvent, *protocol.ResumedEvent:
		// 连接事件由状态机处理
		return
	case *protocol.GuildEvent:
		r.updateGuild(e)
	case *protocol.UnknownEvent:
		logger.Debug("unknown dispatch event", zap.String("event", string(e.Type)))
	}

	r.pool.Submit(protocol.GuildID(ev), func() {
		r.deliver(ctx, ev)
	})
}

// updateGuild 在接收协程内同步更新频道缓存
func (r *Router) updateGuild(e *protocol.GuildEvent) {
	switch e.Type {
	case protocol.EventGuildCreate, protocol.EventGuildUpdate:
		r.guilds.Store(e.Guild.ID, e.Guild)
	case protocol.EventGuildDelete:
		r.guilds.Delete(e.Guild.ID)
	}
	metrics.GuildCacheSize.Set(float64(r.guilds.Count()))
}

// ReplaceGuilds 用全量列表重建频道缓存（READY 后）
func (r *Router) ReplaceGuilds(guilds []protocol.Guild) {
	keep := make(map[string]struct{}, len(guilds))
	for _, g := range guilds {
		keep[g.ID] = struct{}{}
	}

	var stale []string
	r.guilds.Range(func(id string, _ protocol.Guild) bool {
		if _, ok := keep[id]; !ok {
			stale = append(stale, id)
		}
		return false
	})
	for _, id := range stale {
		r.guilds.Delete(id)
	}
	for _, g := range guilds {
		r.guilds.Store(g.ID, g)
	}
	metrics.GuildCacheSize.Set(float64(r.guilds.Count()))
}

// Guild 查询已加入的频道
func (r *Router) Guild(id string) (protocol.Guild, bool) {
	return r.guilds.Load(id)
}

// Guilds 返回已加入频道的快照
func (r *Router) Guilds() []protocol.Guild {
	out := make([]protocol.Guild, 0, r.guilds.Count())
	r.guilds.Range(func(_ string, g protocol.Guild) bool {
		out = append(out, g)
		return false
	})
	return out
}

// GuildCount 已加入频道数
func (r *Router) GuildCount() int {
	return r.guilds.Count()
}

func (r *Router) deliver(ctx context.Context, ev protocol.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("event listener panic",
				zap.String("event", string(ev.EventType())),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()

	r.mu.RLock()
	ls := r.ls
	r.mu.RUnlock()

	switch e := ev.(type) {
	case *protocol.GuildEvent:
		for _, fn := range ls.guild {
			fn(ctx, e)
		}
	case *protocol.ChannelEvent:
		for _, fn := range ls.channel {
			fn(ctx, e)
		}
	case *protocol.MemberEvent:
		for _, fn := range ls.member {
			fn(ctx, e)
		}
	case *protocol.RoleEvent:
		for _, fn := range ls.role {
			fn(ctx, e)
		}
	case *protocol.ReactionEvent:
		for _, fn := range ls.reaction {
			fn(ctx, e)
		}
	case *protocol.AuditEvent:
		for _, fn := range ls.audit {
			fn(ctx, e)
		}
	case *protocol.AudioEvent:
		for _, fn := range ls.audio {
			fn(ctx, e)
		}
	case *protocol.MessageEvent:
		r.triage.Handle(ctx, e)
	case *protocol.UnknownEvent:
		for _, fn := range ls.unknown {
			fn(ctx, e)
		}
	}
}

// OnGuild 注册频道事件回调
func (r *Router) OnGuild(fn func(ctx context.Context, ev *protocol.GuildEvent)) {
	r.mu.Lock()
	r.ls.guild = append(r.ls.guild, fn)
	r.mu.Unlock()
}

// OnChannel 注册子频道事件回调
func (r *Router) OnChannel(fn func(ctx context.Context, ev *protocol.ChannelEvent)) {
	r.mu.Lock()
	r.ls.channel = append(r.ls.channel, fn)
	r.mu.Unlock()
}

// OnMember 注册成员事件回调
func (r *Router) OnMember(fn func(ctx context.Context, ev *protocol.MemberEvent)) {
	r.mu.Lock()
	r.ls.member = append(r.ls.member, fn)
	r.mu.Unlock()
}

// OnRole 注册身份组事件回调
func (r *Router) OnRole(fn func(ctx context.Context, ev *protocol.RoleEvent)) {
	r.mu.Lock()
	r.ls.role = append(r.ls.role, fn)
	r.mu.Unlock()
}

// OnReaction 注册表情表态回调
func (r *Router) OnReaction(fn func(ctx context.Context, ev *protocol.ReactionEvent)) {
	r.mu.Lock()
	r.ls.reaction = append(r.ls.reaction, fn)
	r.mu.Unlock()
}

// OnAudit 注册消息审核回调
func (r *Router) OnAudit(fn func(ctx context.Context, ev *protocol.AuditEvent)) {
	r.mu.Lock()
	r.ls.audit = append(r.ls.audit, fn)
	r.mu.Unlock()
}

// OnAudio 注册音频事件回调
func (r *Router) OnAudio(fn func(ctx context.Context, ev *protocol.AudioEvent)) {
	r.mu.Lock()
	r.ls.audio = append(r.ls.audio, fn)
	r.mu.Unlock()
}

// OnUnknown 注册未知事件回调
func (r *Router) OnUnknown(fn func(ctx context.Context, ev *protocol.UnknownEvent)) {
	r.mu.Lock()
	r.ls.unknown = append(r.ls.unknown, fn)
	r.mu.Unlock()
}
