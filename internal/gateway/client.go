// Package gateway 网关连接状态机：鉴权、心跳、断线恢复与事件路由
package gateway

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/dispatch"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/internal/store"
	"github.com/qiminjie89/guildbot/pkg/config"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
	"github.com/qiminjie89/guildbot/pkg/transport"
)

var (
	ErrInitialConnectExhausted = errors.New("gateway: initial connect retries exhausted")
	ErrAlreadyRunning          = errors.New("gateway: client already running")

	errHeartbeatTimeout   = errors.New("gateway: heartbeat ack timeout")
	errReconnectRequested = errors.New("gateway: server requested reconnect")
	errHandshakeTimeout   = errors.New("gateway: session not established before deadline")
)

const storeTimeout = 3 * time.Second

// API 网关依赖的动作通道能力
type API interface {
	GatewayBot(ctx context.Context) (*protocol.GatewayInfo, error)
	AllGuilds(ctx context.Context) ([]protocol.Guild, error)
	Token() string
}

// Option 客户端选项
type Option func(*Client)

// WithTransport 指定传输工厂
func WithTransport(f transport.Factory) Option {
	return func(c *Client) { c.newTransport = f }
}

// WithClock 注入时钟（测试使用 FakeClock）
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithStore 会话持久化
func WithStore(s store.SessionStore) Option {
	return func(c *Client) { c.store = s }
}

// WithForwarder 事件转发
func WithForwarder(f Forwarder) Option {
	return func(c *Client) { c.forwarder = f }
}

// WithReplier 指令回复使用的动作通道
func WithReplier(r dispatch.Replier) Option {
	return func(c *Client) { c.replier = r }
}

type frameAction int

const (
	actionNone frameAction = iota
	actionReconnect
	actionInvalidSession
	actionEstablished // READY 或 RESUMED
)

// Client 网关客户端，一个实例对应一个分片连接
type Client struct {
	cfg          *config.BotConfig
	api          API
	newTransport transport.Factory
	clock        clockwork.Clock
	store        store.SessionStore
	forwarder    Forwarder
	replier      dispatch.Replier
	intents      protocol.Intent

	triage *dispatch.Triage
	pool   *Pool
	router *Router
	hb     *heartbeat

	// 以下字段只由连接所属协程写入，读取走快照
	mu          sync.RWMutex
	state       protocol.ConnectionState
	session     Session
	gatewayURL  string
	bot         protocol.User
	everReady   bool
	readyCount  uint64
	connectedAt time.Time

	hookMu    sync.RWMutex
	onOpen    []func()
	onClose   []func(code int)
	onOpcode  map[protocol.Opcode][]func(f *protocol.Frame)
	onReady   []func(ev *protocol.ReadyEvent)
	onResumed []func()

	running  atomic.Bool
	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// New 创建网关客户端
func New(cfg *config.BotConfig, api API, opts ...Option) (*Client, error) {
	intents, err := protocol.ParseIntents(cfg.Bot.Intents)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		api:      api,
		clock:    clockwork.NewRealClock(),
		intents:  intents,
		onOpcode: make(map[protocol.Opcode][]func(f *protocol.Frame)),
		session: Session{
			ShardIndex: cfg.Bot.ShardIndex,
			ShardCount: cfg.Bot.ShardCount,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newTransport == nil {
		c.newTransport = transport.NewWebSocketFactory(transport.WebSocketConfig{
			ReadBufferSize:   cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:  cfg.WebSocket.WriteBufferSize,
			HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
			WriteTimeout:     cfg.WebSocket.WriteTimeout,
		})
	}

	c.triage = dispatch.NewTriage(dispatch.Config{
		Prefix:        cfg.Bot.CommandPrefix,
		MasterID:      cfg.Bot.MasterID,
		ElevatedRoles: cfg.Bot.ElevatedRoles,
		DeniedNotice:  cfg.Bot.DeniedNotice,
		Intents:       intents,
	}, dispatch.NewRegistry(), c.replier)
	c.pool = NewPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	c.router = NewRouter(c.triage, c.pool, c.forwarder)
	c.hb = newHeartbeat(c.clock)

	return c, nil
}

// Run 连接网关并保持连接，直到 ctx 结束或 Close。
// 首次 Ready 之前重试次数耗尽时返回 ErrInitialConnectExhausted。
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()
	defer cancel()

	c.pool.Start(ctx)
	defer c.pool.Stop()

	c.restoreSession(ctx)

	var (
		attempts int // 首次 Ready 之前的失败次数
		failures int // Ready 之后的连续失败次数
	)
	for {
		phase := "initial"
		if c.EverReady() {
			phase = "reconnect"
		}
		metrics.GatewayConnectAttempts.WithLabelValues(phase).Inc()

		readyBefore := c.readyCounter()
		err := c.connect(ctx)
		if ctx.Err() != nil {
			c.setState(protocol.StateDisconnected)
			return nil
		}

		var delay time.Duration
		if !c.EverReady() {
			attempts++
			if attempts >= c.cfg.Gateway.InitialRetries {
				logger.Error("gateway initial connect failed",
					zap.Int("attempts", attempts),
					zap.Error(err),
				)
				return fmt.Errorf("%w after %d attempts: %w", ErrInitialConnectExhausted, attempts, err)
			}
			delay = InitialRetryDelay(c.cfg.Gateway, attempts)
		} else {
			if c.readyCounter() != readyBefore {
				failures = 0
			}
			failures++
			delay = ReconnectDelay(c.cfg.Gateway, failures)
		}

		logger.Warn("gateway connection lost",
			zap.String("phase", phase),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)

		if delay > 0 {
			select {
			case <-ctx.Done():
				c.setState(protocol.StateDisconnected)
				return nil
			case <-c.clock.After(delay):
			}
		}
	}
}

// Close 关闭客户端，Run 随之返回
func (c *Client) Close() error {
	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()

	if cancel != nil {
		c.setState(protocol.StateClosing)
		cancel()
	}
	return nil
}

// connect 完成一次连接的完整生命周期
func (c *Client) connect(ctx context.Context) error {
	log := logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.Int("shard", c.cfg.Bot.ShardIndex),
	)
	c.setState(protocol.StateConnecting)

	resume := c.Session().CanResume()
	uri := c.GatewayURL()
	if !resume || uri == "" {
		info, err := c.api.GatewayBot(ctx)
		if err != nil {
			c.setState(protocol.StateDisconnected)
			return fmt.Errorf("gateway: discovery: %w", err)
		}
		uri = info.URL
		if !resume {
			if err := c.waitSessionLimit(ctx, info.SessionStartLimit, log); err != nil {
				return err
			}
		}
	}

	tr := c.newTransport()
	openCtx, cancel := context.WithTimeout(ctx, c.cfg.WebSocket.HandshakeTimeout)
	err := tr.Open(openCtx, uri)
	cancel()
	if err != nil {
		c.setState(protocol.StateDisconnected)
		return fmt.Errorf("gateway: open %s: %w", uri, err)
	}

	c.mu.Lock()
	c.gatewayURL = uri
	c.connectedAt = c.clock.Now()
	c.mu.Unlock()
	c.setState(protocol.StateAwaitingHello)

	log.Info("gateway connected", zap.String("url", uri), zap.Bool("resume", resume))
	c.fireOpen()

	frames := make(chan *protocol.Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop(tr, frames, readErr, stop, log)
	}()

	err = c.serve(ctx, tr, frames, readErr, log)

	close(stop)
	if tr.State() != transport.StateClosed {
		tr.Close(protocol.CloseCodeNormal)
	}
	<-readerDone
	c.hb.stop()

	code := tr.CloseCode()
	c.disconnected(code)
	log.Info("gateway closed",
		zap.Int("close_code", code),
		zap.String("reason", protocol.CloseReason(code)),
		zap.Bool("resumable", c.Session().CanResume()),
	)
	c.fireClose(code)

	return err
}

// waitSessionLimit 会话创建额度用尽时等待额度重置
func (c *Client) waitSessionLimit(ctx context.Context, limit protocol.SessionStartLimit, log *zap.Logger) error {
	if limit.Total <= 0 || limit.Remaining > 0 || limit.ResetAfter <= 0 {
		return nil
	}

	wait := time.Duration(limit.ResetAfter) * time.Millisecond
	log.Warn("session start limit reached, waiting for reset", zap.Duration("reset_after", wait))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clock.After(wait):
		return nil
	}
}

// readLoop 读协程：只负责读取和解码，所有状态变更交给 serve
func (c *Client) readLoop(tr transport.Transport, frames chan<- *protocol.Frame, readErr chan<- error, stop <-chan struct{}, log *zap.Logger) {
	for {
		data, err := tr.Receive()
		if err != nil {
			readErr <- err
			return
		}

		f, err := protocol.DecodeFrame(data)
		if err != nil {
			log.Warn("drop invalid frame", zap.Int("len", len(data)), zap.Error(err))
			continue
		}

		select {
		case frames <- f:
		case <-stop:
			return
		}
	}
}

// serve 连接所属协程：串行处理帧、心跳、会话失效定时器和建连期限
func (c *Client) serve(ctx context.Context, tr transport.Transport, frames <-chan *protocol.Frame, readErr <-chan error, log *zap.Logger) error {
	var (
		invalidTimer  clockwork.Timer
		invalidC      <-chan time.Time
		deadlineTimer clockwork.Timer
		deadlineC     <-chan time.Time
	)
	// 从打开连接到 READY/RESUMED 必须在期限内完成
	armDeadline := func() {
		if d := c.cfg.Gateway.HandshakeDeadline; d > 0 {
			deadlineTimer = c.clock.NewTimer(d)
			deadlineC = deadlineTimer.Chan()
		}
	}
	armDeadline()
	defer func() {
		if invalidTimer != nil {
			invalidTimer.Stop()
		}
		if deadlineTimer != nil {
			deadlineTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			code := protocol.CloseCodeNormal
			if c.store != nil && c.Session().ID != "" {
				// 保留会话，下次启动可 Resume
				code = protocol.CloseCodeResume
			}
			tr.Close(code)
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-c.hb.C():
			if !c.hb.due() {
				log.Warn("heartbeat ack missing, reconnecting")
				tr.Close(protocol.CloseCodeResume)
				return errHeartbeatTimeout
			}
			c.sendHeartbeat(tr, log)

		case <-invalidC:
			invalidC = nil
			c.identify(tr, log)

		case <-deadlineC:
			log.Warn("session not established in time",
				zap.Duration("deadline", c.cfg.Gateway.HandshakeDeadline),
				zap.Stringer("state", c.State()),
			)
			tr.Close(protocol.CloseCodeAbnormal)
			return errHandshakeTimeout

		case f := <-frames:
			switch c.handleFrame(ctx, tr, f, log) {
			case actionReconnect:
				log.Info("server requested reconnect")
				tr.Close(protocol.CloseCodeResume)
				return errReconnectRequested
			case actionInvalidSession:
				if invalidTimer != nil {
					invalidTimer.Stop()
				}
				invalidTimer = c.clock.NewTimer(c.cfg.Gateway.InvalidSessionDelay)
				invalidC = invalidTimer.Chan()
				if deadlineC == nil {
					armDeadline()
				}
			case actionEstablished:
				if deadlineTimer != nil {
					deadlineTimer.Stop()
				}
				deadlineC = nil
			}
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, tr transport.Transport, f *protocol.Frame, log *zap.Logger) frameAction {
	c.fireOpcode(f)

	switch f.Op {
	case protocol.OpHello:
		var hello protocol.HelloData
		if err := protocol.DecodePayload(f.D, &hello); err != nil {
			log.Warn("invalid hello payload", zap.Error(err))
			return actionNone
		}
		interval := clampInterval(hello.HeartbeatInterval, c.cfg.Gateway.MaxHeartbeatInterval)
		c.hb.start(interval)

		if c.Session().CanResume() {
			c.resume(tr, log)
		} else {
			c.identify(tr, log)
		}

	case protocol.OpHeartbeat:
		c.sendHeartbeat(tr, log)

	case protocol.OpHeartbeatAck:
		c.hb.ack()

	case protocol.OpReconnect:
		return actionReconnect

	case protocol.OpInvalidSession:
		log.Warn("session invalidated by server",
			zap.String("session_id", c.Session().ID),
			zap.Duration("identify_in", c.cfg.Gateway.InvalidSessionDelay),
		)
		c.mu.Lock()
		c.session.invalidate()
		c.mu.Unlock()
		c.setState(protocol.StateIdentifying)
		metrics.GatewaySessions.WithLabelValues("invalidated").Inc()
		c.persistSession(log)
		return actionInvalidSession

	case protocol.OpDispatch:
		return c.handleDispatch(ctx, f, log)

	default:
		log.Debug("unhandled opcode", zap.Stringer("op", f.Op))
	}
	return actionNone
}

func (c *Client) handleDispatch(ctx context.Context, f *protocol.Frame, log *zap.Logger) frameAction {
	c.mu.Lock()
	if c.session.observe(f.S) {
		metrics.GatewaySequence.Set(float64(f.S))
	}
	c.mu.Unlock()

	if f.T == "" {
		log.Warn("dispatch without event type", zap.Int64("seq", f.S))
		return actionNone
	}

	ev, err := protocol.DecodeEvent(f.T, f.D)
	if err != nil {
		metrics.DispatchDecodeErrors.WithLabelValues(string(f.T)).Inc()
		log.Warn("decode dispatch failed", zap.String("event", string(f.T)), zap.Error(err))
		return actionNone
	}

	action := actionNone
	switch e := ev.(type) {
	case *protocol.ReadyEvent:
		c.ready(ctx, e, log)
		action = actionEstablished
	case *protocol.ResumedEvent:
		c.resumed(log)
		action = actionEstablished
	}

	c.router.Route(ctx, f, ev)
	return action
}

func (c *Client) ready(ctx context.Context, e *protocol.ReadyEvent, log *zap.Logger) {
	c.mu.Lock()
	c.session.ID = e.SessionID
	c.session.Resumable = false
	if e.Shard[1] > 0 {
		c.session.ShardIndex, c.session.ShardCount = e.Shard[0], e.Shard[1]
	}
	c.bot = e.User
	c.everReady = true
	c.readyCount++
	c.mu.Unlock()

	c.triage.SetBotID(e.User.ID)
	metrics.GatewaySessions.WithLabelValues("identify").Inc()

	c.hydrateGuilds(ctx, log)
	c.setState(protocol.StateReady)
	c.persistSession(log)

	log.Info("gateway ready",
		zap.String("session_id", e.SessionID),
		zap.String("bot_id", e.User.ID),
		zap.Int("guilds", c.router.GuildCount()),
	)
	c.fireReady(e)
}

func (c *Client) resumed(log *zap.Logger) {
	c.mu.Lock()
	c.session.Resumable = false
	c.readyCount++
	c.mu.Unlock()

	metrics.GatewaySessions.WithLabelValues("resume").Inc()
	c.setState(protocol.StateReady)
	c.persistSession(log)

	log.Info("gateway resumed", zap.Int64("seq", c.Session().LastSequence))
	c.fireResumed()
}

// hydrateGuilds READY 后同步拉取已加入频道
func (c *Client) hydrateGuilds(ctx context.Context, log *zap.Logger) {
	if c.cfg.Gateway.HydrateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Gateway.HydrateTimeout)
		defer cancel()
	}

	guilds, err := c.api.AllGuilds(ctx)
	if err != nil {
		log.Warn("hydrate guilds failed", zap.Int("fetched", len(guilds)), zap.Error(err))
		if len(guilds) == 0 {
			return
		}
	}
	c.router.ReplaceGuilds(guilds)
}

// disconnected 根据关闭码决定下次连接是 Resume 还是重新 Identify
func (c *Client) disconnected(code int) {
	c.mu.Lock()
	if protocol.IsResumable(code) && c.session.ID != "" {
		c.session.Resumable = true
	} else {
		c.session.invalidate()
	}
	c.mu.Unlock()

	c.setState(protocol.StateDisconnected)
	metrics.GatewayDisconnects.WithLabelValues(protocol.CloseReason(code)).Inc()
	c.persistSession(logger.L())
}

func (c *Client) identify(tr transport.Transport, log *zap.Logger) {
	c.setState(protocol.StateIdentifying)

	sess := c.Session()
	err := c.send(tr, protocol.OpIdentify, protocol.IdentifyData{
		Token:   c.api.Token(),
		Intents: c.intents,
		Shard:   [2]int{sess.ShardIndex, sess.ShardCount},
		Properties: map[string]string{
			"$os":      runtime.GOOS,
			"$browser": "guildbot",
			"$device":  "guildbot",
		},
	})
	if err != nil {
		log.Warn("send identify failed", zap.Error(err))
	}
}

func (c *Client) resume(tr transport.Transport, log *zap.Logger) {
	c.setState(protocol.StateResuming)

	sess := c.Session()
	err := c.send(tr, protocol.OpResume, protocol.ResumeData{
		Token:     c.api.Token(),
		SessionID: sess.ID,
		Seq:       sess.LastSequence,
	})
	if err != nil {
		log.Warn("send resume failed", zap.Error(err))
	}
}

func (c *Client) sendHeartbeat(tr transport.Transport, log *zap.Logger) {
	if err := c.send(tr, protocol.OpHeartbeat, c.Session().LastSequence); err != nil {
		log.Warn("send heartbeat failed", zap.Error(err))
	}
}

func (c *Client) send(tr transport.Transport, op protocol.Opcode, payload interface{}) error {
	f, err := protocol.NewFrame(op, payload)
	if err != nil {
		return err
	}
	data, err := protocol.EncodeFrame(f)
	if err != nil {
		return err
	}
	return tr.Send(data)
}

// restoreSession 启动时恢复上次保存的可恢复会话
func (c *Client) restoreSession(ctx context.Context) {
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	rec, err := c.store.Load(ctx)
	if err != nil {
		logger.Warn("load session failed", zap.Error(err))
		return
	}
	if rec == nil || !rec.Resumable || rec.SessionID == "" {
		return
	}

	c.mu.Lock()
	c.session.ID = rec.SessionID
	c.session.LastSequence = rec.LastSequence
	c.session.Resumable = true
	c.gatewayURL = rec.GatewayURL
	c.mu.Unlock()

	logger.Info("session restored",
		zap.String("session_id", rec.SessionID),
		zap.Int64("seq", rec.LastSequence),
		zap.Time("saved_at", rec.SavedAt),
	)
}

func (c *Client) persistSession(log *zap.Logger) {
	if c.store == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	c.mu.RLock()
	sess, uri, botID := c.session, c.gatewayURL, c.bot.ID
	c.mu.RUnlock()

	var err error
	if sess.ID == "" {
		err = c.store.Delete(ctx)
	} else {
		err = c.store.Save(ctx, sess.record(uri, botID, c.clock.Now()))
	}
	if err != nil {
		log.Warn("persist session failed", zap.Error(err))
	}
}

func (c *Client) setState(s protocol.ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.GatewayState.Set(float64(s))
}

func (c *Client) readyCounter() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.readyCount
}

// ========== 快照 ==========

// State 当前连接状态
func (c *Client) State() protocol.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Session 会话快照
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// GatewayURL 缓存的网关地址
func (c *Client) GatewayURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gatewayURL
}

// BotUser 机器人自身信息（READY 后有效）
func (c *Client) BotUser() protocol.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

// EverReady 是否曾经进入 Ready
func (c *Client) EverReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.everReady
}

// ConnectedAt 当前连接建立时间
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// Heartbeat 心跳快照
func (c *Client) Heartbeat() HeartbeatSchedule {
	return c.hb.snapshot()
}

// Guilds 已加入频道快照
func (c *Client) Guilds() []protocol.Guild {
	return c.router.Guilds()
}

// Guild 查询已加入频道
func (c *Client) Guild(id string) (protocol.Guild, bool) {
	return c.router.Guild(id)
}

// Router 事件路由（注册事件回调）
func (c *Client) Router() *Router {
	return c.router
}

// Triage 消息分发
func (c *Client) Triage() *dispatch.Triage {
	return c.triage
}
