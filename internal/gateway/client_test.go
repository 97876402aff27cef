package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiminjie89/guildbot/internal/dispatch"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/internal/store"
	"github.com/qiminjie89/guildbot/pkg/config"
	"github.com/qiminjie89/guildbot/pkg/transport"
)

const (
	testInterval = 30 * time.Second
	waitTimeout  = 2 * time.Second
)

var errDialRefused = errors.New("dial refused")

// fakeTransport 基于 channel 的传输，测试侧扮演网关服务端
type fakeTransport struct {
	in      chan []byte
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
	openErr error

	state atomic.Int32
	code  atomic.Int32
}

func newFakeTransport(openErr error) *fakeTransport {
	return &fakeTransport{
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 64),
		closed:  make(chan struct{}),
		openErr: openErr,
	}
}

func (f *fakeTransport) Open(ctx context.Context, uri string) error {
	if f.openErr != nil {
		f.Close(protocol.CloseCodeAbnormal)
		return f.openErr
	}
	f.state.Store(int32(transport.StateOpen))
	return nil
}

func (f *fakeTransport) Send(frame []byte) error {
	select {
	case <-f.closed:
		return transport.ErrClosed
	default:
	}
	f.out <- frame
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, transport.ErrClosed
	}
}

func (f *fakeTransport) Close(code int) error {
	f.once.Do(func() {
		f.code.Store(int32(code))
		f.state.Store(int32(transport.StateClosed))
		close(f.closed)
	})
	return nil
}

func (f *fakeTransport) State() transport.State { return transport.State(f.state.Load()) }
func (f *fakeTransport) CloseCode() int         { return int(f.code.Load()) }

func (f *fakeTransport) push(t *testing.T, op protocol.Opcode, payload interface{}, seq int64, typ protocol.EventType) {
	t.Helper()
	frame, err := protocol.NewFrame(op, payload)
	require.NoError(t, err)
	frame.S, frame.T = seq, typ
	data, err := protocol.EncodeFrame(frame)
	require.NoError(t, err)
	f.in <- data
}

func (f *fakeTransport) hello(t *testing.T) {
	f.push(t, protocol.OpHello, protocol.HelloData{HeartbeatInterval: testInterval.Milliseconds()}, 0, "")
}

func (f *fakeTransport) dispatch(t *testing.T, seq int64, typ protocol.EventType, payload interface{}) {
	f.push(t, protocol.OpDispatch, payload, seq, typ)
}

func (f *fakeTransport) ready(t *testing.T, seq int64, sessionID string) {
	f.dispatch(t, seq, protocol.EventReady, protocol.Ready{
		Version:   1,
		SessionID: sessionID,
		User:      protocol.User{ID: "42", Username: "bot", Bot: true},
		Shard:     [2]int{0, 1},
	})
}

// expect 等待客户端发出的下一帧
func (f *fakeTransport) expect(t *testing.T, op protocol.Opcode) *protocol.Frame {
	t.Helper()
	select {
	case data := <-f.out:
		frame, err := protocol.DecodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, op, frame.Op, "unexpected frame %s", data)
		return frame
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", op)
		return nil
	}
}

func (f *fakeTransport) waitClosed(t *testing.T) int {
	t.Helper()
	select {
	case <-f.closed:
		return f.CloseCode()
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for transport close")
		return 0
	}
}

type fakeAPI struct {
	discoveries atomic.Int32
	guilds      []protocol.Guild
	limit       protocol.SessionStartLimit
}

func (a *fakeAPI) GatewayBot(ctx context.Context) (*protocol.GatewayInfo, error) {
	a.discoveries.Add(1)
	return &protocol.GatewayInfo{URL: "wss://gateway.test/websocket", Shards: 1, SessionStartLimit: a.limit}, nil
}

func (a *fakeAPI) AllGuilds(ctx context.Context) ([]protocol.Guild, error) {
	return a.guilds, nil
}

func (a *fakeAPI) Token() string { return "Bot 1.secret" }

type recordingReplier struct {
	mu      sync.Mutex
	replies []string
}

func (r *recordingReplier) Reply(ctx context.Context, msg *protocol.Message, direct bool, content string) error {
	r.mu.Lock()
	r.replies = append(r.replies, content)
	r.mu.Unlock()
	return nil
}

type harness struct {
	clock   *clockwork.FakeClock
	api     *fakeAPI
	store   store.SessionStore
	created chan *fakeTransport
	client  *Client

	ready   chan *protocol.ReadyEvent
	resumed chan struct{}
	guilds  chan *protocol.GuildEvent

	// failOpen 为 true 时新建的连接全部打开失败
	failOpen atomic.Bool

	finished chan struct{}
	runErr   error
}

type harnessOpts struct {
	openErr  error
	store    store.SessionStore
	replier  dispatch.Replier
	deadline time.Duration
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Bot.AppID = "1"
	cfg.Bot.Token = "secret"
	cfg.Dispatch.Workers = 0
	if o.deadline > 0 {
		cfg.Gateway.HandshakeDeadline = o.deadline
	}

	h := &harness{
		clock: clockwork.NewFakeClock(),
		api: &fakeAPI{guilds: []protocol.Guild{
			{ID: "g1", Name: "one"},
			{ID: "g2", Name: "two"},
		}},
		store:    o.store,
		created:  make(chan *fakeTransport, 8),
		ready:    make(chan *protocol.ReadyEvent, 8),
		resumed:  make(chan struct{}, 8),
		guilds:   make(chan *protocol.GuildEvent, 16),
		finished: make(chan struct{}),
	}

	opts := []Option{
		WithClock(h.clock),
		WithTransport(func() transport.Transport {
			openErr := o.openErr
			if openErr == nil && h.failOpen.Load() {
				openErr = errDialRefused
			}
			tr := newFakeTransport(openErr)
			h.created <- tr
			return tr
		}),
	}
	if o.store != nil {
		opts = append(opts, WithStore(o.store))
	}
	if o.replier != nil {
		opts = append(opts, WithReplier(o.replier))
	}

	c, err := New(cfg, h.api, opts...)
	require.NoError(t, err)
	h.client = c

	c.OnReady(func(ev *protocol.ReadyEvent) { h.ready <- ev })
	c.OnResumed(func() { h.resumed <- struct{}{} })
	c.OnGuild(func(ctx context.Context, ev *protocol.GuildEvent) { h.guilds <- ev })

	t.Cleanup(func() {
		c.Close()
		select {
		case <-h.finished:
		case <-time.After(waitTimeout):
		}
	})
	return h
}

func (h *harness) run() {
	go func() {
		h.runErr = h.client.Run(context.Background())
		close(h.finished)
	}()
}

// wait 等待 Run 返回
func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-h.finished:
		return h.runErr
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func (h *harness) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-h.created:
		return tr
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a new connection")
		return nil
	}
}

// waitRetry 等待上一个连接清理完毕、Run 进入重试等待
func (h *harness) waitRetry(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.client.State() == protocol.StateDisconnected
	}, waitTimeout, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
}

func (h *harness) waitReady(t *testing.T) *protocol.ReadyEvent {
	t.Helper()
	select {
	case ev := <-h.ready:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for ready")
		return nil
	}
}

func (h *harness) waitResumed(t *testing.T) {
	t.Helper()
	select {
	case <-h.resumed:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for resumed")
	}
}

func (h *harness) waitGuild(t *testing.T) *protocol.GuildEvent {
	t.Helper()
	select {
	case ev := <-h.guilds:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for guild event")
		return nil
	}
}

// connectReady 完成 Hello -> Identify -> READY
func (h *harness) connectReady(t *testing.T, sessionID string) *fakeTransport {
	t.Helper()
	tr := h.next(t)
	tr.hello(t)
	tr.expect(t, protocol.OpIdentify)
	tr.ready(t, 1, sessionID)
	h.waitReady(t)
	return tr
}

func TestIdentifyThenReady(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()

	tr := h.next(t)
	tr.hello(t)

	f := tr.expect(t, protocol.OpIdentify)
	var id protocol.IdentifyData
	require.NoError(t, protocol.DecodePayload(f.D, &id))
	assert.Equal(t, "Bot 1.secret", id.Token)
	assert.Equal(t, [2]int{0, 1}, id.Shard)
	assert.True(t, id.Intents.Has(protocol.IntentPublicGuildMessages))

	tr.ready(t, 1, "s1")
	ev := h.waitReady(t)
	assert.Equal(t, "s1", ev.SessionID)

	// OnReady 触发时频道缓存已填充
	assert.Equal(t, protocol.StateReady, h.client.State())
	assert.Len(t, h.client.Guilds(), 2)
	assert.Equal(t, "42", h.client.BotUser().ID)
	assert.Equal(t, "42", h.client.Triage().BotID())
	assert.Equal(t, "s1", h.client.Session().ID)
	assert.Equal(t, int64(1), h.client.Session().LastSequence)
	assert.Equal(t, testInterval, h.client.Heartbeat().Interval)
	assert.Equal(t, int32(1), h.api.discoveries.Load())
}

func TestSequenceNeverDecreases(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	for _, seq := range []int64{5, 3, 7} {
		tr.dispatch(t, seq, protocol.EventGuildCreate, protocol.Guild{ID: "g9"})
		h.waitGuild(t)
	}
	assert.Equal(t, int64(7), h.client.Session().LastSequence)

	h.clock.Advance(testInterval)
	f := tr.expect(t, protocol.OpHeartbeat)
	assert.JSONEq(t, "7", string(f.D))
}

func TestGuildCacheFollowsEvents(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	tr.dispatch(t, 2, protocol.EventGuildCreate, protocol.Guild{ID: "g3", Name: "three"})
	h.waitGuild(t)
	tr.dispatch(t, 3, protocol.EventGuildDelete, protocol.Guild{ID: "g1"})
	h.waitGuild(t)

	_, ok := h.client.Guild("g1")
	assert.False(t, ok)
	g, ok := h.client.Guild("g3")
	require.True(t, ok)
	assert.Equal(t, "three", g.Name)
	assert.Len(t, h.client.Guilds(), 2)
}

func TestResumeAfterSessionTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	tr.dispatch(t, 4, protocol.EventGuildCreate, protocol.Guild{ID: "g9"})
	h.waitGuild(t)
	tr.Close(protocol.CloseCodeResume)

	tr2 := h.next(t)
	tr2.hello(t)
	f := tr2.expect(t, protocol.OpResume)

	var rd protocol.ResumeData
	require.NoError(t, protocol.DecodePayload(f.D, &rd))
	assert.Equal(t, "s1", rd.SessionID)
	assert.Equal(t, int64(4), rd.Seq)

	tr2.dispatch(t, 5, protocol.EventResumed, nil)
	h.waitResumed(t)

	assert.Equal(t, protocol.StateReady, h.client.State())
	// 恢复时复用缓存的网关地址
	assert.Equal(t, int32(1), h.api.discoveries.Load())
}

func TestNonResumableCloseIdentifiesAgain(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	tr.Close(protocol.CloseCodeInvalidSession)

	tr2 := h.next(t)
	tr2.hello(t)
	tr2.expect(t, protocol.OpIdentify)
	assert.Equal(t, "", h.client.Session().ID)
	assert.Equal(t, int32(2), h.api.discoveries.Load())

	tr2.ready(t, 1, "s2")
	h.waitReady(t)
	assert.Equal(t, "s2", h.client.Session().ID)
}

func TestMissedAckClosesWithResume(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	h.clock.Advance(testInterval)
	tr.expect(t, protocol.OpHeartbeat)
	assert.True(t, h.client.Heartbeat().AckPending)

	h.clock.Advance(testInterval)
	assert.Equal(t, protocol.CloseCodeResume, tr.waitClosed(t))

	tr2 := h.next(t)
	tr2.hello(t)
	tr2.expect(t, protocol.OpResume)
}

func TestAckKeepsConnectionAlive(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	for i := 0; i < 3; i++ {
		h.clock.Advance(testInterval)
		tr.expect(t, protocol.OpHeartbeat)
		tr.push(t, protocol.OpHeartbeatAck, nil, 0, "")
		// 帧串行处理，收到后续事件说明 ack 已处理
		tr.dispatch(t, int64(i+2), protocol.EventGuildUpdate, protocol.Guild{ID: "g1"})
		h.waitGuild(t)
		assert.False(t, h.client.Heartbeat().AckPending)
	}
	assert.Equal(t, transport.StateOpen, tr.State())
}

func TestServerHeartbeatRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	tr.push(t, protocol.OpHeartbeat, nil, 0, "")
	f := tr.expect(t, protocol.OpHeartbeat)
	assert.JSONEq(t, "1", string(f.D))
}

func TestInvalidSessionIdentifiesAfterDelay(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()

	tr := h.next(t)
	tr.hello(t)
	tr.expect(t, protocol.OpIdentify)

	tr.push(t, protocol.OpInvalidSession, false, 0, "")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	// 建连期限 + 心跳 ticker + 会话失效定时器
	require.NoError(t, h.clock.BlockUntilContext(ctx, 3))
	select {
	case <-tr.out:
		t.Fatal("identify sent before the delay")
	default:
	}

	h.clock.Advance(2 * time.Second)
	tr.expect(t, protocol.OpIdentify)
	assert.Equal(t, transport.StateOpen, tr.State())

	tr.ready(t, 1, "s2")
	h.waitReady(t)
	assert.Equal(t, "s2", h.client.Session().ID)
}

func TestReconnectOpcode(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	tr.push(t, protocol.OpReconnect, nil, 0, "")
	assert.Equal(t, protocol.CloseCodeResume, tr.waitClosed(t))

	tr2 := h.next(t)
	tr2.hello(t)
	tr2.expect(t, protocol.OpResume)
}

func TestInitialConnectExhausted(t *testing.T) {
	h := newHarness(t, harnessOpts{openErr: errDialRefused})
	h.run()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	h.next(t)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(10 * time.Second)

	h.next(t)
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(20 * time.Second)

	h.next(t)
	assert.ErrorIs(t, h.wait(t), ErrInitialConnectExhausted)
	assert.Equal(t, int32(3), h.api.discoveries.Load())
	assert.False(t, h.client.EverReady())
}

func TestResumeCodeBeforeReadyIdentifies(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()

	tr := h.next(t)
	tr.hello(t)
	tr.expect(t, protocol.OpIdentify)
	tr.Close(protocol.CloseCodeResume)

	// 没有会话 id，4009 也不能 Resume
	h.waitRetry(t)
	assert.False(t, h.client.Session().CanResume())
	h.clock.Advance(10 * time.Second)

	tr2 := h.next(t)
	tr2.hello(t)
	tr2.expect(t, protocol.OpIdentify)
	assert.Equal(t, int32(2), h.api.discoveries.Load())

	tr2.ready(t, 1, "s1")
	h.waitReady(t)
}

func TestHandshakeDeadlineWithoutHello(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()

	tr := h.next(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	h.clock.Advance(config.Default().Gateway.HandshakeDeadline)
	assert.Equal(t, protocol.CloseCodeAbnormal, tr.waitClosed(t))

	// 超时计入首次连接的重试次数
	h.waitRetry(t)
	h.clock.Advance(10 * time.Second)
	tr2 := h.next(t)
	tr2.hello(t)
	tr2.expect(t, protocol.OpIdentify)
	tr2.ready(t, 1, "s1")
	h.waitReady(t)
}

func TestHandshakeDeadlineWithoutReady(t *testing.T) {
	h := newHarness(t, harnessOpts{deadline: 45 * time.Second})
	h.run()

	tr := h.next(t)
	tr.hello(t)
	tr.expect(t, protocol.OpIdentify)

	// 心跳正常，但 READY 一直不来
	h.clock.Advance(testInterval)
	tr.expect(t, protocol.OpHeartbeat)
	tr.push(t, protocol.OpHeartbeatAck, nil, 0, "")

	h.clock.Advance(15 * time.Second)
	assert.Equal(t, protocol.CloseCodeAbnormal, tr.waitClosed(t))

	h.waitRetry(t)
	assert.False(t, h.client.EverReady())
	h.clock.Advance(10 * time.Second)
	h.next(t)
}

func TestHandshakeDeadlineExhaustsInitialRetries(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	deadline := config.Default().Gateway.HandshakeDeadline

	for i, delay := range []time.Duration{10 * time.Second, 20 * time.Second} {
		h.next(t)
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		require.NoError(t, h.clock.BlockUntilContext(ctx, 1), "attempt %d", i+1)
		cancel()
		h.clock.Advance(deadline)

		h.waitRetry(t)
		h.clock.Advance(delay)
	}

	h.next(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	h.clock.Advance(deadline)

	err := h.wait(t)
	assert.ErrorIs(t, err, ErrInitialConnectExhausted)
	assert.ErrorIs(t, err, errHandshakeTimeout)
}

func TestReconnectsForeverAfterReady(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	h.failOpen.Store(true)
	tr.Close(protocol.CloseCodeResume)

	// 第一次立即重连，之后退避；失败次数远超 initial_retries
	h.next(t)
	for i := 0; i < 5; i++ {
		h.waitRetry(t)
		h.clock.Advance(time.Minute)
		h.next(t)
	}

	select {
	case <-h.finished:
		t.Fatalf("Run returned after ready: %v", h.runErr)
	default:
	}

	h.failOpen.Store(false)
	h.waitRetry(t)
	h.clock.Advance(time.Minute)

	tr2 := h.next(t)
	tr2.hello(t)
	f := tr2.expect(t, protocol.OpResume)
	var rd protocol.ResumeData
	require.NoError(t, protocol.DecodePayload(f.D, &rd))
	assert.Equal(t, "s1", rd.SessionID)

	tr2.dispatch(t, 2, protocol.EventResumed, nil)
	h.waitResumed(t)
	assert.Equal(t, int32(1), h.api.discoveries.Load())
}

func TestCloseReturnsNil(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.run()
	tr := h.connectReady(t, "s1")

	require.NoError(t, h.client.Close())
	assert.NoError(t, h.wait(t))
	assert.Equal(t, protocol.CloseCodeNormal, tr.CloseCode())
	assert.Equal(t, protocol.StateDisconnected, h.client.State())
}

func TestStoredSessionResumesAfterRestart(t *testing.T) {
	st := store.NewMemoryStore()

	h := newHarness(t, harnessOpts{store: st})
	h.run()
	tr := h.connectReady(t, "s1")
	tr.dispatch(t, 9, protocol.EventGuildCreate, protocol.Guild{ID: "g9"})
	h.waitGuild(t)

	require.NoError(t, h.client.Close())
	require.NoError(t, h.wait(t))
	assert.Equal(t, protocol.CloseCodeResume, tr.CloseCode())

	rec, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Resumable)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, int64(9), rec.LastSequence)

	h2 := newHarness(t, harnessOpts{store: st})
	h2.run()
	tr2 := h2.next(t)
	tr2.hello(t)
	f := tr2.expect(t, protocol.OpResume)

	var rd protocol.ResumeData
	require.NoError(t, protocol.DecodePayload(f.D, &rd))
	assert.Equal(t, "s1", rd.SessionID)
	assert.Equal(t, int64(9), rd.Seq)
	assert.Equal(t, int32(0), h2.api.discoveries.Load())
}

func TestCommandThroughGateway(t *testing.T) {
	replier := &recordingReplier{}
	h := newHarness(t, harnessOpts{replier: replier})

	args := make(chan string, 1)
	require.NoError(t, h.client.AddCommand("ping", dispatch.Word("ping"), false,
		func(ctx context.Context, cmd *dispatch.Command) error {
			args <- cmd.Args
			return cmd.Reply(ctx, "pong")
		}))
	assert.ErrorIs(t, h.client.AddCommand("ping", dispatch.Word("ping"), false,
		func(ctx context.Context, cmd *dispatch.Command) error { return nil }), dispatch.ErrDuplicateCommand)

	h.run()
	tr := h.connectReady(t, "s1")

	tr.dispatch(t, 2, protocol.EventAtMessageCreate, protocol.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@!42> /ping now",
		Author:    &protocol.User{ID: "u1"},
		Mentions:  []*protocol.User{{ID: "42", Bot: true}},
	})

	select {
	case got := <-args:
		assert.Equal(t, "now", got)
	case <-time.After(waitTimeout):
		t.Fatal("command not invoked")
	}

	replier.mu.Lock()
	defer replier.mu.Unlock()
	assert.Equal(t, []string{"pong"}, replier.replies)
	assert.True(t, h.client.RemoveCommand("ping"))
}

func TestOpcodeHookAndBadFrames(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	seen := make(chan protocol.Opcode, 8)
	h.client.OnOpcode(protocol.OpHello, func(f *protocol.Frame) { seen <- f.Op })
	h.client.OnOpcode(protocol.OpHello, func(f *protocol.Frame) { panic("boom") })

	h.run()
	tr := h.next(t)
	tr.in <- []byte("{not json")
	tr.dispatch(t, 1, "", protocol.Guild{ID: "g1"})
	tr.hello(t)

	select {
	case op := <-seen:
		assert.Equal(t, protocol.OpHello, op)
	case <-time.After(waitTimeout):
		t.Fatal("hook not called")
	}
	tr.expect(t, protocol.OpIdentify)
}

func TestSessionStartLimitWaits(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.api.limit = protocol.SessionStartLimit{Total: 1000, Remaining: 0, ResetAfter: 5000}
	h.run()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))
	select {
	case <-h.created:
		t.Fatal("connected before the session limit reset")
	default:
	}

	h.clock.Advance(5 * time.Second)
	tr := h.next(t)
	tr.hello(t)
	tr.expect(t, protocol.OpIdentify)
}

func TestRetryDelays(t *testing.T) {
	cfg := config.Default().Gateway

	assert.Equal(t, 10*time.Second, InitialRetryDelay(cfg, 1))
	assert.Equal(t, 20*time.Second, InitialRetryDelay(cfg, 2))
	assert.Equal(t, 30*time.Second, InitialRetryDelay(cfg, 3))

	assert.Equal(t, time.Duration(0), ReconnectDelay(cfg, 1))
	assert.Equal(t, time.Second, ReconnectDelay(cfg, 2))
	assert.Equal(t, 2*time.Second, ReconnectDelay(cfg, 3))
	assert.Equal(t, 4*time.Second, ReconnectDelay(cfg, 4))
	assert.Equal(t, time.Minute, ReconnectDelay(cfg, 20))
}

func TestClampInterval(t *testing.T) {
	assert.Equal(t, 30*time.Second, clampInterval(30000, 45*time.Second))
	assert.Equal(t, 45*time.Second, clampInterval(90000, 45*time.Second))
	assert.Equal(t, 45*time.Second, clampInterval(0, 45*time.Second))
}
