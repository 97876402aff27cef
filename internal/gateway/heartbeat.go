package gateway

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qiminjie89/guildbot/pkg/metrics"
)

// HeartbeatSchedule 心跳状态
type HeartbeatSchedule struct {
	Interval   time.Duration
	LastSentAt time.Time
	AckPending bool
}

// heartbeat 由连接所属协程驱动的心跳定时器
type heartbeat struct {
	clock  clockwork.Clock
	ticker clockwork.Ticker

	mu    sync.Mutex
	sched HeartbeatSchedule
}

func newHeartbeat(clock clockwork.Clock) *heartbeat {
	return &heartbeat{clock: clock}
}

const defaultHeartbeatInterval = 45 * time.Second

// clampInterval Hello 下发的毫秒间隔，不超过配置上限
func clampInterval(ms int64, max time.Duration) time.Duration {
	if max <= 0 {
		max = defaultHeartbeatInterval
	}
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 || d > max {
		return max
	}
	return d
}

// start 启动 ticker，需在发送 Identify/Resume 之前调用
func (h *heartbeat) start(interval time.Duration) {
	h.stop()

	h.mu.Lock()
	h.sched = HeartbeatSchedule{Interval: interval}
	h.mu.Unlock()

	h.ticker = h.clock.NewTicker(interval)
}

func (h *heartbeat) stop() {
	if h.ticker != nil {
		h.ticker.Stop()
		h.ticker = nil
	}
	h.mu.Lock()
	h.sched = HeartbeatSchedule{}
	h.mu.Unlock()
}

// C 未启动时返回 nil，select 永远不会命中
func (h *heartbeat) C() <-chan time.Time {
	if h.ticker == nil {
		return nil
	}
	return h.ticker.Chan()
}

// due 到达发送时间；上一次心跳未收到回包时返回 false
func (h *heartbeat) due() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sched.AckPending {
		metrics.HeartbeatMissed.Inc()
		return false
	}
	h.sched.AckPending = true
	h.sched.LastSentAt = h.clock.Now()
	return true
}

// ack 收到心跳回包
func (h *heartbeat) ack() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sched.AckPending && !h.sched.LastSentAt.IsZero() {
		metrics.HeartbeatRTT.Observe(h.clock.Since(h.sched.LastSentAt).Seconds())
	}
	h.sched.AckPending = false
}

func (h *heartbeat) snapshot() HeartbeatSchedule {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sched
}
