package gateway

import (
	"time"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/config"
)

// Session 网关会话
type Session struct {
	ID           string
	LastSequence int64
	ShardIndex   int
	ShardCount   int
	Resumable    bool
}

// observe 记录 Dispatch 序号，只增不减
func (s *Session) observe(seq int64) bool {
	if seq <= s.LastSequence {
		return false
	}
	s.LastSequence = seq
	return true
}

// invalidate 会话失效，下次连接必须重新 Identify
func (s *Session) invalidate() {
	s.ID = ""
	s.LastSequence = 0
	s.Resumable = false
}

// CanResume 持有会话且上次关闭码允许恢复
func (s Session) CanResume() bool {
	return s.Resumable && s.ID != ""
}

func (s Session) record(gatewayURL, botID string, now time.Time) *protocol.SessionRecord {
	return &protocol.SessionRecord{
		SessionID:    s.ID,
		LastSequence: s.LastSequence,
		GatewayURL:   gatewayURL,
		BotID:        botID,
		Resumable:    s.Resumable,
		SavedAt:      now,
	}
}

// InitialRetryDelay 首次 Ready 之前第 n 次失败后的等待时间（线性递增）
func InitialRetryDelay(cfg config.GatewayConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return cfg.InitialRetryDelay + time.Duration(n-1)*cfg.RetryDelayStep
}

// ReconnectDelay Ready 之后第 n 次连续失败的等待时间：第一次立即重连，之后指数退避
func ReconnectDelay(cfg config.GatewayConfig, n int) time.Duration {
	if n <= 1 {
		return 0
	}
	d := cfg.ReconnectInterval
	for i := 2; i < n; i++ {
		d *= 2
		if d >= cfg.ReconnectMaxInterval {
			return cfg.ReconnectMaxInterval
		}
	}
	if d > cfg.ReconnectMaxInterval {
		return cfg.ReconnectMaxInterval
	}
	return d
}
