// Package breaker 按接口维度熔断结构性鉴权失败的调用
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

// ErrCoolingDown 接口处于冷却期
var ErrCoolingDown = errors.New("breaker: endpoint cooling down")

// StructuralAuthError 结构性鉴权失败（权限缺失，重试无意义）
type StructuralAuthError interface {
	error
	StructuralAuth() bool
}

// CoolDownError 冷却错误
//
// Suppressed 为 true 表示调用未执行；否则 Err 为触发冷却的原始错误。
type CoolDownError struct {
	Key        string
	Suppressed bool
	Remaining  time.Duration
	Err        error
}

func (e *CoolDownError) Error() string {
	if e.Suppressed {
		return fmt.Sprintf("breaker: %s cooling down, %s remaining", e.Key, e.Remaining)
	}
	return fmt.Sprintf("breaker: %s structural failure, cooling down %s: %v", e.Key, e.Remaining, e.Err)
}

func (e *CoolDownError) Is(target error) bool {
	return target == ErrCoolingDown
}

func (e *CoolDownError) Unwrap() error {
	return e.Err
}

// Config 熔断配置
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CoolDown 冷却记录
type CoolDown struct {
	Until       time.Time
	NextBackoff time.Duration // 当前生效的退避时长，下次失败翻倍
}

// Breaker 接口冷却表
type Breaker struct {
	cfg   Config
	clock clockwork.Clock

	mu    sync.Mutex
	table map[string]CoolDown
}

// New 创建熔断器
func New(cfg Config, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Minute
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Breaker{
		cfg:   cfg,
		clock: clock,
		table: make(map[string]CoolDown),
	}
}

// Execute 冷却期内直接返回，否则执行 action 并按结果更新冷却表
func (b *Breaker) Execute(ctx context.Context, key string, action func(ctx context.Context) error) error {
	if remaining, ok := b.check(key); ok {
		metrics.BreakerSuppressed.WithLabelValues(key).Inc()
		return &CoolDownError{Key: key, Suppressed: true, Remaining: remaining}
	}

	err := action(ctx)

	var sa StructuralAuthError
	if err != nil && errors.As(err, &sa) && sa.StructuralAuth() {
		backoff := b.record(key)
		metrics.BreakerRecorded.WithLabelValues(key).Inc()
		logger.Warn("endpoint cooling down",
			zap.String("endpoint", key),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		return &CoolDownError{Key: key, Remaining: backoff, Err: err}
	}

	b.clear(key)
	return err
}

// Do 带返回值的 Execute
func Do[T any](ctx context.Context, b *Breaker, key string, action func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := b.Execute(ctx, key, func(ctx context.Context) error {
		v, err := action(ctx)
		if err == nil {
			result = v
		}
		return err
	})
	return result, err
}

// Get 查看冷却记录
func (b *Breaker) Get(key string) (CoolDown, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cd, ok := b.table[key]
	return cd, ok
}

// Snapshot 返回仍在冷却中的接口及剩余时长
func (b *Breaker) Snapshot() map[string]time.Duration {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]time.Duration, len(b.table))
	for key, cd := range b.table {
		if cd.Until.After(now) {
			out[key] = cd.Until.Sub(now)
		}
	}
	return out
}

func (b *Breaker) check(key string) (time.Duration, bool) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	cd, ok := b.table[key]
	if !ok || !cd.Until.After(now) {
		return 0, false
	}
	return cd.Until.Sub(now), true
}

func (b *Breaker) record(key string) time.Duration {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	backoff := b.cfg.InitialBackoff
	if cd, ok := b.table[key]; ok {
		backoff = cd.NextBackoff * 2
		if backoff > b.cfg.MaxBackoff {
			backoff = b.cfg.MaxBackoff
		}
	}
	b.table[key] = CoolDown{Until: now.Add(backoff), NextBackoff: backoff}
	return backoff
}

func (b *Breaker) clear(key string) {
	b.mu.Lock()
	_, ok := b.table[key]
	delete(b.table, key)
	b.mu.Unlock()

	if ok {
		metrics.BreakerCleared.Inc()
	}
}
