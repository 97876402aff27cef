// Package admin 管理端口：健康检查、Prometheus 指标与会话查询
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/gateway"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/auth"
	"github.com/qiminjie89/guildbot/pkg/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const shutdownTimeout = 5 * time.Second

// Gateway 网关状态快照（gateway.Client）
type Gateway interface {
	State() protocol.ConnectionState
	Session() gateway.Session
	Heartbeat() gateway.HeartbeatSchedule
	BotUser() protocol.User
	Guilds() []protocol.Guild
	ConnectedAt() time.Time
}

// CoolDowns 熔断冷却表快照（breaker.Breaker）
type CoolDowns interface {
	Snapshot() map[string]time.Duration
}

// Connectivity 下游连接状态（kafka.Producer）
type Connectivity interface {
	IsConnected() bool
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status         string  `json:"status"`
	State          string  `json:"state"`
	Guilds         int     `json:"guilds"`
	KafkaConnected *bool   `json:"kafka_connected,omitempty"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

// SessionStatus 会话详情
type SessionStatus struct {
	State         string            `json:"state"`
	SessionID     string            `json:"session_id"`
	LastSequence  int64             `json:"last_sequence"`
	Shard         [2]int            `json:"shard"`
	Resumable     bool              `json:"resumable"`
	BotID         string            `json:"bot_id"`
	ConnectedAt   time.Time         `json:"connected_at"`
	HeartbeatMS   int64             `json:"heartbeat_interval_ms"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	AckPending    bool              `json:"ack_pending"`
	CoolingDown   map[string]string `json:"cooling_down"`
}

// Server 管理 HTTP 服务
type Server struct {
	addr      string
	gw        Gateway
	coolDowns CoolDowns
	kafka     Connectivity
	jwt       *auth.JWTValidator
	startTime time.Time
}

// NewServer 创建管理服务；jwt 为 nil 时不开放 /session
func NewServer(addr string, gw Gateway, coolDowns CoolDowns, jwt *auth.JWTValidator) *Server {
	return &Server{
		addr:      addr,
		gw:        gw,
		coolDowns: coolDowns,
		jwt:       jwt,
		startTime: time.Now(),
	}
}

// WithKafka 健康检查包含 Kafka 连接状态
func (s *Server) WithKafka(c Connectivity) *Server {
	s.kafka = c
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.Handle("/metrics", promhttp.Handler())
	if s.jwt != nil {
		mux.HandleFunc("/session", s.sessionHandler)
	}
	return mux
}

// Run 监听直到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting admin server", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin server error", zap.Error(err))
		return err
	}
	return nil
}

// healthHandler Ready 时返回 200，否则 503
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	state := s.gw.State()
	health := &HealthStatus{
		State:         state.String(),
		Guilds:        len(s.gw.Guilds()),
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.kafka != nil {
		connected := s.kafka.IsConnected()
		health.KafkaConnected = &connected
	}

	code := http.StatusOK
	health.Status = "healthy"
	if state != protocol.StateReady {
		health.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) sessionHandler(w http.ResponseWriter, r *http.Request) {
	claims, err := s.jwt.ValidateHeader(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return
	}

	sess := s.gw.Session()
	hb := s.gw.Heartbeat()
	status := &SessionStatus{
		State:         s.gw.State().String(),
		SessionID:     sess.ID,
		LastSequence:  sess.LastSequence,
		Shard:         [2]int{sess.ShardIndex, sess.ShardCount},
		Resumable:     sess.CanResume(),
		BotID:         s.gw.BotUser().ID,
		ConnectedAt:   s.gw.ConnectedAt(),
		HeartbeatMS:   hb.Interval.Milliseconds(),
		LastHeartbeat: hb.LastSentAt,
		AckPending:    hb.AckPending,
		CoolingDown:   map[string]string{},
	}
	if s.coolDowns != nil {
		for key, remaining := range s.coolDowns.Snapshot() {
			status.CoolingDown[key] = remaining.String()
		}
	}

	logger.Debug("session queried", zap.String("operator", claims.Operator))
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
