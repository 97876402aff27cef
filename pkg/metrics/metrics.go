// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gateway 连接指标
var (
	GatewayState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guildbot_gateway_state",
		Help: "Current gateway connection state (0=disconnected .. 6=closing)",
	})

	GatewayConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_gateway_connect_attempts_total",
		Help: "Gateway connection attempts by phase",
	}, []string{"phase"}) // initial, reconnect

	GatewayDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_gateway_disconnects_total",
		Help: "Gateway disconnects by reason",
	}, []string{"reason"})

	GatewaySessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_gateway_sessions_total",
		Help: "Session handshakes by kind",
	}, []string{"kind"}) // identify, resume, invalidated

	GatewaySequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guildbot_gateway_last_sequence",
		Help: "Last dispatch sequence number seen",
	})

	// 心跳
	HeartbeatRTT = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "guildbot_heartbeat_rtt_seconds",
		Help:    "Heartbeat to heartbeat-ack round trip",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	HeartbeatMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildbot_heartbeat_missed_total",
		Help: "Heartbeats that were not acknowledged before the next tick",
	})
)

// 事件分发指标
var (
	DispatchEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_dispatch_events_total",
		Help: "Dispatch events received by event type",
	}, []string{"event"})

	DispatchDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_dispatch_decode_errors_total",
		Help: "Dispatch payloads that failed to decode",
	}, []string{"event"})

	DispatchQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildbot_dispatch_queue_dropped_total",
		Help: "Events dropped because a worker queue was full",
	})

	GuildCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "guildbot_joined_guilds",
		Help: "Number of guilds in the local joined-guild cache",
	})

	TriageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_triage_outcomes_total",
		Help: "Inbound message triage outcomes",
	}, []string{"class", "outcome"})

	CommandInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_command_invocations_total",
		Help: "Command handler invocations by result",
	}, []string{"command", "result"}) // ok, error, panic, denied
)

// 熔断指标
var (
	BreakerSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_breaker_suppressed_total",
		Help: "Requests short-circuited during cool-down",
	}, []string{"endpoint"})

	BreakerRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_breaker_cooldowns_total",
		Help: "Structural authorization failures that started or extended a cool-down",
	}, []string{"endpoint"})

	BreakerCleared = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildbot_breaker_cleared_total",
		Help: "Cool-down entries cleared by a later outcome",
	})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guildbot_api_request_duration_seconds",
		Help:    "Action channel request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

// Kafka 转发指标
var (
	ForwardPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildbot_forward_published_total",
		Help: "Dispatch events published to kafka",
	})

	ForwardFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "guildbot_forward_failed_total",
		Help: "Dispatch events that failed to publish",
	})

	OutboxProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "guildbot_outbox_processed_total",
		Help: "Outbox requests processed by result",
	}, []string{"result"})
)
