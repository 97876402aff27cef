package forward

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/api"
	"github.com/qiminjie89/guildbot/internal/breaker"
	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/kafka"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

var ErrInvalidRequest = errors.New("forward: invalid outbox request")

// Poster 发送消息的动作通道（api.Client）
type Poster interface {
	PostMessage(ctx context.Context, channelID string, msg *api.MessageToCreate) (*protocol.Message, error)
	PostDirectMessage(ctx context.Context, guildID string, msg *api.MessageToCreate) (*protocol.Message, error)
}

// Outbox 消费下游服务投递的发消息请求
type Outbox struct {
	poster Poster
}

// NewOutbox 创建 Outbox
func NewOutbox(poster Poster) *Outbox {
	return &Outbox{poster: poster}
}

// Run 阻塞消费到 ctx 结束
func (o *Outbox) Run(ctx context.Context, consumer *kafka.Consumer) {
	consumer.Start(ctx, o.Handle)
}

// Handle 处理一条请求；熔断冷却中的请求直接丢弃，不视为失败
func (o *Outbox) Handle(ctx context.Context, msg *kafka.Message) error {
	var req protocol.OutboxRequest
	if err := protocol.Decode(msg.Value, &req); err != nil {
		metrics.OutboxProcessed.WithLabelValues("invalid").Inc()
		return fmt.Errorf("forward: decode outbox request: %w", err)
	}
	if err := validate(&req); err != nil {
		metrics.OutboxProcessed.WithLabelValues("invalid").Inc()
		return err
	}

	body := &api.MessageToCreate{Content: req.Content, MsgID: req.ReplyTo}
	var err error
	if req.Direct {
		_, err = o.poster.PostDirectMessage(ctx, req.GuildID, body)
	} else {
		_, err = o.poster.PostMessage(ctx, req.ChannelID, body)
	}

	switch {
	case err == nil:
		metrics.OutboxProcessed.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, breaker.ErrCoolingDown):
		metrics.OutboxProcessed.WithLabelValues("suppressed").Inc()
		logger.Warn("outbox request suppressed",
			zap.String("channel_id", req.ChannelID),
			zap.String("guild_id", req.GuildID),
			zap.Error(err),
		)
		return nil
	default:
		metrics.OutboxProcessed.WithLabelValues("failed").Inc()
		return err
	}
}

func validate(req *protocol.OutboxRequest) error {
	if req.Content == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidRequest)
	}
	if req.Direct && req.GuildID == "" {
		return fmt.Errorf("%w: direct message without guild_id", ErrInvalidRequest)
	}
	if !req.Direct && req.ChannelID == "" {
		return fmt.Errorf("%w: missing channel_id", ErrInvalidRequest)
	}
	return nil
}
