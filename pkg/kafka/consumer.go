// Package kafka 提供 Kafka 客户端封装
package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/pkg/logger"
)

// fetchBackoff 拉取失败后的等待时间
const fetchBackoff = time.Second

// ConsumerConfig Kafka 消费者配置
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// Consumer Kafka 消费者
type Consumer struct {
	cfg       *ConsumerConfig
	reader    *kafka.Reader
	connected atomic.Bool
}

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *Message) error

// Message Kafka 消息
type Message struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time
}

// NewConsumer 创建 Kafka 消费者，配置不完整时返回 nil
func NewConsumer(cfg *ConsumerConfig) *Consumer {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.ConsumerGroup == "" {
		logger.Warn("kafka consumer config incomplete, skipping",
			zap.Int("brokers", len(cfg.Brokers)),
			zap.String("topic", cfg.Topic),
			zap.String("group", cfg.ConsumerGroup),
		)
		return nil
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	c := &Consumer{
		cfg:    cfg,
		reader: reader,
	}
	c.connected.Store(true)
	return c
}

// Start 消费循环，阻塞到 ctx 结束；处理失败的消息同样提交 offset
func (c *Consumer) Start(ctx context.Context, handler MessageHandler) {
	logger.Info("kafka consumer started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.ConsumerGroup),
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.connected.Store(false)
			logger.Error("kafka fetch message failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(fetchBackoff):
			}
			continue
		}
		c.connected.Store(true)

		if err := handler(ctx, &Message{
			Key:       msg.Key,
			Value:     msg.Value,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Time:      msg.Time,
		}); err != nil {
			logger.Error("kafka message handler failed",
				zap.Error(err),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			logger.Error("kafka commit failed", zap.Error(err))
		}
	}
}

// IsConnected 检查是否连接正常
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}
