package kafka

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/pkg/logger"
)

// ProducerConfig Kafka 生产者配置
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
}

// Producer Kafka 生产者，按 key 哈希分区保证同一频道事件有序
type Producer struct {
	cfg       *ProducerConfig
	writer    *kafka.Writer
	connected atomic.Bool
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg *ProducerConfig) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}

	p := &Producer{
		cfg:    cfg,
		writer: writer,
	}
	p.connected.Store(true)
	return p
}

// Send 发送消息
func (p *Producer) Send(ctx context.Context, key, value []byte) error {
	return p.SendBatch(ctx, []kafka.Message{{Key: key, Value: value}})
}

// SendBatch 批量发送消息
func (p *Producer) SendBatch(ctx context.Context, messages []kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		p.connected.Store(false)
		logger.Error("kafka send failed",
			zap.Error(err),
			zap.String("topic", p.cfg.Topic),
			zap.Int("count", len(messages)),
		)
		return err
	}
	p.connected.Store(true)
	return nil
}

// Topic 目标 topic
func (p *Producer) Topic() string {
	return p.cfg.Topic
}

// IsConnected 最近一次写入是否成功
func (p *Producer) IsConnected() bool {
	return p.connected.Load()
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}
