// Package forward 将网关事件转发到 Kafka，并消费下游的发消息请求
package forward

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/qiminjie89/guildbot/internal/protocol"
	"github.com/qiminjie89/guildbot/pkg/logger"
	"github.com/qiminjie89/guildbot/pkg/metrics"
)

const (
	defaultQueueSize = 4096
	defaultBatchSize = 100
	flushTimeout     = 5 * time.Second
)

// Publisher 批量写入（pkg/kafka.Producer）
type Publisher interface {
	SendBatch(ctx context.Context, messages []kafkago.Message) error
}

// Forwarder 网关事件转发器：接收协程只入队，写 Kafka 在 Run 中进行
type Forwarder struct {
	pub       Publisher
	shard     int
	batchSize int
	queue     chan kafkago.Message
	log       *zap.Logger
}

// NewForwarder 创建转发器
func NewForwarder(pub Publisher, shard, queueSize, batchSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Forwarder{
		pub:       pub,
		shard:     shard,
		batchSize: batchSize,
		queue:     make(chan kafkago.Message, queueSize),
		log:       logger.Named("forward"),
	}
}

// Forward 入队一个 Dispatch 事件，队列满时丢弃
func (f *Forwarder) Forward(ctx context.Context, fr *protocol.Frame, ev protocol.Event) {
	switch ev.(type) {
	case *protocol.ReadyEvent, *protocol.ResumedEvent:
		return
	}

	guildID := protocol.GuildID(ev)
	value, err := protocol.Encode(&protocol.ForwardedEvent{
		ID:         uuid.NewString(),
		Type:       ev.EventType(),
		Seq:        fr.S,
		ShardIndex: f.shard,
		GuildID:    guildID,
		Data:       fr.D,
		Time:       time.Now(),
	})
	if err != nil {
		metrics.ForwardFailed.Inc()
		f.log.Warn("encode forwarded event failed", zap.String("event", string(ev.EventType())), zap.Error(err))
		return
	}

	select {
	case f.queue <- kafkago.Message{Key: []byte(partitionKey(guildID, f.shard)), Value: value}:
	default:
		metrics.ForwardFailed.Inc()
		f.log.Warn("forward queue full, event dropped",
			zap.String("event", string(ev.EventType())),
			zap.Int64("seq", fr.S),
		)
	}
}

// partitionKey 同一频道的事件进入同一分区
func partitionKey(guildID string, shard int) string {
	if guildID != "" {
		return guildID
	}
	return "shard-" + strconv.Itoa(shard)
}

// Run 写入循环，ctx 结束后刷出队列剩余事件
func (f *Forwarder) Run(ctx context.Context) {
	batch := make([]kafkago.Message, 0, f.batchSize)
	for {
		select {
		case <-ctx.Done():
			f.drain(batch[:0])
			return
		case msg := <-f.queue:
			batch = f.collect(append(batch[:0], msg))
			f.publish(ctx, batch)
		}
	}
}

// collect 不阻塞地取出队列中已有的事件，凑满一批
func (f *Forwarder) collect(batch []kafkago.Message) []kafkago.Message {
	for len(batch) < f.batchSize {
		select {
		case msg := <-f.queue:
			batch = append(batch, msg)
		default:
			return batch
		}
	}
	return batch
}

func (f *Forwarder) drain(batch []kafkago.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		batch = f.collect(batch[:0])
		if len(batch) == 0 {
			return
		}
		f.publish(ctx, batch)
	}
}

func (f *Forwarder) publish(ctx context.Context, batch []kafkago.Message) {
	if err := f.pub.SendBatch(ctx, batch); err != nil {
		metrics.ForwardFailed.Add(float64(len(batch)))
		f.log.Error("publish events failed",
			zap.Int("count", len(batch)),
			zap.String("first_key", string(batch[0].Key)),
			zap.Error(err),
		)
		return
	}
	metrics.ForwardPublished.Add(float64(len(batch)))
}

// Pending 队列中待写入的事件数
func (f *Forwarder) Pending() int {
	return len(f.queue)
}
