package gateway

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/qiminjie89/guildbot/pkg/metrics"
)

// Distributor 单个分发分片，串行执行同一频道的回调
type Distributor struct {
	id         int
	inputQueue chan func()
}

// NewDistributor 创建 Distributor
func NewDistributor(id int, queueSize int) *Distributor {
	return &Distributor{
		id:         id,
		inputQueue: make(chan func(), queueSize),
	}
}

// Run 运行 Distributor，ctx 结束后执行完队列中剩余任务再退出
func (d *Distributor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case task := <-d.inputQueue:
			task()
		}
	}
}

func (d *Distributor) drain() {
	for {
		select {
		case task := <-d.inputQueue:
			task()
		default:
			return
		}
	}
}

// Enqueue 入队任务，队列满返回 false
func (d *Distributor) Enqueue(task func()) bool {
	select {
	case d.inputQueue <- task:
		return true
	default:
		return false
	}
}

// Pool 按频道 ID 分片的分发池，保证同一频道的事件有序
type Pool struct {
	distributors []*Distributor
	wg           sync.WaitGroup
	cancel       context.CancelFunc
}

// NewPool 创建分发池，workers 为 0 时任务在调用方协程同步执行
func NewPool(workers, queueSize int) *Pool {
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &Pool{}
	for i := 0; i < workers; i++ {
		p.distributors = append(p.distributors, NewDistributor(i, queueSize))
	}
	return p
}

// Start 启动所有分片
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for _, d := range p.distributors {
		p.wg.Add(1)
		go func(d *Distributor) {
			defer p.wg.Done()
			d.Run(ctx)
		}(d)
	}
}

// Stop 停止分片并等待退出
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit 按 key 选择分片投递任务
func (p *Pool) Submit(key string, task func()) bool {
	if len(p.distributors) == 0 {
		task()
		return true
	}

	d := p.distributors[xxhash.Sum64String(key)%uint64(len(p.distributors))]
	if !d.Enqueue(task) {
		metrics.DispatchQueueDropped.Inc()
		return false
	}
	return true
}
