package outbox

import (
	"context"
	"time"

	"github.com/wyfcoding/tradingcore/pkg/logging"
)

// Pusher 将一条发件箱记录发布出去。返回错误时记录保持 PENDING，
// 下一轮轮询重试，因此下游必须幂等。
type Pusher func(ctx context.Context, rec *Record) error

// Source 轮询中继消费的发件箱存储面，由 Manager 满足
type Source interface {
	Table() string
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkProcessed(ctx context.Context, id uint64) error
}

// Processor 轮询中继：周期性取出 PENDING 记录按 ID 顺序发布
type Processor struct {
	mgr      Source
	push     Pusher
	batch    int
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewProcessor 创建轮询中继
func NewProcessor(mgr Source, push Pusher, batch int, interval time.Duration) *Processor {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Processor{
		mgr:      mgr,
		push:     push,
		batch:    batch,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start 启动轮询循环
func (p *Processor) Start() {
	go p.loop()
}

// Stop 停止轮询并等待当前批次完成
func (p *Processor) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Processor) loop() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if n, err := p.processBatch(ctx); err != nil {
				logging.Error(ctx, "outbox batch processing failed", "table", p.mgr.Table(), "published", n, "error", err)
			}
		}
	}
}

// processBatch 发布一批记录。遇到首个失败即停止本批，
// 保持同一 key 的发布顺序不被后续记录打乱。
func (p *Processor) processBatch(ctx context.Context) (int, error) {
	records, err := p.mgr.FetchPending(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range records {
		rec := &records[i]
		if err := p.push(ctx, rec); err != nil {
			return published, err
		}
		if err := p.mgr.MarkProcessed(ctx, rec.ID); err != nil {
			// 发布成功但标记失败：下一轮会重发，下游靠 eventId 去重
			return published, err
		}
		published++
	}

	if published > 0 {
		logging.Debug(ctx, "outbox batch published", "table", p.mgr.Table(), "count", published)
	}
	return published, nil
}
