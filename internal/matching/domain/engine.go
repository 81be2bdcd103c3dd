package domain

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"github.com/wyfcoding/tradingcore/pkg/logging"
	"github.com/wyfcoding/tradingcore/pkg/metrics"
)

// Config 撮合引擎参数，零值字段取默认值
type Config struct {
	// Workers 撮合 worker 数，0 表示 2 倍 CPU 核数
	Workers int
	// OrderQueueSize 每个 worker 的订单队列容量
	OrderQueueSize int
	// CancelQueueSize 每个 worker 的撤单队列容量
	CancelQueueSize int
	// HighWaterMark 队列深度高水位，达到后拒绝新订单
	HighWaterMark int
	// IdlePoll 队列空闲时的轮询间隔
	IdlePoll time.Duration
	// BreakerThreshold 连续失败多少次后熔断
	BreakerThreshold uint32
	// BreakerReset 熔断打开后多久进入半开
	BreakerReset time.Duration
	// BreakerProbes 半开状态允许的探测请求数
	BreakerProbes uint32
	// RetryInitial / RetryMax / RetryMaxTries 同步提交的退避重试参数
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryMaxTries int
	// DrainTimeout 停机时等待队列排空的时限
	DrainTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2 * runtime.NumCPU()
	}
	if c.OrderQueueSize <= 0 {
		c.OrderQueueSize = 100000
	}
	if c.CancelQueueSize <= 0 {
		c.CancelQueueSize = 10000
	}
	if c.HighWaterMark <= 0 || c.HighWaterMark > c.OrderQueueSize {
		c.HighWaterMark = c.OrderQueueSize * 8 / 10
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 10 * time.Millisecond
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 10
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.BreakerProbes == 0 {
		c.BreakerProbes = 5
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 50 * time.Millisecond
	}
	if c.RetryMaxTries <= 0 {
		c.RetryMaxTries = 10
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// resultSlot 同步等待方与 worker 之间的结果槽。
// worker 填充字段后关闭 done；消费方超时放弃后槽位保留，
// 同一订单的重投递会续接到同一槽位而不会重复执行。
type resultSlot struct {
	once   sync.Once
	done   chan struct{}
	result *MatchResult
	err    error
}

func (s *resultSlot) fill(res *MatchResult, err error) {
	s.once.Do(func() {
		s.result, s.err = res, err
		close(s.done)
	})
}

type cancelRequest struct {
	symbol  string
	orderID string
	reply   chan *Order
}

type snapshotRequest struct {
	symbol string
	depth  int
	reply  chan *BookSnapshot
}

// Engine 按交易对分区的撮合引擎。
// 每个交易对经 FNV 哈希固定绑定到一个 worker，worker 独占其订单簿，
// 核心路径上没有任何锁。
type Engine struct {
	cfg     Config
	workers []*worker
	results sync.Map // orderID -> *resultSlot
	metrics *metrics.Metrics
	running atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup

	submitted        atomic.Uint64
	rejected         atomic.Uint64
	cancelsSubmitted atomic.Uint64
	trades           atomic.Uint64
}

type worker struct {
	id      int
	engine  *Engine
	books   map[string]*OrderBook
	orders  chan *Order
	cancels chan cancelRequest
	snaps   chan snapshotRequest
	breaker *gobreaker.CircuitBreaker
	symbols atomic.Int64

	queueGauge   prometheus.Gauge
	breakerGauge prometheus.Gauge
}

// NewEngine 创建引擎，m 可为 nil
func NewEngine(cfg Config, m *metrics.Metrics) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		metrics: m,
		quit:    make(chan struct{}),
	}
	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		w := &worker{
			id:      i,
			engine:  e,
			books:   make(map[string]*OrderBook),
			orders:  make(chan *Order, cfg.OrderQueueSize),
			cancels: make(chan cancelRequest, cfg.CancelQueueSize),
			snaps:   make(chan snapshotRequest, 16),
		}
		if m != nil {
			label := strconv.Itoa(i)
			w.queueGauge = m.OrderQueueDepth.WithLabelValues(label)
			w.breakerGauge = m.BreakerState.WithLabelValues(label)
		}
		w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("matching-worker-%d", i),
			MaxRequests: cfg.BreakerProbes,
			Timeout:     cfg.BreakerReset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			IsSuccessful: func(err error) bool {
				// 同 ID 重复挂单是业务拒绝，不计入熔断
				return err == nil || errors.Is(err, ErrDuplicateOrder)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn(context.Background(), "matching breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
				if w.breakerGauge != nil {
					w.breakerGauge.Set(breakerStateValue(to))
				}
			},
		})
		e.workers[i] = w
	}
	return e
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// Start 启动全部 worker
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run()
	}
	logging.Info(context.Background(), "matching engine started",
		"workers", len(e.workers),
		"order_queue", e.cfg.OrderQueueSize,
		"cancel_queue", e.cfg.CancelQueueSize,
		"high_water_mark", e.cfg.HighWaterMark)
}

// Shutdown 停止接收新请求并排空队列，超过排空时限返回错误
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.quit)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Info(ctx, "matching engine drained and stopped")
		return nil
	case <-time.After(e.cfg.DrainTimeout):
		return fmt.Errorf("matching: drain timed out after %s", e.cfg.DrainTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) workerFor(symbol string) *worker {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return e.workers[h.Sum32()%uint32(len(e.workers))]
}

func (e *Engine) reject() {
	e.rejected.Add(1)
	if e.metrics != nil {
		e.metrics.OrdersRejected.Inc()
	}
}

// Submit 异步提交订单。
// 熔断打开、超过高水位或队列已满时立刻拒绝。
func (e *Engine) Submit(o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !e.running.Load() {
		return ErrEngineStopped
	}
	w := e.workerFor(o.Symbol)
	if w.breaker.State() == gobreaker.StateOpen {
		e.reject()
		return ErrBreakerOpen
	}
	if len(w.orders) >= e.cfg.HighWaterMark {
		e.reject()
		return ErrBackpressure
	}
	select {
	case w.orders <- o:
		e.submitted.Add(1)
		if e.metrics != nil {
			e.metrics.OrdersSubmitted.Inc()
		}
		if w.queueGauge != nil {
			w.queueGauge.Set(float64(len(w.orders)))
		}
		return nil
	default:
		e.reject()
		return ErrQueueFull
	}
}

// SubmitCancel 异步撤单。簿中不存在该订单时由 worker 记录告警，不报错。
func (e *Engine) SubmitCancel(symbol, orderID string) error {
	return e.enqueueCancel(cancelRequest{symbol: symbol, orderID: orderID})
}

// Cancel 同步撤单，返回被撤出的订单；订单不在簿中时返回 (nil, nil)
func (e *Engine) Cancel(ctx context.Context, symbol, orderID string) (*Order, error) {
	reply := make(chan *Order, 1)
	if err := e.enqueueCancel(cancelRequest{symbol: symbol, orderID: orderID, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case o := <-reply:
		return o, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) enqueueCancel(req cancelRequest) error {
	if !e.running.Load() {
		return ErrEngineStopped
	}
	w := e.workerFor(req.symbol)
	select {
	case w.cancels <- req:
		e.cancelsSubmitted.Add(1)
		if e.metrics != nil {
			e.metrics.CancelsSubmitted.Inc()
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// ProcessOrderWithResult 同步撮合：提交订单并阻塞等待结果。
// 瞬时拒绝（队列满、高水位、熔断）按指数退避重试；
// 同一订单的重复调用不会重复执行，而是续接首次提交的结果槽。
// 收到结果并完成落库后必须调用 AckResult 释放槽位。
func (e *Engine) ProcessOrderWithResult(ctx context.Context, o *Order) (*MatchResult, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	slot := &resultSlot{done: make(chan struct{})}
	actual, loaded := e.results.LoadOrStore(o.OrderID, slot)
	slot = actual.(*resultSlot)
	if !loaded {
		if err := e.submitWithRetry(ctx, o); err != nil {
			e.results.Delete(o.OrderID)
			return nil, err
		}
	}
	select {
	case <-slot.done:
		return slot.result, slot.err
	case <-ctx.Done():
		// 槽位保留，等待下一次投递续接
		return nil, ctx.Err()
	}
}

func (e *Engine) submitWithRetry(ctx context.Context, o *Order) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInitial
	b.MaxInterval = e.cfg.RetryMax
	b.Multiplier = 2
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := e.Submit(o)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, ErrEngineStopped) || errors.Is(err, ErrInvalidOrder) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(e.cfg.RetryMaxTries)))
	return err
}

// AckResult 确认结果已被持久化，释放该订单的结果槽
func (e *Engine) AckResult(orderID string) {
	e.results.Delete(orderID)
}

// Snapshot 获取订单簿快照。
// 请求经由持有该交易对的 worker 队列串行执行，保证读到一致视图。
func (e *Engine) Snapshot(ctx context.Context, symbol string, depth int) (*BookSnapshot, error) {
	if !e.running.Load() {
		return nil, ErrEngineStopped
	}
	if depth <= 0 {
		depth = 20
	}
	w := e.workerFor(symbol)
	reply := make(chan *BookSnapshot, 1)
	select {
	case w.snaps <- snapshotRequest{symbol: symbol, depth: depth, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WorkerStats 单个 worker 的运行状态
type WorkerStats struct {
	Worker       int    `json:"worker"`
	QueueDepth   int    `json:"queueDepth"`
	CancelDepth  int    `json:"cancelDepth"`
	BreakerState string `json:"breakerState"`
	Symbols      int64  `json:"symbols"`
}

// EngineStats 引擎整体运行状态
type EngineStats struct {
	Workers          []WorkerStats `json:"workers"`
	OrdersSubmitted  uint64        `json:"ordersSubmitted"`
	OrdersRejected   uint64        `json:"ordersRejected"`
	CancelsSubmitted uint64        `json:"cancelsSubmitted"`
	TradesExecuted   uint64        `json:"tradesExecuted"`
}

// Stats 返回当前运行状态快照
func (e *Engine) Stats() *EngineStats {
	s := &EngineStats{
		Workers:          make([]WorkerStats, len(e.workers)),
		OrdersSubmitted:  e.submitted.Load(),
		OrdersRejected:   e.rejected.Load(),
		CancelsSubmitted: e.cancelsSubmitted.Load(),
		TradesExecuted:   e.trades.Load(),
	}
	for i, w := range e.workers {
		s.Workers[i] = WorkerStats{
			Worker:       w.id,
			QueueDepth:   len(w.orders),
			CancelDepth:  len(w.cancels),
			BreakerState: w.breaker.State().String(),
			Symbols:      w.symbols.Load(),
		}
	}
	return s
}

func (w *worker) run() {
	defer w.engine.wg.Done()
	// 绑定固定操作系统线程，减少撮合路径上的调度抖动
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		w.drainCancels()
		select {
		case req := <-w.snaps:
			w.handleSnapshot(req)
			continue
		default:
		}
		select {
		case o := <-w.orders:
			w.handleOrder(o)
			continue
		default:
		}
		select {
		case req := <-w.cancels:
			w.handleCancel(req)
		case o := <-w.orders:
			w.handleOrder(o)
		case req := <-w.snaps:
			w.handleSnapshot(req)
		case <-w.engine.quit:
			w.drain()
			return
		case <-time.After(w.engine.cfg.IdlePoll):
		}
	}
}

// drainCancels 排空撤单队列，撤单永远先于新订单处理
func (w *worker) drainCancels() {
	for {
		select {
		case req := <-w.cancels:
			w.handleCancel(req)
		default:
			return
		}
	}
}

// drain 停机前处理完队列中剩余的请求
func (w *worker) drain() {
	for {
		w.drainCancels()
		select {
		case o := <-w.orders:
			w.handleOrder(o)
			continue
		default:
		}
		select {
		case req := <-w.snaps:
			w.handleSnapshot(req)
			continue
		default:
		}
		return
	}
}

func (w *worker) book(symbol string) *OrderBook {
	b, ok := w.books[symbol]
	if !ok {
		b = NewOrderBook(symbol)
		w.books[symbol] = b
		w.symbols.Add(1)
	}
	return b
}

func (w *worker) handleOrder(o *Order) {
	if w.queueGauge != nil {
		w.queueGauge.Set(float64(len(w.orders)))
	}
	res, err := w.execute(o)
	if err != nil {
		logging.Error(context.Background(), "order matching failed",
			"worker", w.id, "order_id", o.OrderID, "symbol", o.Symbol, "error", err)
	} else if n := len(res.Trades); n > 0 {
		w.engine.trades.Add(uint64(n))
		if w.engine.metrics != nil {
			w.engine.metrics.TradesTotal.Add(float64(n))
		}
	}
	w.engine.deliver(o.OrderID, res, err)
}

// execute 在熔断器保护下执行撮合，panic 计入熔断并转为错误结果
func (w *worker) execute(o *Order) (res *MatchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("matching: panic while processing order %s: %v", o.OrderID, r)
			logging.Error(context.Background(), "matching worker recovered from panic",
				"worker", w.id, "order_id", o.OrderID, "panic", r)
		}
	}()
	v, err := w.breaker.Execute(func() (interface{}, error) {
		return w.book(o.Symbol).Match(o)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MatchResult), nil
}

func (e *Engine) deliver(orderID string, res *MatchResult, err error) {
	v, ok := e.results.Load(orderID)
	if !ok {
		// 裸 Submit 提交，无等待方
		return
	}
	v.(*resultSlot).fill(res, err)
}

func (w *worker) handleCancel(req cancelRequest) {
	var removed *Order
	if book, ok := w.books[req.symbol]; ok {
		removed = book.Remove(req.orderID)
	}
	if removed == nil {
		logging.Warn(context.Background(), "cancel for unknown order",
			"worker", w.id, "symbol", req.symbol, "order_id", req.orderID)
	}
	if req.reply != nil {
		req.reply <- removed
	}
}

func (w *worker) handleSnapshot(req snapshotRequest) {
	if book, ok := w.books[req.symbol]; ok {
		req.reply <- book.Snapshot(req.depth)
		return
	}
	req.reply <- &BookSnapshot{
		Symbol:    req.symbol,
		Bids:      []*BookLevel{},
		Asks:      []*BookLevel{},
		Timestamp: time.Now().Unix(),
	}
}
