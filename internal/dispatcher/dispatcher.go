package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"grid_quant/internal/anchor"
	"grid_quant/internal/domain"
	"grid_quant/internal/metrics"

	"go.uber.org/zap"
)

const seenCapacity = 4096

// Streams are the blocking pulls the loops consume.
type Streams interface {
	WatchOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error)
	WatchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// FillJournal persists fills. InsertFill reports false for a fill already recorded.
type FillJournal interface {
	InsertFill(ctx context.Context, fill domain.FillRecord) (bool, error)
}

type Option func(*Dispatcher)

func WithJournal(j FillJournal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// Dispatcher 事件分发：每个交易对一个成交循环，每个策略一个漂移循环
type Dispatcher struct {
	streams  Streams
	registry *anchor.Registry
	journal  FillJournal
	retry    time.Duration
	log      *zap.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

func New(streams Streams, registry *anchor.Registry, retry time.Duration, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry <= 0 {
		retry = time.Second
	}
	d := &Dispatcher{
		streams:  streams,
		registry: registry,
		retry:    retry,
		log:      logger,
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start 启动所有循环（非阻塞，在后台 goroutine 运行）。
// Stop 只取消订阅；进行中的对账使用不随 Stop 取消的 context 跑完。
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	work := context.WithoutCancel(ctx)
	watch, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	symbols := d.registry.Symbols()
	for _, sym := range symbols {
		d.wg.Add(1)
		go d.fillLoop(watch, work, sym)
	}
	for _, c := range d.registry.All() {
		d.wg.Add(1)
		go d.driftLoop(watch, work, c)
	}
	d.log.Info("[调度] 已启动", zap.Strings("symbols", symbols), zap.Int("strategies", len(d.registry.All())))
	return nil
}

// Stop 停止所有循环，并等待进行中的对账结束
func (d *Dispatcher) Stop() {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	d.cancel()
	d.wg.Wait()
	d.registry.Quiesce()
	d.log.Info("[调度] 已停止")
}

func (d *Dispatcher) Running() bool { return d.running.Load() }

func (d *Dispatcher) fillLoop(watch, work context.Context, symbol string) {
	defer d.wg.Done()
	log := d.log.With(zap.String("symbol", symbol), zap.String("loop", "orders"))
	for d.running.Load() {
		updates, err := d.streams.WatchOrders(watch, symbol)
		if err != nil {
			if watch.Err() != nil {
				return
			}
			metrics.LoopError("orders")
			log.Warn("[调度] 订单流异常，稍后重试", zap.Error(err), zap.Duration("retry", d.retry))
			if !sleepCtx(watch, d.retry) {
				return
			}
			continue
		}
		for _, u := range updates {
			if !u.IsFill() || !d.markSeen(symbol, u.ID) {
				continue
			}
			d.dispatchFill(work, symbol, u)
		}
	}
}

// dispatchFill 把一次成交并发地交给同一交易对上的所有策略，全部处理完才返回
func (d *Dispatcher) dispatchFill(ctx context.Context, symbol string, u domain.RemoteOrder) {
	key := domain.StrategyKey{Symbol: symbol, Direction: u.PositionSide}
	if d.journal != nil {
		inserted, err := d.journal.InsertFill(ctx, domain.FillRecord{
			OrderID:       u.ID,
			ClientOrderID: u.ClientOrderID,
			Symbol:        symbol,
			Direction:     u.PositionSide,
			TradeSide:     u.TradeSide,
			Price:         u.FillPrice(),
			Filled:        u.Filled,
			CreatedAt:     time.Now(),
		})
		switch {
		case err != nil:
			d.log.Warn("[调度] 写入成交记录失败", zap.Error(err))
		case !inserted:
			// 重启前已处理过的成交
			d.log.Debug("[调度] 成交已记录，跳过", zap.String("symbol", symbol), zap.String("order", u.ID))
			return
		}
	}
	metrics.Fill(key, u.TradeSide)

	var wg sync.WaitGroup
	for _, c := range d.registry.BySymbol(symbol) {
		wg.Add(1)
		go func(c *anchor.Controller) {
			defer wg.Done()
			if err := c.OnFill(ctx, u); err != nil {
				d.log.Debug("[调度] 成交处理未完成", zap.String("strategy", c.Key().String()), zap.Error(err))
			}
		}(c)
	}
	wg.Wait()
}

func (d *Dispatcher) driftLoop(watch, work context.Context, c *anchor.Controller) {
	defer d.wg.Done()
	symbol := c.Key().Symbol
	log := d.log.With(zap.String("strategy", c.Key().String()), zap.String("loop", "ticker"))
	for d.running.Load() {
		t, err := d.streams.WatchTicker(watch, symbol)
		if err != nil {
			if watch.Err() != nil {
				return
			}
			metrics.LoopError("ticker")
			log.Warn("[调度] 行情流异常，稍后重试", zap.Error(err), zap.Duration("retry", d.retry))
			if !sleepCtx(watch, d.retry) {
				return
			}
			continue
		}
		if err := c.OnDrift(work, t.Last); err != nil {
			log.Debug("[调度] 漂移处理未完成", zap.Error(err))
		}
	}
}

// markSeen reports whether the order is new. Venue order ids are only unique
// per symbol. The set keeps the most recent ids only.
func (d *Dispatcher) markSeen(symbol, id string) bool {
	k := symbol + "/" + id
	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	d.seenOrder = append(d.seenOrder, k)
	if len(d.seenOrder) > seenCapacity {
		delete(d.seen, d.seenOrder[0])
		d.seenOrder = d.seenOrder[1:]
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
