package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"grid_quant/internal/anchor"
	"grid_quant/internal/domain"
	"grid_quant/internal/exchange"
	"grid_quant/internal/grid"
	"grid_quant/internal/reconcile"
)

func gridConfig(symbol string, dir domain.Direction) domain.GridConfig {
	return domain.GridConfig{
		Symbol: symbol, Direction: dir, Leverage: 3,
		LowerPrice: 100, UpperPrice: 110, GridSpread: 0.01, QuantityPerGrid: 0.5,
	}
}

func newController(t *testing.T, dir domain.Direction, syncer anchor.Syncer, prices anchor.PriceSource) *anchor.Controller {
	t.Helper()
	return newSymbolController(t, "BTCUSDT", dir, syncer, prices)
}

func newSymbolController(t *testing.T, symbol string, dir domain.Direction, syncer anchor.Syncer, prices anchor.PriceSource) *anchor.Controller {
	t.Helper()
	l, err := grid.Open(gridConfig(symbol, dir), 0.01, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return anchor.NewController(l, syncer, prices, anchor.DefaultSettings(), nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFillRepositionsBothDirections(t *testing.T) {
	paper := exchange.NewPaperGateway(1000, nil)
	paper.AddMarket(domain.Market{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001})
	paper.SetPrice("BTCUSDT", 105.5)

	rec := reconcile.New(paper, true, nil)
	long := newController(t, domain.DirectionLong, rec, paper)
	short := newController(t, domain.DirectionShort, rec, paper)
	reg, err := anchor.NewRegistry(long, short)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, c := range reg.All() {
		_ = c.Start(ctx)
	}
	if !long.Snapshot().CloseDisabled || !short.Snapshot().CloseDisabled {
		t.Fatal("strategies without position should start with close orders disabled")
	}

	d := New(paper, reg, 10*time.Millisecond, nil)
	if err := d.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	paper.SetPrice("BTCUSDT", 104.0) // fills the long open at 104.06

	waitFor(t, "long anchor to follow the fill", func() bool {
		s := long.Snapshot()
		return s.Anchor == 4 && !s.CloseDisabled
	})
	waitFor(t, "short anchor to follow the long fill", func() bool {
		return short.Snapshot().Anchor == 4
	})
	waitFor(t, "long close order above entry", func() bool {
		orders, _ := paper.FetchOpenOrders(ctx, "BTCUSDT")
		for _, o := range orders {
			if o.PositionSide == domain.DirectionLong && o.TradeSide == domain.TradeClose && o.Price == 105.1 {
				return true
			}
		}
		return false
	})

	d.Stop()
	if d.Running() {
		t.Fatal("dispatcher still running after Stop")
	}
}

type countingSyncer struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSyncer) Sync(context.Context, domain.StrategyKey, []domain.TargetOrder) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return reconcile.Result{}, nil
}

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type noPrices struct{}

func (noPrices) FetchTicker(context.Context, string) (domain.Ticker, error) {
	return domain.Ticker{}, errors.New("unused")
}

// scriptedStreams fails the first order pull, then replays batches.
type scriptedStreams struct {
	mu      sync.Mutex
	failed  bool
	batches [][]domain.RemoteOrder
}

func (s *scriptedStreams) WatchOrders(ctx context.Context, _ string) ([]domain.RemoteOrder, error) {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *scriptedStreams) WatchTicker(ctx context.Context, _ string) (domain.Ticker, error) {
	<-ctx.Done()
	return domain.Ticker{}, ctx.Err()
}

// memJournal mirrors the sqlite journal: one row per (symbol, order id).
type memJournal struct {
	mu    sync.Mutex
	fills []domain.FillRecord
}

func (j *memJournal) InsertFill(_ context.Context, f domain.FillRecord) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, old := range j.fills {
		if old.Symbol == f.Symbol && old.OrderID == f.OrderID {
			return false, nil
		}
	}
	j.fills = append(j.fills, f)
	return true, nil
}

// symbolStreams replays batches per symbol, then blocks.
type symbolStreams struct {
	mu      sync.Mutex
	batches map[string][][]domain.RemoteOrder
}

func (s *symbolStreams) WatchOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error) {
	s.mu.Lock()
	if q := s.batches[symbol]; len(q) > 0 {
		s.batches[symbol] = q[1:]
		s.mu.Unlock()
		return q[0], nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *symbolStreams) WatchTicker(ctx context.Context, _ string) (domain.Ticker, error) {
	<-ctx.Done()
	return domain.Ticker{}, ctx.Err()
}

func longFill(symbol, id string) domain.RemoteOrder {
	return domain.RemoteOrder{ID: id, Symbol: symbol, Price: 104.06, PositionSide: domain.DirectionLong,
		TradeSide: domain.TradeOpen, Status: domain.OrderStatusFilled, Filled: 0.5}
}

func TestFillLoopRetriesAndDeduplicates(t *testing.T) {
	fill := longFill("BTCUSDT", "7")
	open := fill
	open.ID = "8"
	open.Status = domain.OrderStatusOpen
	streams := &scriptedStreams{batches: [][]domain.RemoteOrder{{fill, open}, {fill}}}

	syncer := &countingSyncer{}
	c := newController(t, domain.DirectionLong, syncer, noPrices{})
	c.InitialPositioning(105.5)
	reg, _ := anchor.NewRegistry(c)
	journal := &memJournal{}

	d := New(streams, reg, 5*time.Millisecond, nil, WithJournal(journal))
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fill to be dispatched", func() bool { return syncer.count() >= 1 })
	time.Sleep(50 * time.Millisecond)
	d.Stop()

	if syncer.count() != 1 {
		t.Fatalf("sync calls = %d, want 1 (duplicate fill and open update ignored)", syncer.count())
	}
	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.fills) != 1 || journal.fills[0].OrderID != "7" {
		t.Fatalf("journal = %+v", journal.fills)
	}
	if got := c.Snapshot().Anchor; got != 4 {
		t.Fatalf("anchor = %d, want 4", got)
	}
}

func TestStartTwiceFails(t *testing.T) {
	reg, _ := anchor.NewRegistry()
	d := New(&scriptedStreams{}, reg, time.Millisecond, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	if err := d.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestSameOrderIDOnTwoSymbolsDispatchesBoth(t *testing.T) {
	streams := &symbolStreams{batches: map[string][][]domain.RemoteOrder{
		"BTCUSDT": {{longFill("BTCUSDT", "7")}},
		"ETHUSDT": {{longFill("ETHUSDT", "7")}},
	}}
	btcSyncer, ethSyncer := &countingSyncer{}, &countingSyncer{}
	btc := newSymbolController(t, "BTCUSDT", domain.DirectionLong, btcSyncer, noPrices{})
	eth := newSymbolController(t, "ETHUSDT", domain.DirectionLong, ethSyncer, noPrices{})
	btc.InitialPositioning(105.5)
	eth.InitialPositioning(105.5)
	reg, err := anchor.NewRegistry(btc, eth)
	if err != nil {
		t.Fatal(err)
	}
	journal := &memJournal{}

	d := New(streams, reg, 5*time.Millisecond, nil, WithJournal(journal))
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()

	waitFor(t, "BTCUSDT fill", func() bool { return btcSyncer.count() == 1 })
	waitFor(t, "ETHUSDT fill", func() bool { return ethSyncer.count() == 1 })

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.fills) != 2 {
		t.Fatalf("journal = %+v, want one fill per symbol", journal.fills)
	}
}

func TestJournaledFillIsNotDispatchedAgain(t *testing.T) {
	journal := &memJournal{}
	_, _ = journal.InsertFill(context.Background(), domain.FillRecord{Symbol: "BTCUSDT", OrderID: "7"})
	streams := &symbolStreams{batches: map[string][][]domain.RemoteOrder{
		"BTCUSDT": {{longFill("BTCUSDT", "7")}, {longFill("BTCUSDT", "9")}},
	}}
	syncer := &countingSyncer{}
	c := newController(t, domain.DirectionLong, syncer, noPrices{})
	c.InitialPositioning(105.5)
	reg, _ := anchor.NewRegistry(c)

	d := New(streams, reg, 5*time.Millisecond, nil, WithJournal(journal))
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "new fill", func() bool { return syncer.count() >= 1 })
	time.Sleep(30 * time.Millisecond)
	d.Stop()

	if syncer.count() != 1 {
		t.Fatalf("sync calls = %d, want 1 (order 7 was journaled before start)", syncer.count())
	}
}

// blockingSyncer holds the first Sync until released and records its context state.
type blockingSyncer struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	ctxErr  chan error
}

func (s *blockingSyncer) Sync(ctx context.Context, _ domain.StrategyKey, _ []domain.TargetOrder) (reconcile.Result, error) {
	first := false
	s.once.Do(func() { first = true })
	if !first {
		return reconcile.Result{}, nil
	}
	close(s.entered)
	<-s.release
	s.ctxErr <- ctx.Err()
	return reconcile.Result{}, nil
}

func TestStopLetsInFlightSyncFinish(t *testing.T) {
	streams := &symbolStreams{batches: map[string][][]domain.RemoteOrder{
		"BTCUSDT": {{longFill("BTCUSDT", "7")}},
	}}
	syncer := &blockingSyncer{entered: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
	c := newController(t, domain.DirectionLong, syncer, noPrices{})
	c.InitialPositioning(105.5)
	reg, _ := anchor.NewRegistry(c)

	d := New(streams, reg, 5*time.Millisecond, nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-syncer.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("fill never reached the syncer")
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a sync was still running")
	case <-time.After(30 * time.Millisecond):
	}
	close(syncer.release)

	if err := <-syncer.ctxErr; err != nil {
		t.Fatalf("in-flight sync saw ctx error %v after Stop", err)
	}
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the sync finished")
	}
}
