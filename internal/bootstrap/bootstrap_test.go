package bootstrap

import (
	"context"
	"math"
	"os"
	"testing"

	"grid_quant/internal/anchor"
	"grid_quant/internal/domain"
	"grid_quant/internal/exchange"
	"grid_quant/internal/grid"
	"grid_quant/internal/reconcile"
)

func strategies() []domain.GridConfig {
	base := domain.GridConfig{
		Symbol: "BTCUSDT", Leverage: 3,
		LowerPrice: 100, UpperPrice: 110, GridSpread: 0.01, QuantityPerGrid: 0.5,
	}
	long, short := base, base
	long.Direction = domain.DirectionLong
	short.Direction = domain.DirectionShort
	return []domain.GridConfig{long, short}
}

func newPaper() *exchange.PaperGateway {
	paper := exchange.NewPaperGateway(1000, nil)
	paper.AddMarket(domain.Market{Symbol: "BTCUSDT", TickSize: 0.01, StepSize: 0.001})
	paper.SetPrice("BTCUSDT", 105.5)
	return paper
}

func prepare(t *testing.T, paper *exchange.PaperGateway, opts Options) *anchor.Registry {
	t.Helper()
	opts.Settings = anchor.DefaultSettings()
	svc := New(paper, reconcile.New(paper, true, nil), nil, opts, nil)
	reg, err := svc.Prepare(context.Background(), strategies())
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func countOrders(t *testing.T, paper *exchange.PaperGateway, dir domain.Direction, side domain.TradeSide) int {
	t.Helper()
	orders, err := paper.FetchOpenOrders(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, o := range orders {
		if o.PositionSide == dir && o.TradeSide == side {
			n++
		}
	}
	return n
}

func TestPrepareWithoutPositionDisablesClose(t *testing.T) {
	paper := newPaper()
	dir := t.TempDir()
	reg := prepare(t, paper, Options{LedgerDir: dir})

	for _, c := range reg.All() {
		snap := c.Snapshot()
		if !snap.HasAnchor || snap.Anchor != 5 {
			t.Fatalf("%s anchor = %d (has %v), want 5", c.Key(), snap.Anchor, snap.HasAnchor)
		}
		if !snap.CloseDisabled {
			t.Fatalf("%s should start with close orders disabled", c.Key())
		}
		if _, err := os.Stat(grid.LedgerPath(dir, c.Key())); err != nil {
			t.Fatalf("ledger for %s: %v", c.Key(), err)
		}
	}
	for _, d := range []domain.Direction{domain.DirectionLong, domain.DirectionShort} {
		if got := countOrders(t, paper, d, domain.TradeOpen); got != 1 {
			t.Fatalf("%s open orders = %d, want 1", d, got)
		}
		if got := countOrders(t, paper, d, domain.TradeClose); got != 0 {
			t.Fatalf("%s close orders = %d, want 0", d, got)
		}
	}
}

func TestPrepareSeededPositionKeepsClose(t *testing.T) {
	paper := newPaper()
	paper.SetPosition(domain.StrategyKey{Symbol: "BTCUSDT", Direction: domain.DirectionLong}, 1)
	reg := prepare(t, paper, Options{})

	long, _ := reg.Get(domain.StrategyKey{Symbol: "BTCUSDT", Direction: domain.DirectionLong})
	short, _ := reg.Get(domain.StrategyKey{Symbol: "BTCUSDT", Direction: domain.DirectionShort})
	if long.Snapshot().CloseDisabled {
		t.Fatal("long holds a position, close orders should stay enabled")
	}
	if !short.Snapshot().CloseDisabled {
		t.Fatal("short holds nothing, close orders should be disabled")
	}
	if got := countOrders(t, paper, domain.DirectionLong, domain.TradeClose); got != 1 {
		t.Fatalf("long close orders = %d, want 1", got)
	}
}

func TestPrepareOpensInitialPosition(t *testing.T) {
	paper := newPaper()
	reg := prepare(t, paper, Options{InitialPosition: true})

	positions, err := paper.FetchPositions(context.Background(), []string{"BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	want := map[domain.Direction]float64{domain.DirectionLong: 2.5, domain.DirectionShort: 3.0}
	if len(positions) != 2 {
		t.Fatalf("positions = %+v", positions)
	}
	for _, p := range positions {
		if math.Abs(p.Contracts-want[p.Side]) > 1e-9 {
			t.Fatalf("%s contracts = %v, want %v", p.Side, p.Contracts, want[p.Side])
		}
	}
	for _, c := range reg.All() {
		if c.Snapshot().CloseDisabled {
			t.Fatalf("%s should have close orders after the initial position", c.Key())
		}
	}
	if got := countOrders(t, paper, domain.DirectionShort, domain.TradeClose); got != 1 {
		t.Fatalf("short close orders = %d, want 1", got)
	}
}

func TestPrepareMissingMarketIsFatal(t *testing.T) {
	paper := exchange.NewPaperGateway(1000, nil)
	svc := New(paper, reconcile.New(paper, true, nil), nil, Options{Settings: anchor.DefaultSettings()}, nil)
	_, err := svc.Prepare(context.Background(), strategies())
	if !domain.IsConfigError(err) {
		t.Fatalf("err = %v, want ConfigError", err)
	}
}

func TestInitialAmount(t *testing.T) {
	cfg := strategies()[0]
	ladder, err := grid.Open(cfg, 0.01, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		dir   domain.Direction
		price float64
		want  float64
	}{
		{domain.DirectionLong, 105.5, 2.5},
		{domain.DirectionShort, 105.5, 3.0},
		{domain.DirectionLong, 111, 0},
		{domain.DirectionShort, 99, 0},
	}
	for _, tc := range cases {
		if got := InitialAmount(ladder, tc.dir, tc.price); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("InitialAmount(%s, %v) = %v, want %v", tc.dir, tc.price, got, tc.want)
		}
	}
}
