package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"grid_quant/internal/domain"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "journal.db") + "?_pragma=busy_timeout(5000)"
	repo, err := NewSQLiteRepository(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	if err := repo.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return repo
}

func TestInitIsIdempotent(t *testing.T) {
	repo := newTestRepo(t)
	if err := repo.Init(context.Background()); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestInsertFillDeduplicates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	fill := domain.FillRecord{
		OrderID: "123", ClientOrderID: "gqabc", Symbol: "BTCUSDT", Direction: domain.DirectionLong,
		TradeSide: domain.TradeOpen, Price: 104.06, Filled: 0.5, CreatedAt: time.Now(),
	}
	inserted, err := repo.InsertFill(ctx, fill)
	if err != nil || !inserted {
		t.Fatalf("first insert = %v, %v", inserted, err)
	}
	inserted, err = repo.InsertFill(ctx, fill)
	if err != nil || inserted {
		t.Fatalf("duplicate insert = %v, %v", inserted, err)
	}

	fills, err := repo.ListFills(ctx, Filter{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 || fills[0].ClientOrderID != "gqabc" || fills[0].TradeSide != domain.TradeOpen {
		t.Fatalf("fills = %+v", fills)
	}
	if other, _ := repo.ListFills(ctx, Filter{Symbol: "ETHUSDT"}); len(other) != 0 {
		t.Fatalf("filter leaked rows: %+v", other)
	}
}

func TestSameOrderIDOnDifferentSymbols(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for _, sym := range []string{"BTCUSDT", "ETHUSDT"} {
		inserted, err := repo.InsertFill(ctx, domain.FillRecord{
			OrderID: "7", Symbol: sym, Direction: domain.DirectionLong,
			TradeSide: domain.TradeOpen, Price: 104.06, Filled: 0.5,
		})
		if err != nil || !inserted {
			t.Fatalf("%s insert = %v, %v", sym, inserted, err)
		}
	}
	fills, err := repo.ListFills(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 2 {
		t.Fatalf("fills = %+v, want one row per symbol", fills)
	}
	if fills[0].ClientOrderID != "" {
		t.Fatalf("client order id default = %q", fills[0].ClientOrderID)
	}
}

func TestSyncRunsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	for i, trig := range []string{"start", "fill", "drift"} {
		run := domain.SyncRun{
			Symbol: "BTCUSDT", Direction: domain.DirectionShort, Trigger: trig,
			Anchor: 5 + i, Targets: 2, Kept: 1, Created: 1, CloseDisabled: i == 2,
		}
		if i == 1 {
			run.ErrorMessage = "timeout"
		}
		if err := repo.InsertSyncRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := repo.ListSyncRuns(ctx, Filter{Direction: domain.DirectionShort, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d", len(runs))
	}
	if runs[0].Trigger != "drift" || !runs[0].CloseDisabled || runs[0].Anchor != 7 {
		t.Fatalf("newest = %+v", runs[0])
	}
	if runs[1].ErrorMessage != "timeout" {
		t.Fatalf("second = %+v", runs[1])
	}
}
