package exchange

import (
	"context"
	"fmt"
	"time"

	"grid_quant/internal/domain"

	"go.uber.org/zap"
)

// PublicSource is the unauthenticated market data a paper venue mirrors.
type PublicSource interface {
	Market(ctx context.Context, symbol string) (domain.Market, error)
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	WatchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// Mirror 从真实交易所复制交易对精度与最新价，纸面撮合从该价格开始
func (p *PaperGateway) Mirror(ctx context.Context, src PublicSource, symbols []string) error {
	for _, sym := range symbols {
		m, err := src.Market(ctx, sym)
		if err != nil {
			return fmt.Errorf("mirror market %s: %w", sym, err)
		}
		p.AddMarket(m)
		t, err := src.FetchTicker(ctx, sym)
		if err != nil {
			return fmt.Errorf("mirror ticker %s: %w", sym, err)
		}
		p.SetPrice(sym, t.Last)
		p.log.Info("[纸面] 已同步交易对", zap.String("symbol", sym),
			zap.Float64("tick_size", m.TickSize), zap.Float64("price", t.Last))
	}
	return nil
}

// Follow 持续把公共行情推进到纸面撮合，直到 ctx 结束
func (p *PaperGateway) Follow(ctx context.Context, src PublicSource, symbol string, retry time.Duration) {
	if retry <= 0 {
		retry = time.Second
	}
	for {
		t, err := src.WatchTicker(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn("[纸面] 行情中断，稍后重连", zap.String("symbol", symbol), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retry):
			}
			continue
		}
		p.SetPrice(symbol, t.Last)
	}
}
