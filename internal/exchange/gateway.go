package exchange

import (
	"context"

	"grid_quant/internal/domain"
)

// Gateway 交易所接入层。核心逻辑只依赖这个契约，具体实现有 Binance 合约与纸面撮合两种。
//
// CreateOrder returns (nil, nil) when a post-only order was rejected for
// crossing the book. CreateOrders omits such orders from its result and wraps
// domain.ErrNoPosition when any close order had no position behind it; orders
// created before or after that item are still returned.
type Gateway interface {
	Name() string

	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error)

	CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.RemoteOrder, error)
	CreateOrders(ctx context.Context, reqs []domain.OrderRequest) ([]domain.RemoteOrder, error)
	CancelOrder(ctx context.Context, symbol, id string) error
	CancelOrders(ctx context.Context, symbol string, ids []string) error
	CancelAllOrders(ctx context.Context, symbol string) error

	// WatchOrders blocks until the next batch of order updates for symbol.
	WatchOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error)
	// WatchTicker blocks until the next ticker update for symbol.
	WatchTicker(ctx context.Context, symbol string) (domain.Ticker, error)

	FetchPositions(ctx context.Context, symbols []string) ([]domain.Position, error)
	FetchBalance(ctx context.Context) (map[string]float64, error)
	SetPositionMode(ctx context.Context, hedge bool) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Market(ctx context.Context, symbol string) (domain.Market, error)

	Close() error
}

var (
	_ Gateway = (*BinanceFutures)(nil)
	_ Gateway = (*PaperGateway)(nil)
)
