package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"grid_quant/internal/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const paperEpsilon = 1e-12

// ErrUnknownOrder is returned by the paper venue for ids it never issued or already finalised.
var ErrUnknownOrder = errors.New("unknown order")

// PaperGateway 纸面撮合：价格由 SetPrice 推进，穿越限价即全部成交。
// 用于 DRY_RUN 与测试，行为上模拟对冲模式下的 post-only 拒单与无仓可平。
type PaperGateway struct {
	log *zap.Logger
	now func() time.Time

	mu        sync.Mutex
	markets   map[string]domain.Market
	prices    map[string]domain.Ticker
	tickSeq   map[string]uint64
	orders    map[string]*domain.RemoteOrder
	positions map[domain.StrategyKey]float64
	balance   map[string]float64
	leverage  map[string]int
	hedge     bool
	updates   map[string][]domain.RemoteOrder
	notify    chan struct{}
	closed    bool
}

func NewPaperGateway(startBalance float64, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperGateway{
		log:       logger.With(zap.String("venue", "paper")),
		now:       time.Now,
		markets:   make(map[string]domain.Market),
		prices:    make(map[string]domain.Ticker),
		tickSeq:   make(map[string]uint64),
		orders:    make(map[string]*domain.RemoteOrder),
		positions: make(map[domain.StrategyKey]float64),
		balance:   map[string]float64{"USDT": startBalance},
		leverage:  make(map[string]int),
		hedge:     true,
		updates:   make(map[string][]domain.RemoteOrder),
		notify:    make(chan struct{}),
	}
}

func (p *PaperGateway) Name() string { return "paper" }

func (p *PaperGateway) AddMarket(m domain.Market) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markets[m.Symbol] = m
}

// SetPosition seeds a position, e.g. to mirror an account state in tests.
func (p *PaperGateway) SetPosition(key domain.StrategyKey, contracts float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[key] = contracts
}

// SetPrice 推进最新价并撮合所有被穿越的挂单
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = domain.Ticker{Symbol: symbol, Last: price, Time: p.now().UTC()}
	p.tickSeq[symbol]++

	ids := make([]string, 0, len(p.orders))
	for id, o := range p.orders {
		if o.Symbol == symbol {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return p.orders[ids[i]].Price < p.orders[ids[j]].Price })
	for _, id := range ids {
		o := p.orders[id]
		if crosses(o, price) {
			p.fillLocked(o)
		}
	}
	p.broadcastLocked()
}

func crosses(o *domain.RemoteOrder, price float64) bool {
	if o.PositionSide.EffectiveSide(o.TradeSide) == domain.SideBuy {
		return price <= o.Price
	}
	return price >= o.Price
}

func (p *PaperGateway) fillLocked(o *domain.RemoteOrder) {
	key := domain.StrategyKey{Symbol: o.Symbol, Direction: o.PositionSide}
	if o.TradeSide == domain.TradeOpen {
		p.positions[key] += o.Amount
	} else {
		p.positions[key] -= o.Amount
		if p.positions[key] < paperEpsilon {
			delete(p.positions, key)
		}
	}
	o.Status = domain.OrderStatusFilled
	o.Filled = o.Amount
	o.AvgPrice = o.Price
	o.UpdatedAt = p.now().UTC()
	delete(p.orders, o.ID)
	p.updates[o.Symbol] = append(p.updates[o.Symbol], *o)
	p.log.Debug("[纸面] 成交", zap.String("symbol", o.Symbol), zap.String("id", o.ID),
		zap.String("trade_side", string(o.TradeSide)), zap.Float64("price", o.Price))
}

func (p *PaperGateway) broadcastLocked() {
	close(p.notify)
	p.notify = make(chan struct{})
}

func (p *PaperGateway) FetchTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.prices[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("no price for %s yet", symbol)
	}
	return t, nil
}

func (p *PaperGateway) FetchOpenOrders(_ context.Context, symbol string) ([]domain.RemoteOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.RemoteOrder, 0)
	for _, o := range p.orders {
		if o.Symbol == symbol {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out, nil
}

func (p *PaperGateway) CreateOrder(_ context.Context, req domain.OrderRequest) (*domain.RemoteOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, err := p.createLocked(req)
	if o != nil {
		p.broadcastLocked()
	}
	return o, err
}

func (p *PaperGateway) CreateOrders(_ context.Context, reqs []domain.OrderRequest) ([]domain.RemoteOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		out        []domain.RemoteOrder
		noPosition bool
	)
	for _, req := range reqs {
		o, err := p.createLocked(req)
		switch {
		case errors.Is(err, domain.ErrNoPosition):
			noPosition = true
		case err != nil:
			return out, err
		case o != nil:
			out = append(out, *o)
		}
	}
	if len(out) > 0 {
		p.broadcastLocked()
	}
	if noPosition {
		return out, fmt.Errorf("paper batch create: %w", domain.ErrNoPosition)
	}
	return out, nil
}

func (p *PaperGateway) createLocked(req domain.OrderRequest) (*domain.RemoteOrder, error) {
	if _, ok := p.markets[req.Symbol]; !ok {
		return nil, fmt.Errorf("market %s not listed", req.Symbol)
	}
	if req.Amount <= 0 || req.Price <= 0 {
		return nil, fmt.Errorf("invalid order %v @ %v", req.Amount, req.Price)
	}
	key := domain.StrategyKey{Symbol: req.Symbol, Direction: req.PositionSide}
	if req.TradeSide == domain.TradeClose {
		reserved := req.Amount
		for _, o := range p.orders {
			if o.Symbol == req.Symbol && o.PositionSide == req.PositionSide && o.TradeSide == domain.TradeClose {
				reserved += o.Amount
			}
		}
		if reserved > p.positions[key]+paperEpsilon {
			return nil, domain.ErrNoPosition
		}
	}

	o := &domain.RemoteOrder{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Price:         req.Price,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		TradeSide:     req.TradeSide,
		Status:        domain.OrderStatusOpen,
		Amount:        req.Amount,
		UpdatedAt:     p.now().UTC(),
	}
	if t, ok := p.prices[req.Symbol]; ok && crosses(o, t.Last) {
		if req.PostOnly {
			return nil, nil
		}
		p.orders[o.ID] = o
		p.fillLocked(o)
		out := *o
		return &out, nil
	}
	p.orders[o.ID] = o
	out := *o
	return &out, nil
}

func (p *PaperGateway) CancelOrder(_ context.Context, symbol, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelLocked(symbol, id)
}

func (p *PaperGateway) cancelLocked(symbol, id string) error {
	o, ok := p.orders[id]
	if !ok || o.Symbol != symbol {
		return fmt.Errorf("cancel %s: %w", id, ErrUnknownOrder)
	}
	delete(p.orders, id)
	return nil
}

func (p *PaperGateway) CancelOrders(_ context.Context, symbol string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var missing []string
	for _, id := range ids {
		if err := p.cancelLocked(symbol, id); err != nil {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("cancel %s: %w", strings.Join(missing, ","), ErrUnknownOrder)
	}
	return nil
}

func (p *PaperGateway) CancelAllOrders(_ context.Context, symbol string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, o := range p.orders {
		if o.Symbol == symbol {
			delete(p.orders, id)
		}
	}
	return nil
}

func (p *PaperGateway) WatchOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New("paper gateway closed")
		}
		if q := p.updates[symbol]; len(q) > 0 {
			delete(p.updates, symbol)
			p.mu.Unlock()
			return q, nil
		}
		wait := p.notify
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (p *PaperGateway) WatchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	p.mu.Lock()
	start := p.tickSeq[symbol]
	p.mu.Unlock()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return domain.Ticker{}, errors.New("paper gateway closed")
		}
		if p.tickSeq[symbol] > start {
			t := p.prices[symbol]
			p.mu.Unlock()
			return t, nil
		}
		wait := p.notify
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return domain.Ticker{}, ctx.Err()
		case <-wait:
		}
	}
}

func (p *PaperGateway) FetchPositions(_ context.Context, symbols []string) ([]domain.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []domain.Position
	for key, qty := range p.positions {
		if len(want) > 0 && !want[key.Symbol] {
			continue
		}
		out = append(out, domain.Position{Symbol: key.Symbol, Side: key.Direction, Contracts: qty})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}

func (p *PaperGateway) FetchBalance(context.Context) (map[string]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balance))
	for k, v := range p.balance {
		out[k] = v
	}
	return out, nil
}

func (p *PaperGateway) SetPositionMode(_ context.Context, hedge bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hedge = hedge
	return nil
}

func (p *PaperGateway) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

func (p *PaperGateway) Market(_ context.Context, symbol string) (domain.Market, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.markets[symbol]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s not listed", symbol)
	}
	return m, nil
}

func (p *PaperGateway) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.broadcastLocked()
	}
	return nil
}
