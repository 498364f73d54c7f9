package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"grid_quant/internal/anchor"
	"grid_quant/internal/config"
	"grid_quant/internal/domain"
	"grid_quant/internal/grid"
	"grid_quant/internal/logx"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Account 启动阶段需要的账户与交易对接口
type Account interface {
	SetPositionMode(ctx context.Context, hedge bool) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Market(ctx context.Context, symbol string) (domain.Market, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchBalance(ctx context.Context) (map[string]float64, error)
	FetchPositions(ctx context.Context, symbols []string) ([]domain.Position, error)
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
	CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.RemoteOrder, error)
}

// Options 启动参数，来自环境变量
type Options struct {
	LedgerDir       string
	HedgeMode       bool
	CancelOnStart   bool
	InitialPosition bool
	Settings        anchor.Settings
}

// OptionsFromConfig maps the process configuration onto startup options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		LedgerDir:       cfg.LedgerDir,
		HedgeMode:       cfg.HedgeMode,
		CancelOnStart:   cfg.CancelOnStart,
		InitialPosition: cfg.InitialPosition,
		Settings: anchor.Settings{
			Window:             cfg.WindowSize,
			DriftMultiplier:    cfg.DriftMultiplier,
			DriftCooldown:      cfg.DriftCooldown(),
			FollowMarketOnFill: cfg.FollowMarketOnFill,
		},
	}
}

// Service 负责启动前的账户准备，并构造所有策略控制器
type Service struct {
	account Account
	syncer  anchor.Syncer
	journal anchor.SyncJournal
	opts    Options
	log     *zap.Logger
}

func New(account Account, syncer anchor.Syncer, journal anchor.SyncJournal, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		account: account,
		syncer:  syncer,
		journal: journal,
		opts:    opts,
		log:     logger,
	}
}

// Prepare 准备账户并启动每个策略的第一次对账：
//  1. 设置持仓模式
//  2. 逐个交易对设置杠杆、取精度、按需撤单
//  3. 打开网格账本
//  4. 探测持仓，无仓位的策略从平仓禁用状态开始
//  5. 可选建立初始仓位
//  6. 初始定位 + 首次对账
//
// 交易对元数据缺失是致命错误；单个策略首次对账失败只记日志，后续由行情循环重新定位。
func (s *Service) Prepare(ctx context.Context, strategies []domain.GridConfig) (*anchor.Registry, error) {
	s.log.Info("[启动] ▶ 开始准备", zap.Int("strategies", len(strategies)))

	if err := s.account.SetPositionMode(ctx, s.opts.HedgeMode); err != nil {
		return nil, fmt.Errorf("设置持仓模式: %w", err)
	}
	s.log.Info("[启动] 持仓模式已设置", zap.Bool("hedge", s.opts.HedgeMode))

	symbols := uniqueSymbols(strategies)
	markets := make(map[string]domain.Market, len(symbols))
	leverage := leverageBySymbol(strategies)
	for _, sym := range symbols {
		m, err := s.account.Market(ctx, sym)
		if err != nil {
			return nil, &domain.ConfigError{Field: "symbol", Reason: fmt.Sprintf("%s: 无法获取交易对信息: %v", sym, err)}
		}
		if m.TickSize <= 0 {
			return nil, &domain.ConfigError{Field: "symbol", Reason: fmt.Sprintf("%s: tick size %v 无效", sym, m.TickSize)}
		}
		markets[sym] = m

		if lev := leverage[sym]; lev > 0 {
			if err := s.account.SetLeverage(ctx, sym, lev); err != nil {
				s.log.Warn("[启动] 设置杠杆失败，沿用账户当前杠杆", zap.String("symbol", sym), zap.Int("leverage", lev), zap.Error(err))
			} else {
				s.log.Info("[启动] 杠杆已设置", zap.String("symbol", sym), zap.Int("leverage", lev))
			}
		}
		if s.opts.CancelOnStart {
			if err := s.account.CancelAllOrders(ctx, sym); err != nil {
				return nil, fmt.Errorf("撤销 %s 挂单: %w", sym, err)
			}
			s.log.Info("[启动] 已撤销全部挂单", zap.String("symbol", sym))
		}
	}

	s.logEquity(ctx)
	held := s.probePositions(ctx, symbols)

	ctrls := make([]*anchor.Controller, 0, len(strategies))
	for _, cfg := range strategies {
		key := cfg.Key()
		var ledger *grid.Ledger
		if s.opts.LedgerDir != "" {
			ledger = grid.NewLedger(grid.LedgerPath(s.opts.LedgerDir, key))
		}
		ladder, err := grid.Open(cfg, markets[cfg.Symbol].TickSize, ledger, s.log)
		if err != nil {
			return nil, fmt.Errorf("打开网格 %s: %w", key, err)
		}
		var opts []anchor.Option
		if s.journal != nil {
			opts = append(opts, anchor.WithJournal(s.journal))
		}
		ctrls = append(ctrls, anchor.NewController(ladder, s.syncer, s.account, s.opts.Settings, s.log, opts...))
	}

	registry, err := anchor.NewRegistry(ctrls...)
	if err != nil {
		return nil, err
	}

	for _, c := range registry.All() {
		log := logx.ForStrategy(s.log, c.Key())
		hasPosition := held[c.Key()] > 0
		if !hasPosition && s.opts.InitialPosition {
			if err := s.openInitialPosition(ctx, c, markets[c.Key().Symbol]); err != nil {
				log.Warn("[启动] 建立初始仓位失败", zap.Error(err))
			} else {
				hasPosition = true
			}
		}
		c.SetCloseDisabled(!hasPosition)

		if err := c.Start(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil, err
			}
			log.Warn("[启动] 首次对账失败，等待行情触发", zap.Error(err))
			continue
		}
		snap := c.Snapshot()
		log.Info("[启动] ✓ 策略就绪", zap.Int("anchor", snap.Anchor), zap.Bool("has_anchor", snap.HasAnchor),
			zap.Bool("close_disabled", snap.CloseDisabled))
	}

	s.log.Info("[启动] ✓ 准备完成", zap.Strings("symbols", symbols))
	return registry, nil
}

func (s *Service) logEquity(ctx context.Context) {
	balance, err := s.account.FetchBalance(ctx)
	if err != nil {
		s.log.Warn("[启动] 查询余额失败", zap.Error(err))
		return
	}
	s.log.Info("[启动] 账户权益", zap.Float64("usdt", balance["USDT"]))
}

// probePositions 返回每个策略当前持仓张数；查询失败时按全部有仓处理，由对账结果自行纠正
func (s *Service) probePositions(ctx context.Context, symbols []string) map[domain.StrategyKey]float64 {
	positions, err := s.account.FetchPositions(ctx, symbols)
	if err != nil {
		s.log.Warn("[启动] 查询持仓失败，暂按有仓处理", zap.Error(err))
		return allHeld(symbols)
	}
	held := make(map[domain.StrategyKey]float64, len(positions))
	for _, p := range positions {
		if p.Contracts > 0 {
			held[domain.StrategyKey{Symbol: p.Symbol, Direction: p.Side}] += p.Contracts
		}
	}
	for key, qty := range held {
		s.log.Info("[启动] 当前持仓", zap.String("strategy", key.String()), zap.Float64("contracts", qty))
	}
	return held
}

// openInitialPosition 以最新价挂一笔非 post-only 的开仓单，数量覆盖参考价平仓侧的所有档位
func (s *Service) openInitialPosition(ctx context.Context, c *anchor.Controller, market domain.Market) error {
	key := c.Key()
	t, err := s.account.FetchTicker(ctx, key.Symbol)
	if err != nil {
		return err
	}
	amount := InitialAmount(c.Ladder(), key.Direction, t.Last)
	if market.StepSize > 0 {
		step := decimal.NewFromFloat(market.StepSize)
		amount, _ = decimal.NewFromFloat(amount).Div(step).Floor().Mul(step).Float64()
	}
	if amount <= 0 {
		return fmt.Errorf("参考价 %v 平仓侧没有网格档位", t.Last)
	}
	order, err := s.account.CreateOrder(ctx, domain.OrderRequest{
		Symbol:       key.Symbol,
		Price:        grid.RoundToTick(t.Last, market.TickSize),
		Amount:       amount,
		Side:         key.Direction.OrderSide(),
		PositionSide: key.Direction,
		TradeSide:    domain.TradeOpen,
	})
	if err != nil {
		return err
	}
	if order == nil {
		return errors.New("初始仓位订单被拒绝")
	}
	logx.ForStrategy(s.log, key).Info("[启动] 初始仓位已下单", zap.String("id", order.ID),
		zap.Float64("price", order.Price), zap.Float64("amount", amount), zap.String("status", string(order.Status)))
	return nil
}

// InitialAmount 计算初始仓位：每档数量 × 参考价平仓侧（多头在上方，空头在下方）的档位数
func InitialAmount(ladder *grid.Ladder, dir domain.Direction, price float64) float64 {
	n := 0
	for _, lvl := range ladder.Levels() {
		if (dir == domain.DirectionLong && lvl.Price > price) || (dir == domain.DirectionShort && lvl.Price < price) {
			n++
		}
	}
	qty, _ := decimal.NewFromFloat(ladder.Config().QuantityPerGrid).Mul(decimal.NewFromInt(int64(n))).Float64()
	return qty
}

func uniqueSymbols(strategies []domain.GridConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, cfg := range strategies {
		sym := strings.ToUpper(cfg.Symbol)
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

// leverageBySymbol 同一交易对多空共用一个杠杆设置，取较大者
func leverageBySymbol(strategies []domain.GridConfig) map[string]int {
	out := make(map[string]int)
	for _, cfg := range strategies {
		sym := strings.ToUpper(cfg.Symbol)
		if cfg.Leverage > out[sym] {
			out[sym] = cfg.Leverage
		}
	}
	return out
}

func allHeld(symbols []string) map[domain.StrategyKey]float64 {
	out := make(map[domain.StrategyKey]float64, 2*len(symbols))
	for _, sym := range symbols {
		out[domain.StrategyKey{Symbol: sym, Direction: domain.DirectionLong}] = 1
		out[domain.StrategyKey{Symbol: sym, Direction: domain.DirectionShort}] = 1
	}
	return out
}
