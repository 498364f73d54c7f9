package anchor

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"grid_quant/internal/domain"
	"grid_quant/internal/grid"
	"grid_quant/internal/logx"
	"grid_quant/internal/metrics"
	"grid_quant/internal/reconcile"

	"go.uber.org/zap"
)

// maxSyncPasses bounds Refresh: the second pass runs with close targets removed.
const maxSyncPasses = 2

// Syncer converges the venue toward a target set.
type Syncer interface {
	Sync(ctx context.Context, key domain.StrategyKey, targets []domain.TargetOrder) (reconcile.Result, error)
}

// PriceSource supplies the latest traded price.
type PriceSource interface {
	FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error)
}

// SyncJournal records finished reconciliation passes.
type SyncJournal interface {
	InsertSyncRun(ctx context.Context, run domain.SyncRun) error
}

type Settings struct {
	Window             int
	DriftMultiplier    float64
	DriftCooldown      time.Duration
	FollowMarketOnFill bool
}

func DefaultSettings() Settings {
	return Settings{Window: 1, DriftMultiplier: 2.0, DriftCooldown: 5 * time.Second}
}

// Snapshot is a read-only copy of a controller's state.
type Snapshot struct {
	Key           domain.StrategyKey `json:"key"`
	Anchor        int                `json:"anchor"`
	HasAnchor     bool               `json:"has_anchor"`
	AnchorPrice   float64            `json:"anchor_price,omitempty"`
	CloseDisabled bool               `json:"close_disabled"`
	Levels        int                `json:"levels"`
	LastReset     time.Time          `json:"last_reset,omitempty"`
	LastSync      time.Time          `json:"last_sync,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
}

type Option func(*Controller)

func WithJournal(j SyncJournal) Option {
	return func(c *Controller) { c.journal = j }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller 单个策略的锚点状态机。所有状态变更都在 mu 内完成，
// 因此同一策略的 Refresh 全序执行，不同策略之间互不阻塞。
type Controller struct {
	key      domain.StrategyKey
	cfg      domain.GridConfig
	ladder   *grid.Ladder
	syncer   Syncer
	prices   PriceSource
	journal  SyncJournal
	settings Settings
	log      *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	anchor        int
	hasAnchor     bool
	closeDisabled bool
	lastReset     time.Time
	lastSync      time.Time
	lastErr       string
	stopped       bool

	snap atomic.Pointer[Snapshot]
}

func NewController(ladder *grid.Ladder, syncer Syncer, prices PriceSource, settings Settings, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Window < 1 {
		settings.Window = 1
	}
	if settings.DriftMultiplier <= 0 {
		settings.DriftMultiplier = DefaultSettings().DriftMultiplier
	}
	cfg := ladder.Config()
	c := &Controller{
		key:      cfg.Key(),
		cfg:      cfg,
		ladder:   ladder,
		syncer:   syncer,
		prices:   prices,
		settings: settings,
		log:      logx.ForStrategy(logger, cfg.Key()),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.publishLocked()
	return c
}

func (c *Controller) Key() domain.StrategyKey { return c.key }

func (c *Controller) Config() domain.GridConfig { return c.cfg }

func (c *Controller) Ladder() *grid.Ladder { return c.ladder }

// InitialPositioning 把锚点设为夹住参考价的下档；价格不在网格内则保持空闲。
func (c *Controller) InitialPositioning(price float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked(price)
}

func (c *Controller) positionLocked(price float64) bool {
	lower, _, ok := c.ladder.NearestBracket(price)
	if !ok {
		c.log.Warn("[锚点] 参考价不在网格区间内，策略空闲", zap.Float64("price", price))
		return false
	}
	c.setAnchorLocked(lower.Index)
	c.log.Info("[锚点] 初始定位", zap.Float64("price", price), zap.Int("anchor", lower.Index))
	return true
}

// Start 取最新价完成初始定位并做第一次对账
func (c *Controller) Start(ctx context.Context) error {
	t, err := c.prices.FetchTicker(ctx, c.key.Symbol)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.positionLocked(t.Last) {
		return nil
	}
	return c.refreshLocked(ctx, "start")
}

// Refresh 按当前锚点重新对账
func (c *Controller) Refresh(ctx context.Context, trigger string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx, trigger)
}

// Targets returns the order window for the current anchor.
func (c *Controller) Targets() []domain.TargetOrder {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasAnchor {
		return nil
	}
	return c.targetsLocked()
}

func (c *Controller) targetsLocked() []domain.TargetOrder {
	below, above := domain.TradeOpen, domain.TradeClose
	if c.key.Direction == domain.DirectionShort {
		below, above = domain.TradeClose, domain.TradeOpen
	}
	var window []domain.TargetOrder
	for i := 1; i <= c.settings.Window; i++ {
		if lvl, ok := c.ladder.Level(c.anchor - i); ok {
			window = append(window, domain.TargetOrder{Index: lvl.Index, Price: lvl.Price, Amount: c.cfg.QuantityPerGrid, Action: below})
		}
	}
	for i := 1; i <= c.settings.Window; i++ {
		if lvl, ok := c.ladder.Level(c.anchor + i); ok {
			window = append(window, domain.TargetOrder{Index: lvl.Index, Price: lvl.Price, Amount: c.cfg.QuantityPerGrid, Action: above})
		}
	}
	if !c.closeDisabled {
		return window
	}
	targets := make([]domain.TargetOrder, 0, len(window))
	for _, t := range window {
		if t.Action != domain.TradeClose {
			targets = append(targets, t)
		}
	}
	return targets
}

// refreshLocked 最多两轮：首轮遇到无仓可平则关闭平仓单，再以更小的目标集重试一次。
func (c *Controller) refreshLocked(ctx context.Context, trigger string) error {
	if c.stopped || !c.hasAnchor {
		return nil
	}
	log := c.log.With(zap.Int("anchor", c.anchor), zap.String("trigger", trigger))

	var (
		res     reconcile.Result
		err     error
		targets []domain.TargetOrder
	)
	for pass := 0; pass < maxSyncPasses; pass++ {
		targets = c.targetsLocked()
		res, err = c.syncer.Sync(ctx, c.key, targets)
		c.recordLocked(res)
		if !errors.Is(err, domain.ErrNoPosition) || c.closeDisabled {
			break
		}
		c.closeDisabled = true
		metrics.SetCloseDisabled(c.key, true)
		log.Info("[锚点] 无仓可平，暂停平仓单")
	}
	if err == nil {
		err = res.Err
	}

	c.lastSync = c.now()
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
		log.Warn("[锚点] 对账未完成，等待下次触发", zap.Error(err))
	}
	c.publishLocked()
	c.journalLocked(ctx, trigger, targets, res, err)
	return err
}

// recordLocked 把保留/新建订单记到网格账本，把撤掉的订单从账本清除
func (c *Controller) recordLocked(res reconcile.Result) {
	dir := c.key.Direction
	for _, group := range [][]reconcile.Placed{res.Kept, res.Created} {
		for _, p := range group {
			if err := c.ladder.RecordOrderID(p.Target.Index, dir.EffectiveSide(p.Target.Action), p.Order.ID); err != nil {
				c.log.Error("[锚点] 写入网格账本失败", zap.Error(err))
			}
		}
	}
	for _, id := range res.Cancelled {
		c.forgetOrderLocked(id)
	}
}

func (c *Controller) forgetOrderLocked(id string) {
	idx, side, ok := c.ladder.FindOrder(id)
	if !ok {
		return
	}
	if err := c.ladder.RecordOrderID(idx, side, ""); err != nil {
		c.log.Error("[锚点] 写入网格账本失败", zap.Error(err))
	}
}

// OnFill 处理同一交易对上任意策略的成交
func (c *Controller) OnFill(ctx context.Context, order domain.RemoteOrder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	own := order.PositionSide == c.key.Direction
	fillPrice := order.FillPrice()
	ref := fillPrice
	if c.settings.FollowMarketOnFill && c.prices != nil {
		if t, err := c.prices.FetchTicker(ctx, c.key.Symbol); err == nil && t.Last > 0 {
			ref = t.Last
		} else if err != nil {
			c.log.Debug("[锚点] 获取最新价失败，使用成交价", zap.Error(err))
		}
	}

	if own {
		c.forgetOrderLocked(order.ID)
		if c.closeDisabled {
			c.closeDisabled = false
			metrics.SetCloseDisabled(c.key, false)
			c.log.Info("[锚点] 本策略成交，恢复平仓单", zap.String("order", order.ID))
		}
	}

	candidate, ok := c.ladder.ClosestIndex(ref)
	if !ok {
		c.log.Warn("[锚点] 成交参考价不在网格区间内", zap.Float64("price", ref))
		if own && c.hasAnchor {
			return c.refreshLocked(ctx, "fill")
		}
		c.publishLocked()
		return nil
	}

	final := candidate
	if own && order.TradeSide == domain.TradeOpen {
		if filled, ok := c.ladder.ClosestIndex(fillPrice); ok {
			final = clamp(c.key.Direction, candidate, filled)
		}
	}

	c.log.Info("[锚点] 成交",
		zap.String("order", order.ID),
		zap.String("fill_direction", string(order.PositionSide)),
		zap.String("trade_side", string(order.TradeSide)),
		zap.Float64("price", fillPrice),
		zap.Int("candidate", candidate),
		zap.Int("final", final),
		zap.Bool("own", own))

	if !c.hasAnchor || final != c.anchor || own {
		c.setAnchorLocked(final)
		return c.refreshLocked(ctx, "fill")
	}
	c.publishLocked()
	return nil
}

// clamp keeps the close order at or beyond the entry level.
func clamp(dir domain.Direction, candidate, filled int) int {
	if dir == domain.DirectionShort {
		return min(candidate, filled)
	}
	return max(candidate, filled)
}

// OnDrift 价格远离锚点超过 multiplier 倍局部间距且过了冷却期时，重新定位锚点
func (c *Controller) OnDrift(ctx context.Context, price float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	if !c.hasAnchor {
		if !c.positionLocked(price) {
			return nil
		}
		return c.refreshLocked(ctx, "reenter")
	}

	lvl, ok := c.ladder.Level(c.anchor)
	if !ok {
		return nil
	}
	spacing := c.ladder.Spacing(c.anchor, price > lvl.Price)
	if spacing <= 0 || math.Abs(price-lvl.Price) <= c.settings.DriftMultiplier*spacing {
		return nil
	}
	now := c.now()
	if !c.lastReset.IsZero() && now.Sub(c.lastReset) < c.settings.DriftCooldown {
		return nil
	}
	idx, ok := c.ladder.ClosestIndex(price)
	if !ok || idx == c.anchor {
		return nil
	}

	c.log.Info("[锚点] 价格漂移，重置锚点",
		zap.Float64("price", price), zap.Float64("anchor_price", lvl.Price),
		zap.Float64("spacing", spacing), zap.Int("from", c.anchor), zap.Int("to", idx))
	c.lastReset = now
	metrics.DriftReset(c.key)
	c.setAnchorLocked(idx)
	return c.refreshLocked(ctx, "drift")
}

// SetCloseDisabled is used at startup when the account has no position for this strategy.
func (c *Controller) SetCloseDisabled(disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeDisabled = disabled
	metrics.SetCloseDisabled(c.key, disabled)
	c.publishLocked()
}

// Snapshot never blocks on an in-flight refresh.
func (c *Controller) Snapshot() Snapshot {
	return *c.snap.Load()
}

// Quiesce waits for any in-flight refresh and rejects further triggers.
func (c *Controller) Quiesce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.log.Info("[锚点] 已停止")
}

func (c *Controller) setAnchorLocked(index int) {
	c.anchor = index
	c.hasAnchor = true
	metrics.SetAnchor(c.key, index)
}

func (c *Controller) publishLocked() {
	s := Snapshot{
		Key:           c.key,
		Anchor:        c.anchor,
		HasAnchor:     c.hasAnchor,
		CloseDisabled: c.closeDisabled,
		Levels:        c.ladder.Len(),
		LastReset:     c.lastReset,
		LastSync:      c.lastSync,
		LastError:     c.lastErr,
	}
	if lvl, ok := c.ladder.Level(c.anchor); ok && c.hasAnchor {
		s.AnchorPrice = lvl.Price
	}
	c.snap.Store(&s)
}

func (c *Controller) journalLocked(ctx context.Context, trigger string, targets []domain.TargetOrder, res reconcile.Result, err error) {
	if c.journal == nil {
		return
	}
	run := domain.SyncRun{
		Symbol:        c.key.Symbol,
		Direction:     c.key.Direction,
		Trigger:       trigger,
		Anchor:        c.anchor,
		Targets:       len(targets),
		Kept:          len(res.Kept),
		Created:       len(res.Created),
		Cancelled:     len(res.Cancelled),
		CloseDisabled: c.closeDisabled,
		CreatedAt:     c.now().UTC(),
	}
	if err != nil {
		run.ErrorMessage = err.Error()
	}
	if jerr := c.journal.InsertSyncRun(ctx, run); jerr != nil {
		c.log.Warn("[锚点] 写入对账记录失败", zap.Error(jerr))
	}
}
