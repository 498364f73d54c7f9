package grid

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"grid_quant/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxLevels caps the ladder so a tiny spread over a wide band cannot exhaust memory.
const maxLevels = 10000

// RoundToTick 按最小价格变动单位四舍五入（不用 floor/ceil，避免系统性偏差）
func RoundToTick(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(tickSize)
	v, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return v
}

// Build 生成几何网格：从 lowerPrice 开始，每档乘以 (1+gridSpread)，
// 直到未取整的价格 >= upperPrice。
func Build(cfg domain.GridConfig, tickSize float64) ([]domain.GridLevel, error) {
	if cfg.LowerPrice <= 0 {
		return nil, &domain.ConfigError{Field: "lower_price", Reason: "must be > 0"}
	}
	if cfg.UpperPrice <= cfg.LowerPrice {
		return nil, &domain.ConfigError{Field: "upper_price", Reason: fmt.Sprintf("%v must be > lower_price %v", cfg.UpperPrice, cfg.LowerPrice)}
	}
	if cfg.GridSpread <= 0 {
		return nil, &domain.ConfigError{Field: "grid_spread", Reason: "must be > 0"}
	}
	if tickSize <= 0 {
		return nil, &domain.ConfigError{Field: "tick_size", Reason: fmt.Sprintf("invalid tick size %v for %s", tickSize, cfg.Symbol)}
	}

	levels := []domain.GridLevel{{Index: 0, Price: RoundToTick(cfg.LowerPrice, tickSize)}}
	price := cfg.LowerPrice
	for price < cfg.UpperPrice {
		price *= 1 + cfg.GridSpread
		rounded := RoundToTick(price, tickSize)
		prev := levels[len(levels)-1].Price
		if rounded <= prev {
			return nil, &domain.ConfigError{Field: "grid_spread", Reason: fmt.Sprintf("spread %v is below tick resolution %v near price %v", cfg.GridSpread, tickSize, prev)}
		}
		if len(levels) >= maxLevels {
			return nil, &domain.ConfigError{Field: "grid_spread", Reason: fmt.Sprintf("ladder exceeds %d levels", maxLevels)}
		}
		levels = append(levels, domain.GridLevel{Index: len(levels), Price: rounded})
	}
	return levels, nil
}

// Ladder owns the level sequence of one strategy and keeps its ledger in sync.
type Ladder struct {
	mu       sync.RWMutex
	cfg      domain.GridConfig
	tickSize float64
	levels   []domain.GridLevel
	ledger   *Ledger
	log      *zap.Logger
}

// Open 载入或生成网格：账本指纹与当前配置一致时原样载入（保留订单 ID），否则重建并覆盖账本。
// ledger 为 nil 时只在内存中维护。
func Open(cfg domain.GridConfig, tickSize float64, ledger *Ledger, logger *zap.Logger) (*Ladder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ladder{cfg: cfg, tickSize: tickSize, ledger: ledger, log: logger}
	fp := FingerprintOf(cfg)

	if ledger != nil {
		stored, levels, err := ledger.Load()
		switch {
		case err == nil && stored == fp && len(levels) > 0:
			l.levels = levels
			logger.Info("[网格] 已从账本载入", zap.String("path", ledger.Path()), zap.Int("levels", len(levels)))
			return l, nil
		case err == nil:
			logger.Warn("[网格] 账本指纹不匹配，重新生成",
				zap.String("stored", stored.String()), zap.String("current", fp.String()))
		case errors.Is(err, os.ErrNotExist):
			logger.Info("[网格] 账本不存在，新建", zap.String("path", ledger.Path()))
		default:
			logger.Warn("[网格] 账本无法读取，重新生成", zap.Error(err))
		}
	}

	levels, err := Build(cfg, tickSize)
	if err != nil {
		return nil, err
	}
	l.levels = levels
	if err := l.flushLocked(); err != nil {
		return nil, err
	}
	logger.Info("[网格] 已生成",
		zap.Int("levels", len(levels)),
		zap.Float64("first", levels[0].Price),
		zap.Float64("last", levels[len(levels)-1].Price))
	return l, nil
}

func (l *Ladder) Config() domain.GridConfig { return l.cfg }

func (l *Ladder) TickSize() float64 { return l.tickSize }

func (l *Ladder) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.levels)
}

func (l *Ladder) Level(index int) (domain.GridLevel, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.levels) {
		return domain.GridLevel{}, false
	}
	return l.levels[index], true
}

// Levels returns a copy of the sequence.
func (l *Ladder) Levels() []domain.GridLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.GridLevel, len(l.levels))
	copy(out, l.levels)
	return out
}

// NearestBracket 返回夹住 price 的相邻两档；price 超出 [lowerPrice, upperPrice] 时 ok=false。
func (l *Ladder) NearestBracket(price float64) (lower, upper domain.GridLevel, ok bool) {
	if price < l.cfg.LowerPrice || price > l.cfg.UpperPrice {
		l.log.Debug("[网格] 价格超出区间", zap.Float64("price", price),
			zap.Float64("lower", l.cfg.LowerPrice), zap.Float64("upper", l.cfg.UpperPrice))
		return lower, upper, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.levels)
	if n < 2 {
		return lower, upper, false
	}
	i := sort.Search(n, func(i int) bool { return l.levels[i].Price > price }) - 1
	if i < 0 {
		i = 0
	}
	if i > n-2 {
		i = n - 2
	}
	return l.levels[i], l.levels[i+1], true
}

// ClosestIndex is the index of whichever bracket level is numerically closer to price.
func (l *Ladder) ClosestIndex(price float64) (int, bool) {
	lower, upper, ok := l.NearestBracket(price)
	if !ok {
		return 0, false
	}
	if price-lower.Price <= upper.Price-price {
		return lower.Index, true
	}
	return upper.Index, true
}

// Spacing is the distance from level index to its neighbour in the direction of
// travel, falling back to the only neighbour at a boundary.
func (l *Ladder) Spacing(index int, up bool) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.levels)
	if index < 0 || index >= n || n < 2 {
		return 0
	}
	if up && index+1 < n || index == 0 {
		return l.levels[index+1].Price - l.levels[index].Price
	}
	return l.levels[index].Price - l.levels[index-1].Price
}

// RecordOrderID 记录某档位当前挂着的订单 ID 并同步落盘
func (l *Ladder) RecordOrderID(index int, side domain.OrderSide, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.levels) {
		return fmt.Errorf("grid level %d out of range (0..%d)", index, len(l.levels)-1)
	}
	lvl := &l.levels[index]
	if side == domain.SideSell {
		if lvl.SellOrderID == id {
			return nil
		}
		lvl.SellOrderID = id
	} else {
		if lvl.BuyOrderID == id {
			return nil
		}
		lvl.BuyOrderID = id
	}
	return l.flushLocked()
}

// FindOrder locates the level and side an order id is recorded on.
func (l *Ladder) FindOrder(id string) (int, domain.OrderSide, bool) {
	if id == "" {
		return 0, "", false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, lvl := range l.levels {
		if lvl.BuyOrderID == id {
			return lvl.Index, domain.SideBuy, true
		}
		if lvl.SellOrderID == id {
			return lvl.Index, domain.SideSell, true
		}
	}
	return 0, "", false
}

func (l *Ladder) flushLocked() error {
	if l.ledger == nil {
		return nil
	}
	if err := l.ledger.Save(FingerprintOf(l.cfg), l.levels); err != nil {
		return fmt.Errorf("flush ledger %s: %w", l.ledger.Path(), err)
	}
	return nil
}
