package domain

import (
	"fmt"
	"strings"
	"time"
)

// Direction 策略方向（对冲模式下的持仓方向）
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// ParseDirection accepts "long"/"short" in any case.
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case DirectionLong:
		return DirectionLong, nil
	case DirectionShort:
		return DirectionShort, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// OrderSide 返回该方向固定使用的下单方向：多头策略永远 buy，空头策略永远 sell。
// 开平由 TradeSide 单独标记。
func (d Direction) OrderSide() OrderSide {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

// EffectiveSide is the economic side of an order: a long close sells, a short close buys.
func (d Direction) EffectiveSide(action TradeSide) OrderSide {
	switch {
	case d == DirectionLong && action == TradeOpen, d == DirectionShort && action == TradeClose:
		return SideBuy
	default:
		return SideSell
	}
}

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// TradeSide 开仓/平仓标记，与买卖方向无关
type TradeSide string

const (
	TradeOpen  TradeSide = "open"
	TradeClose TradeSide = "close"
)

type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
)

// StrategyKey identifies one strategy: an instrument plus a position direction.
type StrategyKey struct {
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
}

func (k StrategyKey) String() string {
	return k.Symbol + "/" + string(k.Direction)
}

// GridConfig 单个网格策略的不可变配置
type GridConfig struct {
	Symbol          string    `json:"symbol"`
	Direction       Direction `json:"direction"`
	Leverage        int       `json:"leverage"`
	LowerPrice      float64   `json:"lower_price"`
	UpperPrice      float64   `json:"upper_price"`
	GridSpread      float64   `json:"grid_spread"` // 相邻网格的比例间距，如 0.01 = 1%
	QuantityPerGrid float64   `json:"quantity_per_grid"`
}

func (c GridConfig) Key() StrategyKey {
	return StrategyKey{Symbol: c.Symbol, Direction: c.Direction}
}

// Validate checks the price band and sizing. Violations are ConfigErrors.
func (c GridConfig) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return &ConfigError{Field: "symbol", Reason: "empty"}
	}
	if c.Direction != DirectionLong && c.Direction != DirectionShort {
		return &ConfigError{Field: "direction", Reason: fmt.Sprintf("unknown direction %q", c.Direction)}
	}
	if c.LowerPrice <= 0 {
		return &ConfigError{Field: "lower_price", Reason: "must be > 0"}
	}
	if c.UpperPrice <= c.LowerPrice {
		return &ConfigError{Field: "upper_price", Reason: fmt.Sprintf("%v must be > lower_price %v", c.UpperPrice, c.LowerPrice)}
	}
	if c.GridSpread <= 0 {
		return &ConfigError{Field: "grid_spread", Reason: "must be > 0"}
	}
	if c.QuantityPerGrid <= 0 {
		return &ConfigError{Field: "quantity_per_grid", Reason: "must be > 0"}
	}
	if c.Leverage < 0 {
		return &ConfigError{Field: "leverage", Reason: "must be >= 0"}
	}
	return nil
}

// GridLevel 网格的一档价格，记录当前挂在该价位的订单 ID（空串表示无）
type GridLevel struct {
	Index       int     `json:"index"`
	Price       float64 `json:"price"`
	BuyOrderID  string  `json:"buy_order_id,omitempty"`
	SellOrderID string  `json:"sell_order_id,omitempty"`
}

// OrderID returns the id recorded for the given economic side.
func (l GridLevel) OrderID(side OrderSide) string {
	if side == SideSell {
		return l.SellOrderID
	}
	return l.BuyOrderID
}

// TargetOrder is one desired resting order, computed per reconciliation.
type TargetOrder struct {
	Index  int       `json:"index"` // 对应的网格档位
	Price  float64   `json:"price"`
	Amount float64   `json:"amount"`
	Action TradeSide `json:"action"`
}

// RemoteOrder 交易所返回的订单快照（不归本系统所有）
type RemoteOrder struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Price         float64     `json:"price"`
	AvgPrice      float64     `json:"avg_price,omitempty"`
	Side          OrderSide   `json:"side"`
	PositionSide  Direction   `json:"position_side"`
	TradeSide     TradeSide   `json:"trade_side"`
	Status        OrderStatus `json:"status"`
	Filled        float64     `json:"filled"`
	Amount        float64     `json:"amount"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// FillPrice prefers the average execution price over the limit price.
func (o RemoteOrder) FillPrice() float64 {
	if o.AvgPrice > 0 {
		return o.AvgPrice
	}
	return o.Price
}

// IsFill reports whether the update represents executed quantity to react to.
func (o RemoteOrder) IsFill() bool {
	switch o.Status {
	case OrderStatusFilled:
		return true
	case OrderStatusClosed:
		return o.Filled > 0
	}
	return false
}

// OrderRequest 下单请求
type OrderRequest struct {
	Symbol        string
	Price         float64
	Amount        float64
	Side          OrderSide
	PositionSide  Direction
	TradeSide     TradeSide
	PostOnly      bool
	ClientOrderID string
}

type Ticker struct {
	Symbol string    `json:"symbol"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
}

type Position struct {
	Symbol    string    `json:"symbol"`
	Side      Direction `json:"side"`
	Contracts float64   `json:"contracts"`
}

// Market 交易对元数据
type Market struct {
	Symbol   string  `json:"symbol"`
	TickSize float64 `json:"tick_size"`
	StepSize float64 `json:"step_size"`
	MinQty   float64 `json:"min_qty"`
}

// FillRecord 成交流水（写入 journal）
type FillRecord struct {
	ID            int64     `json:"id"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	TradeSide     TradeSide `json:"trade_side"`
	Price         float64   `json:"price"`
	Filled        float64   `json:"filled"`
	CreatedAt     time.Time `json:"created_at"`
}

// SyncRun 一次对账的结果
type SyncRun struct {
	ID            int64     `json:"id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	Trigger       string    `json:"trigger"`
	Anchor        int       `json:"anchor"`
	Targets       int       `json:"targets"`
	Kept          int       `json:"kept"`
	Created       int       `json:"created"`
	Cancelled     int       `json:"cancelled"`
	CloseDisabled bool      `json:"close_disabled"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
