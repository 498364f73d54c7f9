// Package metrics holds the Prometheus collectors the grid engine updates:
//
//	grid_sync_total{symbol,direction,result}          reconciliation passes (ok|error|no_position)
//	grid_orders_created_total{symbol,direction,action} orders placed (open|close)
//	grid_orders_cancelled_total{symbol,direction}      orders cancelled
//	grid_anchor_index{symbol,direction}                current anchor level
//	grid_close_disabled{symbol,direction}              1 while close orders are suppressed
//	grid_fills_total{symbol,direction,trade_side}      fills dispatched to controllers
//	grid_drift_resets_total{symbol,direction}          anchor resets caused by price drift
//	grid_loop_errors_total{loop}                       watch loop failures (orders|ticker)
//
// Collectors are registered in init() and served at /metrics by the status API.
package metrics

import (
	"grid_quant/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_sync_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"symbol", "direction", "result"},
	)

	ordersCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_created_total",
			Help: "Grid orders placed",
		},
		[]string{"symbol", "direction", "action"},
	)

	ordersCancelled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_orders_cancelled_total",
			Help: "Grid orders cancelled",
		},
		[]string{"symbol", "direction"},
	)

	anchorIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_anchor_index",
			Help: "Current anchor level index",
		},
		[]string{"symbol", "direction"},
	)

	closeDisabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grid_close_disabled",
			Help: "1 while close orders are suppressed for lack of position",
		},
		[]string{"symbol", "direction"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Fills dispatched to grid controllers",
		},
		[]string{"symbol", "direction", "trade_side"},
	)

	driftResets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_drift_resets_total",
			Help: "Anchor resets caused by price drifting away from the anchor",
		},
		[]string{"symbol", "direction"},
	)

	loopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grid_loop_errors_total",
			Help: "Watch loop failures, each followed by a retry delay",
		},
		[]string{"loop"},
	)
)

func init() {
	prometheus.MustRegister(syncTotal, ordersCreated, ordersCancelled, anchorIndex,
		closeDisabled, fillsTotal, driftResets, loopErrors)
}

func ObserveSync(key domain.StrategyKey, result string) {
	syncTotal.WithLabelValues(key.Symbol, string(key.Direction), result).Inc()
}

func OrdersCreated(key domain.StrategyKey, action domain.TradeSide, n int) {
	if n > 0 {
		ordersCreated.WithLabelValues(key.Symbol, string(key.Direction), string(action)).Add(float64(n))
	}
}

func OrdersCancelled(key domain.StrategyKey, n int) {
	if n > 0 {
		ordersCancelled.WithLabelValues(key.Symbol, string(key.Direction)).Add(float64(n))
	}
}

func SetAnchor(key domain.StrategyKey, index int) {
	anchorIndex.WithLabelValues(key.Symbol, string(key.Direction)).Set(float64(index))
}

func SetCloseDisabled(key domain.StrategyKey, disabled bool) {
	v := 0.0
	if disabled {
		v = 1
	}
	closeDisabled.WithLabelValues(key.Symbol, string(key.Direction)).Set(v)
}

func Fill(key domain.StrategyKey, action domain.TradeSide) {
	fillsTotal.WithLabelValues(key.Symbol, string(key.Direction), string(action)).Inc()
}

func DriftReset(key domain.StrategyKey) {
	driftResets.WithLabelValues(key.Symbol, string(key.Direction)).Inc()
}

func LoopError(loop string) {
	loopErrors.WithLabelValues(loop).Inc()
}
