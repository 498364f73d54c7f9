package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"grid_quant/internal/domain"
	"grid_quant/internal/logx"
	"grid_quant/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PriceEpsilon is the tolerance for treating a live order as sitting on a target price.
const PriceEpsilon = 1e-8

// OrderGateway is the subset of the exchange the reconciler needs.
type OrderGateway interface {
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error)
	CreateOrders(ctx context.Context, reqs []domain.OrderRequest) ([]domain.RemoteOrder, error)
	CancelOrders(ctx context.Context, symbol string, ids []string) error
	CancelOrder(ctx context.Context, symbol, id string) error
}

// Placed pairs a target with the venue order that satisfies it.
type Placed struct {
	Target domain.TargetOrder
	Order  domain.RemoteOrder
}

// Result 一次对账的结果。Err 记录被吞掉的非致命错误（由下一次触发重试）。
type Result struct {
	Kept      []Placed
	Created   []Placed
	Cancelled []string
	Err       error
}

// Reconciler 让交易所上某策略的挂单收敛到目标集合
type Reconciler struct {
	gw       OrderGateway
	log      *zap.Logger
	postOnly bool

	mu    sync.Mutex
	cache map[domain.StrategyKey]map[string]struct{}
}

func New(gw OrderGateway, postOnly bool, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		gw:       gw,
		log:      logger,
		postOnly: postOnly,
		cache:    make(map[domain.StrategyKey]map[string]struct{}),
	}
}

// Sync 对账：保留价格与开平标记都匹配的挂单，撤掉其余的，补齐缺失的目标。
// 只有 domain.ErrNoPosition 会作为错误返回；其它失败写入 Result.Err 并记录日志。
func (r *Reconciler) Sync(ctx context.Context, key domain.StrategyKey, targets []domain.TargetOrder) (Result, error) {
	log := logx.ForStrategy(r.log, key)
	var res Result

	all, err := r.gw.FetchOpenOrders(ctx, key.Symbol)
	if err != nil {
		res.Err = fmt.Errorf("fetch open orders: %w", err)
		log.Warn("[对账] 获取挂单失败，等待下次触发", zap.Error(err))
		metrics.ObserveSync(key, "error")
		return res, nil
	}
	live := make([]domain.RemoteOrder, 0, len(all))
	for _, o := range all {
		if o.PositionSide == key.Direction {
			live = append(live, o)
		}
	}
	r.pruneCache(key, live)

	used := make([]bool, len(live))
	var missing []domain.TargetOrder
	for _, t := range targets {
		found := -1
		for i, o := range live {
			if !used[i] && o.TradeSide == t.Action && math.Abs(o.Price-t.Price) <= PriceEpsilon {
				found = i
				break
			}
		}
		if found < 0 {
			missing = append(missing, t)
			continue
		}
		used[found] = true
		res.Kept = append(res.Kept, Placed{Target: t, Order: live[found]})
	}

	var stale []string
	for i, o := range live {
		if !used[i] {
			stale = append(stale, o.ID)
		}
	}
	if len(stale) > 0 {
		res.Cancelled = r.cancel(ctx, log, key, stale)
	}

	if len(missing) > 0 {
		created, err := r.create(ctx, key, missing)
		res.Created = created
		if err != nil {
			if errors.Is(err, domain.ErrNoPosition) {
				log.Info("[对账] 无仓可平", zap.Int("created", len(created)))
				metrics.ObserveSync(key, "no_position")
				return res, err
			}
			res.Err = fmt.Errorf("create orders: %w", err)
			log.Warn("[对账] 批量下单失败，等待下次触发", zap.Error(err), zap.Int("created", len(created)))
		}
	}

	if res.Err != nil {
		metrics.ObserveSync(key, "error")
	} else {
		metrics.ObserveSync(key, "ok")
	}
	if len(res.Created) > 0 || len(res.Cancelled) > 0 {
		log.Info("[对账] 完成",
			zap.Int("targets", len(targets)),
			zap.Int("kept", len(res.Kept)),
			zap.Int("created", len(res.Created)),
			zap.Int("cancelled", len(res.Cancelled)))
	}
	return res, nil
}

// Tracked returns the order ids this reconciler believes are live for key.
func (r *Reconciler) Tracked(key domain.StrategyKey) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.cache[key]))
	for id := range r.cache[key] {
		out = append(out, id)
	}
	return out
}

func (r *Reconciler) pruneCache(key domain.StrategyKey, live []domain.RemoteOrder) {
	present := make(map[string]struct{}, len(live))
	for _, o := range live {
		present[o.ID] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.cache[key] {
		if _, ok := present[id]; !ok {
			delete(r.cache[key], id)
		}
	}
}

func (r *Reconciler) track(key domain.StrategyKey, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.cache[key]
	if set == nil {
		set = make(map[string]struct{})
		r.cache[key] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

func (r *Reconciler) untrack(key domain.StrategyKey, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.cache[key], id)
	}
}

// cancel 先批量撤单，失败则逐单撤销。批量可能已撤掉一部分，逐单失败的订单
// 重新查询挂单确认：已不在挂单中的视为已撤。
func (r *Reconciler) cancel(ctx context.Context, log *zap.Logger, key domain.StrategyKey, ids []string) []string {
	err := r.gw.CancelOrders(ctx, key.Symbol, ids)
	if err == nil {
		r.untrack(key, ids)
		metrics.OrdersCancelled(key, len(ids))
		return ids
	}
	log.Warn("[对账] 批量撤单失败，逐单撤销", zap.Error(err), zap.Strings("ids", ids))

	done := make([]string, 0, len(ids))
	var failed []string
	for _, id := range ids {
		if err := r.gw.CancelOrder(ctx, key.Symbol, id); err != nil {
			log.Debug("[对账] 撤单失败（可能已成交或已撤）", zap.String("id", id), zap.Error(err))
			failed = append(failed, id)
			continue
		}
		done = append(done, id)
	}
	if len(failed) > 0 {
		done = append(done, r.gone(ctx, log, key, failed)...)
	}
	r.untrack(key, ids)
	metrics.OrdersCancelled(key, len(done))
	return done
}

// gone 返回 ids 中已不在交易所挂单里的订单；查询失败时返回空
func (r *Reconciler) gone(ctx context.Context, log *zap.Logger, key domain.StrategyKey, ids []string) []string {
	open, err := r.gw.FetchOpenOrders(ctx, key.Symbol)
	if err != nil {
		log.Warn("[对账] 撤单后确认挂单失败", zap.Error(err))
		return nil
	}
	live := make(map[string]struct{}, len(open))
	for _, o := range open {
		live[o.ID] = struct{}{}
	}
	var out []string
	for _, id := range ids {
		if _, ok := live[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *Reconciler) create(ctx context.Context, key domain.StrategyKey, targets []domain.TargetOrder) ([]Placed, error) {
	reqs := make([]domain.OrderRequest, len(targets))
	byClientID := make(map[string]domain.TargetOrder, len(targets))
	for i, t := range targets {
		cid := newClientOrderID()
		reqs[i] = domain.OrderRequest{
			Symbol:        key.Symbol,
			Price:         t.Price,
			Amount:        t.Amount,
			Side:          key.Direction.OrderSide(),
			PositionSide:  key.Direction,
			TradeSide:     t.Action,
			PostOnly:      r.postOnly,
			ClientOrderID: cid,
		}
		byClientID[cid] = t
	}

	orders, err := r.gw.CreateOrders(ctx, reqs)
	placed := make([]Placed, 0, len(orders))
	ids := make([]string, 0, len(orders))
	var opens, closes int
	for _, o := range orders {
		t, ok := byClientID[o.ClientOrderID]
		if !ok {
			t, ok = matchTarget(targets, o)
		}
		if !ok {
			continue
		}
		placed = append(placed, Placed{Target: t, Order: o})
		ids = append(ids, o.ID)
		if t.Action == domain.TradeClose {
			closes++
		} else {
			opens++
		}
	}
	r.track(key, ids)
	metrics.OrdersCreated(key, domain.TradeOpen, opens)
	metrics.OrdersCreated(key, domain.TradeClose, closes)
	return placed, err
}

func matchTarget(targets []domain.TargetOrder, o domain.RemoteOrder) (domain.TargetOrder, bool) {
	for _, t := range targets {
		if t.Action == o.TradeSide && math.Abs(t.Price-o.Price) <= PriceEpsilon {
			return t, true
		}
	}
	return domain.TargetOrder{}, false
}

func newClientOrderID() string {
	return "gq" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
