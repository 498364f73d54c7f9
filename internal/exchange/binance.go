package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid_quant/internal/config"
	"grid_quant/internal/domain"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	batchCreateLimit = 5
	batchCancelLimit = 10
	recvWindow       = "5000"

	codePostOnlyReject  = -5022
	codeReduceOnlyEmpty = -2022
	codeNoChangeMode    = -4059
)

// APIError Binance 返回的业务错误
type APIError struct {
	Status int    `json:"-"`
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance HTTP %d code=%d: %s", e.Status, e.Code, e.Msg)
}

// classify 把交易所错误码映射成领域错误
func classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == codeReduceOnlyEmpty {
		return fmt.Errorf("%w: %v", domain.ErrNoPosition, apiErr)
	}
	return err
}

func isPostOnlyReject(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == codePostOnlyReject
}

// BinanceFutures 通过 Binance USDT-M 永续合约 API 实现 Gateway
type BinanceFutures struct {
	httpClient *http.Client
	baseURL    string // https://fapi.binance.com
	apiKey     string
	secretKey  string
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	hedge   bool
	markets map[string]domain.Market

	streams *binanceStreams
}

// NewBinanceFutures 创建合约网关；行情与用户数据流在首次 Watch 时按需连接。
func NewBinanceFutures(cfg config.Config, logger *zap.Logger) *BinanceFutures {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b := &BinanceFutures{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.FuturesBaseURL, "/"),
		apiKey:     cfg.ExchangeAPIKey,
		secretKey:  cfg.ExchangeSecretKey,
		log:        logger.With(zap.String("venue", "binance")),
		now:        time.Now,
		hedge:      cfg.HedgeMode,
	}
	b.streams = newBinanceStreams(strings.TrimRight(cfg.FuturesWSURL, "/"), b, b.log)
	b.log.Info("[合约] 初始化", zap.String("baseURL", b.baseURL), zap.Bool("hedge", b.hedge))
	return b
}

func (b *BinanceFutures) Name() string { return "binance-usdm" }

func (b *BinanceFutures) Close() error {
	b.streams.Close()
	return nil
}

func (b *BinanceFutures) hedgeMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hedge
}

// ---------- 行情 / 元数据 ----------

func (b *BinanceFutures) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false)
	if err != nil {
		return domain.Ticker{}, err
	}
	var result struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return domain.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	return domain.Ticker{Symbol: symbol, Last: parseFloat(result.Price), Time: msToTime(result.Time)}, nil
}

// Market 从 exchangeInfo 读取 PRICE_FILTER / LOT_SIZE，首次调用后缓存全部交易对。
func (b *BinanceFutures) Market(ctx context.Context, symbol string) (domain.Market, error) {
	b.mu.Lock()
	if m, ok := b.markets[symbol]; ok {
		b.mu.Unlock()
		return m, nil
	}
	cached := b.markets != nil
	b.mu.Unlock()
	if cached {
		return domain.Market{}, fmt.Errorf("market %s not listed", symbol)
	}

	body, err := b.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return domain.Market{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.Market{}, fmt.Errorf("decode exchangeInfo: %w", err)
	}
	markets := make(map[string]domain.Market, len(info.Symbols))
	for _, s := range info.Symbols {
		m := domain.Market{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = parseFloat(f.TickSize)
			case "LOT_SIZE":
				m.StepSize = parseFloat(f.StepSize)
				m.MinQty = parseFloat(f.MinQty)
			}
		}
		markets[s.Symbol] = m
	}

	b.mu.Lock()
	b.markets = markets
	b.mu.Unlock()
	m, ok := markets[symbol]
	if !ok {
		return domain.Market{}, fmt.Errorf("market %s not listed", symbol)
	}
	return m, nil
}

// ---------- 订单 ----------

func (b *BinanceFutures) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := b.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var raw []binanceOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]domain.RemoteOrder, 0, len(raw))
	for _, o := range raw {
		out = append(out, o.toDomain())
	}
	return out, nil
}

func (b *BinanceFutures) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.RemoteOrder, error) {
	params, err := b.orderParams(ctx, req)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	body, err := b.do(ctx, http.MethodPost, "/fapi/v1/order", values, true)
	if err != nil {
		if isPostOnlyReject(err) {
			b.log.Info("[合约] post-only 被拒（会立即成交）",
				zap.String("symbol", req.Symbol), zap.Float64("price", req.Price))
			return nil, nil
		}
		return nil, classify(err)
	}
	var o binanceOrder
	if err := json.Unmarshal(body, &o); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	out := o.toDomain()
	return &out, nil
}

// CreateOrders 按 5 单一批提交 batchOrders。单项失败不影响其他项。
func (b *BinanceFutures) CreateOrders(ctx context.Context, reqs []domain.OrderRequest) ([]domain.RemoteOrder, error) {
	var (
		created    []domain.RemoteOrder
		noPosition bool
		firstErr   error
	)
	for start := 0; start < len(reqs); start += batchCreateLimit {
		end := min(start+batchCreateLimit, len(reqs))
		chunk := reqs[start:end]

		batch := make([]map[string]string, 0, len(chunk))
		for _, req := range chunk {
			p, err := b.orderParams(ctx, req)
			if err != nil {
				return created, err
			}
			batch = append(batch, p)
		}
		encoded, err := json.Marshal(batch)
		if err != nil {
			return created, err
		}
		values := url.Values{}
		values.Set("batchOrders", string(encoded))
		body, err := b.do(ctx, http.MethodPost, "/fapi/v1/batchOrders", values, true)
		if err != nil {
			return created, classify(err)
		}

		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return created, fmt.Errorf("decode batch orders: %w", err)
		}
		for i, item := range items {
			var probe APIError
			_ = json.Unmarshal(item, &probe)
			if probe.Code != 0 {
				probe.Status = http.StatusOK
				switch probe.Code {
				case codePostOnlyReject:
					b.log.Info("[合约] post-only 被拒（会立即成交）", zap.Int("item", start+i))
				case codeReduceOnlyEmpty:
					noPosition = true
				default:
					if firstErr == nil {
						e := probe
						firstErr = &e
					}
					b.log.Warn("[合约] 批量下单单项失败", zap.Int("item", start+i), zap.Int("code", probe.Code), zap.String("msg", probe.Msg))
				}
				continue
			}
			var o binanceOrder
			if err := json.Unmarshal(item, &o); err != nil {
				return created, fmt.Errorf("decode batch item: %w", err)
			}
			created = append(created, o.toDomain())
		}
	}
	if noPosition {
		return created, fmt.Errorf("batch create: %w", domain.ErrNoPosition)
	}
	return created, firstErr
}

func (b *BinanceFutures) CancelOrder(ctx context.Context, symbol, id string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", id)
	_, err := b.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// CancelOrders 按 10 单一批撤单，任何一项失败都返回错误（调用方会逐单兜底）。
func (b *BinanceFutures) CancelOrders(ctx context.Context, symbol string, ids []string) error {
	var failed []string
	for start := 0; start < len(ids); start += batchCancelLimit {
		end := min(start+batchCancelLimit, len(ids))
		chunk := make([]int64, 0, end-start)
		for _, id := range ids[start:end] {
			n, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return fmt.Errorf("order id %q is not numeric: %w", id, err)
			}
			chunk = append(chunk, n)
		}
		encoded, _ := json.Marshal(chunk)
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("orderIdList", string(encoded))
		body, err := b.do(ctx, http.MethodDelete, "/fapi/v1/batchOrders", params, true)
		if err != nil {
			return err
		}
		var items []APIError
		if err := json.Unmarshal(body, &items); err != nil {
			return fmt.Errorf("decode batch cancel: %w", err)
		}
		for i, item := range items {
			if item.Code != 0 && i < len(chunk) {
				failed = append(failed, strconv.FormatInt(chunk[i], 10)+":"+item.Msg)
			}
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("batch cancel failed for %d orders: %s", len(failed), strings.Join(failed, "; "))
	}
	return nil
}

func (b *BinanceFutures) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := b.do(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

// ---------- 账户 ----------

func (b *BinanceFutures) FetchPositions(ctx context.Context, symbols []string) ([]domain.Position, error) {
	body, err := b.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol       string `json:"symbol"`
		PositionAmt  string `json:"positionAmt"`
		PositionSide string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positionRisk: %w", err)
	}
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []domain.Position
	for _, p := range raw {
		if len(want) > 0 && !want[p.Symbol] {
			continue
		}
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := domain.DirectionLong
		switch p.PositionSide {
		case "SHORT":
			side = domain.DirectionShort
		case "BOTH":
			if amt < 0 {
				side = domain.DirectionShort
			}
		}
		out = append(out, domain.Position{Symbol: p.Symbol, Side: side, Contracts: math.Abs(amt)})
	}
	return out, nil
}

func (b *BinanceFutures) FetchBalance(ctx context.Context) (map[string]float64, error) {
	body, err := b.do(ctx, http.MethodGet, "/fapi/v2/balance", url.Values{}, true)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset   string `json:"asset"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for _, r := range raw {
		if v := parseFloat(r.Balance); v != 0 || r.Asset == "USDT" {
			out[r.Asset] = v
		}
	}
	return out, nil
}

func (b *BinanceFutures) SetPositionMode(ctx context.Context, hedge bool) error {
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(hedge))
	_, err := b.do(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	var apiErr *APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.Code == codeNoChangeMode) {
		return err
	}
	b.mu.Lock()
	b.hedge = hedge
	b.mu.Unlock()
	b.log.Info("[合约] 持仓模式已设置", zap.Bool("hedge", hedge))
	return nil
}

func (b *BinanceFutures) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	if _, err := b.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true); err != nil {
		return err
	}
	b.log.Info("[合约] 杠杆已设置", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

// ---------- Watch ----------

func (b *BinanceFutures) WatchOrders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error) {
	return b.streams.orders(ctx, symbol)
}

func (b *BinanceFutures) WatchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return b.streams.ticker(ctx, symbol)
}

// ---------- listenKey ----------

func (b *BinanceFutures) createListenKey(ctx context.Context) (string, error) {
	body, err := b.do(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false)
	if err != nil {
		return "", err
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode listenKey: %w", err)
	}
	return result.ListenKey, nil
}

func (b *BinanceFutures) keepAliveListenKey(ctx context.Context) error {
	_, err := b.do(ctx, http.MethodPut, "/fapi/v1/listenKey", nil, false)
	return err
}

// ---------- 内部 ----------

// orderParams 把领域下单请求翻译成 Binance 参数：
// 对冲模式下 positionSide=LONG/SHORT，单向模式下平仓单带 reduceOnly。
func (b *BinanceFutures) orderParams(ctx context.Context, req domain.OrderRequest) (map[string]string, error) {
	m, err := b.Market(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	p := map[string]string{
		"symbol":   req.Symbol,
		"side":     strings.ToUpper(string(req.PositionSide.EffectiveSide(req.TradeSide))),
		"type":     "LIMIT",
		"price":    formatToStep(req.Price, m.TickSize, false),
		"quantity": formatToStep(req.Amount, m.StepSize, true),
	}
	if req.PostOnly {
		p["timeInForce"] = "GTX"
	} else {
		p["timeInForce"] = "GTC"
	}
	if b.hedgeMode() {
		p["positionSide"] = strings.ToUpper(string(req.PositionSide))
	} else {
		p["positionSide"] = "BOTH"
		if req.TradeSide == domain.TradeClose {
			p["reduceOnly"] = "true"
		}
	}
	if req.ClientOrderID != "" {
		p["newClientOrderId"] = req.ClientOrderID
	}
	return p, nil
}

// do 发送请求。signed=true 时附加 timestamp/recvWindow 与 HMAC-SHA256 签名。
func (b *BinanceFutures) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		if b.apiKey == "" || b.secretKey == "" {
			return nil, fmt.Errorf("交易所 API Key 未配置，无法调用 %s", path)
		}
		params.Set("timestamp", strconv.FormatInt(b.now().UnixMilli(), 10))
		params.Set("recvWindow", recvWindow)
	}
	query := params.Encode()
	if signed {
		query += "&signature=" + b.sign(query)
	}

	apiURL := b.baseURL + path
	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		body = strings.NewReader(query)
	} else if query != "" {
		apiURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return nil, fmt.Errorf("构建请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Binance 请求失败 %s: %w", path, err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBytes, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = string(respBytes)
		}
		return nil, apiErr
	}
	return respBytes, nil
}

func (b *BinanceFutures) sign(queryString string) string {
	mac := hmac.New(sha256.New, []byte(b.secretKey))
	mac.Write([]byte(queryString))
	return hex.EncodeToString(mac.Sum(nil))
}

type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o binanceOrder) toDomain() domain.RemoteOrder {
	dir, action := fromVenueSide(o.Side, o.PositionSide, o.ReduceOnly)
	filled := parseFloat(o.ExecutedQty)
	return domain.RemoteOrder{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Price:         parseFloat(o.Price),
		AvgPrice:      parseFloat(o.AvgPrice),
		Side:          dir.OrderSide(),
		PositionSide:  dir,
		TradeSide:     action,
		Status:        mapStatus(o.Status, filled),
		Filled:        filled,
		Amount:        parseFloat(o.OrigQty),
		UpdatedAt:     msToTime(o.UpdateTime),
	}
}

// fromVenueSide 从 Binance 的 (side, positionSide) 还原策略方向与开平标记
func fromVenueSide(side, positionSide string, reduceOnly bool) (domain.Direction, domain.TradeSide) {
	buy := strings.EqualFold(side, "BUY")
	switch strings.ToUpper(positionSide) {
	case "LONG":
		if buy {
			return domain.DirectionLong, domain.TradeOpen
		}
		return domain.DirectionLong, domain.TradeClose
	case "SHORT":
		if buy {
			return domain.DirectionShort, domain.TradeClose
		}
		return domain.DirectionShort, domain.TradeOpen
	}
	// 单向持仓模式
	switch {
	case buy && !reduceOnly:
		return domain.DirectionLong, domain.TradeOpen
	case buy:
		return domain.DirectionShort, domain.TradeClose
	case !reduceOnly:
		return domain.DirectionShort, domain.TradeOpen
	default:
		return domain.DirectionLong, domain.TradeClose
	}
}

// mapStatus 部分成交后撤销/过期的订单记为 closed，仍视为成交事件
func mapStatus(status string, filled float64) domain.OrderStatus {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return domain.OrderStatusOpen
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELED", "EXPIRED", "EXPIRED_IN_MATCH", "REJECTED":
		if filled > 0 {
			return domain.OrderStatusClosed
		}
		return domain.OrderStatusCanceled
	}
	return domain.OrderStatusOpen
}

// formatToStep 按步长格式化：价格四舍五入到 tick，数量向下取整到 step
func formatToStep(v, step float64, floor bool) string {
	d := decimal.NewFromFloat(v)
	if step <= 0 {
		return d.String()
	}
	s := decimal.NewFromFloat(step)
	q := d.Div(s)
	if floor {
		q = q.Floor()
	} else {
		q = q.Round(0)
	}
	return q.Mul(s).String()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
