package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"grid_quant/internal/config"
	"grid_quant/internal/domain"

	"go.uber.org/zap"
)

const exchangeInfoBody = `{"symbols":[{"symbol":"BTCUSDT","filters":[
 {"filterType":"PRICE_FILTER","tickSize":"0.10"},
 {"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"}]}]}`

func newTestBinance(t *testing.T, handler http.HandlerFunc) *BinanceFutures {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBinanceFutures(config.Config{
		FuturesBaseURL:    srv.URL,
		FuturesWSURL:      "ws://127.0.0.1:1",
		ExchangeAPIKey:    "key",
		ExchangeSecretKey: "secret",
		HedgeMode:         true,
	}, nil)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// formValues merges query and body parameters the way Binance reads them.
func formValues(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	body, _ := io.ReadAll(r.Body)
	vals, err := url.ParseQuery(string(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range r.URL.Query() {
		vals[k] = v
	}
	return vals
}

func TestBinanceCreateOrderParamsAndPostOnlyReject(t *testing.T) {
	var got url.Values
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			io.WriteString(w, exchangeInfoBody)
		case "/fapi/v1/order":
			got = formValues(t, r)
			if r.Header.Get("X-MBX-APIKEY") != "key" {
				t.Errorf("missing api key header")
			}
			if got.Get("price") == "101" {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"code":-5022,"msg":"Due to the order could not be executed as maker, the Post Only order will be rejected."}`)
				return
			}
			io.WriteString(w, `{"orderId":42,"symbol":"BTCUSDT","price":"99.9","origQty":"0.005","executedQty":"0","side":"SELL","positionSide":"SHORT","status":"NEW"}`)
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	o, err := b.CreateOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Price: 99.94, Amount: 0.0059,
		Side: domain.SideSell, PositionSide: domain.DirectionShort, TradeSide: domain.TradeOpen, PostOnly: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.ID != "42" || o.PositionSide != domain.DirectionShort || o.TradeSide != domain.TradeOpen || o.Side != domain.SideSell {
		t.Fatalf("order = %+v", o)
	}
	checks := map[string]string{
		"side": "SELL", "positionSide": "SHORT", "timeInForce": "GTX",
		"price": "99.9", "quantity": "0.005", "type": "LIMIT", "recvWindow": "5000",
	}
	for k, want := range checks {
		if got.Get(k) != want {
			t.Errorf("%s = %q, want %q", k, got.Get(k), want)
		}
	}
	if got.Get("signature") == "" || got.Get("timestamp") == "" {
		t.Error("request not signed")
	}

	o, err = b.CreateOrder(ctx, domain.OrderRequest{
		Symbol: "BTCUSDT", Price: 101, Amount: 0.005,
		Side: domain.SideBuy, PositionSide: domain.DirectionLong, TradeSide: domain.TradeOpen, PostOnly: true,
	})
	if err != nil || o != nil {
		t.Fatalf("maker rejection = %v, %v; want nil, nil", o, err)
	}
}

func TestBinanceLongCloseSellsOnLongSide(t *testing.T) {
	var got url.Values
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			io.WriteString(w, exchangeInfoBody)
		case "/fapi/v1/order":
			got = formValues(t, r)
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`)
		}
	})
	_, err := b.CreateOrder(context.Background(), domain.OrderRequest{
		Symbol: "BTCUSDT", Price: 102, Amount: 0.005,
		Side: domain.SideBuy, PositionSide: domain.DirectionLong, TradeSide: domain.TradeClose,
	})
	if !errors.Is(err, domain.ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}
	if got.Get("side") != "SELL" || got.Get("positionSide") != "LONG" || got.Get("timeInForce") != "GTC" {
		t.Fatalf("params = %v", got)
	}
}

func TestBinanceCreateOrdersChunksAndItemErrors(t *testing.T) {
	var batches int
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			io.WriteString(w, exchangeInfoBody)
		case "/fapi/v1/batchOrders":
			batches++
			var items []map[string]string
			if err := json.Unmarshal([]byte(formValues(t, r).Get("batchOrders")), &items); err != nil {
				t.Fatal(err)
			}
			if len(items) > 5 {
				t.Errorf("batch of %d exceeds 5", len(items))
			}
			var out []string
			for i, it := range items {
				switch {
				case it["price"] == "105":
					out = append(out, `{"code":-2022,"msg":"ReduceOnly Order is rejected."}`)
				case it["price"] == "106":
					out = append(out, `{"code":-5022,"msg":"post only"}`)
				default:
					out = append(out, `{"orderId":`+strconv.Itoa(i+1)+`,"symbol":"BTCUSDT","price":"`+it["price"]+`","side":"BUY","positionSide":"LONG","status":"NEW","origQty":"1","executedQty":"0"}`)
				}
			}
			io.WriteString(w, "["+strings.Join(out, ",")+"]")
		}
	})
	var reqs []domain.OrderRequest
	for _, p := range []float64{100, 101, 102, 103, 104, 105, 106} {
		reqs = append(reqs, domain.OrderRequest{
			Symbol: "BTCUSDT", Price: p, Amount: 1,
			Side: domain.SideBuy, PositionSide: domain.DirectionLong, TradeSide: domain.TradeOpen, PostOnly: true,
		})
	}
	created, err := b.CreateOrders(context.Background(), reqs)
	if !errors.Is(err, domain.ErrNoPosition) {
		t.Fatalf("err = %v", err)
	}
	if batches != 2 {
		t.Fatalf("batches = %d, want 2", batches)
	}
	if len(created) != 5 {
		t.Fatalf("created = %d, want 5", len(created))
	}
}

func TestBinanceCancelOrdersReportsItemFailures(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/batchOrders" || r.Method != http.MethodDelete {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("orderIdList") != "[1,2]" {
			t.Errorf("orderIdList = %q", r.URL.Query().Get("orderIdList"))
		}
		io.WriteString(w, `[{"orderId":1,"status":"CANCELED"},{"code":-2011,"msg":"Unknown order sent."}]`)
	})
	err := b.CancelOrders(context.Background(), "BTCUSDT", []string{"1", "2"})
	if err == nil || !strings.Contains(err.Error(), "2:Unknown order") {
		t.Fatalf("err = %v", err)
	}
}

func TestBinancePositionsAndMarket(t *testing.T) {
	b := newTestBinance(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			io.WriteString(w, exchangeInfoBody)
		case "/fapi/v2/positionRisk":
			io.WriteString(w, `[{"symbol":"BTCUSDT","positionAmt":"0.010","positionSide":"LONG"},
				{"symbol":"BTCUSDT","positionAmt":"-0.020","positionSide":"SHORT"},
				{"symbol":"ETHUSDT","positionAmt":"1","positionSide":"LONG"},
				{"symbol":"BTCUSDT","positionAmt":"0","positionSide":"BOTH"}]`)
		}
	})
	ctx := context.Background()
	pos, err := b.FetchPositions(ctx, []string{"BTCUSDT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(pos) != 2 || pos[1].Side != domain.DirectionShort || pos[1].Contracts != 0.02 {
		t.Fatalf("positions = %+v", pos)
	}
	m, err := b.Market(ctx, "BTCUSDT")
	if err != nil || m.TickSize != 0.1 || m.StepSize != 0.001 {
		t.Fatalf("market = %+v, %v", m, err)
	}
	if _, err := b.Market(ctx, "XXXUSDT"); err == nil {
		t.Fatal("expected unknown market error")
	}
}

func TestMapStatus(t *testing.T) {
	cases := []struct {
		status string
		filled float64
		want   domain.OrderStatus
	}{
		{"NEW", 0, domain.OrderStatusOpen},
		{"PARTIALLY_FILLED", 0.1, domain.OrderStatusOpen},
		{"FILLED", 1, domain.OrderStatusFilled},
		{"CANCELED", 0, domain.OrderStatusCanceled},
		{"CANCELED", 0.3, domain.OrderStatusClosed},
		{"EXPIRED", 0, domain.OrderStatusCanceled},
	}
	for _, tc := range cases {
		if got := mapStatus(tc.status, tc.filled); got != tc.want {
			t.Errorf("mapStatus(%s, %v) = %s, want %s", tc.status, tc.filled, got, tc.want)
		}
	}
}

func TestHandleUserQueuesPerSymbol(t *testing.T) {
	s := newBinanceStreams("ws://unused", nil, zap.NewNop())
	msg := `{"e":"ORDER_TRADE_UPDATE","o":{"s":"ETHUSDT","S":"SELL","q":"1","p":"2000","ap":"2000","X":"FILLED","i":7,"z":"1","ps":"LONG"}}`
	if err := s.handleUser([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	q := s.queues["ETHUSDT"]
	if len(q) != 1 {
		t.Fatalf("queue = %+v", q)
	}
	o := q[0]
	if o.ID != "7" || o.TradeSide != domain.TradeClose || o.PositionSide != domain.DirectionLong || !o.IsFill() {
		t.Fatalf("order = %+v", o)
	}
	if err := s.handleUser([]byte(`{"e":"listenKeyExpired"}`)); err == nil {
		t.Fatal("expected reconnect on listenKey expiry")
	}
}
