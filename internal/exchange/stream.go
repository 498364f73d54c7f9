package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"grid_quant/internal/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readTimeout        = 10 * time.Minute
	listenKeyKeepAlive = 30 * time.Minute
	maxQueuedUpdates   = 1000
)

// wsFeed 单条 websocket 连接：后台读循环把消息交给 onMessage（持锁调用），
// 等待方通过 pull 阻塞到 take 返回 true、连接断开或 ctx 取消。
// 断开后下一次 pull 会重新拨号；拨号不持锁，其它等待方仍可响应 ctx。
type wsFeed struct {
	name      string
	dial      func(ctx context.Context) (*websocket.Conn, error)
	onMessage func(msg []byte) error
	log       *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	dialing bool
	notify  chan struct{}
	errGen  uint64
	lastErr error
	closed  bool
}

func newFeed(name string, dial func(ctx context.Context) (*websocket.Conn, error), onMessage func([]byte) error, logger *zap.Logger) *wsFeed {
	return &wsFeed{
		name:      name,
		dial:      dial,
		onMessage: onMessage,
		log:       logger.With(zap.String("stream", name)),
		notify:    make(chan struct{}),
	}
}

func (f *wsFeed) pull(ctx context.Context, take func() bool) error {
	f.mu.Lock()
	gen := f.errGen
	for {
		if take() {
			f.mu.Unlock()
			return nil
		}
		if f.closed {
			f.mu.Unlock()
			return fmt.Errorf("stream %s closed", f.name)
		}
		if f.errGen != gen {
			err := f.lastErr
			f.mu.Unlock()
			return err
		}
		if f.conn == nil && !f.dialing {
			if err := f.connectLocked(ctx); err != nil {
				f.mu.Unlock()
				return err
			}
			continue
		}
		wait := f.notify
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
		f.mu.Lock()
	}
}

// connectLocked 释放锁拨号，返回时重新持锁
func (f *wsFeed) connectLocked(ctx context.Context) error {
	f.dialing = true
	f.mu.Unlock()
	conn, err := f.dial(ctx)
	f.mu.Lock()
	f.dialing = false
	defer f.broadcastLocked()
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.name, err)
	}
	if f.closed {
		_ = conn.Close()
		return nil
	}
	f.conn = conn
	f.log.Info("[行情] websocket 已连接")
	go f.readLoop(conn)
	return nil
}

func (f *wsFeed) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.fail(conn, err)
			return
		}
		f.mu.Lock()
		herr := f.onMessage(msg)
		f.broadcastLocked()
		f.mu.Unlock()
		if herr != nil {
			f.fail(conn, herr)
			return
		}
	}
}

func (f *wsFeed) fail(conn *websocket.Conn, err error) {
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
		f.lastErr = fmt.Errorf("stream %s: %w", f.name, err)
		f.errGen++
		f.broadcastLocked()
		if !f.closed {
			f.log.Warn("[行情] websocket 断开", zap.Error(err))
		}
	}
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *wsFeed) broadcastLocked() {
	close(f.notify)
	f.notify = make(chan struct{})
}

func (f *wsFeed) Close() {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.broadcastLocked()
	f.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// binanceStreams 管理用户数据流（全账户共用一条）与每个交易对的 ticker 流
type binanceStreams struct {
	wsURL string
	rest  *BinanceFutures
	log   *zap.Logger

	user   *wsFeed
	queues map[string][]domain.RemoteOrder // 由 user.mu 保护

	mu      sync.Mutex
	tickers map[string]*tickerFeed
	stop    chan struct{}
	once    sync.Once
	started bool
}

type tickerFeed struct {
	feed   *wsFeed
	latest domain.Ticker
	seq    uint64
}

func newBinanceStreams(wsURL string, rest *BinanceFutures, logger *zap.Logger) *binanceStreams {
	s := &binanceStreams{
		wsURL:   wsURL,
		rest:    rest,
		log:     logger,
		queues:  make(map[string][]domain.RemoteOrder),
		tickers: make(map[string]*tickerFeed),
		stop:    make(chan struct{}),
	}
	s.user = newFeed("user-data", s.dialUser, s.handleUser, logger)
	return s
}

func (s *binanceStreams) dialUser(ctx context.Context) (*websocket.Conn, error) {
	key, err := s.rest.createListenKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("listenKey: %w", err)
	}
	s.mu.Lock()
	if !s.started {
		s.started = true
		go s.keepAlive()
	}
	s.mu.Unlock()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL+"/ws/"+key, nil)
	return conn, err
}

func (s *binanceStreams) keepAlive() {
	t := time.NewTicker(listenKeyKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := s.rest.keepAliveListenKey(ctx); err != nil {
				s.log.Warn("[行情] listenKey 续期失败", zap.Error(err))
			}
			cancel()
		}
	}
}

type userEvent struct {
	Event string `json:"e"`
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		CumFilled     string `json:"z"`
		TradeTime     int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
		PositionSide  string `json:"ps"`
	} `json:"o"`
}

// handleUser 持 user.mu 调用：把 ORDER_TRADE_UPDATE 追加到对应交易对的队列
func (s *binanceStreams) handleUser(msg []byte) error {
	var ev userEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		s.log.Debug("[行情] 无法解析用户数据消息", zap.Error(err))
		return nil
	}
	switch ev.Event {
	case "listenKeyExpired":
		return fmt.Errorf("listenKey expired")
	case "ORDER_TRADE_UPDATE":
	default:
		return nil
	}
	o := binanceOrder{
		OrderID:       ev.Order.OrderID,
		ClientOrderID: ev.Order.ClientOrderID,
		Symbol:        ev.Order.Symbol,
		Price:         ev.Order.Price,
		AvgPrice:      ev.Order.AvgPrice,
		OrigQty:       ev.Order.OrigQty,
		ExecutedQty:   ev.Order.CumFilled,
		Side:          ev.Order.Side,
		PositionSide:  ev.Order.PositionSide,
		ReduceOnly:    ev.Order.ReduceOnly,
		Status:        ev.Order.Status,
		UpdateTime:    ev.Order.TradeTime,
	}
	q := append(s.queues[o.Symbol], o.toDomain())
	if len(q) > maxQueuedUpdates {
		s.log.Warn("[行情] 订单更新积压，丢弃最旧的记录", zap.String("symbol", o.Symbol))
		q = q[len(q)-maxQueuedUpdates:]
	}
	s.queues[o.Symbol] = q
	return nil
}

func (s *binanceStreams) orders(ctx context.Context, symbol string) ([]domain.RemoteOrder, error) {
	var out []domain.RemoteOrder
	err := s.user.pull(ctx, func() bool {
		if q := s.queues[symbol]; len(q) > 0 {
			out = q
			delete(s.queues, symbol)
			return true
		}
		return false
	})
	return out, err
}

func (s *binanceStreams) ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	s.mu.Lock()
	tf, ok := s.tickers[symbol]
	if !ok {
		tf = &tickerFeed{}
		stream := strings.ToLower(symbol) + "@ticker"
		tf.feed = newFeed(stream, func(ctx context.Context) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL+"/ws/"+stream, nil)
			return conn, err
		}, func(msg []byte) error {
			var ev struct {
				Event  string `json:"e"`
				Time   int64  `json:"E"`
				Symbol string `json:"s"`
				Last   string `json:"c"`
			}
			if err := json.Unmarshal(msg, &ev); err != nil || ev.Last == "" {
				return nil
			}
			last, err := strconv.ParseFloat(ev.Last, 64)
			if err != nil {
				return nil
			}
			tf.latest = domain.Ticker{Symbol: symbol, Last: last, Time: msToTime(ev.Time)}
			tf.seq++
			return nil
		}, s.log)
		s.tickers[symbol] = tf
	}
	s.mu.Unlock()

	tf.feed.mu.Lock()
	start := tf.seq
	tf.feed.mu.Unlock()

	var out domain.Ticker
	err := tf.feed.pull(ctx, func() bool {
		if tf.seq > start {
			out = tf.latest
			return true
		}
		return false
	})
	return out, err
}

func (s *binanceStreams) Close() {
	s.once.Do(func() { close(s.stop) })
	s.user.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tf := range s.tickers {
		tf.feed.Close()
	}
}
