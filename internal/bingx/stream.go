package bingx

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// SwapStreamURL is the production market/user push-stream endpoint
	SwapStreamURL = "wss://open-api-swap.bingx.com/swap-market"
	// SwapDemoStreamURL is the VST paper-trading stream endpoint
	SwapDemoStreamURL = "wss://vst-open-api-ws.bingx.com/swap-market"

	reconnectDelay    = 5 * time.Second
	keepAliveInterval = 30 * time.Second
)

// TickerEvent is a push 24hrTicker update.
type TickerEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	LastPrice float64 `json:"c,string"`
	Volume    float64 `json:"v,string"`
}

// KlineEvent is a push kline update.
type KlineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime int64   `json:"t"`
		Interval string  `json:"i"`
		Open     float64 `json:"o,string"`
		High     float64 `json:"h,string"`
		Low      float64 `json:"l,string"`
		Close    float64 `json:"c,string"`
		Volume   float64 `json:"v,string"`
	} `json:"k"`
}

// TradeEvent is a push public trade.
type TradeEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Price     float64 `json:"p,string"`
	Quantity  float64 `json:"q,string"`
}

// DepthEvent is a push order-book delta.
type DepthEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// AccountUpdateEvent is a push ACCOUNT_UPDATE.
type AccountUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Update    struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string  `json:"a"`
			WalletBalance float64 `json:"wb,string"`
			BalanceChange float64 `json:"bc,string"`
		} `json:"B"`
		Positions []struct {
			Symbol        string  `json:"s"`
			PositionAmt   float64 `json:"pa,string"`
			EntryPrice    float64 `json:"ep,string"`
			UnrealizedPnL float64 `json:"up,string"`
			PositionSide  string  `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// OrderUpdateEvent is a push ORDER_TRADE_UPDATE.
type OrderUpdateEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string  `json:"s"`
		ClientOrderID string  `json:"c"`
		Side          string  `json:"S"`
		Type          string  `json:"o"`
		Quantity      float64 `json:"q,string"`
		Price         float64 `json:"p,string"`
		AvgPrice      float64 `json:"ap,string"`
		Status        string  `json:"X"`
		OrderID       int64   `json:"i"`
		FilledQty     float64 `json:"z,string"`
		Commission    float64 `json:"n,string"`
		RealizedPnL   float64 `json:"rp,string"`
		PositionSide  string  `json:"ps"`
	} `json:"o"`
}

// Stream is the single long-lived push connection to the exchange. It owns
// the subscription set; subscriptions survive socket restarts because every
// reconnect replays them.
type Stream struct {
	mu sync.RWMutex

	// writeMu serializes conn writes: gorilla/websocket allows at most one
	// concurrent writer, and the read loop's Pong, the keep-alive ping and
	// subscription frames all race otherwise.
	writeMu sync.Mutex

	client    Exchange
	url       string
	demo      bool
	listenKey string
	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	wg        sync.WaitGroup
	log       zerolog.Logger

	subscriptions map[string]struct{} // dataType, e.g. "BTC-USDT@ticker"
	reconnects    int

	onTicker        func(*TickerEvent)
	onKline         func(*KlineEvent)
	onTrade         func(*TradeEvent)
	onDepth         func(*DepthEvent)
	onAccountUpdate func(*AccountUpdateEvent)
	onOrderUpdate   func(*OrderUpdateEvent)
}

// NewStream creates a push-stream consumer. The client is used for the
// listen-key lifecycle.
func NewStream(client Exchange, demo bool, logger zerolog.Logger) *Stream {
	url := SwapStreamURL
	if demo {
		url = SwapDemoStreamURL
	}
	return &Stream{
		client:        client,
		url:           url,
		demo:          demo,
		stopChan:      make(chan struct{}),
		subscriptions: make(map[string]struct{}),
		log:           logger.With().Str("component", "stream").Logger(),
	}
}

// OnTicker sets the 24hrTicker handler.
func (s *Stream) OnTicker(fn func(*TickerEvent)) { s.mu.Lock(); s.onTicker = fn; s.mu.Unlock() }

// OnKline sets the kline handler.
func (s *Stream) OnKline(fn func(*KlineEvent)) { s.mu.Lock(); s.onKline = fn; s.mu.Unlock() }

// OnTrade sets the public-trade handler.
func (s *Stream) OnTrade(fn func(*TradeEvent)) { s.mu.Lock(); s.onTrade = fn; s.mu.Unlock() }

// OnDepth sets the depth-delta handler.
func (s *Stream) OnDepth(fn func(*DepthEvent)) { s.mu.Lock(); s.onDepth = fn; s.mu.Unlock() }

// OnAccountUpdate sets the ACCOUNT_UPDATE handler.
func (s *Stream) OnAccountUpdate(fn func(*AccountUpdateEvent)) {
	s.mu.Lock()
	s.onAccountUpdate = fn
	s.mu.Unlock()
}

// OnOrderUpdate sets the ORDER_TRADE_UPDATE handler.
func (s *Stream) OnOrderUpdate(fn func(*OrderUpdateEvent)) {
	s.mu.Lock()
	s.onOrderUpdate = fn
	s.mu.Unlock()
}

// Start obtains a listen key, connects, and launches the read and
// keep-alive loops.
func (s *Stream) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := contextWithStreamTimeout()
	listenKey, err := s.client.CreateListenKey(ctx)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
	s.mu.Lock()
	s.listenKey = listenKey
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		// The read loop retries; a failed first dial is not fatal.
		s.log.Warn().Err(err).Msg("initial stream connect failed, will retry")
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.keepAliveLoop()
	s.log.Info().Msg("push stream started")
	return nil
}

// Stop closes the socket and the listen key.
func (s *Stream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.conn
	listenKey := s.listenKey
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()

	if listenKey != "" {
		ctx, cancel := contextWithStreamTimeout()
		if err := s.client.CloseListenKey(ctx, listenKey); err != nil {
			s.log.Warn().Err(err).Msg("closing listen key failed")
		}
		cancel()
	}
	s.log.Info().Msg("push stream stopped")
}

// Subscribe adds a dataType subscription (e.g. "BTC-USDT@ticker") and sends
// the sub frame if connected.
func (s *Stream) Subscribe(dataType string) {
	s.mu.Lock()
	if _, ok := s.subscriptions[dataType]; ok {
		s.mu.Unlock()
		return
	}
	s.subscriptions[dataType] = struct{}{}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.sendSub(conn, "sub", dataType)
	}
}

// Unsubscribe removes a dataType subscription.
func (s *Stream) Unsubscribe(dataType string) {
	s.mu.Lock()
	if _, ok := s.subscriptions[dataType]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subscriptions, dataType)
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		s.sendSub(conn, "unsub", dataType)
	}
}

// SubscribeTicker subscribes the 24h ticker channel for a symbol.
func (s *Stream) SubscribeTicker(symbol string) {
	s.Subscribe(s.wireSymbol(symbol) + "@ticker")
}

// UnsubscribeTicker releases the ticker channel for a symbol.
func (s *Stream) UnsubscribeTicker(symbol string) {
	s.Unsubscribe(s.wireSymbol(symbol) + "@ticker")
}

// SubscriptionCount returns the number of active subscriptions.
func (s *Stream) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

func (s *Stream) connect() error {
	s.mu.RLock()
	url := s.url + "?listenKey=" + s.listenKey
	s.mu.RUnlock()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return classifyTransportError(err)
	}

	s.mu.Lock()
	s.conn = conn
	subs := make([]string, 0, len(s.subscriptions))
	for dt := range s.subscriptions {
		subs = append(subs, dt)
	}
	s.mu.Unlock()

	// Replay every subscription so they survive the socket restart.
	for _, dt := range subs {
		s.sendSub(conn, "sub", dt)
	}
	return nil
}

func (s *Stream) sendSub(conn *websocket.Conn, reqType, dataType string) {
	msg, err := json.Marshal(map[string]string{
		"id":       uuid.NewString(),
		"reqType":  reqType,
		"dataType": dataType,
	})
	if err == nil {
		err = s.writeMessage(conn, websocket.TextMessage, msg)
	}
	if err != nil {
		s.log.Warn().Err(err).Str("dataType", dataType).Msg("subscription write failed")
	}
}

func (s *Stream) writeMessage(conn *websocket.Conn, messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		if conn == nil {
			if !s.reconnect() {
				return
			}
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.stopChan:
				return
			default:
			}
			s.log.Warn().Err(err).Msg("stream read failed, reconnecting")
			conn.Close()
			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			continue
		}

		payload, err := decompressFrame(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}

		// The server probes liveness with a text Ping.
		if bytes.Equal(payload, []byte("Ping")) {
			s.writeMessage(conn, websocket.TextMessage, []byte("Pong"))
			continue
		}
		s.dispatch(payload)
	}
}

// reconnect waits the backoff and dials again. Returns false when stopping.
func (s *Stream) reconnect() bool {
	select {
	case <-time.After(reconnectDelay):
	case <-s.stopChan:
		return false
	}
	s.mu.Lock()
	s.reconnects++
	n := s.reconnects
	s.mu.Unlock()

	if err := s.connect(); err != nil {
		s.log.Warn().Err(err).Int("attempt", n).Msg("stream reconnect failed")
		return true
	}
	s.log.Info().Int("attempt", n).Msg("stream reconnected")
	return true
}

// dispatch routes a frame by its event type field.
func (s *Stream) dispatch(payload []byte) {
	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return
	}

	// Market events arrive wrapped {dataType, data}; unwrap first.
	if head.EventType == "" {
		var wrapped struct {
			DataType string          `json:"dataType"`
			Data     json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &wrapped); err != nil || wrapped.Data == nil {
			return
		}
		payload = wrapped.Data
		if err := json.Unmarshal(payload, &head); err != nil {
			return
		}
	}

	s.mu.RLock()
	onTicker, onKline, onTrade := s.onTicker, s.onKline, s.onTrade
	onDepth, onAccount, onOrder := s.onDepth, s.onAccountUpdate, s.onOrderUpdate
	s.mu.RUnlock()

	switch head.EventType {
	case "24hrTicker":
		if onTicker == nil {
			return
		}
		var ev TickerEvent
		if json.Unmarshal(payload, &ev) == nil {
			ev.Symbol = s.appSymbol(ev.Symbol)
			onTicker(&ev)
		}
	case "kline":
		if onKline == nil {
			return
		}
		var ev KlineEvent
		if json.Unmarshal(payload, &ev) == nil {
			ev.Symbol = s.appSymbol(ev.Symbol)
			onKline(&ev)
		}
	case "trade":
		if onTrade == nil {
			return
		}
		var ev TradeEvent
		if json.Unmarshal(payload, &ev) == nil {
			ev.Symbol = s.appSymbol(ev.Symbol)
			onTrade(&ev)
		}
	case "depthUpdate":
		if onDepth == nil {
			return
		}
		var ev DepthEvent
		if json.Unmarshal(payload, &ev) == nil {
			ev.Symbol = s.appSymbol(ev.Symbol)
			onDepth(&ev)
		}
	case "ACCOUNT_UPDATE":
		if onAccount == nil {
			return
		}
		var ev AccountUpdateEvent
		if json.Unmarshal(payload, &ev) == nil {
			for i := range ev.Update.Positions {
				ev.Update.Positions[i].Symbol = s.appSymbol(ev.Update.Positions[i].Symbol)
			}
			onAccount(&ev)
		}
	case "ORDER_TRADE_UPDATE":
		if onOrder == nil {
			return
		}
		var ev OrderUpdateEvent
		if json.Unmarshal(payload, &ev) == nil {
			ev.Order.Symbol = s.appSymbol(ev.Order.Symbol)
			onOrder(&ev)
		}
	}
}

// keepAliveLoop pings the socket and refreshes the listen key every 30 s.
func (s *Stream) keepAliveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			conn := s.conn
			listenKey := s.listenKey
			s.mu.RUnlock()

			if conn != nil {
				s.writeMessage(conn, websocket.PingMessage, nil)
			}
			if listenKey != "" {
				ctx, cancel := contextWithStreamTimeout()
				if err := s.client.KeepAliveListenKey(ctx, listenKey); err != nil {
					s.log.Warn().Err(err).Msg("listen key keepalive failed")
				}
				cancel()
			}
		case <-s.stopChan:
			return
		}
	}
}

// decompressFrame handles the GZIP framing the exchange applies to stream
// payloads. Plain-text frames pass through untouched.
func decompressFrame(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		return raw, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func contextWithStreamTimeout() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func (s *Stream) wireSymbol(symbol string) string {
	if s.demo {
		return strings.Replace(symbol, liveQuoteSuffix, demoQuoteSuffix, 1)
	}
	return symbol
}

func (s *Stream) appSymbol(symbol string) string {
	if s.demo {
		return strings.Replace(symbol, demoQuoteSuffix, liveQuoteSuffix, 1)
	}
	return symbol
}
