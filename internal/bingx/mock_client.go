package bingx

import (
	"context"
	"sync"
)

// MockExchange is a configurable in-memory Exchange for development and
// tests. Zero-value fields return empty results; set the function fields to
// override individual calls.
type MockExchange struct {
	mu sync.Mutex

	Contracts    []Contract
	Tickers      map[string]Ticker
	Klines       map[string][]Kline // keyed by symbol
	Positions    []Position
	Account      Balance
	ListenKey    string
	PlacedOrders []OrderParams

	GetTickerFn  func(ctx context.Context, symbol string, priority Priority) (*Ticker, error)
	GetKlinesFn  func(ctx context.Context, symbol, interval string, limit int, priority Priority) ([]Kline, error)
	GetBalanceFn func(ctx context.Context) (*Balance, error)
	PlaceOrderFn func(ctx context.Context, params OrderParams) (*OrderResponse, error)

	TickerCalls int
	KlineCalls  int
}

var _ Exchange = (*MockExchange)(nil)

// NewMockExchange creates an empty mock.
func NewMockExchange() *MockExchange {
	return &MockExchange{
		Tickers:   make(map[string]Ticker),
		Klines:    make(map[string][]Kline),
		ListenKey: "mock-listen-key",
	}
}

func (m *MockExchange) GetSymbols(ctx context.Context) ([]Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Contract, len(m.Contracts))
	copy(out, m.Contracts)
	return out, nil
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string, priority Priority) (*Ticker, error) {
	m.mu.Lock()
	m.TickerCalls++
	fn := m.GetTickerFn
	t, ok := m.Tickers[symbol]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, symbol, priority)
	}
	if !ok {
		return nil, &Error{Kind: KindAPIError, Code: CodeInvalidSymbol, Msg: "unknown symbol " + symbol}
	}
	return &t, nil
}

func (m *MockExchange) GetKlines(ctx context.Context, symbol, interval string, limit int, priority Priority) ([]Kline, error) {
	m.mu.Lock()
	m.KlineCalls++
	fn := m.GetKlinesFn
	klines := m.Klines[symbol]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, symbol, interval, limit, priority)
	}
	if len(klines) > limit {
		klines = klines[len(klines)-limit:]
	}
	out := make([]Kline, len(klines))
	copy(out, klines)
	return out, nil
}

func (m *MockExchange) GetPositions(ctx context.Context) ([]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Position, len(m.Positions))
	copy(out, m.Positions)
	return out, nil
}

func (m *MockExchange) GetBalance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	fn := m.GetBalanceFn
	b := m.Account
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return &b, nil
}

func (m *MockExchange) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	m.mu.Lock()
	fn := m.PlaceOrderFn
	if fn == nil {
		m.PlacedOrders = append(m.PlacedOrders, params)
	}
	n := len(m.PlacedOrders)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, params)
	}
	return &OrderResponse{
		OrderID:      int64(n),
		Symbol:       params.Symbol,
		Side:         string(params.Side),
		PositionSide: string(params.PositionSide),
		Type:         string(params.Type),
		Status:       "FILLED",
		Quantity:     params.Quantity,
		AvgPrice:     params.Price,
	}, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return nil
}

func (m *MockExchange) CreateListenKey(ctx context.Context) (string, error) {
	return m.ListenKey, nil
}

func (m *MockExchange) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	return nil
}

func (m *MockExchange) CloseListenKey(ctx context.Context, listenKey string) error {
	return nil
}

// Orders returns a snapshot of recorded orders.
func (m *MockExchange) Orders() []OrderParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OrderParams, len(m.PlacedOrders))
	copy(out, m.PlacedOrders)
	return out
}
