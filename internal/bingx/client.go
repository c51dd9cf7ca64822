package bingx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// SwapBaseURL is the production BingX perpetual-swap REST endpoint
	SwapBaseURL = "https://open-api.bingx.com"
	// SwapDemoURL is the VST paper-trading endpoint
	SwapDemoURL = "https://open-api-vst.bingx.com"

	liveQuoteSuffix = "-USDT"
	demoQuoteSuffix = "-VST"
)

// Transport retry configuration. These retries are transparent to callers:
// the worker pool counts only task-level failures against its breaker.
const (
	maxTransportRetries = 3
	baseRetryDelay      = 500 * time.Millisecond
	maxRetryDelay       = 5 * time.Second
)

// Exchange is the outbound exchange surface. The concrete Client routes
// every call through the RequestManager; tests substitute a mock.
type Exchange interface {
	GetSymbols(ctx context.Context) ([]Contract, error)
	GetTicker(ctx context.Context, symbol string, priority Priority) (*Ticker, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int, priority Priority) ([]Kline, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (*Balance, error)
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// Client is the BingX perpetual-swap REST client. All methods block until
// the request manager dispatches and the exchange answers.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	demo       bool
	httpClient *http.Client
	rm         *RequestManager
	log        zerolog.Logger
}

// NewClient creates a client. Demo mode targets the VST endpoint and
// rewrites the quote suffix on the wire in both directions.
func NewClient(apiKey, secretKey string, demo bool, rm *RequestManager, logger zerolog.Logger) *Client {
	baseURL := SwapBaseURL
	if demo {
		baseURL = SwapDemoURL
	}
	return &Client{
		apiKey:    strings.TrimSpace(apiKey),
		secretKey: strings.TrimSpace(secretKey),
		baseURL:   baseURL,
		demo:      demo,
		rm:        rm,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
				ResponseHeaderTimeout: 10 * time.Second,
			},
			Timeout: 25 * time.Second,
		},
		log: logger.With().Str("component", "bingx_client").Logger(),
	}
}

// apiResponse is the BingX envelope on every REST response.
type apiResponse struct {
	Code int64           `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// ==================== MARKET DATA ====================

// GetSymbols retrieves every perpetual-swap contract.
func (c *Client) GetSymbols(ctx context.Context) ([]Contract, error) {
	body, err := c.sharedGet(ctx, "/openApi/swap/v2/quote/contracts", nil, PriorityLow, false)
	if err != nil {
		return nil, err
	}
	var contracts []Contract
	if err := json.Unmarshal(body, &contracts); err != nil {
		return nil, newDataIntegrityError("malformed contracts payload: " + err.Error())
	}
	for i := range contracts {
		contracts[i].Symbol = c.appSymbol(contracts[i].Symbol)
	}
	return contracts, nil
}

// GetTicker retrieves the 24h ticker for one symbol.
func (c *Client) GetTicker(ctx context.Context, symbol string, priority Priority) (*Ticker, error) {
	params := map[string]string{"symbol": c.wireSymbol(symbol)}
	body, err := c.sharedGet(ctx, "/openApi/swap/v2/quote/ticker", params, priority, false)
	if err != nil {
		return nil, err
	}
	var ticker Ticker
	if err := json.Unmarshal(body, &ticker); err != nil {
		return nil, newDataIntegrityError("malformed ticker payload: " + err.Error())
	}
	if ticker.LastPrice <= 0 {
		return nil, newDataIntegrityError("ticker has non-positive price")
	}
	ticker.Symbol = c.appSymbol(ticker.Symbol)
	return &ticker, nil
}

// GetKlines retrieves up to limit candles for symbol/interval, oldest first.
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int, priority Priority) ([]Kline, error) {
	params := map[string]string{
		"symbol":   c.wireSymbol(symbol),
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	body, err := c.sharedGet(ctx, "/openApi/swap/v3/quote/klines", params, priority, false)
	if err != nil {
		return nil, err
	}
	var klines []Kline
	if err := json.Unmarshal(body, &klines); err != nil {
		return nil, newDataIntegrityError("malformed klines payload: " + err.Error())
	}
	// BingX returns newest-first; indicator math wants ascending time.
	sort.Slice(klines, func(i, j int) bool { return klines[i].OpenTime < klines[j].OpenTime })
	if err := ValidateKlines(klines); err != nil {
		return nil, err
	}
	return klines, nil
}

// ==================== ACCOUNT ====================

// GetPositions retrieves all open positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	body, err := c.sharedGet(ctx, "/openApi/swap/v2/user/positions", nil, PriorityHigh, true)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, newDataIntegrityError("malformed positions payload: " + err.Error())
	}
	for i := range positions {
		positions[i].Symbol = c.appSymbol(positions[i].Symbol)
	}
	return positions, nil
}

// GetBalance retrieves the USDT perpetual account balance.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	body, err := c.sharedGet(ctx, "/openApi/swap/v2/user/balance", nil, PriorityHigh, true)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Balance Balance `json:"balance"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, newDataIntegrityError("malformed balance payload: " + err.Error())
	}
	return &wrapper.Balance, nil
}

// ==================== TRADING ====================

// PlaceOrder submits a new order. Never deduplicated.
func (c *Client) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	if params.Symbol == "" || params.Quantity <= 0 {
		return nil, newValidationError("order requires symbol and positive quantity")
	}
	req := map[string]string{
		"symbol":       c.wireSymbol(params.Symbol),
		"side":         string(params.Side),
		"positionSide": string(params.PositionSide),
		"type":         string(params.Type),
		"quantity":     formatFloat(params.Quantity),
	}
	if params.Price > 0 {
		req["price"] = formatFloat(params.Price)
	}
	if params.StopPrice > 0 {
		req["stopPrice"] = formatFloat(params.StopPrice)
	}
	if params.StopLoss > 0 {
		req["stopLoss"] = marshalAttached("STOP_MARKET", params.StopLoss)
	}
	if params.TakeProfit > 0 {
		req["takeProfit"] = marshalAttached("TAKE_PROFIT_MARKET", params.TakeProfit)
	}
	if params.ClientOrderID != "" {
		req["clientOrderID"] = params.ClientOrderID
	}

	key := "POST /openApi/swap/v2/trade/order " + params.Symbol
	body, err := c.rm.Submit(ctx, key, PriorityHigh, func(ctx context.Context) ([]byte, error) {
		return c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", req)
	})
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Order OrderResponse `json:"order"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, newDataIntegrityError("malformed order payload: " + err.Error())
	}
	wrapper.Order.Symbol = c.appSymbol(wrapper.Order.Symbol)
	return &wrapper.Order, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	req := map[string]string{
		"symbol":  c.wireSymbol(symbol),
		"orderId": strconv.FormatInt(orderID, 10),
	}
	key := fmt.Sprintf("DELETE /openApi/swap/v2/trade/order %s %d", symbol, orderID)
	_, err := c.rm.Submit(ctx, key, PriorityHigh, func(ctx context.Context) ([]byte, error) {
		return c.doSigned(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", req)
	})
	return err
}

// ==================== LISTEN KEY ====================

// CreateListenKey opens a user-data-stream listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.rm.Submit(ctx, "POST /openApi/user/auth/userDataStream", PriorityHigh,
		func(ctx context.Context) ([]byte, error) {
			return c.doSigned(ctx, http.MethodPost, "/openApi/user/auth/userDataStream", nil)
		})
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.ListenKey == "" {
		return "", newDataIntegrityError("malformed listen key payload")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	req := map[string]string{"listenKey": listenKey}
	_, err := c.rm.Submit(ctx, "PUT /openApi/user/auth/userDataStream", PriorityHigh,
		func(ctx context.Context) ([]byte, error) {
			return c.doSigned(ctx, http.MethodPut, "/openApi/user/auth/userDataStream", req)
		})
	return err
}

// CloseListenKey closes the stream listen key.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	req := map[string]string{"listenKey": listenKey}
	_, err := c.rm.Submit(ctx, "DELETE /openApi/user/auth/userDataStream", PriorityHigh,
		func(ctx context.Context) ([]byte, error) {
			return c.doSigned(ctx, http.MethodDelete, "/openApi/user/auth/userDataStream", req)
		})
	return err
}

// ==================== TRANSPORT ====================

// sharedGet routes a GET through the manager with single-flight coalescing
// and transparent retries for transient faults.
func (c *Client) sharedGet(ctx context.Context, path string, params map[string]string, priority Priority, signed bool) ([]byte, error) {
	key := "GET " + path + " " + canonicalParams(params)

	var lastErr error
	for attempt := 0; attempt <= maxTransportRetries; attempt++ {
		body, err := c.rm.SubmitShared(ctx, key, priority, func(ctx context.Context) ([]byte, error) {
			if signed {
				return c.doSigned(ctx, http.MethodGet, path, params)
			}
			return c.doPublic(ctx, path, params)
		})
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsRetryable(err) && !IsRateLimited(err) {
			return nil, err
		}
		if attempt < maxTransportRetries {
			delay := retryDelay(attempt)
			c.log.Debug().Str("path", path).Int("attempt", attempt+1).Dur("delay", delay).
				Str("kind", KindOf(err).String()).Msg("retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// doPublic performs one unauthenticated GET.
func (c *Client) doPublic(ctx context.Context, path string, params map[string]string) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return c.do(ctx, http.MethodGet, path, values.Encode(), false)
}

// doSigned performs one authenticated request. The signature is an
// HMAC-SHA256 digest over the sorted-key query string with timestamp
// appended, sent as the signature param; the API key travels in a header.
func (c *Client) doSigned(ctx context.Context, method, path string, params map[string]string) ([]byte, error) {
	signed := make(map[string]string, len(params)+1)
	for k, v := range params {
		signed[k] = v
	}
	signed["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)

	query := canonicalParams(signed)
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	return c.do(ctx, method, path, query, true)
}

func (c *Client) do(ctx context.Context, method, path, rawQuery string, auth bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, newValidationError("building request: " + err.Error())
	}
	req.URL.RawQuery = rawQuery
	if auth {
		req.Header.Set("X-BX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newRateLimitedError("http 429 from exchange")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Kind: KindAPIError, Code: int64(resp.StatusCode), Msg: string(body)}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, newDataIntegrityError("malformed response envelope: " + err.Error())
	}
	if envelope.Code != 0 {
		return nil, newAPIError(envelope.Code, envelope.Msg)
	}
	return envelope.Data, nil
}

// canonicalParams renders params as a sorted-key query string, the form the
// exchange signs.
func canonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Jitter spreads synchronized retries apart.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}

func marshalAttached(orderType string, stopPrice float64) string {
	data, _ := json.Marshal(attachedOrder{
		Type:        orderType,
		StopPrice:   stopPrice,
		Price:       stopPrice,
		WorkingType: "MARK_PRICE",
	})
	return string(data)
}

// wireSymbol rewrites the app-side quote suffix for demo (VST) transmission.
func (c *Client) wireSymbol(symbol string) string {
	if c.demo {
		return strings.Replace(symbol, liveQuoteSuffix, demoQuoteSuffix, 1)
	}
	return symbol
}

// appSymbol reverses the demo rewrite on inbound symbol fields.
func (c *Client) appSymbol(symbol string) string {
	if c.demo {
		return strings.Replace(symbol, demoQuoteSuffix, liveQuoteSuffix, 1)
	}
	return symbol
}

// Ensure Client implements Exchange
var _ Exchange = (*Client)(nil)
