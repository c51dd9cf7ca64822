package bingx

import (
	"fmt"
	"strconv"
)

// Side is an order side
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the hedge-mode side of a position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// OrderType is the exchange order type
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Kline is one OHLCV bar. Prices are parsed from the wire strings at the
// client boundary; everything inward works with float64.
type Kline struct {
	OpenTime int64   `json:"time"`
	Open     float64 `json:"open,string"`
	High     float64 `json:"high,string"`
	Low      float64 `json:"low,string"`
	Close    float64 `json:"close,string"`
	Volume   float64 `json:"volume,string"`
}

// ValidateKlines checks the candle invariants: positive finite OHLCV,
// low <= min(open,close) <= max(open,close) <= high, strictly ascending
// timestamps. A violation is a DataIntegrity error naming the offending bar.
func ValidateKlines(klines []Kline) error {
	var prevTime int64
	for i, k := range klines {
		if k.Open <= 0 || k.High <= 0 || k.Low <= 0 || k.Close <= 0 {
			return newDataIntegrityError(fmt.Sprintf("kline %d has non-positive price", i))
		}
		if k.Volume < 0 {
			return newDataIntegrityError(fmt.Sprintf("kline %d has negative volume", i))
		}
		lo, hi := k.Open, k.Close
		if lo > hi {
			lo, hi = hi, lo
		}
		if k.Low > lo || k.High < hi {
			return newDataIntegrityError(fmt.Sprintf("kline %d violates low<=open/close<=high", i))
		}
		if i > 0 && k.OpenTime <= prevTime {
			return newDataIntegrityError(fmt.Sprintf("kline %d timestamp not ascending", i))
		}
		prevTime = k.OpenTime
	}
	return nil
}

// Ticker is the 24h ticker snapshot for one symbol
type Ticker struct {
	Symbol             string  `json:"symbol"`
	LastPrice          float64 `json:"lastPrice,string"`
	PriceChangePercent float64 `json:"priceChangePercent,string"`
	HighPrice          float64 `json:"highPrice,string"`
	LowPrice           float64 `json:"lowPrice,string"`
	Volume             float64 `json:"volume,string"`
	QuoteVolume        float64 `json:"quoteVolume,string"`
	Time               int64   `json:"time"`
}

// Contract describes one tradable perpetual-swap symbol
type Contract struct {
	Symbol            string  `json:"symbol"`
	Asset             string  `json:"asset"`
	Currency          string  `json:"currency"`
	Status            int     `json:"status"` // 1 = online
	PricePrecision    int     `json:"pricePrecision"`
	QuantityPrecision int     `json:"quantityPrecision"`
	MinNotional       float64 `json:"tradeMinUSDT,string"`
	DisplayName       string  `json:"displayName"`
}

// Position is one open futures position as reported by the exchange
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionSide     string  `json:"positionSide"`
	PositionAmt      float64 `json:"positionAmt,string"`
	AvgPrice         float64 `json:"avgPrice,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	RealizedProfit   float64 `json:"realisedProfit,string"`
	Leverage         int     `json:"leverage"`
	MarkPrice        float64 `json:"markPrice,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Margin           float64 `json:"margin,string"`
	PositionID       string  `json:"positionId"`
}

// Balance is one asset balance in the perpetual account
type Balance struct {
	Asset            string  `json:"asset"`
	Balance          float64 `json:"balance,string"`
	Equity           float64 `json:"equity,string"`
	UnrealizedProfit float64 `json:"unrealizedProfit,string"`
	AvailableMargin  float64 `json:"availableMargin,string"`
	UsedMargin       float64 `json:"usedMargin,string"`
}

// OrderParams is the payload for placing an order
type OrderParams struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Type          OrderType
	Quantity      float64
	Price         float64 // limit orders only
	StopPrice     float64 // stop orders only
	StopLoss      float64 // attached stop-loss trigger
	TakeProfit    float64 // attached take-profit trigger
	ClientOrderID string
}

// OrderResponse is the exchange acknowledgement for a placed order
type OrderResponse struct {
	OrderID       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	PositionSide  string  `json:"positionSide"`
	Type          string  `json:"type"`
	Status        string  `json:"status"`
	Price         float64 `json:"price,string"`
	Quantity      float64 `json:"quantity,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	ClientOrderID string  `json:"clientOrderId"`
	Time          int64   `json:"time"`
}

// attachedOrder is the JSON shape BingX expects for the stopLoss/takeProfit
// params of a new order.
type attachedOrder struct {
	Type        string  `json:"type"`
	StopPrice   float64 `json:"stopPrice"`
	Price       float64 `json:"price"`
	WorkingType string  `json:"workingType"`
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
