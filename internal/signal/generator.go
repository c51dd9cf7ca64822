// Package signal turns candle history into trade signals scored 0..100.
package signal

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/market"
)

// Action is the signal verdict.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Score weights. A full-confluence signal totals 100.
const (
	scoreRSI       = 30.0
	scoreCrossover = 35.0
	scoreTrend     = 25.0
	scoreVolume    = 10.0

	minCandles      = 50
	crossoverWindow = 3 // crossover counts if it happened within the last N candles
	memoCapacity    = 256
)

// Indicators is the snapshot attached to every signal.
type Indicators struct {
	RSI       float64 `json:"rsi"`
	MA1       float64 `json:"ma1"`
	MA2       float64 `json:"ma2"`
	Volume    float64 `json:"volume"`
	AvgVolume float64 `json:"avgVolume"`
	Price     float64 `json:"price"`
}

// Signal is one generated trade signal.
type Signal struct {
	ID         string     `json:"id"`
	Symbol     string     `json:"symbol"`
	Action     Action     `json:"action"`
	Strength   float64    `json:"strength"`
	Price      float64    `json:"price"`
	Reasons    []string   `json:"reasons"`
	Indicators Indicators `json:"indicators"`
	Timestamp  time.Time  `json:"timestamp"`
}

type memoKey struct {
	symbol string
	lastTs int64
	count  int
}

type memoEntry struct {
	key    memoKey
	signal Signal
}

// Generator scores symbols from cached candle data. Identical inputs are
// memoized so repeated analysis of an unchanged candle set is free.
type Generator struct {
	cache *market.Cache
	log   zerolog.Logger

	mu  sync.Mutex
	cfg config.TradingConfig

	memo    map[memoKey]*list.Element
	memoLRU *list.List // front = most recent
}

// NewGenerator creates a signal generator bound to the market cache.
func NewGenerator(cache *market.Cache, cfg config.TradingConfig, logger zerolog.Logger) *Generator {
	return &Generator{
		cache:   cache,
		cfg:     cfg,
		log:     logger.With().Str("component", "signal_generator").Logger(),
		memo:    make(map[memoKey]*list.Element),
		memoLRU: list.New(),
	}
}

// UpdateConfig swaps the scoring parameters. The memo is dropped because
// cached results were computed under the old parameters.
func (g *Generator) UpdateConfig(cfg config.TradingConfig) {
	g.mu.Lock()
	g.cfg = cfg
	g.memo = make(map[memoKey]*list.Element)
	g.memoLRU.Init()
	g.mu.Unlock()
}

// Generate fetches candles for the symbol and scores them.
func (g *Generator) Generate(ctx context.Context, symbol string) (*Signal, error) {
	g.mu.Lock()
	interval := g.cfg.KlineInterval
	g.mu.Unlock()
	if interval == "" {
		interval = "5m"
	}

	klines, err := g.cache.GetKlines(ctx, symbol, interval, 100, true)
	if err != nil {
		return nil, fmt.Errorf("fetching klines for %s: %w", symbol, err)
	}
	sig := g.Analyze(symbol, klines)
	return &sig, nil
}

// Analyze scores a candle set. Pure with respect to the inputs and the
// current config; results are memoized on (symbol, last timestamp, count).
func (g *Generator) Analyze(symbol string, klines []bingx.Kline) Signal {
	g.mu.Lock()
	cfg := g.cfg
	var key memoKey
	memoizable := len(klines) > 0
	if memoizable {
		key = memoKey{symbol: symbol, lastTs: klines[len(klines)-1].OpenTime, count: len(klines)}
		if el, ok := g.memo[key]; ok {
			g.memoLRU.MoveToFront(el)
			sig := el.Value.(*memoEntry).signal
			g.mu.Unlock()
			return sig
		}
	}
	g.mu.Unlock()

	sig := analyze(symbol, klines, cfg)

	if memoizable {
		g.mu.Lock()
		if _, ok := g.memo[key]; !ok {
			el := g.memoLRU.PushFront(&memoEntry{key: key, signal: sig})
			g.memo[key] = el
			for g.memoLRU.Len() > memoCapacity {
				back := g.memoLRU.Back()
				entry := back.Value.(*memoEntry)
				delete(g.memo, entry.key)
				g.memoLRU.Remove(back)
			}
		}
		g.mu.Unlock()
	}
	return sig
}

// analyze is the scoring core. Missing indicator inputs degrade to neutral
// values rather than failing: an uncomputable MA falls back to the current
// price and an uncomputable RSI to 50.
func analyze(symbol string, klines []bingx.Kline, cfg config.TradingConfig) Signal {
	sig := Signal{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Action:    ActionHold,
		Timestamp: time.Now(),
	}
	if len(klines) < minCandles {
		sig.Reasons = []string{"Insufficient historical data"}
		return sig
	}

	price := klines[len(klines)-1].Close
	ma1 := SMA(klines, cfg.MA1Period)
	ma2 := SMA(klines, cfg.MA2Period)
	if ma1 == 0 {
		ma1 = price
	}
	if ma2 == 0 {
		ma2 = price
	}
	rsi := RSI(klines, cfg.RSIPeriod)
	volume := klines[len(klines)-1].Volume
	avgVolume := AverageVolume(klines, 20)

	sig.Price = price
	sig.Indicators = Indicators{
		RSI:       rsi,
		MA1:       ma1,
		MA2:       ma2,
		Volume:    volume,
		AvgVolume: avgVolume,
		Price:     price,
	}

	bullCross, bearCross := recentCrossover(klines, cfg.MA1Period, cfg.MA2Period)
	volumeSpike := avgVolume > 0 && volume >= cfg.VolumeSpikeThreshold*avgVolume

	var bull, bear sideScore

	if rsi <= cfg.RSIOversold {
		bull.score += scoreRSI
		bull.confirmations++
		bull.primary = true
		bull.reasons = append(bull.reasons, fmt.Sprintf("RSI oversold (%.1f)", rsi))
	}
	if rsi >= cfg.RSIOverbought {
		bear.score += scoreRSI
		bear.confirmations++
		bear.primary = true
		bear.reasons = append(bear.reasons, fmt.Sprintf("RSI overbought (%.1f)", rsi))
	}

	if bullCross {
		bull.score += scoreCrossover
		bull.confirmations++
		bull.primary = true
		bull.reasons = append(bull.reasons, "Bullish MA crossover")
	}
	if bearCross {
		bear.score += scoreCrossover
		bear.confirmations++
		bear.primary = true
		bear.reasons = append(bear.reasons, "Bearish MA crossover")
	}

	if price > ma1 && ma1 > ma2 {
		bull.score += scoreTrend
		bull.confirmations++
		bull.reasons = append(bull.reasons, "Uptrend alignment (price > MA1 > MA2)")
	}
	if price < ma1 && ma1 < ma2 {
		bear.score += scoreTrend
		bear.confirmations++
		bear.reasons = append(bear.reasons, "Downtrend alignment (price < MA1 < MA2)")
	}

	if volumeSpike {
		// Volume reinforces a side already backed by an RSI signal or a
		// crossover; it is never a signal on its own.
		if bull.score > bear.score && bull.primary {
			bull.score += scoreVolume
			bull.reasons = append(bull.reasons, "Volume spike")
		} else if bear.score > bull.score && bear.primary {
			bear.score += scoreVolume
			bear.reasons = append(bear.reasons, "Volume spike")
		}
	}

	sig.Action, sig.Strength, sig.Reasons = resolve(bull, bear, cfg)
	return sig
}

// sideScore accumulates one direction's evidence. primary marks an RSI or
// crossover contribution.
type sideScore struct {
	score         float64
	reasons       []string
	confirmations int
	primary       bool
}

// resolve picks the acting side. The action goes to the side that strictly
// outscores the other, passes the confirmation gate and clears
// minSignalStrength; every other outcome is a HOLD carrying the strongest
// side's strength.
func resolve(bull, bear sideScore, cfg config.TradingConfig) (Action, float64, []string) {
	winner, action := bull, ActionBuy
	if bear.score > bull.score {
		winner, action = bear, ActionSell
	}
	if winner.score == 0 {
		return ActionHold, 0, []string{"No directional signals"}
	}
	if bull.score == bear.score {
		return ActionHold, winner.score, []string{"Conflicting directional signals"}
	}
	if cfg.ConfirmationRequired && winner.confirmations < 2 {
		return ActionHold, winner.score, []string{"Insufficient confirmations"}
	}
	if winner.score < cfg.MinSignalStrength {
		return ActionHold, winner.score, []string{fmt.Sprintf(
			"Signal strength %.0f below minimum %.0f", winner.score, cfg.MinSignalStrength)}
	}
	return action, winner.score, winner.reasons
}

// recentCrossover reports whether MA1 crossed MA2 within the last
// crossoverWindow candles.
func recentCrossover(klines []bingx.Kline, ma1Period, ma2Period int) (bullish, bearish bool) {
	for offset := 0; offset < crossoverWindow; offset++ {
		cur1 := SMAAt(klines, ma1Period, offset)
		cur2 := SMAAt(klines, ma2Period, offset)
		prev1 := SMAAt(klines, ma1Period, offset+1)
		prev2 := SMAAt(klines, ma2Period, offset+1)
		if cur1 == 0 || cur2 == 0 || prev1 == 0 || prev2 == 0 {
			continue
		}
		if prev1 <= prev2 && cur1 > cur2 {
			bullish = true
		}
		if prev1 >= prev2 && cur1 < cur2 {
			bearish = true
		}
	}
	return bullish, bearish
}
