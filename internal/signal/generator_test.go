package signal

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
)

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		RSIOversold:          30,
		RSIOverbought:        70,
		VolumeSpikeThreshold: 2,
		MinSignalStrength:    65,
		ConfirmationRequired: true,
		MA1Period:            9,
		MA2Period:            21,
		RSIPeriod:            14,
		KlineInterval:        "5m",
	}
}

// candles builds a deterministic series: steps are per-candle close deltas
// applied in order, volume is constant except where overridden.
func candles(start float64, steps []float64, lastVolume float64) []bingx.Kline {
	out := make([]bingx.Kline, len(steps))
	price := start
	for i, d := range steps {
		price += d
		vol := 100.0
		if i == len(steps)-1 && lastVolume > 0 {
			vol = lastVolume
		}
		out[i] = bingx.Kline{
			OpenTime: int64(i+1) * 60_000,
			Open:     price - d,
			High:     price + 1,
			Low:      price - 1.5,
			Close:    price,
			Volume:   vol,
		}
	}
	return out
}

// declineThenRally: 54 candles falling 0.5, then 6 rising 3.0. The fast MA
// crosses the slow MA one candle back and the uptrend is aligned.
func declineThenRally(lastVolume float64) []bingx.Kline {
	steps := make([]float64, 60)
	for i := 0; i < 54; i++ {
		steps[i] = -0.5
	}
	for i := 54; i < 60; i++ {
		steps[i] = 3.0
	}
	return candles(130, steps, lastVolume)
}

// rallyThenDecline is the bearish mirror.
func rallyThenDecline(lastVolume float64) []bingx.Kline {
	steps := make([]float64, 60)
	for i := 0; i < 54; i++ {
		steps[i] = 0.5
	}
	for i := 54; i < 60; i++ {
		steps[i] = -3.0
	}
	return candles(70, steps, lastVolume)
}

// steadyDecline produces exactly one bullish confirmation (oversold RSI).
func steadyDecline() []bingx.Kline {
	steps := make([]float64, 60)
	for i := range steps {
		steps[i] = -0.5
	}
	return candles(130, steps, 0)
}

func newTestGenerator(cfg config.TradingConfig) *Generator {
	return NewGenerator(nil, cfg, zerolog.Nop())
}

func TestInsufficientHistory(t *testing.T) {
	g := newTestGenerator(testTradingConfig())

	short := declineThenRally(0)[:49]
	sig := g.Analyze("BTC-USDT", short)
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, []string{"Insufficient historical data"}, sig.Reasons)
	assert.Zero(t, sig.Strength)
}

func TestFiftyCandlesIsEnough(t *testing.T) {
	g := newTestGenerator(testTradingConfig())

	sig := g.Analyze("BTC-USDT", declineThenRally(0)[10:]) // exactly 50
	assert.NotEqual(t, []string{"Insufficient historical data"}, sig.Reasons)
}

func TestBullishConfluence(t *testing.T) {
	g := newTestGenerator(testTradingConfig())

	sig := g.Analyze("BTC-USDT", declineThenRally(300))
	assert.Equal(t, ActionBuy, sig.Action)
	assert.Equal(t, 70.0, sig.Strength, "crossover 35 + trend 25 + volume 10")
	assert.Contains(t, sig.Reasons, "Bullish MA crossover")
	assert.Contains(t, sig.Reasons, "Uptrend alignment (price > MA1 > MA2)")
	assert.Contains(t, sig.Reasons, "Volume spike")
}

func TestBearishConfluence(t *testing.T) {
	g := newTestGenerator(testTradingConfig())

	sig := g.Analyze("BTC-USDT", rallyThenDecline(300))
	assert.Equal(t, ActionSell, sig.Action)
	assert.Equal(t, 70.0, sig.Strength)
	assert.Contains(t, sig.Reasons, "Bearish MA crossover")
}

func TestConfirmationGateHoldsSingleConfirmation(t *testing.T) {
	cfg := testTradingConfig()
	g := newTestGenerator(cfg)

	// A steady decline leaves only the oversold RSI pointing up.
	sig := g.Analyze("BTC-USDT", steadyDecline())
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, []string{"Insufficient confirmations"}, sig.Reasons)
	assert.Equal(t, 30.0, sig.Strength, "the losing score is still reported")

	// Without the gate (and a minimum the score clears) the same data
	// produces a weak BUY.
	cfg.ConfirmationRequired = false
	cfg.MinSignalStrength = 30
	g2 := newTestGenerator(cfg)
	sig2 := g2.Analyze("BTC-USDT", steadyDecline())
	assert.Equal(t, ActionBuy, sig2.Action)
	assert.Equal(t, 30.0, sig2.Strength)
}

func TestWeakSignalHeldBelowMinimumStrength(t *testing.T) {
	cfg := testTradingConfig()
	cfg.MinSignalStrength = 80
	g := newTestGenerator(cfg)

	// Full bullish confluence scores 70, short of the configured 80.
	sig := g.Analyze("BTC-USDT", declineThenRally(300))
	assert.Equal(t, ActionHold, sig.Action)
	assert.Equal(t, 70.0, sig.Strength, "the strongest side's strength is still reported")
	require.Len(t, sig.Reasons, 1)
	assert.Contains(t, sig.Reasons[0], "below minimum")
}

func TestMinimumStrengthIsInclusive(t *testing.T) {
	cfg := testTradingConfig()
	cfg.MinSignalStrength = 70
	g := newTestGenerator(cfg)

	sig := g.Analyze("BTC-USDT", declineThenRally(300))
	assert.Equal(t, ActionBuy, sig.Action, "strength equal to the minimum acts")
}

func TestTiedSidesResolveToHold(t *testing.T) {
	cfg := testTradingConfig()
	cfg.ConfirmationRequired = false

	crossed := sideScore{score: 35, confirmations: 1, primary: true}
	action, strength, reasons := resolve(crossed, crossed, cfg)
	assert.Equal(t, ActionHold, action)
	assert.Equal(t, 35.0, strength)
	assert.Equal(t, []string{"Conflicting directional signals"}, reasons)

	action, strength, reasons = resolve(sideScore{}, sideScore{}, cfg)
	assert.Equal(t, ActionHold, action)
	assert.Zero(t, strength)
	assert.Equal(t, []string{"No directional signals"}, reasons)
}

// zigzagRise drifts up 0.25 per candle while alternating +1.0/-0.5 moves:
// the trend aligns but RSI stays neutral and no crossover lands inside the
// lookback window.
func zigzagRise(lastVolume float64) []bingx.Kline {
	steps := make([]float64, 60)
	for i := range steps {
		steps[i] = 1.0
		if i%2 == 1 {
			steps[i] = -0.5
		}
	}
	return candles(100, steps, lastVolume)
}

func TestVolumeSpikeNeedsRSIOrCrossoverBacking(t *testing.T) {
	cfg := testTradingConfig()
	cfg.ConfirmationRequired = false
	cfg.MinSignalStrength = 25
	g := newTestGenerator(cfg)

	sig := g.Analyze("BTC-USDT", zigzagRise(300))
	assert.Equal(t, ActionBuy, sig.Action)
	assert.Equal(t, 25.0, sig.Strength, "trend alone does not unlock the volume bonus")
	assert.NotContains(t, sig.Reasons, "Volume spike")
}

func TestDegradationFallsBackToNeutralValues(t *testing.T) {
	cfg := testTradingConfig()
	cfg.MA2Period = 120 // uncomputable with 60 candles
	g := newTestGenerator(cfg)

	sig := g.Analyze("BTC-USDT", declineThenRally(0))
	assert.Equal(t, sig.Price, sig.Indicators.MA2, "uncomputable MA degrades to current price")
}

func TestMemoizationReturnsIdenticalSignal(t *testing.T) {
	g := newTestGenerator(testTradingConfig())
	data := declineThenRally(300)

	first := g.Analyze("BTC-USDT", data)
	second := g.Analyze("BTC-USDT", data)
	assert.Equal(t, first.ID, second.ID, "identical (symbol, lastTimestamp, count) is served from memo")
	assert.Equal(t, first.Strength, second.Strength)

	// A changed candle count is a different key.
	third := g.Analyze("BTC-USDT", data[1:])
	assert.NotEqual(t, first.ID, third.ID)

	// Config updates invalidate the memo.
	g.UpdateConfig(testTradingConfig())
	fourth := g.Analyze("BTC-USDT", data)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestSMA(t *testing.T) {
	kl := candles(0, []float64{1, 1, 1, 1, 1}, 0) // closes 1..5
	assert.Equal(t, 4.0, SMA(kl, 3), "(3+4+5)/3")
	assert.Equal(t, 3.0, SMA(kl, 5))
	assert.Zero(t, SMA(kl, 6), "not enough data")
	assert.Equal(t, 3.0, SMAAt(kl, 3, 1), "(2+3+4)/3 one candle back")
}

func TestRSIBounds(t *testing.T) {
	rising := candles(100, []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}, 0)
	assert.Equal(t, 100.0, RSI(rising, 14), "all gains")

	require.Less(t, RSI(steadyDecline(), 14), 1.0, "all losses")

	short := rising[:10]
	assert.Equal(t, 50.0, RSI(short, 14), "insufficient data is neutral")
}

func TestAverageVolume(t *testing.T) {
	kl := candles(100, []float64{1, 1, 1, 1}, 200) // volumes 100,100,100,200
	assert.Equal(t, 125.0, AverageVolume(kl, 4))
	assert.Zero(t, AverageVolume(kl, 5))
}
