package signal

import "github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"

// ============================================================================
// Moving Averages
// ============================================================================

// SMA returns the simple moving average of closes over the trailing period.
// Returns 0 when there is not enough data.
func SMA(klines []bingx.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Close
	}
	return sum / float64(period)
}

// SMAAt returns the SMA as of the candle at offset from the end (0 = latest
// closed candle, 1 = one candle back).
func SMAAt(klines []bingx.Kline, period, offset int) float64 {
	end := len(klines) - offset
	if end < period {
		return 0
	}
	return SMA(klines[:end], period)
}

// ============================================================================
// RSI (Relative Strength Index)
// ============================================================================

// RSI returns the relative strength index over the trailing period. Returns
// the neutral value 50 when there is not enough data.
func RSI(klines []bingx.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 50.0
	}

	gains := 0.0
	losses := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100.0
	}

	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// ============================================================================
// Volume
// ============================================================================

// AverageVolume returns the mean volume over the trailing period.
func AverageVolume(klines []bingx.Kline, period int) float64 {
	if period <= 0 || len(klines) < period {
		return 0
	}
	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		sum += klines[i].Volume
	}
	return sum / float64(period)
}
