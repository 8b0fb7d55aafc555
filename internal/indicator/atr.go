// Package indicator holds the pure volatility math shared by the risk
// calculator and the venue synchronizer's position-seeding path.
package indicator

import "math"

// Candle is the minimal OHLC bar the indicator math needs.
type Candle struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// ATR computes Wilder's Average True Range over the last period bars.
// Returns 0 when there is not enough history.
func ATR(candles []Candle, period int) float64 {
	if period <= 0 || len(candles) < period+1 {
		return 0
	}

	// Seed with a simple average of the first period true ranges.
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles[i], candles[i-1])
	}
	atr /= float64(period)

	// Wilder smoothing over the remainder.
	for i := period + 1; i < len(candles); i++ {
		tr := trueRange(candles[i], candles[i-1])
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr
}

func trueRange(cur, prev Candle) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

// RealizedVolPercent returns the standard deviation of close-to-close
// returns over the window, expressed in percent. Returns 0 when there is
// not enough history.
func RealizedVolPercent(candles []Candle) float64 {
	if len(candles) < 3 {
		return 0
	}

	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		if candles[i-1].Close == 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-candles[i-1].Close)/candles[i-1].Close)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance) * 100
}

// ATRPercent returns ATR relative to the latest close, in percent.
func ATRPercent(candles []Candle, period int) float64 {
	if len(candles) == 0 {
		return 0
	}
	last := candles[len(candles)-1].Close
	if last == 0 {
		return 0
	}
	return ATR(candles, period) / last * 100
}
