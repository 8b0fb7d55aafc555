package risk

import (
	"math"
	"testing"

	"risk-core/internal/position"
	"risk-core/internal/riskcfg"
)

func newTestCalculator() *Calculator {
	return NewCalculator(riskcfg.NewManager(riskcfg.DefaultRiskConfig()), "")
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestDynamicStopLoss(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		entry  float64
		side   position.Side
		atr    float64
		regime riskcfg.Regime
		want   float64
	}{
		{
			// 2 x ATR below entry, neutral regime.
			name: "atr long", symbol: "BTCUSDT", entry: 50000, side: position.SideLong,
			atr: 500, regime: riskcfg.RegimeUnknown, want: 49000,
		},
		{
			name: "atr short", symbol: "BTCUSDT", entry: 50000, side: position.SideShort,
			atr: 500, regime: riskcfg.RegimeUnknown, want: 51000,
		},
		{
			// No ATR: fixed default percent (5%).
			name: "percent fallback", symbol: "BTCUSDT", entry: 60000, side: position.SideLong,
			atr: 0, regime: riskcfg.RegimeUnknown, want: 57000,
		},
		{
			// Volatile regime widens the stop by 1.5x.
			name: "volatile regime widens", symbol: "BTCUSDT", entry: 50000, side: position.SideLong,
			atr: 500, regime: riskcfg.RegimeVolatile, want: 48500,
		},
		{
			// A microscopic ATR cannot produce a stop tighter than 0.5%.
			name: "minimum distance floor", symbol: "DOGEUSDT", entry: 100, side: position.SideLong,
			atr: 0.001, regime: riskcfg.RegimeUnknown, want: 99.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator()
			got := c.DynamicStopLoss(tt.symbol, tt.entry, tt.side, tt.atr, tt.regime)
			if !almostEqual(got, tt.want) {
				t.Fatalf("DynamicStopLoss=%v, expected %v", got, tt.want)
			}
		})
	}
}

func TestDynamicStopLossFailsClosed(t *testing.T) {
	cfg := riskcfg.DefaultRiskConfig()
	cfg.StopLoss.DefaultPercent = 1e-9 // degenerate but nonzero to pass validation
	c := NewCalculator(riskcfg.NewManager(cfg), "")

	// NaN ATR plus a useless default percent: distance still falls back to
	// the minimum floor rather than landing on the entry.
	got := c.DynamicStopLoss("BTCUSDT", 50000, position.SideLong, math.NaN(), riskcfg.RegimeUnknown)
	if got >= 50000 || got <= 0 {
		t.Fatalf("fail-closed stop=%v, expected a real level below entry", got)
	}
}

func TestDynamicTakeProfit(t *testing.T) {
	c := newTestCalculator()

	// Stop distance 1000, RR 2.0, dynamic disabled by zero ATR: 52000.
	got := c.DynamicTakeProfit("BTCUSDT", 50000, position.SideLong, 49000, 0, riskcfg.RegimeUnknown)
	if !almostEqual(got, 52000) {
		t.Fatalf("take profit=%v, expected 52000", got)
	}

	// ATR target 50000 + 3*500 = 51500 is tighter and wins.
	got = c.DynamicTakeProfit("BTCUSDT", 50000, position.SideLong, 49000, 500, riskcfg.RegimeUnknown)
	if !almostEqual(got, 51500) {
		t.Fatalf("atr-capped take profit=%v, expected 51500", got)
	}

	// SHORT mirrors: RR target 48000, ATR target 48500 is tighter (higher).
	got = c.DynamicTakeProfit("BTCUSDT", 50000, position.SideShort, 51000, 500, riskcfg.RegimeUnknown)
	if !almostEqual(got, 48500) {
		t.Fatalf("short take profit=%v, expected 48500", got)
	}
}

func TestAdaptiveLeverage(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		vol    float64
		regime riskcfg.Regime
		want   int
	}{
		// BTCUSDT override is 10; medium bucket caps at 5.
		{name: "medium vol", symbol: "BTCUSDT", vol: 2.0, regime: riskcfg.RegimeUnknown, want: 5},
		// High volatility tightens to 3.
		{name: "high vol", symbol: "BTCUSDT", vol: 5.0, regime: riskcfg.RegimeUnknown, want: 3},
		// Low volatility allows 8.
		{name: "low vol", symbol: "BTCUSDT", vol: 1.0, regime: riskcfg.RegimeUnknown, want: 8},
		// Volatile regime halves and floors.
		{name: "volatile regime", symbol: "BTCUSDT", vol: 5.0, regime: riskcfg.RegimeVolatile, want: 1},
		// Trending regime scales up over the bucket cap.
		{name: "trending regime", symbol: "BTCUSDT", vol: 1.0, regime: riskcfg.RegimeTrending, want: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCalculator()
			c.SetVolatility(tt.symbol, tt.vol)
			if got := c.AdaptiveLeverage(tt.symbol, tt.regime); got != tt.want {
				t.Fatalf("AdaptiveLeverage=%d, expected %d", got, tt.want)
			}
		})
	}
}

func TestAdaptiveLeverageClampsAtTwenty(t *testing.T) {
	cfg := riskcfg.DefaultRiskConfig()
	cfg.MaxLeverage.Symbols["BTCUSDT"] = 50
	cfg.MaxLeverage.LowVolatility = 50
	c := NewCalculator(riskcfg.NewManager(cfg), "")
	c.SetVolatility("BTCUSDT", 1.0)

	if got := c.AdaptiveLeverage("BTCUSDT", riskcfg.RegimeUnknown); got != 20 {
		t.Fatalf("AdaptiveLeverage=%d, expected clamp at 20", got)
	}
}

func TestPositionSize(t *testing.T) {
	c := newTestCalculator()

	// 2% stop distance, 1% risk on 10000: uncapped margin would be 5000 but
	// the 20% capital cap brings it to 2000, risking only 40.
	res, err := c.PositionSize("BTCUSDT", 50000, 49000, 10000, 1.0, 5)
	if err != nil {
		t.Fatalf("PositionSize returned error: %v", err)
	}
	if !almostEqual(res.Quantity, 0.2) {
		t.Fatalf("Quantity=%v, expected 0.2", res.Quantity)
	}
	if !almostEqual(res.MarginRequired, 2000) {
		t.Fatalf("MarginRequired=%v, expected 2000", res.MarginRequired)
	}
	if !almostEqual(res.RiskAmount, 40) {
		t.Fatalf("RiskAmount=%v, expected 40", res.RiskAmount)
	}
}

func TestPositionSizeRejectsBadInputs(t *testing.T) {
	c := newTestCalculator()

	if _, err := c.PositionSize("BTCUSDT", 0, 49000, 10000, 1, 5); err == nil {
		t.Fatal("zero entry accepted")
	}
	if _, err := c.PositionSize("BTCUSDT", 50000, 50000, 10000, 1, 5); err == nil {
		t.Fatal("stop equal to entry accepted")
	}
	if _, err := c.PositionSize("BTCUSDT", 50000, 49000, 0, 1, 5); err == nil {
		t.Fatal("zero balance accepted")
	}
}

func TestPositionSizeQuantityRoundsToZero(t *testing.T) {
	c := newTestCalculator()

	// A balance too small for one lot step must error rather than return 0.
	if _, err := c.PositionSize("BTCUSDT", 50000, 49000, 1, 0.1, 1); err == nil {
		t.Fatal("sub-lot quantity accepted")
	}
}

func TestRegisterPreservesTrailingState(t *testing.T) {
	c := newTestCalculator()
	c.store.Set(&position.Position{
		Symbol:            "BTCUSDT",
		Side:              position.SideLong,
		EntryPrice:        60000,
		Quantity:          1,
		Leverage:          3,
		TrailingActivated: true,
		TrailingStop:      position.Float(61380),
		HighestPrice:      62000,
	})

	// A venue refresh arrives with updated quantity and no trailing state.
	c.Register(&position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryPrice: 60000,
		Quantity:   0.5,
		Leverage:   5,
	})

	p := c.store.Get("BTCUSDT")
	if !p.TrailingActivated || p.TrailingStop == nil || *p.TrailingStop != 61380 {
		t.Fatalf("trailing state lost on Register: %+v", p)
	}
	if p.Quantity != 0.5 || p.Leverage != 5 {
		t.Fatalf("venue-owned fields not refreshed: %+v", p)
	}
}

func TestRegisterKeepsOwnProtectiveLevels(t *testing.T) {
	c := newTestCalculator()
	c.store.Set(&position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryPrice: 60000,
		Quantity:   1,
		Leverage:   3,
		StopLoss:   position.Float(58000),
	})

	c.Register(&position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryPrice: 60000,
		Quantity:   2,
		Leverage:   3,
		StopLoss:   position.Float(58200),
	})

	p := c.store.Get("BTCUSDT")
	if *p.StopLoss != 58000 {
		t.Fatalf("risk-view stop overwritten by Register: %v", *p.StopLoss)
	}
	if p.Quantity != 2 {
		t.Fatalf("quantity not refreshed: %v", p.Quantity)
	}
}
