package risk

import (
	"testing"

	"risk-core/internal/position"
	"risk-core/internal/riskcfg"
)

// Default trailing parameters: activation 2.0%, callback 1.0%, step 0.5%.

func openLong(c *Calculator, entry float64, leverage int) {
	c.store.Set(&position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideLong,
		EntryPrice: entry,
		Quantity:   1,
		Leverage:   leverage,
		StopLoss:   position.Float(entry * 0.95),
	})
}

func TestTrailingActivation(t *testing.T) {
	c := newTestCalculator()
	openLong(c, 60000, 1)

	// +1% < 2% activation threshold: nothing happens.
	res := c.UpdateTrailingStop("BTCUSDT", 60600)
	if res.Activated || res.Advanced || res.Closed {
		t.Fatalf("premature transition at +1%%: %+v", res)
	}

	// +3.33% crosses the threshold: stop seeded 1% behind price.
	res = c.UpdateTrailingStop("BTCUSDT", 62000)
	if !res.Activated {
		t.Fatalf("no activation at +3.33%%: %+v", res)
	}
	if !almostEqual(res.StopPrice, 61380) {
		t.Fatalf("activation stop=%v, expected 61380", res.StopPrice)
	}

	p := c.store.Get("BTCUSDT")
	if !p.TrailingActivated || *p.TrailingStop != 61380 || p.HighestPrice != 62000 {
		t.Fatalf("stored trailing state wrong after activation: %+v", p)
	}
	if p.VenueSLUpdated {
		t.Fatal("venue flag not cleared on activation")
	}
}

func TestTrailingActivationUsesLeveragedPnL(t *testing.T) {
	c := newTestCalculator()
	openLong(c, 60000, 3)

	// +0.83% price move is +2.5% on margin at 3x: activates.
	res := c.UpdateTrailingStop("BTCUSDT", 60500)
	if !res.Activated {
		t.Fatalf("leverage-adjusted activation missed: %+v", res)
	}
	if !almostEqual(res.StopPrice, 59895) {
		t.Fatalf("activation stop=%v, expected 59895", res.StopPrice)
	}
}

func TestTrailingAdvanceAndDebounce(t *testing.T) {
	c := newTestCalculator()
	openLong(c, 60000, 1)
	c.UpdateTrailingStop("BTCUSDT", 62000) // activates at 61380

	// A new high whose candidate stop moved less than step_percent is
	// debounced: the stored stop stays put.
	res := c.UpdateTrailingStop("BTCUSDT", 62010)
	if res.Advanced {
		t.Fatalf("sub-step advance not debounced: %+v", res)
	}
	if got := *c.store.Get("BTCUSDT").TrailingStop; !almostEqual(got, 61380) {
		t.Fatalf("stop moved on debounced update: %v", got)
	}

	// A real new high advances the stop to 1% behind it.
	res = c.UpdateTrailingStop("BTCUSDT", 62500)
	if !res.Advanced || !almostEqual(res.StopPrice, 61875) {
		t.Fatalf("advance to 61875 missed: %+v", res)
	}

	// Price retreat never retreats the stop.
	res = c.UpdateTrailingStop("BTCUSDT", 62100)
	if res.Advanced || res.Closed {
		t.Fatalf("retreating price changed state: %+v", res)
	}
	if got := *c.store.Get("BTCUSDT").TrailingStop; !almostEqual(got, 61875) {
		t.Fatalf("stop retreated to %v", got)
	}
}

func TestTrailingIdempotentUnderRepeatedPrice(t *testing.T) {
	c := newTestCalculator()
	openLong(c, 60000, 1)
	c.UpdateTrailingStop("BTCUSDT", 62000)

	for i := 0; i < 5; i++ {
		res := c.UpdateTrailingStop("BTCUSDT", 62000)
		if res.Activated || res.Advanced || res.Closed {
			t.Fatalf("repeated same-price call %d changed state: %+v", i, res)
		}
	}
	if got := *c.store.Get("BTCUSDT").TrailingStop; !almostEqual(got, 61380) {
		t.Fatalf("stop drifted under repeated calls: %v", got)
	}
}

func TestTrailingClose(t *testing.T) {
	c := newTestCalculator()
	openLong(c, 60000, 1)
	c.UpdateTrailingStop("BTCUSDT", 62000) // stop 61380

	// Price crosses the stop: exit is booked at the stop level, not at the
	// crossing price.
	res := c.UpdateTrailingStop("BTCUSDT", 61000)
	if !res.Closed {
		t.Fatalf("cross below stop did not close: %+v", res)
	}
	if res.CloseReason != CloseReasonTrailing {
		t.Fatalf("close reason=%q, expected %q", res.CloseReason, CloseReasonTrailing)
	}
	if !almostEqual(res.ExitPrice, 61380) {
		t.Fatalf("exit price=%v, expected stop level 61380", res.ExitPrice)
	}
}

func TestTrailingShortSide(t *testing.T) {
	c := newTestCalculator()
	c.store.Set(&position.Position{
		Symbol:     "BTCUSDT",
		Side:       position.SideShort,
		EntryPrice: 60000,
		Quantity:   1,
		Leverage:   1,
		StopLoss:   position.Float(63000),
	})

	// -3.33% move in favor activates; stop seeded 1% above price.
	res := c.UpdateTrailingStop("BTCUSDT", 58000)
	if !res.Activated || !almostEqual(res.StopPrice, 58580) {
		t.Fatalf("short activation: %+v", res)
	}

	// New low advances downward.
	res = c.UpdateTrailingStop("BTCUSDT", 57000)
	if !res.Advanced || !almostEqual(res.StopPrice, 57570) {
		t.Fatalf("short advance: %+v", res)
	}

	// Price rising through the stop closes at the stop.
	res = c.UpdateTrailingStop("BTCUSDT", 57800)
	if !res.Closed || !almostEqual(res.ExitPrice, 57570) {
		t.Fatalf("short close: %+v", res)
	}
}

func TestTrailingDisabledNeverActivates(t *testing.T) {
	cfg := riskcfg.DefaultRiskConfig()
	cfg.StopLoss.Trailing.Enabled = false
	c := NewCalculator(riskcfg.NewManager(cfg), "")
	openLong(c, 60000, 1)

	res := c.UpdateTrailingStop("BTCUSDT", 70000)
	if res.Activated || res.Advanced || res.Closed {
		t.Fatalf("disabled trailing changed state: %+v", res)
	}
}

func TestTrailingUnknownSymbolIsNoop(t *testing.T) {
	c := newTestCalculator()
	res := c.UpdateTrailingStop("ETHUSDT", 3000)
	if res.Activated || res.Advanced || res.Closed || res.StopPrice != 0 {
		t.Fatalf("unknown symbol produced state: %+v", res)
	}
}

func TestTrailingZeroStepAdvancesOnAnyFavorableMove(t *testing.T) {
	cfg := riskcfg.DefaultRiskConfig()
	cfg.StopLoss.Trailing.StepPercent = 0
	c := NewCalculator(riskcfg.NewManager(cfg), "")
	openLong(c, 60000, 1)
	c.UpdateTrailingStop("BTCUSDT", 62000)

	res := c.UpdateTrailingStop("BTCUSDT", 62010)
	if !res.Advanced {
		t.Fatalf("zero step did not advance on small favorable move: %+v", res)
	}
	if res.StopPrice <= 61380 {
		t.Fatalf("advance not strictly favorable: %v", res.StopPrice)
	}
}
