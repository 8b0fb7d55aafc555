// Package risk computes protective levels, adaptive leverage and position
// sizing, and owns the trailing-stop state machine. All level math is pure
// per call; the only state is the calculator's own view of open positions
// and a per-symbol volatility cache.
package risk

import (
	"fmt"
	"log"
	"math"
	"sync"

	"risk-core/internal/position"
	"risk-core/internal/riskcfg"
)

// Fail-closed protective distances used when every other input is missing.
const (
	failClosedStopPercent   = 5.0
	failClosedProfitPercent = 10.0
	minStopDistancePercent  = 0.5
)

// Calculator is the risk-side owner of position state.
type Calculator struct {
	cfg   *riskcfg.Manager
	store *position.Store

	mu  sync.RWMutex
	vol map[string]float64 // realized volatility percent per symbol
}

// NewCalculator creates a calculator with its own position view. An empty
// storePath keeps the view memory-only.
func NewCalculator(cfg *riskcfg.Manager, storePath string) *Calculator {
	return &Calculator{
		cfg:   cfg,
		store: position.NewStore(storePath),
		vol:   make(map[string]float64),
	}
}

// Store exposes the calculator's position view to the coordinator.
func (c *Calculator) Store() *position.Store { return c.store }

// LoadPositions seeds the risk view from durable storage.
func (c *Calculator) LoadPositions() error {
	return c.store.Load()
}

// SavePositions persists the risk view; failures are logged, in-memory
// state stays authoritative.
func (c *Calculator) SavePositions() {
	if err := c.store.Save(); err != nil {
		log.Printf("risk: failed to persist positions: %v", err)
	}
}

// SetVolatility records the latest realized volatility percent for a symbol.
// Fed by the synchronizer's seeding path from recent candles.
func (c *Calculator) SetVolatility(symbol string, volPercent float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vol[symbol] = volPercent
}

func (c *Calculator) volatility(symbol string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.vol[symbol]
}

// DynamicStopLoss computes the protective stop for an entry. The distance is
// 2 x ATR scaled by the regime stop factor; without ATR it falls back to the
// configured default percent. The distance never shrinks below 0.5% of the
// entry, and the result is rounded to the symbol's tick. On unusable inputs
// it fails closed to a 5% stop.
func (c *Calculator) DynamicStopLoss(symbol string, entry float64, side position.Side, atr float64, regime riskcfg.Regime) float64 {
	cfg := c.cfg.Get()
	factors := cfg.FactorsFor(regime)

	var dist float64
	if atr > 0 {
		dist = 2 * atr * factors.StopLossFactor
	} else if cfg.StopLoss.DefaultPercent > 0 {
		dist = entry * cfg.StopLoss.DefaultPercent / 100
	}
	if dist <= 0 || math.IsNaN(dist) || math.IsInf(dist, 0) {
		dist = entry * failClosedStopPercent / 100
	}

	if min := entry * minStopDistancePercent / 100; dist < min {
		dist = min
	}

	stop := entry - dist
	if side == position.SideShort {
		stop = entry + dist
	}
	return roundToTick(stop, cfg.FilterFor(symbol).TickSize)
}

// DynamicTakeProfit derives the target from the stop distance and the
// configured risk:reward ratio, scaled by the regime factor. When ATR-based
// dynamic targets are enabled the tighter of the two candidates wins.
func (c *Calculator) DynamicTakeProfit(symbol string, entry float64, side position.Side, stopLoss, atr float64, regime riskcfg.Regime) float64 {
	cfg := c.cfg.Get()
	factors := cfg.FactorsFor(regime)

	stopDist := math.Abs(entry - stopLoss)
	if stopDist <= 0 || math.IsNaN(stopDist) {
		stopDist = entry * failClosedProfitPercent / 100 / cfg.TakeProfit.RiskRewardRatio
	}

	targetDist := stopDist * cfg.TakeProfit.RiskRewardRatio * factors.TakeProfitFactor

	tp := entry + targetDist
	if side == position.SideShort {
		tp = entry - targetDist
	}

	if cfg.TakeProfit.Dynamic.Enabled && atr > 0 {
		atrTarget := entry + atr*cfg.TakeProfit.Dynamic.RatioToATR
		if side == position.SideShort {
			atrTarget = entry - atr*cfg.TakeProfit.Dynamic.RatioToATR
		}
		// Tighter target: lower for LONG, higher for SHORT.
		if side == position.SideLong && atrTarget < tp {
			tp = atrTarget
		}
		if side == position.SideShort && atrTarget > tp {
			tp = atrTarget
		}
	}

	return roundToTick(tp, cfg.FilterFor(symbol).TickSize)
}

// AdaptiveLeverage starts from the symbol's configured cap, narrows by the
// current volatility bucket, scales by the regime leverage factor and clamps
// to [1, 20].
func (c *Calculator) AdaptiveLeverage(symbol string, regime riskcfg.Regime) int {
	cfg := c.cfg.Get()

	lev := cfg.LeverageFor(symbol)
	bucket := cfg.BucketFor(c.volatility(symbol))
	if bl := cfg.BucketLeverage(bucket); bl >= 1 && bl < lev {
		lev = bl
	}

	scaled := int(math.Floor(float64(lev) * cfg.FactorsFor(regime).LeverageFactor))
	if scaled < 1 {
		scaled = 1
	}
	if scaled > 20 {
		scaled = 20
	}
	return scaled
}

// SizeResult is the output of PositionSize.
type SizeResult struct {
	Quantity       float64
	MarginRequired float64
	RiskAmount     float64
}

// PositionSize sizes a trade so that a stop-out loses at most
// riskPercent of the account balance, capped by the per-trade capital limit.
func (c *Calculator) PositionSize(symbol string, entry, stopLoss, balance, riskPercent float64, leverage int) (SizeResult, error) {
	if entry <= 0 || balance <= 0 || riskPercent <= 0 {
		return SizeResult{}, fmt.Errorf("position size: invalid inputs entry=%v balance=%v risk=%v", entry, balance, riskPercent)
	}
	if leverage < 1 {
		leverage = 1
	}

	stopDistPct := math.Abs(entry-stopLoss) / entry * 100
	if stopDistPct <= 0 {
		return SizeResult{}, fmt.Errorf("position size: stop %v equals entry %v", stopLoss, entry)
	}

	cfg := c.cfg.Get()

	riskAmount := balance * riskPercent / 100
	margin := riskAmount / (stopDistPct / 100)

	if cap := balance * cfg.PositionSizing.MaxCapitalPerTradePercent / 100; margin > cap {
		margin = cap
		riskAmount = margin * stopDistPct / 100
	}

	qty := margin * float64(leverage) / entry
	qty = floorToStep(qty, cfg.FilterFor(symbol).LotStep)
	if qty <= 0 {
		return SizeResult{}, fmt.Errorf("position size: quantity rounds to zero for %s", symbol)
	}

	// Report the risk actually taken after lot-step rounding.
	riskAmount = qty * entry / float64(leverage) * stopDistPct / 100

	return SizeResult{
		Quantity:       qty,
		MarginRequired: qty * entry / float64(leverage),
		RiskAmount:     riskAmount,
	}, nil
}

// Register makes the calculator track a position discovered elsewhere
// (typically by the venue synchronizer). When the calculator already has a
// record only the venue-owned fields refresh; its own protective levels and
// trailing state are never overwritten here, reconciliation owns that.
func (c *Calculator) Register(p *position.Position) {
	if p == nil {
		return
	}
	if c.store.Has(p.Symbol) {
		c.store.Update(p.Symbol, func(cur *position.Position) {
			cur.Quantity = p.Quantity
			cur.Leverage = p.Leverage
			if p.EntryPrice > 0 {
				cur.EntryPrice = p.EntryPrice
			}
		})
		return
	}
	c.store.Set(p)
}

// Remove drops the calculator's record for symbol.
func (c *Calculator) Remove(symbol string) {
	c.store.Remove(symbol)
}

func roundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	return math.Round(price/tick) * tick
}

func floorToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	return math.Floor(qty/step) * step
}
