package risk

import (
	"log"

	"risk-core/internal/position"
)

// CloseReasonTrailing is the close reason reported when price crosses an
// activated trailing stop.
const CloseReasonTrailing = "trailing_stop"

// TrailingResult reports one step of the trailing-stop state machine.
type TrailingResult struct {
	// Activated is true only on the Inactive -> Active edge.
	Activated bool
	// Advanced is true when the stop moved to a more favorable level.
	Advanced bool
	// StopPrice is the current trailing stop, 0 while inactive.
	StopPrice float64
	// Closed is true when price crossed the stop against the position.
	Closed      bool
	CloseReason string
	// ExitPrice is the stop level the close is booked at.
	ExitPrice float64
}

// UpdateTrailingStop runs one step of the per-symbol trailing state machine:
// Inactive -> Active when leverage-adjusted profit crosses the activation
// threshold, Active self-loop advancing the stop on new favorable extremes
// (never retreating), Active -> Closed when price crosses the stop. Repeated
// calls with the same price are no-ops, so the coordinator can safely call
// it once per cycle without double-advancing.
func (c *Calculator) UpdateTrailingStop(symbol string, price float64) TrailingResult {
	var res TrailingResult
	cfg := c.cfg.Get()
	trailing := cfg.StopLoss.Trailing
	tick := cfg.FilterFor(symbol).TickSize

	ok := c.store.Update(symbol, func(p *position.Position) {
		if !p.TrailingActivated {
			if !trailing.Enabled {
				return
			}
			if p.LeveragedPnLPercent(price) < trailing.ActivationPercent {
				return
			}

			stop := callbackStop(price, p.Side, trailing.CallbackPercent, tick)
			p.TrailingActivated = true
			p.TrailingStop = position.Float(stop)
			p.HighestPrice = price
			p.LowestPrice = price
			// The venue still holds the static stop at this point.
			p.VenueSLUpdated = false

			res.Activated = true
			res.StopPrice = stop
			log.Printf("risk: trailing activated %s %s price=%.4f stop=%.4f", p.Side, symbol, price, stop)
			return
		}

		cur := *p.TrailingStop
		res.StopPrice = cur

		// Advance on a new favorable extreme.
		if p.Side == position.SideLong && price > p.HighestPrice {
			p.HighestPrice = price
			if cand := callbackStop(price, p.Side, trailing.CallbackPercent, tick); shouldAdvance(cur, cand, p.Side, trailing.StepPercent) {
				p.TrailingStop = position.Float(cand)
				p.VenueSLUpdated = false
				res.Advanced = true
				res.StopPrice = cand
				cur = cand
				log.Printf("risk: trailing advanced %s stop=%.4f (high=%.4f)", symbol, cand, price)
			}
		}
		if p.Side == position.SideShort && price < p.LowestPrice {
			p.LowestPrice = price
			if cand := callbackStop(price, p.Side, trailing.CallbackPercent, tick); shouldAdvance(cur, cand, p.Side, trailing.StepPercent) {
				p.TrailingStop = position.Float(cand)
				p.VenueSLUpdated = false
				res.Advanced = true
				res.StopPrice = cand
				cur = cand
				log.Printf("risk: trailing advanced %s stop=%.4f (low=%.4f)", symbol, cand, price)
			}
		}

		// Close when price crosses the stop against the position.
		crossed := (p.Side == position.SideLong && price <= cur) ||
			(p.Side == position.SideShort && price >= cur)
		if crossed {
			res.Closed = true
			res.CloseReason = CloseReasonTrailing
			res.ExitPrice = cur
		}
	})
	if !ok {
		return TrailingResult{}
	}
	return res
}

// callbackStop computes the stop at callbackPercent behind price.
func callbackStop(price float64, side position.Side, callbackPercent, tick float64) float64 {
	stop := price * (1 - callbackPercent/100)
	if side == position.SideShort {
		stop = price * (1 + callbackPercent/100)
	}
	return roundToTick(stop, tick)
}

// shouldAdvance replaces the stop only when the candidate is strictly more
// favorable and, when a step is configured, has moved at least stepPercent
// away from the current level. The step check debounces sub-tick churn; it
// never allows a retreat.
func shouldAdvance(cur, cand float64, side position.Side, stepPercent float64) bool {
	if side == position.SideLong {
		if cand <= cur {
			return false
		}
		return stepPercent <= 0 || (cand-cur)/cur*100 >= stepPercent
	}
	if cand >= cur {
		return false
	}
	return stepPercent <= 0 || (cur-cand)/cur*100 >= stepPercent
}
