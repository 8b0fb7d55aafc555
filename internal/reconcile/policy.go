package reconcile

import (
	"math"

	"risk-core/internal/position"
	"risk-core/internal/riskcfg"
)

// Epsilon is the tolerance under which two stop levels count as equal.
const Epsilon = 0.001

// resolution is the outcome of merging two views of the same position.
type resolution struct {
	Canonical float64
	HasStop   bool
	Conflict  bool
	RiskStop  float64
	VenueStop float64
}

// resolveStop merges the risk calculator's and the synchronizer's view of a
// position into one canonical stop. Candidates are every non-nil stop in
// either view; an activated trailing stop contributes its level through
// EffectiveStop. Divergence beyond Epsilon between the two effective views
// flags a conflict.
func resolveStop(strategy riskcfg.OverrideStrategy, riskView, venueView *position.Position) resolution {
	var res resolution

	riskStop, riskOK := effective(riskView)
	venueStop, venueOK := effective(venueView)
	res.RiskStop, res.VenueStop = riskStop, venueStop

	switch {
	case !riskOK && !venueOK:
		return res
	case riskOK != venueOK:
		res.HasStop = true
		if riskOK {
			res.Canonical = riskStop
		} else {
			res.Canonical = venueStop
		}
		return res
	}

	res.HasStop = true
	res.Conflict = math.Abs(riskStop-venueStop) > Epsilon

	side := sideOf(riskView, venueView)
	switch strategy {
	case riskcfg.TrailingPriority:
		// An activated trailing stop wins outright; when neither view is
		// trailing this falls back to the most protective candidate.
		if t, ok := trailingOf(riskView); ok {
			res.Canonical = t
			return res
		}
		if t, ok := trailingOf(venueView); ok {
			res.Canonical = t
			return res
		}
		res.Canonical = mostProtective(side, riskStop, venueStop)
	case riskcfg.FixedPriority:
		// The risk calculator's static stop wins when it has one.
		if riskView != nil && riskView.StopLoss != nil {
			res.Canonical = *riskView.StopLoss
			return res
		}
		res.Canonical = venueStop
	default: // most_protective
		res.Canonical = mostProtective(side, riskStop, venueStop)
	}
	return res
}

// mostProtective picks the stop closest to price on the adverse side: the
// higher stop for LONG, the lower for SHORT.
func mostProtective(side position.Side, candidates ...float64) float64 {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if side == position.SideLong && c > best {
			best = c
		}
		if side == position.SideShort && c < best {
			best = c
		}
	}
	return best
}

// atLeastAsFavorable reports whether candidate protects at least as much
// as current: not lower for LONG, not higher for SHORT.
func atLeastAsFavorable(side position.Side, candidate, current float64) bool {
	if side == position.SideShort {
		return candidate <= current
	}
	return candidate >= current
}

func effective(p *position.Position) (float64, bool) {
	if p == nil {
		return 0, false
	}
	return p.EffectiveStop()
}

func trailingOf(p *position.Position) (float64, bool) {
	if p == nil || !p.TrailingActivated || p.TrailingStop == nil {
		return 0, false
	}
	return *p.TrailingStop, true
}

func sideOf(views ...*position.Position) position.Side {
	for _, v := range views {
		if v != nil {
			return v.Side
		}
	}
	return position.SideLong
}
