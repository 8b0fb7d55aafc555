package position

import "time"

// Side denotes position direction.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing direction for the side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Position is the per-symbol record tracked by both the risk calculator and
// the venue synchronizer. At most one open position exists per symbol; a
// closed position is removed from the store, not archived here.
type Position struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	Quantity   float64 `json:"quantity"`
	Leverage   int     `json:"leverage"`

	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`

	TrailingActivated bool     `json:"trailing_activated"`
	TrailingStop      *float64 `json:"trailing_stop,omitempty"`
	HighestPrice      float64  `json:"highest_price,omitempty"`
	LowestPrice       float64  `json:"lowest_price,omitempty"`

	EntryTime   time.Time `json:"entry_time"`
	LastUpdated time.Time `json:"last_updated"`

	// VenueSLUpdated reports whether the venue currently reflects the
	// canonical stop. Persisted as binance_sl_updated for store
	// compatibility with earlier deployments.
	VenueSLUpdated bool `json:"binance_sl_updated"`
}

// EffectiveStop returns the stop the venue should enforce: the trailing stop
// once activated, otherwise the static stop loss. Second return is false when
// no stop is known at all.
func (p *Position) EffectiveStop() (float64, bool) {
	if p.TrailingActivated && p.TrailingStop != nil {
		return *p.TrailingStop, true
	}
	if p.StopLoss != nil {
		return *p.StopLoss, true
	}
	return 0, false
}

// PnLPercent returns the unleveraged unrealized profit percentage at price.
func (p *Position) PnLPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) / p.EntryPrice * 100
	}
	return (p.EntryPrice - price) / p.EntryPrice * 100
}

// LeveragedPnLPercent returns the margin-relative profit percentage.
func (p *Position) LeveragedPnLPercent(price float64) float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.PnLPercent(price) * float64(lev)
}

// Clone returns a deep copy so callers can mutate without aliasing the store.
func (p *Position) Clone() *Position {
	cp := *p
	cp.StopLoss = copyFloat(p.StopLoss)
	cp.TakeProfit = copyFloat(p.TakeProfit)
	cp.TrailingStop = copyFloat(p.TrailingStop)
	return &cp
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// Float returns a pointer to v, for the nullable price fields.
func Float(v float64) *float64 { return &v }
