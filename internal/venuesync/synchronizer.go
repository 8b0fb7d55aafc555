// Package venuesync keeps the local position store consistent with venue truth:
// it discovers live positions, seeds protective levels for records the engine
// has never seen, persists the store, and pushes protective orders.
package venuesync

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"risk-core/internal/indicator"
	"risk-core/internal/position"
	"risk-core/internal/risk"
	"risk-core/internal/riskcfg"
	"risk-core/internal/venue"
)

const (
	bootstrapInterval = "1h"
	bootstrapCandles  = 100

	// Levels closer than this are treated as unchanged when deciding
	// whether a push to the venue is needed.
	levelEpsilon = 0.001
)

// RefreshResult summarizes one venue refresh.
type RefreshResult struct {
	Seeded            []string
	Updated           int
	ClosedExternally  []*position.Position
	SymbolsWithErrors []string
}

// ProtectiveOrderResult reports the outcome of one protective-order push.
// Partial failure (one order placed, one failed) is carried explicitly so
// the caller can report it instead of silently swallowing it.
type ProtectiveOrderResult struct {
	Skipped     bool // levels unchanged since the last acknowledged push
	StopID      string
	TakeProfID  string
	StopErr     error
	TakeProfErr error
}

// Err folds the partial outcomes into a single error, nil when both legs
// succeeded (or were not requested).
func (r ProtectiveOrderResult) Err() error {
	switch {
	case r.StopErr != nil && r.TakeProfErr != nil:
		return fmt.Errorf("stop order: %v; take profit order: %v", r.StopErr, r.TakeProfErr)
	case r.StopErr != nil:
		return fmt.Errorf("stop order: %w", r.StopErr)
	case r.TakeProfErr != nil:
		return fmt.Errorf("take profit order: %w", r.TakeProfErr)
	default:
		return nil
	}
}

type pushedLevels struct {
	stop       float64
	hasStop    bool
	takeProfit float64
	hasTP      bool
}

// Synchronizer owns the venue-side position view.
type Synchronizer struct {
	venue venue.Client
	store *position.Store
	calc  *risk.Calculator
	cfg   *riskcfg.Manager

	mu     sync.Mutex
	pushed map[string]pushedLevels
}

// New creates a synchronizer persisting its view to storePath.
func New(v venue.Client, calc *risk.Calculator, cfg *riskcfg.Manager, storePath string) *Synchronizer {
	return &Synchronizer{
		venue:  v,
		store:  position.NewStore(storePath),
		calc:   calc,
		cfg:    cfg,
		pushed: make(map[string]pushedLevels),
	}
}

// Store exposes the venue-side view to the coordinator.
func (s *Synchronizer) Store() *position.Store { return s.store }

// LoadPositions seeds the store from durable storage. Load failures degrade
// to an empty store inside position.Store.
func (s *Synchronizer) LoadPositions() error {
	return s.store.Load()
}

// SavePositions persists the store; failures are logged, in-memory state
// stays authoritative.
func (s *Synchronizer) SavePositions() {
	if err := s.store.Save(); err != nil {
		log.Printf("sync: persist positions failed: %v", err)
	}
}

// RefreshFromVenue fetches all non-zero positions. Unknown symbols are
// seeded with bootstrapped protective levels and registered with the risk
// calculator; known symbols only refresh venue-owned fields, never trailing
// state. Local records the venue no longer reports are removed and returned
// as externally closed.
func (s *Synchronizer) RefreshFromVenue(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult

	live, err := s.venue.ListOpenPositions(ctx)
	if err != nil {
		return res, fmt.Errorf("refresh from venue: %w", err)
	}

	seen := make(map[string]bool, len(live))
	for _, info := range live {
		seen[info.Symbol] = true

		if s.store.Has(info.Symbol) {
			s.store.Update(info.Symbol, func(p *position.Position) {
				p.Quantity = info.Quantity
				p.Leverage = info.Leverage
				if info.EntryPrice > 0 {
					p.EntryPrice = info.EntryPrice
				}
			})
			s.calc.Register(s.store.Get(info.Symbol))
			res.Updated++
			continue
		}

		seeded := s.seedPosition(ctx, info)
		s.store.Set(seeded)
		s.calc.Register(seeded)
		res.Seeded = append(res.Seeded, info.Symbol)
		log.Printf("sync: seeded %s %s from venue entry=%.4f qty=%.6f lev=%d sl=%v tp=%v",
			seeded.Side, seeded.Symbol, seeded.EntryPrice, seeded.Quantity, seeded.Leverage,
			deref(seeded.StopLoss), deref(seeded.TakeProfit))
	}

	// Venue no longer reports these: closed externally.
	for _, symbol := range s.store.Symbols() {
		if seen[symbol] {
			continue
		}
		if p := s.store.Remove(symbol); p != nil {
			s.calc.Remove(symbol)
			s.clearPushed(symbol)
			res.ClosedExternally = append(res.ClosedExternally, p)
			log.Printf("sync: %s closed on venue, removed local record", symbol)
		}
	}

	s.SavePositions()
	return res, nil
}

// seedPosition builds a local record for a venue position the engine has no
// history for, with a best-effort ATR stop from recent candles and a fixed
// percent fallback when history is unavailable.
func (s *Synchronizer) seedPosition(ctx context.Context, info venue.PositionInfo) *position.Position {
	atr := 0.0
	candles, err := s.venue.GetRecentCandles(ctx, info.Symbol, bootstrapInterval, bootstrapCandles)
	if err != nil {
		log.Printf("sync: candle history unavailable for %s, using fixed levels: %v", info.Symbol, err)
	} else if len(candles) > 0 {
		bars := toIndicatorCandles(candles)
		atr = indicator.ATR(bars, s.cfg.Get().Volatility.ATRPeriod)
		s.calc.SetVolatility(info.Symbol, indicator.RealizedVolPercent(bars))
	}

	stop := s.calc.DynamicStopLoss(info.Symbol, info.EntryPrice, info.Side, atr, riskcfg.RegimeUnknown)
	tp := s.calc.DynamicTakeProfit(info.Symbol, info.EntryPrice, info.Side, stop, atr, riskcfg.RegimeUnknown)

	return &position.Position{
		Symbol:     info.Symbol,
		Side:       info.Side,
		EntryPrice: info.EntryPrice,
		Quantity:   info.Quantity,
		Leverage:   info.Leverage,
		StopLoss:   position.Float(stop),
		TakeProfit: position.Float(tp),
		EntryTime:  time.Now(),
	}
}

// PlaceProtectiveOrders cancels existing protective orders for the symbol
// and places the provided stop and/or take-profit. It does not retry; a
// failed leg leaves the position's venue flag false so the next cycle pushes
// again. Pushes with levels unchanged since the last acknowledged push are
// skipped to avoid order churn.
func (s *Synchronizer) PlaceProtectiveOrders(ctx context.Context, symbol string, side position.Side, stopLoss, takeProfit *float64, quantity float64) ProtectiveOrderResult {
	var res ProtectiveOrderResult

	if stopLoss == nil && takeProfit == nil {
		res.Skipped = true
		return res
	}
	if s.unchangedSinceLastPush(symbol, stopLoss, takeProfit) {
		res.Skipped = true
		return res
	}

	if err := s.venue.CancelAllOrders(ctx, symbol); err != nil {
		// Without a clean slate we would risk duplicate protective orders.
		res.StopErr = fmt.Errorf("cancel existing orders: %w", err)
		return res
	}
	s.clearPushed(symbol)

	if stopLoss != nil {
		id, err := s.venue.PlaceStopOrder(ctx, symbol, side, *stopLoss, quantity)
		if err != nil {
			res.StopErr = err
		} else {
			res.StopID = id
		}
	}
	if takeProfit != nil {
		id, err := s.venue.PlaceTakeProfitOrder(ctx, symbol, side, *takeProfit, quantity)
		if err != nil {
			res.TakeProfErr = err
		} else {
			res.TakeProfID = id
		}
	}

	if res.Err() == nil {
		s.recordPushed(symbol, stopLoss, takeProfit)
	}
	return res
}

func (s *Synchronizer) unchangedSinceLastPush(symbol string, stop, tp *float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.pushed[symbol]
	if !ok {
		return false
	}
	if last.hasStop != (stop != nil) || last.hasTP != (tp != nil) {
		return false
	}
	if stop != nil && math.Abs(last.stop-*stop) > levelEpsilon {
		return false
	}
	if tp != nil && math.Abs(last.takeProfit-*tp) > levelEpsilon {
		return false
	}
	return true
}

func (s *Synchronizer) recordPushed(symbol string, stop, tp *float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl := pushedLevels{}
	if stop != nil {
		pl.stop, pl.hasStop = *stop, true
	}
	if tp != nil {
		pl.takeProfit, pl.hasTP = *tp, true
	}
	s.pushed[symbol] = pl
}

func (s *Synchronizer) clearPushed(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pushed, symbol)
}

func toIndicatorCandles(in []venue.Candle) []indicator.Candle {
	out := make([]indicator.Candle, len(in))
	for i, c := range in {
		out[i] = indicator.Candle{Open: c.Open, High: c.High, Low: c.Low, Close: c.Close}
	}
	return out
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
