// Package reconcile merges the risk calculator's and the venue
// synchronizer's views of every position, resolves divergent stop levels
// into one canonical value, and drives the periodic control loop.
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"risk-core/internal/events"
	"risk-core/internal/monitor"
	"risk-core/internal/position"
	"risk-core/internal/risk"
	"risk-core/internal/riskcfg"
	"risk-core/internal/venue"
	"risk-core/internal/venuesync"
	"risk-core/pkg/db"
)

// Close reasons reported on position removal.
const (
	CloseReasonStopLoss   = "stop_loss"
	CloseReasonTakeProfit = "take_profit"
	CloseReasonVenue      = "venue_closed"
)

// PriceSource supplies cached prices (e.g. a websocket mark-price feed).
// The coordinator falls back to the venue REST endpoint when a symbol is
// missing or stale.
type PriceSource interface {
	Price(symbol string) (float64, bool)
}

// Coordinator owns the control loop. All entry points — the periodic loop
// and the manual CheckNow/SyncNow triggers — serialize on one mutex because
// the position stores are mutated in place.
type Coordinator struct {
	mu sync.Mutex

	venue   venue.Client
	calc    *risk.Calculator
	syncer  *venuesync.Synchronizer
	cfg     *riskcfg.Manager
	integ   riskcfg.IntegrationConfig
	bus     *events.Bus
	audit   *db.Database         // optional
	prices  PriceSource          // optional
	metrics *monitor.LoopMetrics // optional

	// callTimeout bounds each venue call so a hung request cannot stall
	// the loop forever.
	callTimeout time.Duration

	cycles uint64
	// outOfSync counts cycles a symbol's venue orders have disagreed with
	// canonical state; reported after more than one. outOfSyncCycle holds
	// the cycle of the last increment so a full-sync cycle that pushes a
	// failing symbol twice still counts it once.
	outOfSync      map[string]int
	outOfSyncCycle map[string]uint64
	// lossBreached remembers which loss-limit windows were already
	// reported, so a breach notifies once until realized PnL recovers.
	lossBreached map[string]bool
}

// New creates a coordinator. audit and prices may be nil.
func New(v venue.Client, calc *risk.Calculator, syncer *venuesync.Synchronizer, cfg *riskcfg.Manager, integ riskcfg.IntegrationConfig, bus *events.Bus, audit *db.Database, prices PriceSource) *Coordinator {
	return &Coordinator{
		venue:          v,
		calc:           calc,
		syncer:         syncer,
		cfg:            cfg,
		integ:          integ,
		bus:            bus,
		audit:          audit,
		prices:         prices,
		callTimeout:    15 * time.Second,
		outOfSync:      make(map[string]int),
		outOfSyncCycle: make(map[string]uint64),
		lossBreached:   make(map[string]bool),
	}
}

// SetMetrics attaches loop metrics. Call before the loop starts.
func (c *Coordinator) SetMetrics(m *monitor.LoopMetrics) { c.metrics = m }

// SynchronizeStopLoss merges both views for every symbol present in either
// store: symbols only the synchronizer knows are registered with the risk
// calculator, symbols only the calculator knows are mirrored into the
// synchronizer's store, and symbols in both are resolved to one canonical
// stop. Caller must hold c.mu.
func (c *Coordinator) synchronizeStopLoss(ctx context.Context) {
	if !c.integ.SyncStopLoss {
		return
	}

	riskStore := c.calc.Store()
	venueStore := c.syncer.Store()

	symbols := make(map[string]bool)
	for _, s := range riskStore.Symbols() {
		symbols[s] = true
	}
	for _, s := range venueStore.Symbols() {
		symbols[s] = true
	}

	for symbol := range symbols {
		riskView := riskStore.Get(symbol)
		venueView := venueStore.Get(symbol)

		switch {
		case riskView == nil && venueView != nil:
			c.calc.Register(venueView)
			continue
		case riskView != nil && venueView == nil:
			mirror := riskView.Clone()
			mirror.TrailingActivated = false
			mirror.TrailingStop = nil
			mirror.VenueSLUpdated = false
			venueStore.Set(mirror)
			continue
		case riskView == nil && venueView == nil:
			continue
		}

		res := resolveStop(c.integ.OverrideStrategy, riskView, venueView)
		if !res.HasStop {
			continue
		}

		if res.Conflict {
			c.reportConflict(ctx, riskView, res)
			if !c.integ.AutoResolveConflicts {
				continue
			}
		}

		// Write the canonical stop back into both records. An activated
		// trailing stop only ever moves in the favorable direction, so a
		// less favorable canonical lands on the static stop instead (the
		// trailing level keeps guarding through EffectiveStop).
		canonical := res.Canonical
		apply := func(p *position.Position) {
			if p.TrailingActivated && p.TrailingStop != nil {
				if atLeastAsFavorable(p.Side, canonical, *p.TrailingStop) {
					p.TrailingStop = position.Float(canonical)
				} else {
					p.StopLoss = position.Float(canonical)
				}
				return
			}
			p.StopLoss = position.Float(canonical)
		}
		riskStore.Update(symbol, apply)
		venueStore.Update(symbol, func(p *position.Position) {
			had, ok := p.EffectiveStop()
			apply(p)
			now, _ := p.EffectiveStop()
			if !ok || absDiff(had, now) > Epsilon {
				p.VenueSLUpdated = false
			}
		})
	}
}

func (c *Coordinator) reportConflict(ctx context.Context, p *position.Position, res resolution) {
	if c.metrics != nil {
		c.metrics.IncConflicts()
	}
	log.Printf("reconcile: stop-loss conflict %s %s risk=%.4f venue=%.4f resolved=%.4f (%s)",
		p.Side, p.Symbol, res.RiskStop, res.VenueStop, res.Canonical, c.integ.OverrideStrategy)

	if c.integ.NotifyConflicts {
		c.bus.Publish(events.EventConflictDetected, events.Conflict{
			Symbol:    p.Symbol,
			Side:      p.Side,
			RiskStop:  res.RiskStop,
			VenueStop: res.VenueStop,
			Resolved:  res.Canonical,
			Strategy:  string(c.integ.OverrideStrategy),
			AutoFixed: c.integ.AutoResolveConflicts,
		})
	}
	if c.audit != nil {
		err := c.audit.InsertReconciliationEvent(ctx, db.ReconciliationEvent{
			Symbol:       p.Symbol,
			Side:         string(p.Side),
			RiskStop:     res.RiskStop,
			VenueStop:    res.VenueStop,
			ResolvedStop: res.Canonical,
			Strategy:     string(c.integ.OverrideStrategy),
			AutoResolved: c.integ.AutoResolveConflicts,
		})
		if err != nil {
			log.Printf("reconcile: audit write failed: %v", err)
		}
	}
}

// SyncNow forces a full venue resync: refresh, merge, push protective
// orders. Safe to call while the loop runs; it serializes on the
// coordinator mutex.
func (c *Coordinator) SyncNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synchronizeWithVenue(ctx)
}

// synchronizeWithVenue runs a refresh, merges both views, then pushes the
// canonical levels for every open position. Caller must hold c.mu.
func (c *Coordinator) synchronizeWithVenue(ctx context.Context) error {
	refresh, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	c.handleExternalCloses(ctx, refresh.ClosedExternally)

	c.synchronizeStopLoss(ctx)

	for symbol, p := range c.syncer.Store().All() {
		c.pushProtective(ctx, symbol, p)
	}
	c.syncer.SavePositions()
	c.calc.SavePositions()
	return nil
}

// pushProtective pushes the canonical levels for one position and updates
// the venue flag. Per-symbol failures are isolated.
func (c *Coordinator) pushProtective(ctx context.Context, symbol string, p *position.Position) {
	stop, hasStop := p.EffectiveStop()
	var stopPtr, tpPtr *float64
	if hasStop {
		stopPtr = position.Float(stop)
	}
	if p.TakeProfit != nil {
		tpPtr = position.Float(*p.TakeProfit)
	}

	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	res := c.syncer.PlaceProtectiveOrders(cctx, symbol, p.Side, stopPtr, tpPtr, p.Quantity)
	cancel()

	if res.Skipped {
		// Nothing moved since the last acknowledged push.
		c.setVenueFlag(symbol, true)
		return
	}
	if err := res.Err(); err != nil {
		c.countVenueError()
		c.setVenueFlag(symbol, false)
		if venue.IsRetryable(err) {
			// Transport trouble or throttling: retry quietly next cycle,
			// persistent disagreement still escalates via setVenueFlag.
			log.Printf("reconcile: protective orders for %s hit a transient venue error, retrying next cycle: %v", symbol, err)
			return
		}
		log.Printf("reconcile: protective orders for %s failed: %v", symbol, err)
		c.bus.Publish(events.EventProtectiveFailed, events.ProtectiveFailed{Symbol: symbol, Err: err.Error()})
		return
	}
	log.Printf("reconcile: protective orders placed %s sl=%v tp=%v", symbol, fmtPtr(stopPtr), fmtPtr(tpPtr))
	c.setVenueFlag(symbol, true)
}

func (c *Coordinator) setVenueFlag(symbol string, ok bool) {
	c.syncer.Store().Update(symbol, func(p *position.Position) { p.VenueSLUpdated = ok })
	if ok {
		delete(c.outOfSync, symbol)
		delete(c.outOfSyncCycle, symbol)
		return
	}
	if last, seen := c.outOfSyncCycle[symbol]; seen && last == c.cycles {
		return
	}
	c.outOfSyncCycle[symbol] = c.cycles
	c.outOfSync[symbol]++
	// One failed cycle retries quietly; persistent disagreement is reported.
	if c.outOfSync[symbol] == 2 {
		c.bus.Publish(events.EventVenueOutOfSync, events.ProtectiveFailed{
			Symbol: symbol,
			Err:    "venue protective orders out of sync for more than one cycle",
		})
	}
}

// CheckNow runs one full cycle on demand (the operator "check now" path).
func (c *Coordinator) CheckNow(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCycle(ctx, false)
}

// runCycle executes refresh then updateAllPositions; fullSync additionally
// reconciles and re-pushes every symbol. Caller must hold c.mu.
func (c *Coordinator) runCycle(ctx context.Context, fullSync bool) error {
	c.cycles++
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordCycle(time.Since(start))
		}
	}()

	if fullSync {
		if err := c.synchronizeWithVenue(ctx); err != nil {
			c.countVenueError()
			return err
		}
	} else {
		refresh, err := c.refresh(ctx)
		if err != nil {
			c.countVenueError()
			return err
		}
		c.handleExternalCloses(ctx, refresh.ClosedExternally)
		c.synchronizeStopLoss(ctx)
	}

	c.updateAllPositions(ctx)
	c.syncer.SavePositions()
	c.calc.SavePositions()
	return nil
}

func (c *Coordinator) countVenueError() {
	if c.metrics != nil {
		c.metrics.IncVenueErrors()
	}
}

func (c *Coordinator) refresh(ctx context.Context) (venuesync.RefreshResult, error) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	res, err := c.syncer.RefreshFromVenue(cctx)
	for _, sym := range res.Seeded {
		c.bus.Publish(events.EventPositionSeeded, sym)
	}
	return res, err
}

// updateAllPositions is the per-cycle driver: for each open position, fixed
// stop-loss/take-profit checks run first, then the trailing-stop update.
// Any hit closes the position; a trailing activation edge immediately
// re-pushes protective orders. One symbol's failure never aborts the rest.
func (c *Coordinator) updateAllPositions(ctx context.Context) {
	store := c.syncer.Store()
	if store.Len() == 0 {
		return
	}

	prices := c.fetchPrices(ctx)

	for _, symbol := range store.Symbols() {
		p := store.Get(symbol)
		if p == nil {
			continue
		}
		price, ok := c.priceFor(prices, symbol)
		if !ok {
			log.Printf("reconcile: no price for %s this cycle, skipping", symbol)
			continue
		}

		// 1. Fixed stop-loss / take-profit.
		if hit, level, reason := fixedExitHit(p, price); hit {
			c.closePosition(ctx, p, level, reason)
			continue
		}

		// 2. Trailing-stop advancement.
		res := c.calc.UpdateTrailingStop(symbol, price)
		if res.Activated {
			c.onTrailingActivated(ctx, p, price, res)
			continue
		}
		if res.Advanced {
			c.mirrorTrailing(symbol, res.StopPrice)
		}
		if res.Closed {
			c.closePosition(ctx, p, res.ExitPrice, res.CloseReason)
			continue
		}

		// Retry a pending venue push from an earlier failure or advance.
		if cur := store.Get(symbol); cur != nil && !cur.VenueSLUpdated {
			c.pushProtective(ctx, symbol, cur)
		}
	}
}

// onTrailingActivated mirrors the new trailing state into the venue view and
// immediately re-pushes protective orders with the trailing level.
func (c *Coordinator) onTrailingActivated(ctx context.Context, p *position.Position, price float64, res risk.TrailingResult) {
	c.mirrorTrailing(p.Symbol, res.StopPrice)

	c.bus.Publish(events.EventTrailingActivated, events.TrailingActivated{
		Symbol:       p.Symbol,
		Side:         p.Side,
		EntryPrice:   p.EntryPrice,
		CurrentPrice: price,
		TrailingStop: res.StopPrice,
		PnLPercent:   p.LeveragedPnLPercent(price),
	})

	if cur := c.syncer.Store().Get(p.Symbol); cur != nil {
		c.pushProtective(ctx, p.Symbol, cur)
	}
}

func (c *Coordinator) mirrorTrailing(symbol string, stop float64) {
	c.syncer.Store().Update(symbol, func(p *position.Position) {
		p.TrailingActivated = true
		p.TrailingStop = position.Float(stop)
		p.VenueSLUpdated = false
	})
}

// closePosition removes the record from both stores, closes on the venue,
// records the realized result and emits the close notification.
func (c *Coordinator) closePosition(ctx context.Context, p *position.Position, exitPrice float64, reason string) {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	_, err := c.venue.ClosePosition(cctx, p.Symbol, p.Side, p.Quantity)
	cancel()
	if err != nil {
		c.countVenueError()
		// Keep the record; the stop order on the venue is still armed and
		// the next cycle retries the close.
		log.Printf("reconcile: close %s on venue failed, retrying next cycle: %v", p.Symbol, err)
		return
	}

	c.syncer.Store().Remove(p.Symbol)
	c.calc.Remove(p.Symbol)
	delete(c.outOfSync, p.Symbol)
	delete(c.outOfSyncCycle, p.Symbol)
	c.syncer.SavePositions()
	c.calc.SavePositions()

	c.recordClose(ctx, p, exitPrice, reason)
}

// handleExternalCloses books positions the venue reported as gone.
func (c *Coordinator) handleExternalCloses(ctx context.Context, closed []*position.Position) {
	for _, p := range closed {
		exit := p.EntryPrice
		if stop, ok := p.EffectiveStop(); ok {
			exit = stop
		}
		c.recordClose(ctx, p, exit, CloseReasonVenue)
	}
}

func (c *Coordinator) recordClose(ctx context.Context, p *position.Position, exitPrice float64, reason string) {
	if c.metrics != nil {
		c.metrics.IncCloses()
	}
	pnl := p.LeveragedPnLPercent(exitPrice)
	log.Printf("reconcile: closed %s %s entry=%.4f exit=%.4f pnl=%+.2f%% reason=%s",
		p.Side, p.Symbol, p.EntryPrice, exitPrice, pnl, reason)

	c.bus.Publish(events.EventPositionClosed, events.PositionClosed{
		Symbol:     p.Symbol,
		Side:       p.Side,
		EntryPrice: p.EntryPrice,
		ExitPrice:  exitPrice,
		PnLPercent: pnl,
		Reason:     reason,
	})

	if c.audit != nil {
		err := c.audit.InsertClosedPosition(ctx, db.ClosedPosition{
			Symbol:     p.Symbol,
			Side:       string(p.Side),
			EntryPrice: p.EntryPrice,
			ExitPrice:  exitPrice,
			Quantity:   p.Quantity,
			Leverage:   p.Leverage,
			PnLPercent: pnl,
			Reason:     reason,
			OpenedAt:   p.EntryTime,
		})
		if err != nil {
			log.Printf("reconcile: audit write failed: %v", err)
		}
		c.checkLossLimits(ctx)
	}
}

// checkLossLimits compares realized PnL against the configured daily and
// weekly loss limits and reports a breach once per window until realized
// PnL recovers above the limit.
func (c *Coordinator) checkLossLimits(ctx context.Context) {
	limits := c.cfg.Get().RiskLimits
	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	windows := []struct {
		name  string
		since time.Time
		limit float64
	}{
		{"daily", dayStart, limits.MaxDailyLossPercent},
		{"weekly", now.AddDate(0, 0, -7), limits.MaxWeeklyLossPercent},
	}

	for _, w := range windows {
		if w.limit <= 0 {
			continue
		}
		pnl, err := c.audit.RealizedPnLPercentSince(ctx, w.since)
		if err != nil {
			log.Printf("reconcile: %s pnl query failed: %v", w.name, err)
			continue
		}
		breached := pnl <= -w.limit
		if breached && !c.lossBreached[w.name] {
			log.Printf("reconcile: %s loss limit breached: realized=%.2f%% limit=%.2f%%", w.name, pnl, w.limit)
			c.bus.Publish(events.EventLossLimitBreached, events.LossLimitBreached{
				Window:       w.name,
				RealizedPnL:  pnl,
				LimitPercent: w.limit,
			})
		}
		c.lossBreached[w.name] = breached
	}
}

// fixedExitHit checks the static protective levels against price.
func fixedExitHit(p *position.Position, price float64) (bool, float64, string) {
	if p.StopLoss != nil && !p.TrailingActivated {
		sl := *p.StopLoss
		if (p.Side == position.SideLong && price <= sl) ||
			(p.Side == position.SideShort && price >= sl) {
			return true, sl, CloseReasonStopLoss
		}
	}
	if p.TakeProfit != nil {
		tp := *p.TakeProfit
		if (p.Side == position.SideLong && price >= tp) ||
			(p.Side == position.SideShort && price <= tp) {
			return true, tp, CloseReasonTakeProfit
		}
	}
	return false, 0, ""
}

func (c *Coordinator) fetchPrices(ctx context.Context) map[string]float64 {
	cctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	prices, err := c.venue.GetPrices(cctx)
	if err != nil {
		log.Printf("reconcile: price fetch failed, relying on stream cache: %v", err)
		return nil
	}
	return prices
}

func (c *Coordinator) priceFor(rest map[string]float64, symbol string) (float64, bool) {
	if c.prices != nil {
		if p, ok := c.prices.Price(symbol); ok {
			return p, true
		}
	}
	p, ok := rest[symbol]
	return p, ok && p > 0
}

// RunMonitoringService drives the control loop: every interval it runs a
// refresh+update cycle, and every fullSyncEvery cycles a full venue resync.
// It exits cleanly when ctx is cancelled; cancellation is only observed
// between cycles, never mid-cycle.
func (c *Coordinator) RunMonitoringService(ctx context.Context, interval time.Duration, fullSyncEvery int) {
	if fullSyncEvery <= 0 {
		fullSyncEvery = 5
	}
	log.Printf("monitoring service started (interval=%v, full sync every %d cycles)", interval, fullSyncEvery)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("monitoring service stopped")
			return
		case <-ticker.C:
			n++
			full := n%fullSyncEvery == 0

			c.mu.Lock()
			err := c.runCycle(ctx, full)
			c.mu.Unlock()
			if err != nil {
				// Venue trouble: skip this cycle, state reconciles on the next.
				log.Printf("cycle %d failed: %v", n, err)
			}
		}
	}
}

// Status is a read-only snapshot for the operator surface.
type Status struct {
	Cycles    uint64                        `json:"cycles"`
	Positions map[string]*position.Position `json:"positions"`
	OutOfSync []string                      `json:"out_of_sync,omitempty"`
}

// Snapshot returns the current merged view.
func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Cycles:    c.cycles,
		Positions: c.syncer.Store().All(),
	}
	for sym, n := range c.outOfSync {
		if n >= 2 {
			st.OutOfSync = append(st.OutOfSync, sym)
		}
	}
	return st
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func fmtPtr(f *float64) any {
	if f == nil {
		return "none"
	}
	return *f
}
