package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClosedPosition is one realized close in the audit trail.
type ClosedPosition struct {
	ID         int64
	Symbol     string
	Side       string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	Leverage   int
	PnLPercent float64
	Reason     string
	OpenedAt   time.Time
	ClosedAt   time.Time
}

// ReconciliationEvent records one resolved stop-loss conflict.
type ReconciliationEvent struct {
	ID           int64
	Symbol       string
	Side         string
	RiskStop     float64
	VenueStop    float64
	ResolvedStop float64
	Strategy     string
	AutoResolved bool
	CreatedAt    time.Time
}

// InsertClosedPosition appends a realized close.
func (d *Database) InsertClosedPosition(ctx context.Context, p ClosedPosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO closed_positions (symbol, side, entry_price, exit_price, quantity, leverage, pnl_percent, reason, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Symbol, p.Side, p.EntryPrice, p.ExitPrice, p.Quantity, p.Leverage, p.PnLPercent, p.Reason, p.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert closed position: %w", err)
	}
	return nil
}

// ListClosedPositions returns the most recent closes, newest first.
func (d *Database) ListClosedPositions(ctx context.Context, limit int) ([]ClosedPosition, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, entry_price, exit_price, quantity, leverage, pnl_percent, reason,
		       opened_at, closed_at
		FROM closed_positions
		ORDER BY closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed positions: %w", err)
	}
	defer rows.Close()

	var out []ClosedPosition
	for rows.Next() {
		var p ClosedPosition
		var opened sql.NullTime
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.ExitPrice, &p.Quantity,
			&p.Leverage, &p.PnLPercent, &p.Reason, &opened, &p.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan closed position: %w", err)
		}
		if opened.Valid {
			p.OpenedAt = opened.Time
		} else {
			p.OpenedAt = p.ClosedAt
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RealizedPnLPercentSince sums pnl_percent over closes at or after t. Backs
// the daily and weekly loss-limit checks.
func (d *Database) RealizedPnLPercentSince(ctx context.Context, t time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := d.DB.QueryRowContext(ctx, `
		SELECT SUM(pnl_percent) FROM closed_positions WHERE closed_at >= ?
	`, t).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum realized pnl: %w", err)
	}
	return sum.Float64, nil
}

// InsertReconciliationEvent appends a resolved conflict to the audit trail.
func (d *Database) InsertReconciliationEvent(ctx context.Context, e ReconciliationEvent) error {
	auto := 0
	if e.AutoResolved {
		auto = 1
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO reconciliation_events (symbol, side, risk_stop, venue_stop, resolved_stop, strategy, auto_resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Symbol, e.Side, e.RiskStop, e.VenueStop, e.ResolvedStop, e.Strategy, auto)
	if err != nil {
		return fmt.Errorf("insert reconciliation event: %w", err)
	}
	return nil
}

// ListReconciliationEvents returns recent conflicts, newest first.
func (d *Database) ListReconciliationEvents(ctx context.Context, limit int) ([]ReconciliationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, risk_stop, venue_stop, resolved_stop, strategy, auto_resolved, created_at
		FROM reconciliation_events
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation events: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationEvent
	for rows.Next() {
		var e ReconciliationEvent
		var auto int
		if err := rows.Scan(&e.ID, &e.Symbol, &e.Side, &e.RiskStop, &e.VenueStop, &e.ResolvedStop,
			&e.Strategy, &auto, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation event: %w", err)
		}
		e.AutoResolved = auto == 1
		out = append(out, e)
	}
	return out, rows.Err()
}
