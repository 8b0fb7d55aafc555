// Package venue defines the exchange contract the engine consumes. The
// engine never talks to an exchange directly; everything goes through this
// interface so tests can substitute fakes and a different venue only needs a
// new adapter.
package venue

import (
	"context"
	"errors"
	"fmt"

	"risk-core/internal/position"
)

// PositionInfo is a live position as reported by the venue.
type PositionInfo struct {
	Symbol        string
	Side          position.Side
	EntryPrice    float64
	Quantity      float64
	Leverage      int
	MarkPrice     float64
	UnrealizedPnL float64
}

// Candle is one OHLCV bar from the venue's kline endpoint.
type Candle struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// Client is the venue API surface the engine depends on.
type Client interface {
	// ListOpenPositions returns every non-zero position on the account.
	ListOpenPositions(ctx context.Context) ([]PositionInfo, error)
	// GetPrices returns the latest mark price per symbol.
	GetPrices(ctx context.Context) (map[string]float64, error)
	// SetLeverage applies leverage for a symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	// CancelAllOrders cancels every open order for a symbol, protective
	// orders included.
	CancelAllOrders(ctx context.Context, symbol string) error
	// PlaceStopOrder places a reduce-only stop-market order and returns the
	// venue order ID.
	PlaceStopOrder(ctx context.Context, symbol string, side position.Side, stopPrice, quantity float64) (string, error)
	// PlaceTakeProfitOrder places a reduce-only take-profit-market order.
	PlaceTakeProfitOrder(ctx context.Context, symbol string, side position.Side, price, quantity float64) (string, error)
	// ClosePosition market-closes the position.
	ClosePosition(ctx context.Context, symbol string, side position.Side, quantity float64) (string, error)
	// GetRecentCandles returns up to limit recent bars for the interval.
	// Used only to bootstrap protective levels for positions discovered
	// without local history.
	GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// Error wraps a venue failure with enough context to decide whether the
// operation is worth retrying next cycle.
type Error struct {
	Op        string
	Symbol    string
	Status    int // HTTP status, 0 for transport failures
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("venue %s %s: %v", e.Op, e.Symbol, e.Err)
	}
	return fmt.Sprintf("venue %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a venue error worth retrying on the
// next cycle (network failures and 5xx/429 responses).
func IsRetryable(err error) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Retryable
	}
	return false
}

// NewError classifies a failure. Transport errors (status 0), 5xx and 429
// are retryable; other 4xx responses are validation failures.
func NewError(op, symbol string, status int, err error) *Error {
	retryable := status == 0 || status >= 500 || status == 429
	return &Error{Op: op, Symbol: symbol, Status: status, Retryable: retryable, Err: err}
}
