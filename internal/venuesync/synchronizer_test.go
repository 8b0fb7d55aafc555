package venuesync

import (
	"context"
	"errors"
	"testing"

	"risk-core/internal/position"
	"risk-core/internal/risk"
	"risk-core/internal/riskcfg"
	"risk-core/internal/venue"
)

type stubVenue struct {
	positions  []venue.PositionInfo
	candles    []venue.Candle
	candlesErr error

	cancelCalls int
	stopCalls   []float64
	tpCalls     []float64
	stopErr     error
	tpErr       error
	cancelErr   error
}

func (s *stubVenue) ListOpenPositions(ctx context.Context) ([]venue.PositionInfo, error) {
	return s.positions, nil
}
func (s *stubVenue) GetPrices(ctx context.Context) (map[string]float64, error) { return nil, nil }
func (s *stubVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}
func (s *stubVenue) CancelAllOrders(ctx context.Context, symbol string) error {
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.cancelCalls++
	return nil
}
func (s *stubVenue) PlaceStopOrder(ctx context.Context, symbol string, side position.Side, stopPrice, quantity float64) (string, error) {
	if s.stopErr != nil {
		return "", s.stopErr
	}
	s.stopCalls = append(s.stopCalls, stopPrice)
	return "stop-1", nil
}
func (s *stubVenue) PlaceTakeProfitOrder(ctx context.Context, symbol string, side position.Side, price, quantity float64) (string, error) {
	if s.tpErr != nil {
		return "", s.tpErr
	}
	s.tpCalls = append(s.tpCalls, price)
	return "tp-1", nil
}
func (s *stubVenue) ClosePosition(ctx context.Context, symbol string, side position.Side, quantity float64) (string, error) {
	return "close-1", nil
}
func (s *stubVenue) GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	return s.candles, s.candlesErr
}

func newTestSynchronizer(sv *stubVenue) (*Synchronizer, *risk.Calculator) {
	mgr := riskcfg.NewManager(riskcfg.DefaultRiskConfig())
	calc := risk.NewCalculator(mgr, "")
	return New(sv, calc, mgr, ""), calc
}

func TestRefreshSeedsUnknownPositionWithFallbackLevels(t *testing.T) {
	sv := &stubVenue{
		positions: []venue.PositionInfo{
			{Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60000, Quantity: 0.5, Leverage: 3},
		},
		candlesErr: errors.New("klines unavailable"),
	}
	s, calc := newTestSynchronizer(sv)

	res, err := s.RefreshFromVenue(context.Background())
	if err != nil {
		t.Fatalf("RefreshFromVenue returned error: %v", err)
	}
	if len(res.Seeded) != 1 || res.Seeded[0] != "BTCUSDT" {
		t.Fatalf("Seeded=%v, expected [BTCUSDT]", res.Seeded)
	}

	p := s.Store().Get("BTCUSDT")
	if p == nil {
		t.Fatal("seeded position missing from store")
	}
	// Without candle history the stop is the fixed 5% default and the take
	// profit 10% (2:1 on the stop distance).
	if *p.StopLoss != 57000 {
		t.Fatalf("seeded stop=%v, expected 57000", *p.StopLoss)
	}
	if *p.TakeProfit != 66000 {
		t.Fatalf("seeded take profit=%v, expected 66000", *p.TakeProfit)
	}
	if p.TrailingActivated {
		t.Fatal("seeded position must start with trailing inactive")
	}
	if calc.Store().Get("BTCUSDT") == nil {
		t.Fatal("seeded position not registered with the risk calculator")
	}
}

func TestRefreshSeedsShortWithMirroredLevels(t *testing.T) {
	sv := &stubVenue{
		positions: []venue.PositionInfo{
			{Symbol: "ETHUSDT", Side: position.SideShort, EntryPrice: 3000, Quantity: 2, Leverage: 5},
		},
		candlesErr: errors.New("klines unavailable"),
	}
	s, _ := newTestSynchronizer(sv)

	if _, err := s.RefreshFromVenue(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.Store().Get("ETHUSDT")
	if *p.StopLoss != 3150 {
		t.Fatalf("short seeded stop=%v, expected 3150", *p.StopLoss)
	}
	if *p.TakeProfit != 2700 {
		t.Fatalf("short seeded take profit=%v, expected 2700", *p.TakeProfit)
	}
}

func TestRefreshSeedsWithATRWhenHistoryAvailable(t *testing.T) {
	// Constant 600-range bars: ATR 600, stop 2xATR below entry.
	candles := make([]venue.Candle, 30)
	for i := range candles {
		candles[i] = venue.Candle{Open: 60000, High: 60300, Low: 59700, Close: 60000}
	}
	sv := &stubVenue{
		positions: []venue.PositionInfo{
			{Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60000, Quantity: 0.5, Leverage: 3},
		},
		candles: candles,
	}
	s, _ := newTestSynchronizer(sv)

	if _, err := s.RefreshFromVenue(context.Background()); err != nil {
		t.Fatal(err)
	}
	p := s.Store().Get("BTCUSDT")
	if *p.StopLoss != 58800 {
		t.Fatalf("atr seeded stop=%v, expected 58800", *p.StopLoss)
	}
}

func TestRefreshUpdatesKnownPositionWithoutTouchingLevels(t *testing.T) {
	sv := &stubVenue{
		positions: []venue.PositionInfo{
			{Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60100, Quantity: 0.8, Leverage: 4},
		},
	}
	s, _ := newTestSynchronizer(sv)
	s.Store().Set(&position.Position{
		Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60000, Quantity: 0.5, Leverage: 3,
		StopLoss:          position.Float(58000),
		TrailingActivated: true,
		TrailingStop:      position.Float(61380),
	})

	res, err := s.RefreshFromVenue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || len(res.Seeded) != 0 {
		t.Fatalf("Updated=%d Seeded=%v, expected known-position path", res.Updated, res.Seeded)
	}

	p := s.Store().Get("BTCUSDT")
	if p.Quantity != 0.8 || p.Leverage != 4 || p.EntryPrice != 60100 {
		t.Fatalf("venue-owned fields not refreshed: %+v", p)
	}
	if !p.TrailingActivated || *p.TrailingStop != 61380 || *p.StopLoss != 58000 {
		t.Fatalf("protective levels touched by refresh: %+v", p)
	}
}

func TestRefreshRemovesExternallyClosed(t *testing.T) {
	sv := &stubVenue{}
	s, calc := newTestSynchronizer(sv)
	s.Store().Set(&position.Position{Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60000, Quantity: 1})
	calc.Store().Set(&position.Position{Symbol: "BTCUSDT", Side: position.SideLong, EntryPrice: 60000, Quantity: 1})

	res, err := s.RefreshFromVenue(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ClosedExternally) != 1 || res.ClosedExternally[0].Symbol != "BTCUSDT" {
		t.Fatalf("ClosedExternally=%v", res.ClosedExternally)
	}
	if s.Store().Has("BTCUSDT") || calc.Store().Has("BTCUSDT") {
		t.Fatal("externally closed position still in a store")
	}
}

func TestPlaceProtectiveOrdersDebounce(t *testing.T) {
	sv := &stubVenue{}
	s, _ := newTestSynchronizer(sv)

	stop, tp := position.Float(57000), position.Float(66000)
	res := s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong, stop, tp, 1)
	if res.Err() != nil || res.Skipped {
		t.Fatalf("first push: %+v", res)
	}
	if sv.cancelCalls != 1 || len(sv.stopCalls) != 1 || len(sv.tpCalls) != 1 {
		t.Fatalf("first push calls: cancel=%d stop=%v tp=%v", sv.cancelCalls, sv.stopCalls, sv.tpCalls)
	}

	// Identical levels: skipped, no venue churn.
	res = s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong, stop, tp, 1)
	if !res.Skipped {
		t.Fatalf("unchanged push not skipped: %+v", res)
	}
	if sv.cancelCalls != 1 {
		t.Fatalf("cancel called again on unchanged push: %d", sv.cancelCalls)
	}

	// A moved stop goes through.
	res = s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong, position.Float(58000), tp, 1)
	if res.Skipped || res.Err() != nil {
		t.Fatalf("moved-stop push: %+v", res)
	}
	if sv.cancelCalls != 2 || len(sv.stopCalls) != 2 {
		t.Fatalf("moved-stop push calls: cancel=%d stop=%v", sv.cancelCalls, sv.stopCalls)
	}
}

func TestPlaceProtectiveOrdersPartialFailure(t *testing.T) {
	sv := &stubVenue{tpErr: errors.New("tp rejected")}
	s, _ := newTestSynchronizer(sv)

	res := s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong,
		position.Float(57000), position.Float(66000), 1)
	if res.StopErr != nil {
		t.Fatalf("stop leg failed unexpectedly: %v", res.StopErr)
	}
	if res.TakeProfErr == nil {
		t.Fatal("take-profit failure swallowed")
	}
	if res.Err() == nil {
		t.Fatal("partial failure folded to nil error")
	}
	if res.StopID == "" {
		t.Fatal("successful stop leg lost its order ID")
	}

	// The failed push is not recorded, so the retry is not debounced.
	sv.tpErr = nil
	res = s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong,
		position.Float(57000), position.Float(66000), 1)
	if res.Skipped {
		t.Fatal("retry after partial failure was debounced")
	}
	if res.Err() != nil {
		t.Fatalf("retry failed: %v", res.Err())
	}
}

func TestPlaceProtectiveOrdersCancelFailureAborts(t *testing.T) {
	sv := &stubVenue{cancelErr: errors.New("cancel down")}
	s, _ := newTestSynchronizer(sv)

	res := s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong,
		position.Float(57000), nil, 1)
	if res.Err() == nil {
		t.Fatal("cancel failure not reported")
	}
	if len(sv.stopCalls) != 0 {
		t.Fatal("orders placed despite failed cancel")
	}
}

func TestPlaceProtectiveOrdersNothingToPush(t *testing.T) {
	sv := &stubVenue{}
	s, _ := newTestSynchronizer(sv)

	res := s.PlaceProtectiveOrders(context.Background(), "BTCUSDT", position.SideLong, nil, nil, 1)
	if !res.Skipped || res.Err() != nil {
		t.Fatalf("no-level push: %+v", res)
	}
	if sv.cancelCalls != 0 {
		t.Fatal("cancel called with nothing to push")
	}
}
