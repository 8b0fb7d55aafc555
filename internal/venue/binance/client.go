// Package binance adapts the Binance USDT-M futures API to the venue
// contract consumed by the engine.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"risk-core/internal/position"
	"risk-core/internal/venue"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client implements venue.Client against Binance USDT-M futures.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	pacer       *rate.Limiter
	rateLimiter *RateLimiter
}

// NewClient creates a futures client. It fails when credentials are missing
// so startup errors surface before the control loop begins.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("binance futures: API key/secret required")
	}
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Well under the 2400 weight/min account limit; the weight-header
		// limiter handles the tail.
		pacer:       rate.NewLimiter(rate.Limit(10), 20),
		rateLimiter: NewRateLimiter(2400, time.Minute),
	}, nil
}

// ListOpenPositions returns every non-zero position on the account.
func (c *Client) ListOpenPositions(ctx context.Context) ([]venue.PositionInfo, error) {
	params := url.Values{}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, wrap("positions", "", err)
	}

	var raw []positionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, venue.NewError("positions", "", 0, fmt.Errorf("decode: %w", err))
	}

	out := make([]venue.PositionInfo, 0, len(raw))
	for _, p := range raw {
		qty := parseFloat(p.PositionAmt)
		if qty == 0 {
			continue
		}
		side := position.SideLong
		if qty < 0 {
			side = position.SideShort
			qty = -qty
		}
		lev, _ := strconv.Atoi(p.Leverage)
		if lev < 1 {
			lev = 1
		}
		out = append(out, venue.PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			EntryPrice:    parseFloat(p.EntryPrice),
			Quantity:      qty,
			Leverage:      lev,
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		})
	}
	return out, nil
}

// GetPrices returns the latest mark price per symbol.
func (c *Client) GetPrices(ctx context.Context) (map[string]float64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", url.Values{})
	if err != nil {
		return nil, wrap("prices", "", err)
	}

	var raw []struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, venue.NewError("prices", "", 0, fmt.Errorf("decode: %w", err))
	}

	prices := make(map[string]float64, len(raw))
	for _, r := range raw {
		prices[r.Symbol] = parseFloat(r.MarkPrice)
	}
	return prices, nil
}

// SetLeverage applies leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return wrap("set_leverage", symbol, err)
}

// CancelAllOrders cancels all open orders for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params)
	return wrap("cancel_all", symbol, err)
}

// PlaceStopOrder places a reduce-only STOP_MARKET order on the exit side.
func (c *Client) PlaceStopOrder(ctx context.Context, symbol string, side position.Side, stopPrice, quantity float64) (string, error) {
	return c.placeTrigger(ctx, "stop_order", symbol, side, "STOP_MARKET", stopPrice, quantity)
}

// PlaceTakeProfitOrder places a reduce-only TAKE_PROFIT_MARKET order.
func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol string, side position.Side, price, quantity float64) (string, error) {
	return c.placeTrigger(ctx, "take_profit_order", symbol, side, "TAKE_PROFIT_MARKET", price, quantity)
}

func (c *Client) placeTrigger(ctx context.Context, op, symbol string, side position.Side, orderType string, triggerPrice, quantity float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", exitSide(side))
	params.Set("type", orderType)
	params.Set("stopPrice", formatFloat(triggerPrice))
	params.Set("quantity", formatFloat(quantity))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	params.Set("newClientOrderId", clientOrderID())

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", wrap(op, symbol, err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", venue.NewError(op, symbol, 0, fmt.Errorf("decode: %w", err))
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// ClosePosition market-closes the position with a reduce-only order.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side position.Side, quantity float64) (string, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", exitSide(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(quantity))
	params.Set("reduceOnly", "true")
	params.Set("newClientOrderId", clientOrderID())

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return "", wrap("close_position", symbol, err)
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", venue.NewError("close_position", symbol, 0, fmt.Errorf("decode: %w", err))
	}
	return strconv.FormatInt(resp.OrderID, 10), nil
}

// GetRecentCandles returns up to limit recent klines for the interval.
func (c *Client) GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]venue.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, wrap("candles", symbol, err)
	}

	var raw [][]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, venue.NewError("candles", symbol, 0, fmt.Errorf("decode: %w", err))
	}

	candles := make([]venue.Candle, 0, len(raw))
	for _, item := range raw {
		// Binance returns 12 fields per kline.
		if len(item) < 7 {
			continue
		}
		candles = append(candles, venue.Candle{
			OpenTime:  toInt64(item[0]),
			Open:      toFloat(item[1]),
			High:      toFloat(item[2]),
			Low:       toFloat(item[3]),
			Close:     toFloat(item[4]),
			Volume:    toFloat(item[5]),
			CloseTime: toInt64(item[6]),
		})
	}
	return candles, nil
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params, false)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))
	return c.do(ctx, method, path, params, true)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, &httpError{status: 0, err: err}
	}
	// Near the weight cap, hold the request back so the window can reset
	// instead of running into a venue ban.
	if used, limit, pct := c.rateLimiter.Usage(); pct >= 90 {
		log.Printf("binance: weight %d/%d (%.1f%%), holding request for %s", used, limit, pct, path)
		select {
		case <-ctx.Done():
			return nil, &httpError{status: 0, err: ctx.Err()}
		case <-time.After(time.Second):
		}
	}

	endpoint := c.baseURL + path
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, &httpError{status: 0, err: err}
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &httpError{status: 0, err: err}
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return nil, &httpError{
			status: res.StatusCode,
			err:    fmt.Errorf("%s %s status %d: %s", method, path, res.StatusCode, string(body)),
		}
	}
	return body, nil
}

// httpError carries the HTTP status through to venue.Error classification.
type httpError struct {
	status int
	err    error
}

func (e *httpError) Error() string { return e.err.Error() }
func (e *httpError) Unwrap() error { return e.err }

func wrap(op, symbol string, err error) error {
	if err == nil {
		return nil
	}
	var he *httpError
	if errors.As(err, &he) {
		return venue.NewError(op, symbol, he.status, he.err)
	}
	return venue.NewError(op, symbol, 0, err)
}

func exitSide(s position.Side) string {
	if s == position.SideLong {
		return "SELL"
	}
	return "BUY"
}

func clientOrderID() string {
	return "rc-" + uuid.NewString()[:18]
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case string:
		return parseFloat(t)
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	default:
		return 0
	}
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}
