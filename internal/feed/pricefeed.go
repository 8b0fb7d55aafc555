// Package feed streams mark prices over the venue websocket so the control
// loop can read fresh prices without spending REST weight every cycle. The
// loop falls back to REST when the cache is stale or the stream is down.
package feed

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"time"

	"risk-core/pkg/cache"

	"github.com/gorilla/websocket"
)

const (
	// Prices older than this are not served; the caller falls back to REST.
	maxAge = 30 * time.Second

	reconnectDelay = 5 * time.Second
	cleanupEvery   = 5 * time.Minute
)

// PriceFeed subscribes to the futures mark-price stream and caches the
// latest price per symbol.
type PriceFeed struct {
	streamURL string
	dialer    *websocket.Dialer
	prices    *cache.PriceCache
}

// NewPriceFeed builds a feed client; testnet toggles the host.
func NewPriceFeed(testnet bool) *PriceFeed {
	host := "fstream.binance.com"
	if testnet {
		host = "stream.binancefuture.com"
	}
	return &PriceFeed{
		streamURL: "wss://" + host + "/ws/!markPrice@arr@1s",
		dialer:    websocket.DefaultDialer,
		prices:    cache.NewPriceCache(),
	}
}

// Price returns the cached mark price for symbol when it is fresh enough.
func (f *PriceFeed) Price(symbol string) (float64, bool) {
	return f.prices.GetFresh(symbol, maxAge)
}

// Run maintains the stream until ctx is done, reconnecting on errors.
func (f *PriceFeed) Run(ctx context.Context) {
	go f.cleanupLoop(ctx)
	for {
		if err := f.stream(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("price feed: stream error, reconnecting: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *PriceFeed) stream(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.streamURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	log.Printf("price feed connected: %s", f.streamURL)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return err
		}
		f.ingest(msg)
	}
}

func (f *PriceFeed) ingest(msg []byte) {
	var ticks []struct {
		Symbol    string `json:"s"`
		MarkPrice string `json:"p"`
	}
	if err := json.Unmarshal(msg, &ticks); err != nil {
		// Non-array control frames are expected occasionally; skip.
		return
	}

	for _, t := range ticks {
		price, err := strconv.ParseFloat(t.MarkPrice, 64)
		if err != nil || price <= 0 {
			continue
		}
		f.prices.Set(t.Symbol, price)
	}
}

// cleanupLoop evicts symbols that stopped streaming (delistings, renames).
func (f *PriceFeed) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := f.prices.Cleanup(10 * maxAge); n > 0 {
				log.Printf("price feed: evicted %d stale symbols", n)
			}
		}
	}
}
