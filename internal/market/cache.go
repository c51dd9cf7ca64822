// Package market provides a TTL cache in front of the exchange REST API,
// fed opportunistically by the push stream.
package market

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
)

// TickerFeed is the push-stream surface the cache needs for live ticker
// updates. Satisfied by *bingx.Stream.
type TickerFeed interface {
	SubscribeTicker(symbol string)
	UnsubscribeTicker(symbol string)
}

type tickerEntry struct {
	ticker     bingx.Ticker
	lastUpdate time.Time
}

type klineEntry struct {
	klines     []bingx.Kline
	lastUpdate time.Time
}

// CacheStats is the observable cache state.
type CacheStats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRate       float64 `json:"hitRate"`
	TickerEntries int     `json:"tickerEntries"`
	KlineEntries  int     `json:"klineEntries"`
	Evictions     int64   `json:"evictions"`
}

// Cache caches tickers and klines with independent TTLs. Entries whose age
// is strictly below the TTL are served from memory; everything else falls
// through to the REST client. Ticker misses also subscribe the symbol on the
// push stream so later reads are fed live.
type Cache struct {
	client bingx.Exchange
	feed   TickerFeed
	bus    *events.Bus
	cfg    config.CacheConfig
	log    zerolog.Logger

	mu      sync.RWMutex
	tickers map[string]*tickerEntry
	klines  map[string]*klineEntry

	hits      int64
	misses    int64
	evictions int64

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewCache creates a market-data cache. feed and bus may be nil (REST-only
// operation, no change events).
func NewCache(client bingx.Exchange, feed TickerFeed, bus *events.Bus, cfg config.CacheConfig, logger zerolog.Logger) *Cache {
	if cfg.TickerTTLMs <= 0 {
		cfg.TickerTTLMs = 5_000
	}
	if cfg.KlineTTLMs <= 0 {
		cfg.KlineTTLMs = 30_000
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = 500
	}
	if cfg.PriceChangeThreshold <= 0 {
		cfg.PriceChangeThreshold = 0.1
	}
	return &Cache{
		client:   client,
		feed:     feed,
		bus:      bus,
		cfg:      cfg,
		log:      logger.With().Str("component", "market_cache").Logger(),
		tickers:  make(map[string]*tickerEntry),
		klines:   make(map[string]*klineEntry),
		stopChan: make(chan struct{}),
	}
}

// Start launches the stale-entry sweeper.
func (c *Cache) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.sweepLoop()
}

// Stop halts the sweeper. Cached data stays readable.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	c.mu.Unlock()
	c.wg.Wait()
}

// GetTicker returns the symbol's ticker, from cache when useCache is set and
// the entry is fresh. A miss fetches via REST and subscribes the symbol on
// the push stream.
func (c *Cache) GetTicker(ctx context.Context, symbol string, useCache bool) (*bingx.Ticker, error) {
	if useCache {
		c.mu.RLock()
		entry, ok := c.tickers[symbol]
		c.mu.RUnlock()
		if ok && time.Since(entry.lastUpdate) < c.cfg.TickerTTL() {
			c.hit()
			t := entry.ticker
			return &t, nil
		}
	}
	c.miss()

	ticker, err := c.client.GetTicker(ctx, symbol, bingx.PriorityNormal)
	if err != nil {
		return nil, err
	}
	c.UpdateTicker(*ticker)
	if c.feed != nil {
		c.feed.SubscribeTicker(symbol)
	}
	return ticker, nil
}

// GetKlines returns candles for (symbol, interval, limit), cached under that
// exact triple.
func (c *Cache) GetKlines(ctx context.Context, symbol, interval string, limit int, useCache bool) ([]bingx.Kline, error) {
	key := symbol + "|" + interval + "|" + strconv.Itoa(limit)
	if useCache {
		c.mu.RLock()
		entry, ok := c.klines[key]
		c.mu.RUnlock()
		if ok && time.Since(entry.lastUpdate) < c.cfg.KlineTTL() {
			c.hit()
			out := make([]bingx.Kline, len(entry.klines))
			copy(out, entry.klines)
			return out, nil
		}
	}
	c.miss()

	klines, err := c.client.GetKlines(ctx, symbol, interval, limit, bingx.PriorityNormal)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.klines[key] = &klineEntry{klines: klines, lastUpdate: time.Now()}
	c.evictLocked()
	c.mu.Unlock()

	out := make([]bingx.Kline, len(klines))
	copy(out, klines)
	return out, nil
}

// UpdateTicker writes a ticker into the cache. Called on REST fetches and by
// the push-stream handler. Emits a significant-price-change event when the
// move from the previous cached price crosses the configured threshold.
func (c *Cache) UpdateTicker(ticker bingx.Ticker) {
	now := time.Now()

	c.mu.Lock()
	var oldPrice float64
	if prev, ok := c.tickers[ticker.Symbol]; ok {
		oldPrice = prev.ticker.LastPrice
	}
	c.tickers[ticker.Symbol] = &tickerEntry{ticker: ticker, lastUpdate: now}
	c.evictLocked()
	c.mu.Unlock()

	if c.bus == nil || oldPrice <= 0 {
		return
	}
	changePct := math.Abs(ticker.LastPrice-oldPrice) / oldPrice * 100
	if changePct >= c.cfg.PriceChangeThreshold {
		c.bus.PublishSignificantPriceChange(ticker.Symbol, oldPrice, ticker.LastPrice, changePct)
	}
}

// CurrentPrice returns the freshest cached price for the symbol, if any.
func (c *Cache) CurrentPrice(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tickers[symbol]
	if !ok || time.Since(entry.lastUpdate) >= c.cfg.TickerTTL() {
		return 0, false
	}
	return entry.ticker.LastPrice, true
}

// evictLocked drops least-recently-updated entries while the combined size
// exceeds maxCacheSize. Evicted ticker symbols are unsubscribed from the
// push stream.
func (c *Cache) evictLocked() {
	for len(c.tickers)+len(c.klines) > c.cfg.MaxCacheSize {
		var (
			oldestTicker string
			oldestKline  string
			oldest       time.Time
		)
		for sym, e := range c.tickers {
			if oldest.IsZero() || e.lastUpdate.Before(oldest) {
				oldest = e.lastUpdate
				oldestTicker, oldestKline = sym, ""
			}
		}
		for key, e := range c.klines {
			if oldest.IsZero() || e.lastUpdate.Before(oldest) {
				oldest = e.lastUpdate
				oldestTicker, oldestKline = "", key
			}
		}
		switch {
		case oldestTicker != "":
			delete(c.tickers, oldestTicker)
			if c.feed != nil {
				c.feed.UnsubscribeTicker(oldestTicker)
			}
		case oldestKline != "":
			delete(c.klines, oldestKline)
		default:
			return
		}
		c.evictions++
	}
}

// sweepLoop discards entries older than twice their TTL.
func (c *Cache) sweepLoop() {
	defer c.wg.Done()

	interval := c.cfg.TickerTTL()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopChan:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	tickerCutoff := 2 * c.cfg.TickerTTL()
	klineCutoff := 2 * c.cfg.KlineTTL()

	c.mu.Lock()
	var released []string
	for sym, e := range c.tickers {
		if now.Sub(e.lastUpdate) > tickerCutoff {
			delete(c.tickers, sym)
			released = append(released, sym)
		}
	}
	for key, e := range c.klines {
		if now.Sub(e.lastUpdate) > klineCutoff {
			delete(c.klines, key)
		}
	}
	c.mu.Unlock()

	if c.feed != nil {
		for _, sym := range released {
			c.feed.UnsubscribeTicker(sym)
		}
	}
	if len(released) > 0 {
		c.log.Debug().Int("released", len(released)).Msg("swept stale cache entries")
	}
}

func (c *Cache) hit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *Cache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Stats returns hit/miss counters and entry counts.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{
		Hits:          c.hits,
		Misses:        c.misses,
		TickerEntries: len(c.tickers),
		KlineEntries:  len(c.klines),
		Evictions:     c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}
