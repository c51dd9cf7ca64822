// Package symbols maintains the tradable contract registry and validates
// user-facing symbol input against it.
package symbols

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
)

const (
	refreshInterval = time.Hour
	maxSuggestions  = 5
)

// popularSymbols is the preferred ordering for GetPopular. Only entries that
// are actually listed and trading are returned.
var popularSymbols = []string{
	"BTC-USDT", "ETH-USDT", "SOL-USDT", "BNB-USDT", "XRP-USDT",
	"DOGE-USDT", "ADA-USDT", "AVAX-USDT", "LINK-USDT", "DOT-USDT",
	"MATIC-USDT", "LTC-USDT", "TRX-USDT", "ATOM-USDT", "NEAR-USDT",
}

// ValidationResult is the outcome of validating one symbol input.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Symbol      string   `json:"symbol"`
	Suggestions []string `json:"suggestions,omitempty"`
	Reason      string   `json:"reason,omitempty"`
}

// Registry caches the exchange contract list and refreshes it hourly. A
// failed refresh keeps serving the previous snapshot.
type Registry struct {
	client bingx.Exchange
	log    zerolog.Logger

	mu          sync.RWMutex
	contracts   map[string]bingx.Contract
	lastRefresh time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRegistry creates an empty registry. Call Start (or Refresh) to load the
// contract list.
func NewRegistry(client bingx.Exchange, logger zerolog.Logger) *Registry {
	return &Registry{
		client:    client,
		log:       logger.With().Str("component", "symbol_registry").Logger(),
		contracts: make(map[string]bingx.Contract),
		stopChan:  make(chan struct{}),
	}
}

// Start performs an initial load and launches the hourly refresh loop. The
// initial load error is returned so callers can decide whether to proceed
// with an empty registry.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	err := r.Refresh(ctx)

	r.wg.Add(1)
	go r.refreshLoop()
	return err
}

// Stop halts the refresh loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	r.mu.Unlock()
	r.wg.Wait()
}

// Refresh reloads the contract list from the exchange.
func (r *Registry) Refresh(ctx context.Context) error {
	contracts, err := r.client.GetSymbols(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("contract refresh failed, keeping previous snapshot")
		return err
	}

	byName := make(map[string]bingx.Contract, len(contracts))
	for _, c := range contracts {
		byName[c.Symbol] = c
	}

	r.mu.Lock()
	r.contracts = byName
	r.lastRefresh = time.Now()
	r.mu.Unlock()

	r.log.Info().Int("contracts", len(byName)).Msg("contract registry refreshed")
	return nil
}

func (r *Registry) refreshLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = r.Refresh(ctx)
			cancel()
		case <-r.stopChan:
			return
		}
	}
}

// Normalize canonicalizes raw symbol input: uppercase, separators stripped,
// -USDT quote appended when absent. Idempotent: Normalize(Normalize(x)) ==
// Normalize(x).
func Normalize(input string) string {
	s := strings.ToUpper(strings.TrimSpace(input))
	s = strings.NewReplacer("-", "", "_", "", "/", "", " ", "").Replace(s)
	s = strings.TrimSuffix(s, "USDT")
	if s == "" {
		return ""
	}
	return s + "-USDT"
}

// Validate normalizes the input and checks it against the registry. Unknown
// symbols get ranked suggestions: exact asset match first, then asset-prefix
// matches, then substring matches, shortest first within a band.
func (r *Registry) Validate(input string) ValidationResult {
	normalized := Normalize(input)
	if normalized == "" {
		return ValidationResult{Valid: false, Reason: "empty symbol"}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.contracts[normalized]; ok && c.Status == 1 {
		return ValidationResult{Valid: true, Symbol: normalized}
	}
	if _, ok := r.contracts[normalized]; ok {
		return ValidationResult{
			Valid:       false,
			Symbol:      normalized,
			Reason:      "symbol is not currently trading",
			Suggestions: r.suggestLocked(normalized),
		}
	}
	return ValidationResult{
		Valid:       false,
		Symbol:      normalized,
		Reason:      "unknown symbol",
		Suggestions: r.suggestLocked(normalized),
	}
}

// suggestLocked ranks candidates for a near-miss. Caller holds at least the
// read lock.
func (r *Registry) suggestLocked(normalized string) []string {
	asset := strings.TrimSuffix(normalized, "-USDT")
	if asset == "" {
		return nil
	}

	type scored struct {
		symbol string
		rank   int
	}
	var candidates []scored
	for sym, c := range r.contracts {
		if c.Status != 1 {
			continue
		}
		candidateAsset := strings.TrimSuffix(sym, "-USDT")
		switch {
		case candidateAsset == asset:
			candidates = append(candidates, scored{sym, 0})
		case strings.HasPrefix(candidateAsset, asset):
			candidates = append(candidates, scored{sym, 1})
		case strings.Contains(candidateAsset, asset):
			candidates = append(candidates, scored{sym, 2})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		if len(candidates[i].symbol) != len(candidates[j].symbol) {
			return len(candidates[i].symbol) < len(candidates[j].symbol)
		}
		return candidates[i].symbol < candidates[j].symbol
	})

	if len(candidates) > maxSuggestions {
		candidates = candidates[:maxSuggestions]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.symbol
	}
	return out
}

// GetPopular returns up to k popular symbols that are listed and trading.
func (r *Registry) GetPopular(k int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, sym := range popularSymbols {
		if len(out) >= k {
			break
		}
		if c, ok := r.contracts[sym]; ok && c.Status == 1 {
			out = append(out, sym)
		}
	}
	return out
}

// Contract returns the registry entry for a symbol.
func (r *Registry) Contract(symbol string) (bingx.Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[symbol]
	return c, ok
}

// Count returns the number of known contracts.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contracts)
}

// LastRefresh reports when the registry last loaded successfully.
func (r *Registry) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
