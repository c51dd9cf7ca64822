// Package bot orchestrates the trading engine: it scans symbols, routes
// analysis through the worker pool, gates approved signals through the risk
// manager and executes them on the exchange.
package bot

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/database"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/market"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/risk"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/settings"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/signal"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/symbols"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/worker"
)

const (
	executionTick = 200 * time.Millisecond
	batchSpacer   = 200 * time.Millisecond

	cycleDeadline  = 25 * time.Second
	symbolDeadline = 8 * time.Second

	scanUniverse    = 15 // popular symbols considered per scan
	quantityDigits  = 3
	signalRetention = 10 * time.Minute
)

// Stage names for the signal pipeline.
const (
	StageAnalyzing  = "analyzing"
	StageEvaluating = "evaluating"
	StageDecided    = "decided"
	StageQueued     = "queued"
	StageExecuting  = "executing"
	StageCompleted  = "completed"
	StageRejected   = "rejected"
)

// SignalInProcess tracks one signal through the pipeline for observers.
type SignalInProcess struct {
	SignalID  string    `json:"signalId"`
	Symbol    string    `json:"symbol"`
	Stage     string    `json:"stage"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// BotStats is the orchestrator's observable state.
type BotStats struct {
	Running         bool  `json:"running"`
	ActivePositions int   `json:"activePositions"`
	QueuedSignals   int   `json:"queuedSignals"`
	ActiveSignals   int   `json:"activeSignals"`
	ScansCompleted  int64 `json:"scansCompleted"`
	TradesExecuted  int64 `json:"tradesExecuted"`
}

// Bot wires every component together and runs the scan and execution loops.
type Bot struct {
	client    bingx.Exchange
	stream    *bingx.Stream
	cache     *market.Cache
	registry  *symbols.Registry
	generator *signal.Generator
	pool      *worker.Pool
	risk      *risk.Manager
	repo      *database.Repository // optional
	store     *settings.Store      // optional
	bus       *events.Bus
	log       zerolog.Logger

	mu              sync.Mutex
	cfg             config.TradingConfig
	activePositions map[string]*bingx.Position
	executionQueue  []*signal.Signal
	activeSignals   map[string]*SignalInProcess // keyed by signal ID
	scans           int64
	trades          int64

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Deps bundles the bot's collaborators.
type Deps struct {
	Client    bingx.Exchange
	Stream    *bingx.Stream
	Cache     *market.Cache
	Registry  *symbols.Registry
	Generator *signal.Generator
	Pool      *worker.Pool
	Risk      *risk.Manager
	Repo      *database.Repository
	Store     *settings.Store
	Bus       *events.Bus
}

// New creates the orchestrator.
func New(deps Deps, cfg config.TradingConfig, logger zerolog.Logger) *Bot {
	b := &Bot{
		client:          deps.Client,
		stream:          deps.Stream,
		cache:           deps.Cache,
		registry:        deps.Registry,
		generator:       deps.Generator,
		pool:            deps.Pool,
		risk:            deps.Risk,
		repo:            deps.Repo,
		store:           deps.Store,
		bus:             deps.Bus,
		cfg:             cfg,
		log:             logger.With().Str("component", "bot").Logger(),
		activePositions: make(map[string]*bingx.Position),
		activeSignals:   make(map[string]*SignalInProcess),
		stopChan:        make(chan struct{}),
	}
	b.pool.SetHandler(b.processTask)
	return b
}

// Start launches the scan and execution loops and wires the push handlers.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.mu.Unlock()

	if err := b.loadPositions(ctx); err != nil {
		b.log.Warn().Err(err).Msg("could not load open positions, starting empty")
	}

	if b.stream != nil {
		b.stream.OnTicker(b.onTicker)
		b.stream.OnAccountUpdate(b.onAccountUpdate)
		b.stream.OnOrderUpdate(b.onOrderUpdate)
	}

	b.wg.Add(2)
	go b.scanLoop()
	go b.executionLoop()

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{}})
	}
	b.log.Info().Msg("bot started")
	return nil
}

// Stop halts the loops. Component teardown belongs to the caller that
// constructed them.
func (b *Bot) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.executionQueue = nil
	b.mu.Unlock()

	b.wg.Wait()
	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{}})
	}
	b.log.Info().Msg("bot stopped")
}

// UpdateTradingConfig validates and applies new parameters to every
// component, then persists them when a settings store is attached.
func (b *Bot) UpdateTradingConfig(ctx context.Context, cfg config.TradingConfig) error {
	if errs, warnings := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid trading config: %v", errs)
	} else if len(warnings) > 0 {
		for _, w := range warnings {
			b.log.Warn().Msg(w)
		}
	}

	b.mu.Lock()
	b.cfg = cfg
	b.mu.Unlock()

	b.generator.UpdateConfig(cfg)
	b.risk.UpdateConfig(cfg)
	b.pool.UpdateConfig(cfg.WorkerPool)

	if b.store != nil {
		if err := b.store.SaveTradingConfig(ctx, cfg); err != nil {
			b.log.Warn().Err(err).Msg("could not persist trading config")
		}
	}
	b.log.Info().Msg("trading config updated")
	return nil
}

// loadPositions seeds activePositions from the exchange at startup.
func (b *Bot) loadPositions(ctx context.Context) error {
	positions, err := b.client.GetPositions(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	for i := range positions {
		if positions[i].PositionAmt != 0 {
			pos := positions[i]
			b.activePositions[pos.Symbol] = &pos
		}
	}
	count := len(b.activePositions)
	b.mu.Unlock()
	b.log.Info().Int("positions", count).Msg("loaded open positions")
	return nil
}

// ============================================================================
// Scan cycle
// ============================================================================

func (b *Bot) scanLoop() {
	defer b.wg.Done()

	b.mu.Lock()
	interval := b.cfg.ScanInterval()
	b.mu.Unlock()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// First scan runs immediately so the engine does not idle a full
	// interval after startup.
	b.runScan()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.runScan()
		case <-b.stopChan:
			return
		}
	}
}

// runScan submits the scan universe to the worker pool in spaced batches.
// The whole cycle is bounded by cycleDeadline.
func (b *Bot) runScan() {
	if b.risk.DailyHalted() {
		b.log.Warn().Msg("scan skipped, daily loss limit reached")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cycleDeadline)
	defer cancel()

	b.mu.Lock()
	batchSize := b.cfg.WorkerPool.BatchSize
	atCapacity := len(b.activePositions) >= b.cfg.MaxConcurrentTrades
	held := make(map[string]bool, len(b.activePositions))
	for sym := range b.activePositions {
		held[sym] = true
	}
	b.mu.Unlock()
	if batchSize <= 0 {
		batchSize = 3
	}

	if atCapacity {
		b.log.Info().Msg("scan skipped, position capacity reached")
		return
	}

	universe := filterUniverse(b.registry.GetPopular(scanUniverse), held)
	if len(universe) == 0 {
		b.log.Warn().Msg("scan universe empty, registry not loaded yet")
		return
	}

	submitted := 0
	for i := 0; i < len(universe); i += batchSize {
		if ctx.Err() != nil {
			b.log.Warn().Msg("scan cycle deadline reached")
			break
		}
		end := i + batchSize
		if end > len(universe) {
			end = len(universe)
		}
		for _, symbol := range universe[i:end] {
			if _, err := b.pool.Submit(symbol, 0); err != nil {
				b.log.Debug().Str("symbol", symbol).Err(err).Msg("scan submit skipped")
				continue
			}
			submitted++
		}
		if end < len(universe) {
			select {
			case <-time.After(batchSpacer):
			case <-ctx.Done():
			case <-b.stopChan:
				return
			}
		}
	}

	b.mu.Lock()
	b.scans++
	b.pruneSignalsLocked()
	b.mu.Unlock()

	b.log.Info().Int("submitted", submitted).Int("universe", len(universe)).Msg("scan cycle complete")
}

// processTask is the worker-pool handler: analyze one symbol and queue the
// signal if it clears the admit threshold.
func (b *Bot) processTask(ctx context.Context, task *worker.SignalTask) error {
	ctx, cancel := context.WithTimeout(ctx, symbolDeadline)
	defer cancel()

	b.mu.Lock()
	cfg := b.cfg
	b.mu.Unlock()

	// Volume floor comes first so thin symbols never cost kline fetches.
	ticker, err := b.cache.GetTicker(ctx, task.Symbol, true)
	if err != nil {
		return fmt.Errorf("fetching ticker for %s: %w", task.Symbol, err)
	}
	if ticker.QuoteVolume < cfg.MinVolumeUSDT {
		return nil
	}

	sig, err := b.generator.Generate(ctx, task.Symbol)
	if err != nil {
		return err
	}
	b.trackSignal(sig.ID, sig.Symbol, StageAnalyzing, "")

	b.trackSignal(sig.ID, sig.Symbol, StageEvaluating, fmt.Sprintf("strength %.0f", sig.Strength))
	if sig.Action == signal.ActionHold {
		b.trackSignal(sig.ID, sig.Symbol, StageRejected, firstReason(sig.Reasons))
		return nil
	}
	if sig.Strength < cfg.MinSignalStrength {
		b.trackSignal(sig.ID, sig.Symbol, StageRejected,
			fmt.Sprintf("strength %.0f below threshold %.0f", sig.Strength, cfg.MinSignalStrength))
		return nil
	}
	b.trackSignal(sig.ID, sig.Symbol, StageDecided, string(sig.Action))

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, open := b.activePositions[sig.Symbol]; open {
		b.trackSignalLocked(sig.ID, sig.Symbol, StageRejected, "position already open")
		return nil
	}
	for _, queued := range b.executionQueue {
		if queued.Symbol == sig.Symbol {
			b.trackSignalLocked(sig.ID, sig.Symbol, StageRejected, "symbol already queued")
			return nil
		}
	}
	b.executionQueue = append(b.executionQueue, sig)
	b.trackSignalLocked(sig.ID, sig.Symbol, StageQueued, "")

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Type: events.EventSignal,
			Data: map[string]interface{}{
				"signal_id": sig.ID,
				"symbol":    sig.Symbol,
				"action":    string(sig.Action),
				"strength":  sig.Strength,
				"price":     sig.Price,
			},
		})
	}
	return nil
}

// ============================================================================
// Execution
// ============================================================================

func (b *Bot) executionLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(executionTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.executeNext()
		case <-b.stopChan:
			return
		}
	}
}

// executeNext dequeues the strongest eligible signal and runs it through the
// risk gate and the exchange. Entries whose symbol opened a position while
// queued are dropped without blocking the rest of the queue.
func (b *Bot) executeNext() {
	b.mu.Lock()
	if len(b.executionQueue) == 0 {
		b.mu.Unlock()
		return
	}
	cfg := b.cfg
	if len(b.activePositions) >= cfg.MaxConcurrentTrades {
		b.mu.Unlock()
		return
	}

	best := -1
	kept := b.executionQueue[:0]
	for _, queued := range b.executionQueue {
		if _, open := b.activePositions[queued.Symbol]; open {
			b.trackSignalLocked(queued.ID, queued.Symbol, StageRejected, "position opened while queued")
			continue
		}
		kept = append(kept, queued)
		if best == -1 || queued.Strength > kept[best].Strength {
			best = len(kept) - 1
		}
	}
	if best == -1 {
		b.executionQueue = kept
		b.mu.Unlock()
		return
	}
	sig := kept[best]
	b.executionQueue = append(kept[:best], kept[best+1:]...)
	b.trackSignalLocked(sig.ID, sig.Symbol, StageExecuting, "")
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), symbolDeadline)
	defer cancel()

	isLong := sig.Action == signal.ActionBuy
	entry := sig.Price
	stopLoss := risk.StopLossPrice(entry, isLong, cfg.StopLossPct)
	takeProfit := risk.TakeProfitPrice(entry, isLong, cfg.TakeProfitPct)

	validation := b.risk.ValidateTrade(sig.Symbol, string(sig.Action), entry, stopLoss, takeProfit, cfg.DefaultPositionSize)
	if !validation.Approved {
		b.trackSignal(sig.ID, sig.Symbol, StageRejected, firstReason(validation.Reasons))
		b.log.Info().Str("symbol", sig.Symbol).Strs("reasons", validation.Reasons).Msg("trade vetoed by risk gate")
		return
	}

	quantity := roundTo(cfg.DefaultPositionSize/entry, quantityDigits)
	if quantity <= 0 {
		b.trackSignal(sig.ID, sig.Symbol, StageRejected, "quantity rounds to zero")
		return
	}

	side := bingx.SideBuy
	positionSide := bingx.PositionSideLong
	if !isLong {
		side = bingx.SideSell
		positionSide = bingx.PositionSideShort
	}

	order, err := b.client.PlaceOrder(ctx, bingx.OrderParams{
		Symbol:        sig.Symbol,
		Side:          side,
		PositionSide:  positionSide,
		Type:          bingx.OrderTypeMarket,
		Quantity:      quantity,
		StopLoss:      stopLoss,
		TakeProfit:    takeProfit,
		ClientOrderID: sig.ID,
	})
	if err != nil {
		b.trackSignal(sig.ID, sig.Symbol, StageRejected, err.Error())
		b.log.Error().Err(err).Str("symbol", sig.Symbol).Msg("order placement failed")
		return
	}

	fillPrice := order.AvgPrice
	if fillPrice <= 0 {
		fillPrice = entry
	}

	b.mu.Lock()
	b.trades++
	b.activePositions[sig.Symbol] = &bingx.Position{
		Symbol:       sig.Symbol,
		PositionSide: string(positionSide),
		PositionAmt:  signedQty(quantity, isLong),
		AvgPrice:     fillPrice,
	}
	b.trackSignalLocked(sig.ID, sig.Symbol, StageCompleted, "")
	b.mu.Unlock()

	b.log.Info().
		Str("symbol", sig.Symbol).
		Str("side", string(side)).
		Float64("quantity", quantity).
		Float64("price", fillPrice).
		Int64("order_id", order.OrderID).
		Msg("trade executed")

	if b.bus != nil {
		b.bus.PublishTradeExecuted(sig.Symbol, string(side), quantity, fillPrice, order.OrderID)
	}
	if b.repo != nil {
		trade := &database.Trade{
			SignalID:       sig.ID,
			Symbol:         sig.Symbol,
			Side:           string(side),
			PositionSide:   string(positionSide),
			Quantity:       quantity,
			EntryPrice:     fillPrice,
			StopLoss:       stopLoss,
			TakeProfit:     takeProfit,
			SignalStrength: sig.Strength,
			OrderID:        order.OrderID,
			OpenedAt:       time.Now(),
		}
		if err := b.repo.CreateTrade(ctx, trade); err != nil {
			b.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("could not persist trade")
		}
	}
}

// ============================================================================
// Push handlers
// ============================================================================

func (b *Bot) onTicker(ev *bingx.TickerEvent) {
	b.cache.UpdateTicker(bingx.Ticker{
		Symbol:    ev.Symbol,
		LastPrice: ev.LastPrice,
		Volume:    ev.Volume,
		Time:      ev.EventTime,
	})
}

// onAccountUpdate reconciles activePositions with the push snapshot. A
// position reported at zero amount is closed.
func (b *Bot) onAccountUpdate(ev *bingx.AccountUpdateEvent) {
	for _, bal := range ev.Update.Balances {
		if bal.Asset == "USDT" || bal.Asset == "VST" {
			b.risk.UpdateBalance(bal.WalletBalance)
		}
	}

	for _, p := range ev.Update.Positions {
		if p.PositionAmt == 0 {
			b.closePosition(p.Symbol, p.UnrealizedPnL)
			continue
		}
		b.mu.Lock()
		b.activePositions[p.Symbol] = &bingx.Position{
			Symbol:           p.Symbol,
			PositionSide:     p.PositionSide,
			PositionAmt:      p.PositionAmt,
			AvgPrice:         p.EntryPrice,
			UnrealizedProfit: p.UnrealizedPnL,
		}
		b.mu.Unlock()
	}
}

func (b *Bot) onOrderUpdate(ev *bingx.OrderUpdateEvent) {
	o := ev.Order
	b.log.Debug().
		Str("symbol", o.Symbol).
		Str("status", o.Status).
		Int64("order_id", o.OrderID).
		Msg("order update")

	if o.Status == "FILLED" && o.RealizedPnL != 0 && b.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.repo.CloseTrade(ctx, o.Symbol, o.AvgPrice, o.RealizedPnL); err != nil {
			b.log.Warn().Err(err).Str("symbol", o.Symbol).Msg("could not record trade close")
		}
	}
}

func (b *Bot) closePosition(symbol string, realizedPnL float64) {
	b.mu.Lock()
	_, existed := b.activePositions[symbol]
	delete(b.activePositions, symbol)
	b.mu.Unlock()
	if !existed {
		return
	}

	b.risk.PositionClosed(symbol)
	b.log.Info().Str("symbol", symbol).Float64("pnl", realizedPnL).Msg("position closed")
	if b.bus != nil {
		b.bus.PublishPositionClosed(symbol, realizedPnL)
	}
}

// ============================================================================
// Signal tracking
// ============================================================================

func (b *Bot) trackSignal(id, symbol, stage, detail string) {
	b.mu.Lock()
	b.trackSignalLocked(id, symbol, stage, detail)
	b.mu.Unlock()
}

func (b *Bot) trackSignalLocked(id, symbol, stage, detail string) {
	b.activeSignals[id] = &SignalInProcess{
		SignalID:  id,
		Symbol:    symbol,
		Stage:     stage,
		Detail:    detail,
		UpdatedAt: time.Now(),
	}
	if b.bus != nil {
		b.bus.PublishProcessUpdate(id, symbol, stage, detail)
	}
}

// pruneSignalsLocked drops terminal pipeline entries older than the
// retention window.
func (b *Bot) pruneSignalsLocked() {
	cutoff := time.Now().Add(-signalRetention)
	for id, sp := range b.activeSignals {
		if (sp.Stage == StageCompleted || sp.Stage == StageRejected) && sp.UpdatedAt.Before(cutoff) {
			delete(b.activeSignals, id)
		}
	}
}

// Stats returns the orchestrator's observable state.
func (b *Bot) Stats() BotStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BotStats{
		Running:         b.running,
		ActivePositions: len(b.activePositions),
		QueuedSignals:   len(b.executionQueue),
		ActiveSignals:   len(b.activeSignals),
		ScansCompleted:  b.scans,
		TradesExecuted:  b.trades,
	}
}

// ActivePositions returns a snapshot of the open positions.
func (b *Bot) ActivePositions() []bingx.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bingx.Position, 0, len(b.activePositions))
	for _, p := range b.activePositions {
		out = append(out, *p)
	}
	return out
}

// filterUniverse drops symbols that already have an open position so held
// symbols never spend scan budget.
func filterUniverse(universe []string, held map[string]bool) []string {
	out := universe[:0]
	for _, sym := range universe {
		if !held[sym] {
			out = append(out, sym)
		}
	}
	return out
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}

func signedQty(qty float64, isLong bool) float64 {
	if isLong {
		return qty
	}
	return -qty
}

func roundTo(v float64, digits int) float64 {
	pow := math.Pow(10, float64(digits))
	return math.Round(v*pow) / pow
}
