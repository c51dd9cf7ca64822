// Package risk guards the account: it validates trades before execution and
// monitors open positions for protective action.
package risk

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
)

const (
	monitorInterval = 5 * time.Second

	// Taker fee per side. Break-even must clear the round trip.
	takerFeePct = 0.075

	breakEvenTriggerPct = 2.0
	criticalDrawdownK   = 0.8
	marginUsageCap      = 0.9
)

// RiskLevel grades an open position's unrealized drawdown.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// PositionRisk is the per-position monitor snapshot.
type PositionRisk struct {
	Symbol       string    `json:"symbol"`
	PositionSide string    `json:"positionSide"`
	EntryPrice   float64   `json:"entryPrice"`
	PositionAmt  float64   `json:"positionAmt"`
	PnL          float64   `json:"pnl"`
	PnLPct       float64   `json:"pnlPct"`
	Level        RiskLevel `json:"level"`
}

// Validation is the outcome of a pre-trade check. A trade proceeds only when
// Approved is true; Warnings flag risk the trade carries without blocking it.
type Validation struct {
	Approved bool     `json:"approved"`
	Reasons  []string `json:"reasons,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Manager tracks balance and positions and enforces the risk rules. It fails
// closed: with no known balance every trade is rejected.
type Manager struct {
	client bingx.Exchange
	bus    *events.Bus
	log    zerolog.Logger

	mu                sync.RWMutex
	cfg               config.TradingConfig
	balance           float64
	balanceKnown      bool
	dailyStartBalance float64
	dailyDate         string
	dailyHalted       bool
	breakEvenDone     map[string]bool
	trailingActive    map[string]bool

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a risk manager. Call Start before trading.
func NewManager(client bingx.Exchange, bus *events.Bus, cfg config.TradingConfig, logger zerolog.Logger) *Manager {
	return &Manager{
		client:         client,
		bus:            bus,
		cfg:            cfg,
		log:            logger.With().Str("component", "risk_manager").Logger(),
		breakEvenDone:  make(map[string]bool),
		trailingActive: make(map[string]bool),
		stopChan:       make(chan struct{}),
	}
}

// Start fetches the opening balance and launches the monitor loop. An
// unreadable balance is fatal for the caller: trading cannot begin without a
// baseline.
func (m *Manager) Start(ctx context.Context) error {
	balance, err := m.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching opening balance: %w", err)
	}
	if balance.Balance <= 0 {
		return fmt.Errorf("opening balance is zero, refusing to trade")
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.balance = balance.Balance
	m.balanceKnown = true
	m.dailyStartBalance = balance.Balance
	m.dailyDate = time.Now().Format("2006-01-02")
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitorLoop()

	m.log.Info().Float64("balance", balance.Balance).Msg("risk manager started")
	return nil
}

// Stop halts the monitor loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()
	m.wg.Wait()
}

// UpdateConfig swaps the risk parameters at runtime.
func (m *Manager) UpdateConfig(cfg config.TradingConfig) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// UpdateBalance feeds a pushed balance update into the manager.
func (m *Manager) UpdateBalance(balance float64) {
	m.mu.Lock()
	m.balance = balance
	m.balanceKnown = true
	m.mu.Unlock()
}

// DailyHalted reports whether the daily loss limit has been hit.
func (m *Manager) DailyHalted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyHalted
}

// PositionClosed clears per-position protective state.
func (m *Manager) PositionClosed(symbol string) {
	m.mu.Lock()
	delete(m.breakEvenDone, symbol)
	delete(m.trailingActive, symbol)
	m.mu.Unlock()
}

// ============================================================================
// Pre-trade validation
// ============================================================================

// ValidateTrade applies every pre-trade rule. All violations are collected
// so the caller sees the full picture, and an unknown balance rejects
// outright.
func (m *Manager) ValidateTrade(symbol string, action string, entry, stopLoss, takeProfit, notionalUSDT float64) Validation {
	m.mu.RLock()
	cfg := m.cfg
	balance := m.balance
	balanceKnown := m.balanceKnown
	dailyStart := m.dailyStartBalance
	halted := m.dailyHalted
	m.mu.RUnlock()

	if !balanceKnown {
		return Validation{Approved: false, Reasons: []string{"account balance unknown"}}
	}
	if halted {
		return Validation{Approved: false, Reasons: []string{"daily loss limit reached"}}
	}

	var reasons, warnings []string

	maxNotional := cfg.MaxPositionSizePct / 100 * balance
	if notionalUSDT > maxNotional {
		reasons = append(reasons, fmt.Sprintf(
			"position size %.2f exceeds %.1f%% of balance (%.2f)", notionalUSDT, cfg.MaxPositionSizePct, maxNotional))
	} else if notionalUSDT > 0.5*maxNotional {
		warnings = append(warnings, fmt.Sprintf(
			"position size %.2f uses over half the per-trade allowance (%.2f)", notionalUSDT, maxNotional))
	}

	risk := math.Abs(entry - stopLoss)
	reward := math.Abs(takeProfit - entry)
	if risk <= 0 || reward/risk < cfg.RiskRewardRatio {
		reasons = append(reasons, "Risk/Reward ratio too low")
	}

	// Projected loss if the stop is hit must fit the remaining daily budget.
	if entry > 0 && risk > 0 {
		projectedLoss := notionalUSDT * risk / entry
		lossSoFar := dailyStart - balance
		if lossSoFar < 0 {
			lossSoFar = 0
		}
		switch {
		case lossSoFar+projectedLoss > cfg.MaxDailyLossUSDT:
			reasons = append(reasons, fmt.Sprintf(
				"projected loss %.2f would exceed daily budget (%.2f used of %.2f)",
				projectedLoss, lossSoFar, cfg.MaxDailyLossUSDT))
		case lossSoFar+projectedLoss > 0.5*cfg.MaxDailyLossUSDT:
			warnings = append(warnings, fmt.Sprintf(
				"projected loss %.2f would use over half the daily budget (%.2f used of %.2f)",
				projectedLoss, lossSoFar, cfg.MaxDailyLossUSDT))
		}
	}

	if notionalUSDT > marginUsageCap*balance {
		reasons = append(reasons, fmt.Sprintf("margin requirement exceeds %.0f%% of balance", marginUsageCap*100))
	}

	if len(reasons) > 0 {
		m.log.Debug().Str("symbol", symbol).Str("action", action).Strs("reasons", reasons).Msg("trade rejected")
		return Validation{Approved: false, Reasons: reasons, Warnings: warnings}
	}
	return Validation{Approved: true, Warnings: warnings}
}

// ============================================================================
// Protective price levels
// ============================================================================

// StopLossPrice returns the protective stop for an entry.
func StopLossPrice(entry float64, isLong bool, stopLossPct float64) float64 {
	if isLong {
		return entry * (1 - stopLossPct/100)
	}
	return entry * (1 + stopLossPct/100)
}

// TakeProfitPrice returns the profit target for an entry.
func TakeProfitPrice(entry float64, isLong bool, takeProfitPct float64) float64 {
	if isLong {
		return entry * (1 + takeProfitPct/100)
	}
	return entry * (1 - takeProfitPct/100)
}

// BreakEvenPrice returns entry adjusted to cover the round-trip taker fee.
func BreakEvenPrice(entry float64, isLong bool) float64 {
	fee := 2 * takerFeePct / 100
	if isLong {
		return entry * (1 + fee)
	}
	return entry * (1 - fee)
}

// TrailingStopPrice returns the stop trailing the given price.
func TrailingStopPrice(price float64, isLong bool, trailingStopPct float64) float64 {
	if isLong {
		return price * (1 - trailingStopPct/100)
	}
	return price * (1 + trailingStopPct/100)
}

// ============================================================================
// Position monitor
// ============================================================================

func (m *Manager) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), monitorInterval)
			m.monitor(ctx)
			cancel()
		case <-m.stopChan:
			return
		}
	}
}

func (m *Manager) monitor(ctx context.Context) {
	balance, err := m.client.GetBalance(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("balance refresh failed")
	} else {
		m.UpdateBalance(balance.Balance)
		m.checkDailyLimit(balance.Balance)
	}

	positions, err := m.client.GetPositions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("position refresh failed")
		return
	}
	for i := range positions {
		m.assess(ctx, &positions[i])
	}
}

// checkDailyLimit halts trading for the rest of the day once realized plus
// unrealized losses cross maxDailyLossUSDT. The baseline resets at the first
// tick of a new day.
func (m *Manager) checkDailyLimit(balance float64) {
	m.mu.Lock()
	today := time.Now().Format("2006-01-02")
	if today != m.dailyDate {
		m.dailyDate = today
		m.dailyStartBalance = balance
		m.dailyHalted = false
	}
	loss := m.dailyStartBalance - balance
	limit := m.cfg.MaxDailyLossUSDT
	alreadyHalted := m.dailyHalted
	if loss >= limit && !alreadyHalted {
		m.dailyHalted = true
	}
	halted := m.dailyHalted
	m.mu.Unlock()

	if halted && !alreadyHalted {
		m.log.Error().Float64("loss", loss).Float64("limit", limit).Msg("daily loss limit exceeded, trading halted")
		if m.bus != nil {
			m.bus.Publish(events.Event{
				Type: events.EventDailyLimitExceeded,
				Data: map[string]interface{}{"loss": loss, "limit": limit},
			})
		}
	}
}

// Assess derives the risk snapshot for one position and fires protective
// actions. A critical drawdown closes the position outright; the profit-side
// triggers are independent of each other, so one tick can emit both.
func (m *Manager) assess(ctx context.Context, pos *bingx.Position) {
	if pos.PositionAmt == 0 || pos.AvgPrice <= 0 {
		return
	}

	cfg := m.snapshotCfg()
	pr := DerivePositionRisk(pos, cfg)

	if pr.Level == RiskCritical {
		m.emergencyStop(ctx, pos, pr)
		return
	}
	if pr.PnLPct > cfg.TakeProfitPct*0.5 {
		m.activateTrailing(pos, pr)
	}
	if pr.PnLPct > breakEvenTriggerPct {
		m.moveToBreakEven(pos, pr)
	}
}

func (m *Manager) snapshotCfg() config.TradingConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// DerivePositionRisk computes PnL% against margin-free notional and grades
// it. CRITICAL begins at 80% of the configured max drawdown.
func DerivePositionRisk(pos *bingx.Position, cfg config.TradingConfig) PositionRisk {
	notional := math.Abs(pos.PositionAmt) * pos.AvgPrice
	pnlPct := 0.0
	if notional > 0 {
		pnlPct = pos.UnrealizedProfit / notional * 100
	}

	level := RiskLow
	switch {
	case pnlPct < -criticalDrawdownK*cfg.MaxDrawdownPct:
		level = RiskCritical
	case pnlPct < -0.5*cfg.MaxDrawdownPct:
		level = RiskHigh
	case pnlPct < -0.25*cfg.MaxDrawdownPct:
		level = RiskMedium
	}

	return PositionRisk{
		Symbol:       pos.Symbol,
		PositionSide: pos.PositionSide,
		EntryPrice:   pos.AvgPrice,
		PositionAmt:  pos.PositionAmt,
		PnL:          pos.UnrealizedProfit,
		PnLPct:       pnlPct,
		Level:        level,
	}
}

// emergencyStop force-closes a critically drawn-down position at market.
func (m *Manager) emergencyStop(ctx context.Context, pos *bingx.Position, pr PositionRisk) {
	isLong := pos.PositionSide == string(bingx.PositionSideLong)
	side := bingx.SideSell
	if !isLong {
		side = bingx.SideBuy
	}

	m.log.Error().
		Str("symbol", pos.Symbol).
		Float64("pnl_pct", pr.PnLPct).
		Msg("critical drawdown, emergency closing position")

	_, err := m.client.PlaceOrder(ctx, bingx.OrderParams{
		Symbol:       pos.Symbol,
		Side:         side,
		PositionSide: bingx.PositionSide(pos.PositionSide),
		Type:         bingx.OrderTypeMarket,
		Quantity:     math.Abs(pos.PositionAmt),
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("emergency close failed")
		return
	}
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.EventEmergencyStop,
			Data: map[string]interface{}{
				"symbol":  pos.Symbol,
				"pnl_pct": pr.PnLPct,
			},
		})
	}
}

// moveToBreakEven signals that the stop should move to the fee-adjusted
// entry. Fires once per position.
func (m *Manager) moveToBreakEven(pos *bingx.Position, pr PositionRisk) {
	m.mu.Lock()
	if m.breakEvenDone[pos.Symbol] {
		m.mu.Unlock()
		return
	}
	m.breakEvenDone[pos.Symbol] = true
	m.mu.Unlock()

	isLong := pos.PositionSide == string(bingx.PositionSideLong)
	target := BreakEvenPrice(pos.AvgPrice, isLong)
	m.log.Info().Str("symbol", pos.Symbol).Float64("price", target).Msg("moving stop to break-even")
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.EventMoveToBreakEven,
			Data: map[string]interface{}{
				"symbol":  pos.Symbol,
				"price":   target,
				"pnl_pct": pr.PnLPct,
			},
		})
	}
}

// activateTrailing signals that a trailing stop should take over. Fires once
// per position.
func (m *Manager) activateTrailing(pos *bingx.Position, pr PositionRisk) {
	m.mu.Lock()
	if m.trailingActive[pos.Symbol] {
		m.mu.Unlock()
		return
	}
	m.trailingActive[pos.Symbol] = true
	cfg := m.cfg
	m.mu.Unlock()

	isLong := pos.PositionSide == string(bingx.PositionSideLong)
	stop := TrailingStopPrice(pos.MarkPrice, isLong, cfg.TrailingStopPct)
	m.log.Info().Str("symbol", pos.Symbol).Float64("stop", stop).Msg("activating trailing stop")
	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.EventActivateTrailingStop,
			Data: map[string]interface{}{
				"symbol":  pos.Symbol,
				"stop":    stop,
				"pnl_pct": pr.PnLPct,
			},
		})
	}
}
