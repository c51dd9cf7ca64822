package risk

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
)

func testRiskConfig() config.TradingConfig {
	return config.TradingConfig{
		MaxConcurrentTrades: 3,
		DefaultPositionSize: 100,
		StopLossPct:         2,
		TakeProfitPct:       4,
		TrailingStopPct:     1,
		RiskRewardRatio:     2,
		MaxDrawdownPct:      10,
		MaxDailyLossUSDT:    100,
		MaxPositionSizePct:  20,
	}
}

func startedManager(t *testing.T, balance float64) *Manager {
	t.Helper()
	mock := bingx.NewMockExchange()
	mock.Account = bingx.Balance{Asset: "USDT", Balance: balance}
	m := NewManager(mock, events.NewBus(), testRiskConfig(), zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestStartRequiresBalance(t *testing.T) {
	mock := bingx.NewMockExchange()
	mock.Account = bingx.Balance{Asset: "USDT", Balance: 0}
	m := NewManager(mock, nil, testRiskConfig(), zerolog.Nop())

	err := m.Start(context.Background())
	require.Error(t, err, "zero balance must refuse to start")

	mock.GetBalanceFn = func(ctx context.Context) (*bingx.Balance, error) {
		return nil, &bingx.Error{Kind: bingx.KindNetwork, Msg: "unreachable"}
	}
	err = m.Start(context.Background())
	require.Error(t, err, "unreadable balance must refuse to start")
}

func TestValidateTradeApprovesSoundTrade(t *testing.T) {
	m := startedManager(t, 1000)

	// Long from 100: stop 98, target 104, R/R = 2.
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 104, 100)
	assert.True(t, v.Approved, "reasons: %v", v.Reasons)
	assert.Empty(t, v.Reasons)
}

func TestValidateTradeRejectsLowRiskReward(t *testing.T) {
	m := startedManager(t, 1000)

	// Stop 98, target 101: R/R = 1.5 below the configured 2.
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 101, 100)
	assert.False(t, v.Approved)
	assert.Contains(t, v.Reasons, "Risk/Reward ratio too low")
}

func TestValidateTradeRejectsOversizedPosition(t *testing.T) {
	m := startedManager(t, 1000)

	// 20% of 1000 = 200 max notional.
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 104, 250)
	assert.False(t, v.Approved)
	require.NotEmpty(t, v.Reasons)
	assert.Contains(t, v.Reasons[0], "exceeds")
}

func TestValidateTradeCollectsAllViolations(t *testing.T) {
	m := startedManager(t, 1000)

	// Oversized and bad R/R at once.
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 101, 250)
	assert.False(t, v.Approved)
	assert.GreaterOrEqual(t, len(v.Reasons), 2)
}

func TestValidateTradeFailsClosedWithoutBalance(t *testing.T) {
	m := NewManager(bingx.NewMockExchange(), nil, testRiskConfig(), zerolog.Nop())

	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 104, 100)
	assert.False(t, v.Approved)
	assert.Equal(t, []string{"account balance unknown"}, v.Reasons)
}

func TestValidateTradeRespectsDailyBudget(t *testing.T) {
	m := startedManager(t, 1000)

	// 60 already lost today; a further projected loss of 60 breaks the 100 cap.
	m.UpdateBalance(940)
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 60, 180, 150)
	assert.False(t, v.Approved)
	require.NotEmpty(t, v.Reasons)
	assert.Contains(t, v.Reasons[0], "daily budget")
}

func TestValidateTradeSurfacesWarnings(t *testing.T) {
	m := startedManager(t, 1000)

	// Notional 150 clears the 200 cap but uses over half of it.
	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 104, 150)
	assert.True(t, v.Approved)
	assert.Empty(t, v.Reasons)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "per-trade allowance")
}

func TestAssessEmitsBreakEvenAndTrailingTogether(t *testing.T) {
	bus := events.NewBus()
	breakEven := make(chan events.Event, 1)
	trailing := make(chan events.Event, 1)
	bus.Subscribe(events.EventMoveToBreakEven, func(ev events.Event) { breakEven <- ev })
	bus.Subscribe(events.EventActivateTrailingStop, func(ev events.Event) { trailing <- ev })

	mock := bingx.NewMockExchange()
	mock.Account = bingx.Balance{Asset: "USDT", Balance: 1000}
	m := NewManager(mock, bus, testRiskConfig(), zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// 3% PnL is past both the 2% break-even trigger and half the 4% take
	// profit, so one tick emits both protections.
	pos := &bingx.Position{
		Symbol:           "BTC-USDT",
		PositionSide:     "LONG",
		PositionAmt:      1,
		AvgPrice:         100,
		MarkPrice:        103,
		UnrealizedProfit: 3,
	}
	m.assess(context.Background(), pos)

	select {
	case <-trailing:
	case <-time.After(time.Second):
		t.Fatal("activateTrailingStop event not published")
	}
	select {
	case <-breakEven:
	case <-time.After(time.Second):
		t.Fatal("moveToBreakEven event not published")
	}
	assert.Empty(t, mock.Orders(), "no emergency close below critical drawdown")
}

func TestProtectivePriceLevels(t *testing.T) {
	assert.InDelta(t, 98.0, StopLossPrice(100, true, 2), 1e-9)
	assert.InDelta(t, 102.0, StopLossPrice(100, false, 2), 1e-9)
	assert.InDelta(t, 104.0, TakeProfitPrice(100, true, 4), 1e-9)
	assert.InDelta(t, 96.0, TakeProfitPrice(100, false, 4), 1e-9)

	// Break-even clears the 0.075% taker fee both ways.
	assert.InDelta(t, 100.15, BreakEvenPrice(100, true), 1e-9)
	assert.InDelta(t, 99.85, BreakEvenPrice(100, false), 1e-9)

	assert.InDelta(t, 99.0, TrailingStopPrice(100, true, 1), 1e-9)
	assert.InDelta(t, 101.0, TrailingStopPrice(100, false, 1), 1e-9)
}

func TestDerivePositionRiskLevels(t *testing.T) {
	cfg := testRiskConfig() // maxDrawdownPct 10

	pos := func(pnl float64) *bingx.Position {
		return &bingx.Position{
			Symbol:           "BTC-USDT",
			PositionSide:     "LONG",
			PositionAmt:      1,
			AvgPrice:         100,
			UnrealizedProfit: pnl,
		}
	}

	assert.Equal(t, RiskLow, DerivePositionRisk(pos(1), cfg).Level)
	assert.Equal(t, RiskLow, DerivePositionRisk(pos(-2), cfg).Level)      // -2%
	assert.Equal(t, RiskMedium, DerivePositionRisk(pos(-3), cfg).Level)   // -3%
	assert.Equal(t, RiskHigh, DerivePositionRisk(pos(-6), cfg).Level)     // -6%
	assert.Equal(t, RiskCritical, DerivePositionRisk(pos(-9), cfg).Level) // beyond -8%

	pr := DerivePositionRisk(pos(-9), cfg)
	assert.InDelta(t, -9.0, pr.PnLPct, 1e-9)
}

func TestDailyLimitHaltsTrading(t *testing.T) {
	bus := events.NewBus()
	exceeded := make(chan events.Event, 1)
	bus.Subscribe(events.EventDailyLimitExceeded, func(ev events.Event) {
		exceeded <- ev
	})

	mock := bingx.NewMockExchange()
	mock.Account = bingx.Balance{Asset: "USDT", Balance: 1000}
	m := NewManager(mock, bus, testRiskConfig(), zerolog.Nop())
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	m.checkDailyLimit(899) // 101 down on the day
	assert.True(t, m.DailyHalted())

	select {
	case <-exceeded:
	case <-time.After(time.Second):
		t.Fatal("dailyLimitExceeded event not published")
	}

	v := m.ValidateTrade("BTC-USDT", "BUY", 100, 98, 104, 100)
	assert.False(t, v.Approved)
	assert.Equal(t, []string{"daily loss limit reached"}, v.Reasons)
}
