package database

import (
	"context"
	"time"
)

// Trade statuses
const (
	TradeStatusOpen   = "OPEN"
	TradeStatusClosed = "CLOSED"
)

// Trade is one persisted trade record.
type Trade struct {
	ID             int64      `json:"id"`
	SignalID       string     `json:"signalId"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	PositionSide   string     `json:"positionSide"`
	Quantity       float64    `json:"quantity"`
	EntryPrice     float64    `json:"entryPrice"`
	ExitPrice      *float64   `json:"exitPrice,omitempty"`
	StopLoss       float64    `json:"stopLoss"`
	TakeProfit     float64    `json:"takeProfit"`
	SignalStrength float64    `json:"signalStrength"`
	RealizedPnL    *float64   `json:"realizedPnl,omitempty"`
	Status         string     `json:"status"`
	OrderID        int64      `json:"orderId"`
	OpenedAt       time.Time  `json:"openedAt"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Repository provides trade data access
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// CreateTrade inserts a new trade record at order submission.
func (r *Repository) CreateTrade(ctx context.Context, trade *Trade) error {
	if trade.Status == "" {
		trade.Status = TradeStatusOpen
	}
	query := `
		INSERT INTO trades (signal_id, symbol, side, position_side, quantity, entry_price,
		                    stop_loss, take_profit, signal_strength, status, order_id, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		trade.SignalID, trade.Symbol, trade.Side, trade.PositionSide, trade.Quantity,
		trade.EntryPrice, trade.StopLoss, trade.TakeProfit, trade.SignalStrength,
		trade.Status, trade.OrderID, trade.OpenedAt,
	).Scan(&trade.ID, &trade.CreatedAt, &trade.UpdatedAt)
}

// CloseTrade marks the open trade for a symbol as closed with its outcome.
func (r *Repository) CloseTrade(ctx context.Context, symbol string, exitPrice, realizedPnL float64) error {
	query := `
		UPDATE trades
		SET exit_price = $2, realized_pnl = $3, status = $4, closed_at = NOW(), updated_at = NOW()
		WHERE symbol = $1 AND status = $5
	`
	_, err := r.db.Pool.Exec(ctx, query, symbol, exitPrice, realizedPnL, TradeStatusClosed, TradeStatusOpen)
	return err
}

// GetOpenTrades retrieves all open trades.
func (r *Repository) GetOpenTrades(ctx context.Context) ([]*Trade, error) {
	query := `
		SELECT id, signal_id, symbol, side, position_side, quantity, entry_price, exit_price,
		       stop_loss, take_profit, signal_strength, realized_pnl, status, order_id,
		       opened_at, closed_at, created_at, updated_at
		FROM trades
		WHERE status = $1
		ORDER BY opened_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, TradeStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		if err := rows.Scan(
			&trade.ID, &trade.SignalID, &trade.Symbol, &trade.Side, &trade.PositionSide,
			&trade.Quantity, &trade.EntryPrice, &trade.ExitPrice, &trade.StopLoss,
			&trade.TakeProfit, &trade.SignalStrength, &trade.RealizedPnL, &trade.Status,
			&trade.OrderID, &trade.OpenedAt, &trade.ClosedAt, &trade.CreatedAt, &trade.UpdatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// GetRecentTrades retrieves the most recent trades, open or closed.
func (r *Repository) GetRecentTrades(ctx context.Context, limit int) ([]*Trade, error) {
	query := `
		SELECT id, signal_id, symbol, side, position_side, quantity, entry_price, exit_price,
		       stop_loss, take_profit, signal_strength, realized_pnl, status, order_id,
		       opened_at, closed_at, created_at, updated_at
		FROM trades
		ORDER BY opened_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		trade := &Trade{}
		if err := rows.Scan(
			&trade.ID, &trade.SignalID, &trade.Symbol, &trade.Side, &trade.PositionSide,
			&trade.Quantity, &trade.EntryPrice, &trade.ExitPrice, &trade.StopLoss,
			&trade.TakeProfit, &trade.SignalStrength, &trade.RealizedPnL, &trade.Status,
			&trade.OrderID, &trade.OpenedAt, &trade.ClosedAt, &trade.CreatedAt, &trade.UpdatedAt,
		); err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// DailyRealizedPnL sums realized PnL for trades closed since the given time.
func (r *Repository) DailyRealizedPnL(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM trades
		WHERE status = $1 AND closed_at >= $2
	`
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, query, TradeStatusClosed, since).Scan(&pnl)
	return pnl, err
}
