package events

import (
	"sync"
	"time"
)

// EventType represents different kinds of events in the system
type EventType string

const (
	EventSignal                 EventType = "SIGNAL"
	EventTradeExecuted          EventType = "TRADE_EXECUTED"
	EventPositionClosed         EventType = "POSITION_CLOSED"
	EventProcessUpdate          EventType = "PROCESS_UPDATE"
	EventActivity               EventType = "ACTIVITY_EVENT"
	EventSignificantPriceChange EventType = "SIGNIFICANT_PRICE_CHANGE"
	EventCircuitBreakerOpened   EventType = "CIRCUIT_BREAKER_OPENED"
	EventEmergencyStop          EventType = "EMERGENCY_STOP"
	EventDailyLimitExceeded     EventType = "DAILY_LIMIT_EXCEEDED"
	EventTaskFailed             EventType = "TASK_FAILED"
	EventMoveToBreakEven        EventType = "MOVE_TO_BREAK_EVEN"
	EventActivateTrailingStop   EventType = "ACTIVATE_TRAILING_STOP"
	EventBotStarted             EventType = "BOT_STARTED"
	EventBotStopped             EventType = "BOT_STOPPED"
)

// Event is one timestamped occurrence with its payload
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions. Handlers run in their own
// goroutine so a slow consumer never blocks a publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := b.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishActivity publishes an activity entry tagged info|success|warning|error.
func (b *Bus) PublishActivity(level, source, message string) {
	b.Publish(Event{
		Type: EventActivity,
		Data: map[string]interface{}{
			"level":   level,
			"source":  source,
			"message": message,
		},
	})
}

// PublishProcessUpdate publishes a signal-pipeline stage transition.
func (b *Bus) PublishProcessUpdate(signalID, symbol, stage, detail string) {
	b.Publish(Event{
		Type: EventProcessUpdate,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"symbol":    symbol,
			"stage":     stage,
			"detail":    detail,
		},
	})
}

// PublishTradeExecuted publishes an executed-trade event.
func (b *Bus) PublishTradeExecuted(symbol, side string, quantity, price float64, orderID int64) {
	b.Publish(Event{
		Type: EventTradeExecuted,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"side":     side,
			"quantity": quantity,
			"price":    price,
			"order_id": orderID,
		},
	})
}

// PublishPositionClosed publishes a position-closed event.
func (b *Bus) PublishPositionClosed(symbol string, realizedPnL float64) {
	b.Publish(Event{
		Type: EventPositionClosed,
		Data: map[string]interface{}{
			"symbol":       symbol,
			"realized_pnl": realizedPnL,
		},
	})
}

// PublishSignificantPriceChange publishes a cache-detected price movement.
func (b *Bus) PublishSignificantPriceChange(symbol string, oldPrice, newPrice, changePct float64) {
	b.Publish(Event{
		Type: EventSignificantPriceChange,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"old_price":  oldPrice,
			"new_price":  newPrice,
			"change_pct": changePct,
		},
	})
}

// PublishCircuitBreakerOpened publishes a worker-pool breaker trip.
func (b *Bus) PublishCircuitBreakerOpened(isRateLimit bool, pauseMs int64, consecutiveErrors int) {
	b.Publish(Event{
		Type: EventCircuitBreakerOpened,
		Data: map[string]interface{}{
			"isRateLimit":        isRateLimit,
			"pauseMs":            pauseMs,
			"consecutive_errors": consecutiveErrors,
		},
	})
}
