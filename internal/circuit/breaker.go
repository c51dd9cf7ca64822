// Package circuit implements the consecutive-failure circuit breaker that
// pauses signal processing when the exchange misbehaves.
package circuit

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // Normal operation
	StateOpen   BreakerState = "open"   // Processing paused
)

// Trip thresholds and pause durations. Rate-limit failures trip faster and
// pause longer than general failures.
const (
	generalThreshold   = 10
	rateLimitThreshold = 5

	generalPause   = 5 * time.Minute
	rateLimitPause = 10 * time.Minute
)

// BreakerStats is the observable breaker state.
type BreakerStats struct {
	State             BreakerState `json:"state"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	IsRateLimit       bool         `json:"isRateLimit"`
	PauseMs           int64        `json:"pauseMs"`
	OpenedAt          time.Time    `json:"openedAt,omitempty"`
	ReopensAt         time.Time    `json:"reopensAt,omitempty"`
}

// Breaker counts consecutive task failures and opens once a threshold is
// reached. While open, Allow reports false until the pause elapses; the
// breaker then closes and the counter resets.
type Breaker struct {
	mu sync.Mutex

	state             BreakerState
	consecutiveErrors int
	rateLimited       bool // whether the tripping failure was a rate limit
	openedAt          time.Time
	pause             time.Duration

	onOpen func(isRateLimit bool, pause time.Duration, consecutiveErrors int)
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{state: StateClosed}
}

// OnOpen registers a callback fired once per trip, outside the lock.
func (b *Breaker) OnOpen(fn func(isRateLimit bool, pause time.Duration, consecutiveErrors int)) {
	b.mu.Lock()
	b.onOpen = fn
	b.mu.Unlock()
}

// Allow reports whether processing may proceed. An expired pause closes the
// breaker as a side effect.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) >= b.pause {
			b.state = StateClosed
			b.consecutiveErrors = 0
			b.rateLimited = false
			return true
		}
		return false
	}
	return true
}

// RecordSuccess resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.consecutiveErrors = 0
	b.rateLimited = false
	b.mu.Unlock()
}

// RecordFailure counts one failure and opens the breaker at the threshold.
// Rate-limited failures use the lower threshold and longer pause. Returns
// true when this call tripped the breaker.
func (b *Breaker) RecordFailure(isRateLimit bool) bool {
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		return false
	}

	b.consecutiveErrors++
	if isRateLimit {
		b.rateLimited = true
	}

	threshold := generalThreshold
	pause := generalPause
	if b.rateLimited {
		threshold = rateLimitThreshold
		pause = rateLimitPause
	}
	if b.consecutiveErrors < threshold {
		b.mu.Unlock()
		return false
	}

	b.state = StateOpen
	b.openedAt = time.Now()
	b.pause = pause
	errs := b.consecutiveErrors
	rateLimited := b.rateLimited
	fn := b.onOpen
	b.mu.Unlock()

	if fn != nil {
		fn(rateLimited, pause, errs)
	}
	return true
}

// Reset force-closes the breaker and clears the counter.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveErrors = 0
	b.rateLimited = false
	b.mu.Unlock()
}

// Stats returns the observable breaker state.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BreakerStats{
		State:             b.state,
		ConsecutiveErrors: b.consecutiveErrors,
		IsRateLimit:       b.rateLimited,
	}
	if b.state == StateOpen {
		stats.PauseMs = b.pause.Milliseconds()
		stats.OpenedAt = b.openedAt
		stats.ReopensAt = b.openedAt.Add(b.pause)
	}
	return stats
}
