package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpensAtGeneralThreshold(t *testing.T) {
	b := NewBreaker()

	for i := 0; i < generalThreshold-1; i++ {
		assert.False(t, b.RecordFailure(false), "failure %d must not trip", i+1)
		assert.True(t, b.Allow())
	}
	assert.True(t, b.RecordFailure(false), "threshold failure trips the breaker")
	assert.False(t, b.Allow())

	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.Equal(t, generalPause.Milliseconds(), stats.PauseMs)
	assert.False(t, stats.IsRateLimit)
}

func TestRateLimitedTripsFasterAndPausesLonger(t *testing.T) {
	b := NewBreaker()

	for i := 0; i < rateLimitThreshold-1; i++ {
		assert.False(t, b.RecordFailure(true))
	}
	assert.True(t, b.RecordFailure(true))

	stats := b.Stats()
	assert.Equal(t, StateOpen, stats.State)
	assert.True(t, stats.IsRateLimit)
	assert.Equal(t, rateLimitPause.Milliseconds(), stats.PauseMs)
}

func TestMixedFailuresUseRateLimitThreshold(t *testing.T) {
	b := NewBreaker()

	// One rate-limited failure marks the streak; the lower threshold applies.
	b.RecordFailure(true)
	b.RecordFailure(false)
	b.RecordFailure(false)
	b.RecordFailure(false)
	assert.True(t, b.RecordFailure(false), "5th failure of a rate-limited streak trips")
}

func TestSuccessResetsStreak(t *testing.T) {
	b := NewBreaker()

	for i := 0; i < generalThreshold-1; i++ {
		b.RecordFailure(false)
	}
	b.RecordSuccess()
	assert.False(t, b.RecordFailure(false), "streak restarted")
	assert.Equal(t, 1, b.Stats().ConsecutiveErrors)
}

func TestClosesAfterPauseAndResetsCounter(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < generalThreshold; i++ {
		b.RecordFailure(false)
	}
	require.False(t, b.Allow())

	// Rewind the trip time instead of waiting out the pause.
	b.mu.Lock()
	b.openedAt = time.Now().Add(-generalPause)
	b.mu.Unlock()

	assert.True(t, b.Allow(), "expired pause closes the breaker")
	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Zero(t, stats.ConsecutiveErrors)
}

func TestOnOpenFiresOncePerTrip(t *testing.T) {
	b := NewBreaker()

	var trips int
	var gotPause time.Duration
	b.OnOpen(func(isRateLimit bool, pause time.Duration, consecutiveErrors int) {
		trips++
		gotPause = pause
	})

	for i := 0; i < generalThreshold; i++ {
		b.RecordFailure(false)
	}
	// Failures while open are ignored.
	b.RecordFailure(false)
	b.RecordFailure(false)

	assert.Equal(t, 1, trips)
	assert.Equal(t, generalPause, gotPause)
}

func TestResetForceCloses(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < generalThreshold; i++ {
		b.RecordFailure(false)
	}
	require.False(t, b.Allow())

	b.Reset()
	assert.True(t, b.Allow())
	assert.Zero(t, b.Stats().ConsecutiveErrors)
}
