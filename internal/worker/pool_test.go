package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/circuit"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
)

func testPoolConfig() config.WorkerPoolConfig {
	return config.WorkerPoolConfig{
		MaxWorkers:     3,
		EnableParallel: true,
		TaskTimeoutMs:  10_000,
		RetryAttempts:  2,
		BatchSize:      3,
	}
}

func newTestPool(t *testing.T, cfg config.WorkerPoolConfig, handler Handler) *Pool {
	t.Helper()
	p := NewPool(cfg, circuit.NewBreaker(), events.NewBus(), zerolog.Nop())
	p.SetHandler(handler)
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestSubmitDeduplicatesWithinWindow(t *testing.T) {
	p := newTestPool(t, testPoolConfig(), func(ctx context.Context, task *SignalTask) error {
		return nil
	})

	first, err := p.Submit("BTC-USDT", 0)
	require.NoError(t, err)
	require.NotNil(t, first)

	_, err = p.Submit("BTC-USDT", 0)
	assert.Error(t, err, "duplicate symbol inside the dedupe window is rejected")

	_, err = p.Submit("ETH-USDT", 0)
	assert.NoError(t, err, "other symbols are unaffected")

	assert.Equal(t, int64(1), p.Stats().Deduplicated)
}

func TestQueueOrderedByPriorityThenAge(t *testing.T) {
	cfg := testPoolConfig()
	cfg.EnableParallel = false // one at a time makes the order observable

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	p := newTestPool(t, cfg, func(ctx context.Context, task *SignalTask) error {
		mu.Lock()
		order = append(order, task.Symbol)
		mu.Unlock()
		if task.Symbol == "BLOCK-USDT" {
			<-gate
		}
		return nil
	})

	// First task occupies the single worker while the rest queue up.
	_, err := p.Submit("BLOCK-USDT", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = p.Submit("LOW-USDT", 1)
	require.NoError(t, err)
	_, err = p.Submit("MID-USDT", 5)
	require.NoError(t, err)
	_, err = p.Submit("HIGH-USDT", 9)
	require.NoError(t, err)
	close(gate)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"BLOCK-USDT", "HIGH-USDT", "MID-USDT", "LOW-USDT"}, order)
}

func TestFailedTaskRetriesAtHead(t *testing.T) {
	var attempts int64
	p := newTestPool(t, testPoolConfig(), func(ctx context.Context, task *SignalTask) error {
		if atomic.AddInt64(&attempts, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	task, err := p.Submit("BTC-USDT", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Stats().Processed == 1
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	assert.Equal(t, 1, task.Retries)
	assert.Equal(t, int64(0), p.Stats().Failed)
}

func TestExhaustedRetriesFailTheTask(t *testing.T) {
	cfg := testPoolConfig()
	cfg.RetryAttempts = 1

	bus := events.NewBus()
	var failedEvents int64
	bus.Subscribe(events.EventTaskFailed, func(ev events.Event) {
		atomic.AddInt64(&failedEvents, 1)
	})

	p := NewPool(cfg, circuit.NewBreaker(), bus, zerolog.Nop())
	p.SetHandler(func(ctx context.Context, task *SignalTask) error {
		return errors.New("permanent")
	})
	p.Start()
	defer p.Stop()

	_, err := p.Submit("BTC-USDT", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&failedEvents) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestSubmitBeforeStartFails(t *testing.T) {
	p := NewPool(testPoolConfig(), circuit.NewBreaker(), events.NewBus(), zerolog.Nop())
	p.SetHandler(func(ctx context.Context, task *SignalTask) error { return nil })

	_, err := p.Submit("BTC-USDT", 0)
	require.Error(t, err, "a stopped pool accepts no work")
}

func TestConfiguredTaskTimeoutApplies(t *testing.T) {
	cfg := testPoolConfig()
	cfg.TaskTimeoutMs = 50
	cfg.RetryAttempts = 0

	p := newTestPool(t, cfg, func(ctx context.Context, task *SignalTask) error {
		<-ctx.Done()
		return ctx.Err()
	})

	_, err := p.Submit("BTC-USDT", 0)
	require.NoError(t, err)

	// The handler only returns on deadline; failing within 2 s proves the
	// 50 ms configured timeout won over the 10 s mode default.
	require.Eventually(t, func() bool {
		return p.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmitRejectedWhenQueueFull(t *testing.T) {
	gate := make(chan struct{})
	cfg := testPoolConfig()
	cfg.EnableParallel = false

	p := newTestPool(t, cfg, func(ctx context.Context, task *SignalTask) error {
		<-gate
		return nil
	})
	defer close(gate)

	var rejected int
	for i := 0; i < maxQueueSize+2; i++ {
		if _, err := p.Submit(fmt.Sprintf("SYM%d-USDT", i), 0); err != nil {
			rejected++
		}
	}

	assert.GreaterOrEqual(t, rejected, 1, "submissions past the cap are refused")
	assert.LessOrEqual(t, p.QueueDepth(), maxQueueSize)
}

func TestExpiredTasksAreDropped(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	cfg := testPoolConfig()
	cfg.EnableParallel = false

	p := newTestPool(t, cfg, func(ctx context.Context, task *SignalTask) error {
		<-gate
		return nil
	})

	_, err := p.Submit("BLOCK-USDT", 0)
	require.NoError(t, err)

	stale, err := p.Submit("STALE-USDT", 0)
	require.NoError(t, err)

	// Age the queued task past the expiry window.
	p.mu.Lock()
	stale.CreatedAt = time.Now().Add(-taskExpiry - time.Second)
	p.mu.Unlock()

	require.Eventually(t, func() bool {
		return p.Stats().Expired == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestBreakerOpensAndClearsQueue(t *testing.T) {
	bus := events.NewBus()
	var mu sync.Mutex
	var opened []events.Event
	bus.Subscribe(events.EventCircuitBreakerOpened, func(ev events.Event) {
		mu.Lock()
		opened = append(opened, ev)
		mu.Unlock()
	})

	cfg := testPoolConfig()
	cfg.RetryAttempts = 0
	cfg.EnableParallel = false

	p := NewPool(cfg, circuit.NewBreaker(), bus, zerolog.Nop())
	p.SetHandler(func(ctx context.Context, task *SignalTask) error {
		return &bingx.Error{Kind: bingx.KindRateLimited, Code: bingx.CodeRateLimited, Msg: "throttled"}
	})
	p.Start()
	defer p.Stop()

	// Five rate-limited failures trip the breaker.
	for i := 0; i < 8; i++ {
		_, _ = p.Submit(fmt.Sprintf("SYM%d-USDT", i), 0)
	}

	require.Eventually(t, func() bool {
		return p.Stats().Breaker.State == circuit.StateOpen
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return p.QueueDepth() == 0
	}, time.Second, 10*time.Millisecond, "queue cleared on trip")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(opened) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := opened[0]
	mu.Unlock()
	assert.Equal(t, true, ev.Data["isRateLimit"])
	assert.Equal(t, (10 * time.Minute).Milliseconds(), ev.Data["pauseMs"])
}

func TestUpdateConfigPreservesQueue(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	cfg := testPoolConfig()
	cfg.EnableParallel = false

	p := newTestPool(t, cfg, func(ctx context.Context, task *SignalTask) error {
		<-gate
		return nil
	})

	_, err := p.Submit("BLOCK-USDT", 0)
	require.NoError(t, err)
	_, err = p.Submit("A-USDT", 0)
	require.NoError(t, err)
	_, err = p.Submit("B-USDT", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.QueueDepth() == 2
	}, 2*time.Second, 10*time.Millisecond)

	cfg.EnableParallel = true
	p.UpdateConfig(cfg)
	assert.Equal(t, true, p.Stats().EnableParallel)
	// Queue survives the swap (tasks may start dispatching to the extra
	// workers immediately, so depth can only have shrunk by being run).
	assert.LessOrEqual(t, p.QueueDepth(), 2)
}
