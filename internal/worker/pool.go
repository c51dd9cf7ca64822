// Package worker runs symbol-analysis tasks through a bounded pool with
// deduplication, retries and a circuit breaker.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vtrpza/bingx-trading-bot-sub002/config"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/bingx"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/circuit"
	"github.com/vtrpza/bingx-trading-bot-sub002/internal/events"
)

const (
	dispatchTick = 100 * time.Millisecond
	taskExpiry   = 45 * time.Second

	dedupeParallel   = 15 * time.Second
	dedupeSequential = 30 * time.Second

	timeoutParallel   = 10 * time.Second
	timeoutSequential = 20 * time.Second

	hardParallelCap = 12
	maxQueueSize    = 100
)

// SignalTask is one queued symbol analysis.
type SignalTask struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Priority   int       `json:"priority"`
	CreatedAt  time.Time `json:"createdAt"`
	Retries    int       `json:"retries"`
	MaxRetries int       `json:"maxRetries"`
}

// Handler processes one task. The context carries the per-task deadline.
type Handler func(ctx context.Context, task *SignalTask) error

// PoolStats is the observable pool state.
type PoolStats struct {
	QueueDepth     int                  `json:"queueDepth"`
	ActiveWorkers  int                  `json:"activeWorkers"`
	Processed      int64                `json:"processed"`
	Failed         int64                `json:"failed"`
	Expired        int64                `json:"expired"`
	Deduplicated   int64                `json:"deduplicated"`
	EnableParallel bool                 `json:"enableParallel"`
	Breaker        circuit.BreakerStats `json:"breaker"`
}

// Pool dispatches queued tasks to workers every 100 ms. Parallel mode runs
// up to maxWorkers tasks at once; sequential mode runs one. Mode and limits
// can be swapped at runtime without losing the queue.
type Pool struct {
	handler Handler
	breaker *circuit.Breaker
	bus     *events.Bus
	log     zerolog.Logger

	mu         sync.Mutex
	cfg        config.WorkerPoolConfig
	queue      []*SignalTask
	recent     map[string]time.Time // symbol -> last accepted submit
	active     int
	processed  int64
	failed     int64
	expired    int64
	dedupeHits int64

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	taskWG   sync.WaitGroup
}

// NewPool creates a stopped pool.
func NewPool(cfg config.WorkerPoolConfig, breaker *circuit.Breaker, bus *events.Bus, logger zerolog.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.MaxWorkers > hardParallelCap {
		cfg.MaxWorkers = hardParallelCap
	}
	p := &Pool{
		breaker:  breaker,
		bus:      bus,
		cfg:      cfg,
		log:      logger.With().Str("component", "worker_pool").Logger(),
		recent:   make(map[string]time.Time),
		stopChan: make(chan struct{}),
	}
	breaker.OnOpen(p.onBreakerOpen)
	return p
}

// SetHandler installs the task processor. Must be called before Start.
func (p *Pool) SetHandler(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Start launches the dispatch loop.
func (p *Pool) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatchLoop()
	p.log.Info().Int("max_workers", p.cfg.MaxWorkers).Bool("parallel", p.cfg.EnableParallel).Msg("worker pool started")
}

// Stop halts dispatching, drops the queue and waits for in-flight tasks.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.queue = nil
	p.mu.Unlock()

	p.wg.Wait()
	p.taskWG.Wait()
	p.log.Info().Msg("worker pool stopped")
}

// Submit enqueues a symbol for analysis. Duplicate symbols inside the dedupe
// window are rejected.
func (p *Pool) Submit(symbol string, priority int) (*SignalTask, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil, fmt.Errorf("worker pool not running")
	}

	window := dedupeParallel
	if !p.cfg.EnableParallel {
		window = dedupeSequential
	}
	if last, ok := p.recent[symbol]; ok && time.Since(last) < window {
		p.dedupeHits++
		return nil, fmt.Errorf("duplicate task for %s within %s", symbol, window)
	}
	if len(p.queue) >= maxQueueSize {
		return nil, fmt.Errorf("task queue full (%d)", maxQueueSize)
	}

	task := &SignalTask{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Priority:   priority,
		CreatedAt:  time.Now(),
		MaxRetries: p.cfg.RetryAttempts,
	}
	p.recent[symbol] = task.CreatedAt
	p.queue = append(p.queue, task)
	p.sortQueueLocked()
	return task, nil
}

// UpdateConfig swaps pool parameters at runtime. Queued tasks survive the
// swap; mode-dependent windows and timeouts apply from the next dispatch.
func (p *Pool) UpdateConfig(cfg config.WorkerPoolConfig) {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 3
	}
	if cfg.MaxWorkers > hardParallelCap {
		cfg.MaxWorkers = hardParallelCap
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.log.Info().Int("max_workers", cfg.MaxWorkers).Bool("parallel", cfg.EnableParallel).Msg("worker pool reconfigured")
}

// sortQueueLocked orders the queue by priority descending, then age.
func (p *Pool) sortQueueLocked() {
	sort.SliceStable(p.queue, func(i, j int) bool {
		if p.queue[i].Priority != p.queue[j].Priority {
			return p.queue[i].Priority > p.queue[j].Priority
		}
		return p.queue[i].CreatedAt.Before(p.queue[j].CreatedAt)
	})
}

func (p *Pool) dispatchLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.dispatch()
		case <-p.stopChan:
			return
		}
	}
}

func (p *Pool) dispatch() {
	if !p.breaker.Allow() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for sym, at := range p.recent {
		if now.Sub(at) > dedupeSequential {
			delete(p.recent, sym)
		}
	}

	limit := 1
	timeout := timeoutSequential
	if p.cfg.EnableParallel {
		limit = p.cfg.MaxWorkers
		timeout = timeoutParallel
	}
	// A configured task timeout overrides the mode default.
	if p.cfg.TaskTimeoutMs > 0 {
		timeout = p.cfg.TaskTimeout()
	}

	for p.active < limit && len(p.queue) > 0 {
		task := p.queue[0]
		p.queue = p.queue[1:]

		if now.Sub(task.CreatedAt) > taskExpiry {
			p.expired++
			p.log.Debug().Str("symbol", task.Symbol).Str("task_id", task.ID).Msg("task expired in queue")
			continue
		}

		p.active++
		p.taskWG.Add(1)
		go p.run(task, timeout)
	}
}

func (p *Pool) run(task *SignalTask, timeout time.Duration) {
	defer p.taskWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	err := p.handler(ctx, task)
	cancel()

	p.mu.Lock()
	p.active--
	p.mu.Unlock()

	if err == nil {
		p.mu.Lock()
		p.processed++
		p.mu.Unlock()
		p.breaker.RecordSuccess()
		return
	}

	if task.Retries < task.MaxRetries {
		task.Retries++
		p.mu.Lock()
		if p.running {
			// Retries jump the queue so a transient failure is retried
			// before new work.
			p.queue = append([]*SignalTask{task}, p.queue...)
		}
		p.mu.Unlock()
		p.log.Debug().Str("symbol", task.Symbol).Int("retry", task.Retries).Err(err).Msg("task retrying")
		return
	}

	p.mu.Lock()
	p.failed++
	p.mu.Unlock()

	p.log.Warn().Str("symbol", task.Symbol).Str("task_id", task.ID).Err(err).Msg("task failed")
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type: events.EventTaskFailed,
			Data: map[string]interface{}{
				"task_id": task.ID,
				"symbol":  task.Symbol,
				"error":   err.Error(),
			},
		})
	}
	p.breaker.RecordFailure(bingx.IsRateLimited(err))
}

// onBreakerOpen clears the queue and announces the pause.
func (p *Pool) onBreakerOpen(isRateLimit bool, pause time.Duration, consecutiveErrors int) {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.mu.Unlock()

	p.log.Warn().
		Bool("rate_limited", isRateLimit).
		Dur("pause", pause).
		Int("consecutive_errors", consecutiveErrors).
		Int("dropped", dropped).
		Msg("circuit breaker opened, queue cleared")

	if p.bus != nil {
		p.bus.PublishCircuitBreakerOpened(isRateLimit, pause.Milliseconds(), consecutiveErrors)
	}
}

// QueueDepth returns the number of queued tasks.
func (p *Pool) QueueDepth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns the observable pool state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		QueueDepth:     len(p.queue),
		ActiveWorkers:  p.active,
		Processed:      p.processed,
		Failed:         p.failed,
		Expired:        p.expired,
		Deduplicated:   p.dedupeHits,
		EnableParallel: p.cfg.EnableParallel,
		Breaker:        p.breaker.Stats(),
	}
}
