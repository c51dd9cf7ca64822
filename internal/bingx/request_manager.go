package bingx

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Priority orders pending requests. Higher values dispatch first; within a
// priority the queue is FIFO.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultWindowCap = 100
	defaultWindow    = 10 * time.Second
	dispatchTick     = 50 * time.Millisecond
	initialBackoff   = time.Second
	maxBackoff       = 60 * time.Second
)

// ManagerStats is the observable state of the request manager.
type ManagerStats struct {
	CurrentRequests    int   `json:"currentRequests"`
	RemainingRequests  int   `json:"remainingRequests"`
	WindowMs           int64 `json:"windowMs"`
	OldestRequestAgeMs int64 `json:"oldestRequestAgeMs"`
}

type requestFunc func(ctx context.Context) ([]byte, error)

// call carries one underlying exchange call. Several waiters may share it
// when single-flight coalesces identical GETs.
type call struct {
	done chan struct{}
	body []byte
	err  error
}

type pendingRequest struct {
	key        string
	priority   Priority
	enqueuedAt time.Time
	ctx        context.Context
	fn         requestFunc
	call       *call
	shared     bool
}

// RequestManager serializes every outbound exchange call through a priority
// queue under a sliding-window budget. It owns the window and the in-flight
// table; nothing outside this package touches them.
type RequestManager struct {
	mu        sync.Mutex
	queues    [3][]*pendingRequest // indexed by Priority
	inFlight  map[string]*call
	window    []time.Time
	windowCap int
	windowDur time.Duration

	backoff      time.Duration
	backoffUntil time.Time

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// NewRequestManager creates a manager with the given window budget. Zero
// values fall back to the defaults (100 requests / 10 s).
func NewRequestManager(windowCap int, windowDur time.Duration, logger zerolog.Logger) *RequestManager {
	if windowCap <= 0 {
		windowCap = defaultWindowCap
	}
	if windowDur <= 0 {
		windowDur = defaultWindow
	}
	return &RequestManager{
		inFlight:  make(map[string]*call),
		windowCap: windowCap,
		windowDur: windowDur,
		stopChan:  make(chan struct{}),
		log:       logger.With().Str("component", "request_manager").Logger(),
	}
}

// Start launches the dispatch loop.
func (m *RequestManager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatchLoop()
	m.log.Info().Int("window_cap", m.windowCap).Dur("window", m.windowDur).Msg("request manager started")
}

// Stop halts dispatching and fails every queued request. In-flight calls are
// allowed to finish; their results reach any waiter that is still listening.
func (m *RequestManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	var abandoned []*pendingRequest
	for i := range m.queues {
		abandoned = append(abandoned, m.queues[i]...)
		m.queues[i] = nil
	}
	for _, p := range abandoned {
		if p.shared {
			delete(m.inFlight, p.key)
		}
	}
	m.mu.Unlock()

	stopErr := &Error{Kind: KindNetwork, Msg: "request manager stopped"}
	for _, p := range abandoned {
		p.call.err = stopErr
		close(p.call.done)
	}
	m.wg.Wait()
	m.log.Info().Msg("request manager stopped")
}

// Submit enqueues an exchange call and blocks until it completes, the
// context ends, or the manager stops.
func (m *RequestManager) Submit(ctx context.Context, key string, priority Priority, fn requestFunc) ([]byte, error) {
	return m.submit(ctx, key, priority, fn, false)
}

// SubmitShared is Submit with single-flight semantics: if an identical key
// is already queued or in flight, the caller joins it and shares the result.
// Only safe for idempotent GETs.
func (m *RequestManager) SubmitShared(ctx context.Context, key string, priority Priority, fn requestFunc) ([]byte, error) {
	return m.submit(ctx, key, priority, fn, true)
}

func (m *RequestManager) submit(ctx context.Context, key string, priority Priority, fn requestFunc, shared bool) ([]byte, error) {
	if priority < PriorityLow || priority > PriorityHigh {
		priority = PriorityNormal
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, &Error{Kind: KindNetwork, Msg: "request manager not running"}
	}
	if shared {
		if c, ok := m.inFlight[key]; ok {
			m.mu.Unlock()
			return m.await(ctx, c)
		}
	}
	c := &call{done: make(chan struct{})}
	if shared {
		m.inFlight[key] = c
	}
	p := &pendingRequest{
		key:        key,
		priority:   priority,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		fn:         fn,
		call:       c,
		shared:     shared,
	}
	m.queues[priority] = append(m.queues[priority], p)
	m.mu.Unlock()

	return m.await(ctx, c)
}

func (m *RequestManager) await(ctx context.Context, c *call) ([]byte, error) {
	select {
	case <-c.done:
		return c.body, c.err
	case <-ctx.Done():
		// The underlying call, if dispatched, still completes for other
		// joiners; this waiter's result is discarded.
		return nil, ctx.Err()
	}
}

func (m *RequestManager) dispatchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dispatch()
		case <-m.stopChan:
			return
		}
	}
}

// dispatch admits requests while the sliding window has budget.
func (m *RequestManager) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.Before(m.backoffUntil) {
		return
	}
	m.pruneWindowLocked(now)

	for len(m.window) < m.windowCap {
		p := m.popLocked()
		if p == nil {
			return
		}
		if p.ctx.Err() != nil {
			if p.shared {
				delete(m.inFlight, p.key)
			}
			p.call.err = p.ctx.Err()
			close(p.call.done)
			continue
		}
		m.window = append(m.window, now)
		m.wg.Add(1)
		go m.execute(p)
	}
}

// popLocked returns the next request: HIGH before NORMAL before LOW, FIFO
// within a priority.
func (m *RequestManager) popLocked() *pendingRequest {
	for prio := PriorityHigh; prio >= PriorityLow; prio-- {
		q := m.queues[prio]
		if len(q) == 0 {
			continue
		}
		p := q[0]
		m.queues[prio] = q[1:]
		return p
	}
	return nil
}

func (m *RequestManager) execute(p *pendingRequest) {
	defer m.wg.Done()

	body, err := p.fn(p.ctx)

	m.mu.Lock()
	if p.shared {
		delete(m.inFlight, p.key)
	}
	switch {
	case err != nil && IsRateLimited(err):
		if m.backoff == 0 {
			m.backoff = initialBackoff
		} else {
			m.backoff *= 2
			if m.backoff > maxBackoff {
				m.backoff = maxBackoff
			}
		}
		m.backoffUntil = time.Now().Add(m.backoff)
		m.log.Warn().Str("key", p.key).Dur("backoff", m.backoff).Msg("rate limited, backing off dispatch")
	case err == nil:
		m.backoff = 0
	}
	m.mu.Unlock()

	p.call.body = body
	p.call.err = err
	close(p.call.done)
}

func (m *RequestManager) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-m.windowDur)
	i := 0
	for i < len(m.window) && !m.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		m.window = m.window[i:]
	}
}

// Stats returns the observable window state for monitors.
func (m *RequestManager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.pruneWindowLocked(now)

	stats := ManagerStats{
		CurrentRequests:   len(m.window),
		RemainingRequests: m.windowCap - len(m.window),
		WindowMs:          m.windowDur.Milliseconds(),
	}
	if len(m.window) > 0 {
		stats.OldestRequestAgeMs = now.Sub(m.window[0]).Milliseconds()
	}
	return stats
}

// QueueDepth returns the number of queued (not yet dispatched) requests.
func (m *RequestManager) QueueDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[PriorityLow]) + len(m.queues[PriorityNormal]) + len(m.queues[PriorityHigh])
}
