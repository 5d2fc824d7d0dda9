// Package pool implements the worker pool manager: per-worker concurrency
// slots under a process-wide cap, per-class circuit breakers, and
// slot-leak recovery.
//
// A slot is a unit of concurrency budget; holding one allows exactly one
// job to run. Producers either fail fast (RequestSlot) or wait with
// backoff (WaitForSlot), which is what gives the pipeline its natural
// backpressure.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/steveyegge/cartograph/internal/storage"
)

var (
	// ErrCapacityExceeded is returned by RequestSlot when the global cap
	// or the per-worker cap is saturated.
	ErrCapacityExceeded = errors.New("pool: capacity exceeded")
	// ErrSlotTimeout is returned by WaitForSlot when the max wait
	// elapses without a slot becoming free.
	ErrSlotTimeout = errors.New("pool: slot wait timed out")
	// ErrCircuitOpen is returned when the worker's circuit breaker is
	// refusing work.
	ErrCircuitOpen = errors.New("pool: circuit breaker open")
	// ErrUnknownWorker is returned for an unregistered worker type.
	ErrUnknownWorker = errors.New("pool: unknown worker type")
	// ErrShutdown is returned once shutdown has begun.
	ErrShutdown = errors.New("pool: shut down")
)

const (
	DefaultGlobalCap     = 100
	DefaultMaxSlotWait   = 90 * time.Second
	DefaultSweepInterval = 60 * time.Second

	// Protective mode halves every worker's concurrency while any
	// breaker is open.
	protectiveFactor = 0.5

	backoffInitial = 100 * time.Millisecond
	backoffCap     = 2 * time.Second
)

// WorkerConfig declares one worker class.
type WorkerConfig struct {
	Concurrency      int
	MaxConcurrency   int
	FailureThreshold uint32
	ResetTimeout     time.Duration
	JobTimeout       time.Duration
}

// WorkerStatus is a point-in-time snapshot of one worker class.
type WorkerStatus struct {
	Type         string
	Concurrency  int
	Max          int
	Active       int
	Utilisation  float64
	BreakerState string
	Succeeded    uint64
	Failed       uint64
}

// Status is a snapshot of the whole pool.
type Status struct {
	GlobalCap    int
	GlobalActive int
	Protective   bool
	Workers      []WorkerStatus
}

type workerState struct {
	name        string
	cfg         WorkerConfig
	concurrency int // current target, adjusted by Scale and protective mode
	active      int
	succeeded   uint64
	failed      uint64
	breaker     *gobreaker.TwoStepCircuitBreaker
}

// effective returns the admission limit, halved in protective mode.
func (ws *workerState) effective(protective bool) int {
	if !protective {
		return ws.concurrency
	}
	return int(math.Max(1, math.Ceil(float64(ws.concurrency)*protectiveFactor)))
}

// Slot is a held unit of concurrency. Release it exactly once.
type Slot struct {
	workerType string
	mgr        *Manager
	done       func(success bool)
	released   bool
	mu         sync.Mutex
}

// Manager allocates worker slots and owns the circuit breakers.
type Manager struct {
	mu           sync.Mutex
	workers      map[string]*workerState
	globalActive int
	globalCap    int
	openBreakers map[string]bool
	shutdown     bool

	logger *slog.Logger
	sweep  *time.Ticker
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a manager with the given global concurrency cap and starts
// the slot-leak sweeper.
func New(globalCap int, logger *slog.Logger) *Manager {
	if globalCap <= 0 {
		globalCap = DefaultGlobalCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		workers:      make(map[string]*workerState),
		globalCap:    globalCap,
		openBreakers: make(map[string]bool),
		logger:       logger,
		sweep:        time.NewTicker(DefaultSweepInterval),
		doneCh:       make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// RegisterWorker declares a worker class with its concurrency budget and
// breaker settings.
func (m *Manager) RegisterWorker(workerType string, cfg WorkerConfig) error {
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("pool: worker %q: concurrency must be positive", workerType)
	}
	if cfg.MaxConcurrency < cfg.Concurrency {
		cfg.MaxConcurrency = cfg.Concurrency
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 5 * time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return ErrShutdown
	}
	if _, exists := m.workers[workerType]; exists {
		return fmt.Errorf("pool: worker %q already registered", workerType)
	}

	ws := &workerState{name: workerType, cfg: cfg, concurrency: cfg.Concurrency}
	ws.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        workerType,
		MaxRequests: 1, // half-open admits exactly one trial
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.onBreakerChange(name, from, to)
		},
	})
	m.workers[workerType] = ws
	return nil
}

func (m *Manager) onBreakerChange(name string, from, to gobreaker.State) {
	m.mu.Lock()
	if to == gobreaker.StateOpen {
		m.openBreakers[name] = true
	} else {
		delete(m.openBreakers, name)
	}
	protective := len(m.openBreakers) > 0
	m.mu.Unlock()
	m.logger.Warn("pool: circuit breaker state change",
		"worker", name, "from", from.String(), "to", to.String(),
		"protective_mode", protective)
}

// RequestSlot acquires a slot without blocking. Fails with
// ErrCapacityExceeded when the worker or global cap is saturated.
func (m *Manager) RequestSlot(ctx context.Context, workerType string) (*Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(workerType)
}

func (m *Manager) acquireLocked(workerType string) (*Slot, error) {
	if m.shutdown {
		return nil, ErrShutdown
	}
	ws, ok := m.workers[workerType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, workerType)
	}
	protective := len(m.openBreakers) > 0
	if m.globalActive >= m.globalCap || ws.active >= ws.effective(protective) {
		return nil, storage.Categorize(storage.CategoryCapacity,
			"wait for a running job to finish or raise the cap",
			fmt.Errorf("%w: worker %q at %d/%d, global %d/%d",
				ErrCapacityExceeded, workerType, ws.active,
				ws.effective(protective), m.globalActive, m.globalCap))
	}
	ws.active++
	m.globalActive++
	return &Slot{workerType: workerType, mgr: m}, nil
}

// WaitForSlot blocks for a slot with exponential backoff, up to maxWait
// (DefaultMaxSlotWait when zero). Cancellation of ctx aborts the wait.
func (m *Manager) WaitForSlot(ctx context.Context, workerType string, maxWait time.Duration) (*Slot, error) {
	if maxWait <= 0 {
		maxWait = DefaultMaxSlotWait
	}
	deadline := time.Now().Add(maxWait)
	delay := backoffInitial

	for {
		slot, err := m.RequestSlot(ctx, workerType)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, ErrCapacityExceeded) {
			return nil, err
		}
		if time.Now().Add(delay).After(deadline) {
			return nil, storage.Categorize(storage.CategoryCapacity,
				"the pool stayed saturated for the whole wait window",
				fmt.Errorf("%w: worker %q after %s", ErrSlotTimeout, workerType, maxWait))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > backoffCap {
			delay = backoffCap
		}
	}
}

// ReleaseSlot returns a slot and records the job outcome for the worker's
// circuit breaker. Double release is a no-op.
func (m *Manager) ReleaseSlot(slot *Slot, success bool) {
	m.release(slot, &success)
}

// releaseQuiet returns a slot without recording any outcome. Used when
// the job never ran, so neither the stats nor the breaker should hear
// about it.
func (m *Manager) releaseQuiet(slot *Slot) {
	m.release(slot, nil)
}

func (m *Manager) release(slot *Slot, outcome *bool) {
	if slot == nil {
		return
	}
	slot.mu.Lock()
	if slot.released {
		slot.mu.Unlock()
		return
	}
	slot.released = true
	done := slot.done
	slot.mu.Unlock()

	m.mu.Lock()
	if ws, ok := m.workers[slot.workerType]; ok {
		ws.active--
		if ws.active < 0 {
			ws.active = 0
		}
		if outcome != nil {
			if *outcome {
				ws.succeeded++
			} else {
				ws.failed++
			}
		}
	}
	m.globalActive--
	if m.globalActive < 0 {
		m.globalActive = 0
	}
	m.mu.Unlock()

	if done != nil && outcome != nil {
		done(*outcome)
	}
}

// breakerFailure reports whether err should count against the circuit
// breaker. Only infrastructure failures do: a validation or resolution
// error says the item was bad, not that the service is unhealthy.
func breakerFailure(err error) bool {
	if err == nil {
		return false
	}
	switch storage.CategoryOf(err) {
	case storage.CategoryValidation, storage.CategoryResolution, storage.CategoryCapacity:
		return false
	default:
		return true
	}
}

// ExecuteWithManagement runs op under full management: circuit breaker
// consultation, slot acquisition with wait, job timeout, and outcome
// recording. This is the composition workers use instead of wiring the
// pieces themselves.
func (m *Manager) ExecuteWithManagement(ctx context.Context, workerType string, op func(ctx context.Context) error) error {
	m.mu.Lock()
	ws, ok := m.workers[workerType]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, workerType)
	}

	// Fail fast on an open breaker without consuming a trial token; the
	// token is only taken once a slot is held, so a slot-wait failure
	// never feeds the breaker.
	if ws.breaker.State() == gobreaker.StateOpen {
		return storage.Categorize(storage.CategoryTransient,
			"wait for the breaker reset timeout",
			fmt.Errorf("%w: worker %q", ErrCircuitOpen, workerType))
	}

	slot, err := m.WaitForSlot(ctx, workerType, 0)
	if err != nil {
		return err
	}

	done, err := ws.breaker.Allow()
	if err != nil {
		// The breaker opened (or the half-open trial was taken) while we
		// waited for the slot. The op never ran.
		m.releaseQuiet(slot)
		return storage.Categorize(storage.CategoryTransient,
			"wait for the breaker reset timeout",
			fmt.Errorf("%w: worker %q: %v", ErrCircuitOpen, workerType, err))
	}
	slot.mu.Lock()
	slot.done = done
	slot.mu.Unlock()

	jobCtx := ctx
	if ws.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, ws.cfg.JobTimeout)
		defer cancel()
	}

	opErr := op(jobCtx)
	m.releaseWithOutcome(slot, opErr)
	return opErr
}

// releaseWithOutcome releases the slot, feeding the breaker only
// infrastructure failures.
func (m *Manager) releaseWithOutcome(slot *Slot, opErr error) {
	if breakerFailure(opErr) {
		m.ReleaseSlot(slot, false)
		return
	}
	// Slot stats still record non-nil errors as failures even when the
	// breaker ignores them.
	slot.mu.Lock()
	done := slot.done
	slot.done = nil
	slot.mu.Unlock()
	if done != nil {
		done(true)
	}
	m.ReleaseSlot(slot, opErr == nil)
}

// Scale changes a worker's target concurrency, clamped to
// [1, MaxConcurrency].
func (m *Manager) Scale(workerType string, target int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workers[workerType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownWorker, workerType)
	}
	if target < 1 {
		target = 1
	}
	if target > ws.cfg.MaxConcurrency {
		target = ws.cfg.MaxConcurrency
	}
	ws.concurrency = target
	return nil
}

// Status returns a snapshot of the pool.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		GlobalCap:    m.globalCap,
		GlobalActive: m.globalActive,
		Protective:   len(m.openBreakers) > 0,
	}
	for _, ws := range m.workers {
		util := 0.0
		if ws.concurrency > 0 {
			util = float64(ws.active) / float64(ws.concurrency)
		}
		st.Workers = append(st.Workers, WorkerStatus{
			Type:         ws.name,
			Concurrency:  ws.concurrency,
			Max:          ws.cfg.MaxConcurrency,
			Active:       ws.active,
			Utilisation:  util,
			BreakerState: ws.breaker.State().String(),
			Succeeded:    ws.succeeded,
			Failed:       ws.failed,
		})
	}
	return st
}

// sweepLoop periodically reconciles slot counters. A worker whose active
// count exceeds its declared concurrency leaked a release somewhere; the
// sweep clamps the counter back and logs it rather than letting the
// worker starve forever.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.sweep.C:
			m.sweepOnce()
		}
	}
}

func (m *Manager) sweepOnce() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ws := range m.workers {
		limit := ws.effective(len(m.openBreakers) > 0)
		if ws.active > limit {
			leaked := ws.active - limit
			m.logger.Warn("pool: clamping leaked slots",
				"worker", ws.name, "active", ws.active, "limit", limit)
			ws.active = limit
			m.globalActive -= leaked
		}
		if ws.active < 0 {
			ws.active = 0
		}
	}
	if m.globalActive < 0 {
		m.globalActive = 0
	}
}

// Shutdown stops admitting work, waits up to grace for active jobs to
// drain, and stops the sweeper. Returns an error when jobs were still
// active at the deadline.
func (m *Manager) Shutdown(ctx context.Context, grace time.Duration) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	close(m.doneCh)
	m.sweep.Stop()
	m.wg.Wait()

	deadline := time.Now().Add(grace)
	for {
		m.mu.Lock()
		active := m.globalActive
		m.mu.Unlock()
		if active == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pool: %d jobs still active after %s grace", active, grace)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
