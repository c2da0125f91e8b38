// Package settlement drives swap intents from the maker's source lock to the
// relayer's source claim, one HTLC leg at a time.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/htlc-relayer/pkg/config"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/speedrun-hq/htlc-relayer/pkg/registry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Engine owns every state transition of the intents in its registry.
// Only the worker holding an intent's in-flight flag writes it back.
type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	lanes    map[models.Chain]*lane
	breakers map[models.Chain]*circuitbreaker.CircuitBreaker
	logger   logger.Logger
	now      func() time.Time
	workers  int

	// slots caps intents processed at once across the pool and the sweep
	slots *semaphore.Weighted
	jobs  chan string

	mu       sync.Mutex
	inFlight map[string]bool
	rerun    map[string]bool
	secrets  map[string]common.Hash
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces the wall clock used for timelock decisions
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a settlement engine over the given adapters
func NewEngine(
	cfg *config.Config,
	reg *registry.Registry,
	adapters map[models.Chain]chains.Adapter,
	log logger.Logger,
	opts ...Option,
) *Engine {
	workers := cfg.WorkerCount
	if workers < 1 {
		workers = config.DefaultWorkerCount
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		lanes:    make(map[models.Chain]*lane),
		breakers: make(map[models.Chain]*circuitbreaker.CircuitBreaker),
		logger:   log,
		now:      time.Now,
		workers:  workers,
		slots:    semaphore.NewWeighted(int64(workers)),
		jobs:     make(chan string, 100), // Buffer for triggered intents
		inFlight: make(map[string]bool),
		rerun:    make(map[string]bool),
		secrets:  make(map[string]common.Hash),
	}

	for chain, adapter := range adapters {
		breaker := circuitbreaker.NewCircuitBreaker(
			chain,
			cfg.CircuitBreaker.Enabled,
			cfg.CircuitBreaker.Threshold,
			cfg.CircuitBreaker.WindowDuration,
			cfg.CircuitBreaker.ResetTimeout,
			log,
		)
		e.breakers[chain] = breaker
		e.lanes[chain] = newLane(adapter, breaker, cfg.ChainRateLimit, cfg.ChainMaxConcurrency, log)
	}

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Breakers returns the circuit breaker of every configured chain
func (e *Engine) Breakers() map[models.Chain]*circuitbreaker.CircuitBreaker {
	return e.breakers
}

// Start runs the worker pool, the periodic sweep and the metrics updater until ctx is done
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Notice("Starting worker pool with %d workers", e.workers)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.worker(ctx, id)
		}(i)
	}

	go e.startMetricsUpdater(ctx)

	interval := e.cfg.PollingInterval
	if interval <= 0 {
		interval = config.DefaultPollingInterval * time.Second
	}
	e.logger.Info("Starting settlement engine with polling interval %v", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			e.logger.Notice("Context cancelled, shutting down settlement engine")
			wg.Wait() // Wait for all workers to finish
			return nil
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep processes every active intent once and returns when all are done
func (e *Engine) Sweep(ctx context.Context) {
	start := time.Now()
	intents := e.registry.Active()
	if len(intents) > 0 {
		e.logger.Debug("Sweeping %d active intents", len(intents))
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, intent := range intents {
		id := intent.ID
		g.Go(func() error {
			e.run(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
}

// Trigger schedules an intent for processing outside the periodic sweep
func (e *Engine) Trigger(id string) {
	select {
	case e.jobs <- id:
	default:
		e.logger.Debug("Job queue full, intent %s waits for the next sweep", id)
	}
}

// Cancel fails an intent that is still waiting for its source lock
func (e *Engine) Cancel(id string) (*models.Intent, error) {
	if !e.acquire(id) {
		return nil, ErrIntentBusy
	}
	defer e.release(id)

	intent, err := e.registry.Get(id)
	if err != nil {
		return nil, ErrIntentNotFound
	}
	if intent.Status != models.StatusPending {
		return nil, ErrNotCancellable
	}

	next := intent.Clone()
	fail(next, models.FailureCancelled, "cancelled before the source lock was confirmed")
	if err := e.save(intent, next); err != nil {
		return nil, err
	}
	return next, nil
}

// worker processes triggered intents
func (e *Engine) worker(ctx context.Context, id int) {
	e.logger.Debug("Starting worker %d", id)
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("Worker %d shutting down", id)
			return
		case intentID := <-e.jobs:
			e.run(ctx, intentID)
		}
	}
}

// run processes one intent unless another worker already holds it, in which
// case that worker runs it once more when it is done
func (e *Engine) run(ctx context.Context, id string) {
	if !e.acquire(id) {
		return
	}
	for {
		if err := e.slots.Acquire(ctx, 1); err != nil {
			e.mu.Lock()
			delete(e.rerun, id)
			delete(e.inFlight, id)
			e.mu.Unlock()
			return
		}
		e.process(ctx, id)
		e.slots.Release(1)

		e.mu.Lock()
		again := e.rerun[id] && ctx.Err() == nil
		delete(e.rerun, id)
		if !again {
			delete(e.inFlight, id)
		}
		e.mu.Unlock()
		if !again {
			return
		}
	}
}

// acquire takes the in-flight flag of id, or records a rerun request when it is taken
func (e *Engine) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[id] {
		e.rerun[id] = true
		return false
	}
	e.inFlight[id] = true
	return true
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	again := e.rerun[id]
	delete(e.rerun, id)
	delete(e.inFlight, id)
	e.mu.Unlock()
	if again {
		e.Trigger(id)
	}
}
