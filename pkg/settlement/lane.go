package settlement

import (
	"context"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/circuitbreaker"
	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Adapter operation labels used in metrics and logs
const (
	opLock       = "lock"
	opFindLock   = "find_lock"
	opClaim      = "claim"
	opRefund     = "refund"
	opBalanceOf  = "balance_of"
	opFindSecret = "find_secret"
	opChainTime  = "chain_time"
	opRelayerBal = "relayer_balance"
	opPing       = "ping"
)

// lane serializes access to one chain: circuit breaker, rate limit and
// a bound on concurrent in-flight calls
type lane struct {
	chain   models.Chain
	adapter chains.Adapter
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  logger.Logger
}

func newLane(adapter chains.Adapter, breaker *circuitbreaker.CircuitBreaker, ratePerSecond float64, concurrency int, log logger.Logger) *lane {
	limit := rate.Limit(ratePerSecond)
	burst := int(ratePerSecond)
	if ratePerSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &lane{
		chain:   adapter.Chain(),
		adapter: adapter,
		breaker: breaker,
		limiter: rate.NewLimiter(limit, burst),
		sem:     semaphore.NewWeighted(int64(concurrency)),
		logger:  log,
	}
}

// call runs fn against the chain. An open breaker short-circuits with
// errCircuitOpen and nothing is sent to the chain.
func (l *lane) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if l.breaker.IsOpen() {
		metrics.ChainCallsSkipped.WithLabelValues(string(l.chain), op).Inc()
		return errCircuitOpen
	}
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	start := time.Now()
	err := fn(ctx)
	metrics.ChainCallDuration.WithLabelValues(string(l.chain), op).Observe(time.Since(start).Seconds())

	if err != nil {
		class := chains.ClassOf(err)
		metrics.ChainErrors.WithLabelValues(string(l.chain), op, class.String()).Inc()
		if class == chains.ClassTransient && ctx.Err() == nil {
			if l.breaker.RecordFailure() {
				failureCount, _, failureWindow, _ := l.breaker.GetState()
				l.logger.ErrorWithChain(l.chain, "Circuit breaker open after %d failures in %v", failureCount, failureWindow)
			}
		}
	}
	return err
}

// chainTime returns the chain's clock when the adapter exposes one, else now
func (l *lane) chainTime(ctx context.Context, now time.Time) time.Time {
	clock, ok := l.adapter.(chains.ChainClock)
	if !ok {
		return now
	}
	var t time.Time
	err := l.call(ctx, opChainTime, func(ctx context.Context) error {
		var err error
		t, err = clock.ChainTime(ctx)
		return err
	})
	if err != nil {
		l.logger.DebugWithChain(l.chain, "Falling back to local clock: %v", err)
		return now
	}
	return t
}
