package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

const metricsUpdateInterval = 30 * time.Second

// startMetricsUpdater refreshes gauges until ctx is done
func (e *Engine) startMetricsUpdater(ctx context.Context) {
	e.logger.Info("Starting metrics updater")
	e.UpdateMetrics(ctx)

	ticker := time.NewTicker(metricsUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Metrics updater shutting down")
			return
		case <-ticker.C:
			e.UpdateMetrics(ctx)
		}
	}
}

// UpdateMetrics refreshes the intent gauges and the relayer balance of every chain
func (e *Engine) UpdateMetrics(ctx context.Context) {
	active := make(map[models.Status]int)
	stuck := make(map[models.Chain]int)
	for _, intent := range e.registry.Active() {
		active[intent.Status]++
		if intent.Status == models.StatusDestClaimed && e.cfg.Retry.ClaimAlertThreshold > 0 &&
			intent.Retry.ClaimAttempts >= e.cfg.Retry.ClaimAlertThreshold {
			stuck[intent.Direction.Source]++
		}
	}
	for _, status := range []models.Status{
		models.StatusPending,
		models.StatusSourceLocked,
		models.StatusDestFilled,
		models.StatusDestClaimed,
	} {
		metrics.ActiveIntents.WithLabelValues(string(status)).Set(float64(active[status]))
	}

	for chain, l := range e.lanes {
		metrics.StuckClaims.WithLabelValues(string(chain)).Set(float64(stuck[chain]))

		var balance *big.Int
		err := l.call(ctx, opRelayerBal, func(ctx context.Context) error {
			var err error
			balance, err = l.adapter.RelayerBalance(ctx)
			return err
		})
		if err != nil {
			e.logger.DebugWithChain(chain, "Failed to update relayer balance: %v", err)
			continue
		}

		value, _ := decimal.NewFromBigInt(balance, -chain.Decimals()).Float64()
		metrics.RelayerBalance.WithLabelValues(string(chain)).Set(value)
		e.logger.DebugWithChain(chain, "Relayer balance: %s", chain.FormatAmount(balance))
	}
}
