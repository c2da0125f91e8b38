package settlement

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/chains"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// maxStepsPerPass bounds how far one pass can advance an intent
const maxStepsPerPass = 5

// process advances one intent while it keeps making progress
func (e *Engine) process(ctx context.Context, id string) {
	intent, err := e.registry.Get(id)
	if err != nil {
		e.logger.Debug("Intent %s no longer tracked: %v", id, err)
		e.dropSecret(id)
		return
	}
	if intent.Status.IsTerminal() {
		e.dropSecret(id)
		return
	}

	start := time.Now()
	defer func() {
		metrics.IntentProcessingTime.WithLabelValues(intent.Direction.String()).Observe(time.Since(start).Seconds())
	}()

	for i := 0; i < maxStepsPerPass && ctx.Err() == nil; i++ {
		next := intent.Clone()
		dirty := e.absorbSecret(next)
		if e.step(ctx, next) {
			dirty = true
		}
		if !dirty {
			return
		}
		if err := e.save(intent, next); err != nil {
			e.logger.Error("Failed to store intent %s: %v", id, err)
			return
		}
		if next.Status == intent.Status || next.Status.IsTerminal() {
			return
		}
		intent = next
	}
}

// step performs the action due in the intent's current status and reports
// whether the intent changed
func (e *Engine) step(ctx context.Context, intent *models.Intent) bool {
	switch intent.Status {
	case models.StatusPending:
		return e.confirmSourceLock(ctx, intent)
	case models.StatusSourceLocked:
		return e.fillDestination(ctx, intent)
	case models.StatusDestFilled:
		return e.resolveDestination(ctx, intent)
	case models.StatusDestClaimed:
		return e.claimSource(ctx, intent)
	}
	return false
}

// confirmSourceLock moves PENDING to SOURCE_LOCKED once the maker's lock holds the sell amount
func (e *Engine) confirmSourceLock(ctx context.Context, intent *models.Intent) bool {
	src, ok := e.lanes[intent.Direction.Source]
	if !ok {
		fail(intent, models.FailureChainRejected, fmt.Sprintf("chain %s is not configured", intent.Direction.Source))
		return true
	}
	if e.now().Unix() >= intent.SourceTimelock {
		fail(intent, models.FailureExpired, "source lock not confirmed before the source timelock")
		return true
	}

	var balance *big.Int
	err := src.call(ctx, opBalanceOf, func(ctx context.Context) error {
		var err error
		balance, err = src.adapter.BalanceOf(ctx, intent.SourceRef)
		return err
	})
	if err != nil {
		if skipped(ctx, err) {
			return false
		}
		if chains.ClassOf(err) == chains.ClassFatal {
			fail(intent, models.FailureChainRejected, err.Error())
			return true
		}
		e.logger.DebugWithChain(src.chain, "Source lock check for intent %s failed: %v", intent.ID, err)
		return noteError(intent, err)
	}

	if balance.Cmp(intent.SellAmount) < 0 {
		e.logger.DebugWithChain(src.chain, "Source lock of intent %s holds %s, waiting for %s",
			intent.ID, balance, intent.SellAmount)
		return false
	}

	e.logger.InfoWithChain(src.chain, "Source lock of intent %s confirmed: %s",
		intent.ID, src.chain.FormatAmount(balance))
	intent.Status = models.StatusSourceLocked
	intent.Retry.LastError = ""
	return true
}

// fillDestination locks the buy amount for the maker on the destination chain
func (e *Engine) fillDestination(ctx context.Context, intent *models.Intent) bool {
	dst, ok := e.lanes[intent.Direction.Destination]
	if !ok {
		fail(intent, models.FailureChainRejected, fmt.Sprintf("chain %s is not configured", intent.Direction.Destination))
		return true
	}
	if e.now().Unix() >= intent.DestTimelock {
		fail(intent, models.FailureExpired, "destination timelock passed before the fill")
		return true
	}

	req := chains.LockRequest{
		Recipient: intent.Recipient,
		Hashlock:  intent.Hashlock,
		Amount:    intent.BuyAmount,
		Timelock:  intent.DestTimelock,
		Token:     intent.BuyToken,
	}

	// A previous attempt may have landed even though it reported an error
	if intent.Retry.FillRetries > 0 {
		if prober, ok := dst.adapter.(chains.LockProber); ok {
			var receipt *chains.LockReceipt
			err := dst.call(ctx, opFindLock, func(ctx context.Context) error {
				var err error
				receipt, err = prober.FindLock(ctx, req)
				return err
			})
			if err != nil {
				if skipped(ctx, err) {
					return false
				}
				e.logger.ErrorWithChain(dst.chain, "Could not check for an earlier fill of intent %s: %v", intent.ID, err)
				return noteError(intent, err)
			}
			if receipt != nil {
				e.logger.NoticeWithChain(dst.chain, "Adopting earlier fill of intent %s in tx %s", intent.ID, receipt.TxID)
				markFilled(intent, receipt)
				return true
			}
		}
	}

	var receipt *chains.LockReceipt
	err := dst.call(ctx, opLock, func(ctx context.Context) error {
		var err error
		receipt, err = dst.adapter.Lock(ctx, req)
		return err
	})
	if err == nil {
		e.logger.InfoWithChain(dst.chain, "Filled intent %s: locked %s for %s in tx %s",
			intent.ID, dst.chain.FormatAmount(intent.BuyAmount), intent.Recipient, receipt.TxID)
		markFilled(intent, receipt)
		return true
	}
	if skipped(ctx, err) {
		return false
	}

	intent.Retry.LastError = err.Error()
	switch chains.ClassOf(err) {
	case chains.ClassInsufficientBalance:
		e.logger.ErrorWithChain(dst.chain, "Relayer balance too low to fill intent %s: %v", intent.ID, err)
		fail(intent, models.FailureInsufficientBalance, err.Error())
	case chains.ClassFatal:
		e.logger.ErrorWithChain(dst.chain, "Fill of intent %s rejected: %v", intent.ID, err)
		fail(intent, models.FailureChainRejected, err.Error())
	default:
		intent.Retry.FillRetries++
		metrics.FillRetries.WithLabelValues(intent.Direction.String()).Inc()
		if intent.Retry.FillRetries >= e.maxFillRetries() {
			e.logger.ErrorWithChain(dst.chain, "Giving up on intent %s after %d fill attempts: %v",
				intent.ID, intent.Retry.FillRetries, err)
			fail(intent, models.FailureTransientChainError,
				fmt.Sprintf("fill failed after %d attempts: %v", intent.Retry.FillRetries, err))
		} else {
			e.logger.InfoWithChain(dst.chain, "Fill of intent %s failed (attempt %d/%d): %v",
				intent.ID, intent.Retry.FillRetries, e.maxFillRetries(), err)
		}
	}
	return true
}

// resolveDestination waits for the maker's claim of the destination lock and
// refunds it once it expires unclaimed
func (e *Engine) resolveDestination(ctx context.Context, intent *models.Intent) bool {
	dst, ok := e.lanes[intent.Direction.Destination]
	if !ok {
		return false
	}

	dirty := false
	if intent.Secret == nil {
		var revealed *chains.RevealedSecret
		err := dst.call(ctx, opFindSecret, func(ctx context.Context) error {
			var err error
			revealed, err = dst.adapter.FindRevealedSecret(ctx, intent.DestRef)
			return err
		})
		switch {
		case err != nil:
			if skipped(ctx, err) {
				return false
			}
			e.logger.DebugWithChain(dst.chain, "Secret lookup for intent %s failed: %v", intent.ID, err)
			dirty = noteError(intent, err)
		case revealed != nil && models.SecretMatches(intent.Hashlock, revealed.Secret):
			intent.Txs.DestClaim = revealed.TxID
			e.acceptSecret(intent, revealed.Secret, models.SecretFromChain)
		case revealed != nil:
			metrics.SecretMismatches.WithLabelValues(intent.Direction.String(), models.SecretFromChain).Inc()
			e.logger.ErrorWithChain(dst.chain, "Ignoring secret from tx %s for intent %s: hash mismatch",
				revealed.TxID, intent.ID)
		}
	}

	if intent.Secret != nil {
		intent.Status = models.StatusDestClaimed
		intent.Retry.LastError = ""
		intent.Retry.NextAttempt = time.Time{}
		return true
	}

	now := e.now()
	if dst.chainTime(ctx, now).Unix() <= intent.DestTimelock {
		return dirty
	}
	return e.refundDestination(ctx, intent, dst, now) || dirty
}

func (e *Engine) refundDestination(ctx context.Context, intent *models.Intent, dst *lane, now time.Time) bool {
	if now.Before(intent.Retry.NextAttempt) {
		return false
	}

	var txID string
	err := dst.call(ctx, opRefund, func(ctx context.Context) error {
		var err error
		txID, err = dst.adapter.Refund(ctx, intent.DestRef)
		return err
	})
	if err == nil {
		metrics.Refunds.WithLabelValues(string(dst.chain), "success").Inc()
		e.logger.NoticeWithChain(dst.chain, "Refunded expired fill of intent %s in tx %s", intent.ID, txID)
		intent.Txs.DestRefund = txID
		intent.Status = models.StatusRefunded
		intent.Retry.LastError = ""
		return true
	}
	if skipped(ctx, err) {
		return false
	}

	metrics.Refunds.WithLabelValues(string(dst.chain), "failed").Inc()
	intent.Retry.RefundAttempts++
	intent.Retry.LastError = err.Error()
	intent.Retry.NextAttempt = now.Add(claimBackoff(intent.Retry.RefundAttempts, e.cfg.Retry.ClaimBackoff, e.cfg.Retry.ClaimBackoffMax))
	e.logger.ErrorWithChain(dst.chain, "Refund of intent %s failed (attempt %d): %v",
		intent.ID, intent.Retry.RefundAttempts, err)
	return true
}

// claimSource redeems the maker's source lock with the revealed secret.
// Claims are retried until they succeed.
func (e *Engine) claimSource(ctx context.Context, intent *models.Intent) bool {
	src, ok := e.lanes[intent.Direction.Source]
	if !ok || intent.Secret == nil {
		return false
	}
	now := e.now()
	if now.Before(intent.Retry.NextAttempt) {
		return false
	}

	var txID string
	err := src.call(ctx, opClaim, func(ctx context.Context) error {
		var err error
		txID, err = src.adapter.Claim(ctx, intent.SourceRef, *intent.Secret)
		return err
	})
	if err == nil {
		e.logger.InfoWithChain(src.chain, "Claimed source lock of intent %s in tx %s", intent.ID, txID)
		intent.Txs.SourceClaim = txID
		intent.Status = models.StatusCompleted
		intent.Retry.LastError = ""
		intent.Retry.NextAttempt = time.Time{}
		return true
	}
	if skipped(ctx, err) {
		return false
	}

	metrics.ClaimRetries.WithLabelValues(string(src.chain)).Inc()
	intent.Retry.ClaimAttempts++
	intent.Retry.LastError = err.Error()
	intent.Retry.NextAttempt = now.Add(claimBackoff(intent.Retry.ClaimAttempts, e.cfg.Retry.ClaimBackoff, e.cfg.Retry.ClaimBackoffMax))

	if e.cfg.Retry.ClaimAlertThreshold > 0 && intent.Retry.ClaimAttempts >= e.cfg.Retry.ClaimAlertThreshold {
		e.logger.ErrorWithChain(src.chain, "Source claim of intent %s still failing after %d attempts: %v",
			intent.ID, intent.Retry.ClaimAttempts, err)
	} else {
		e.logger.InfoWithChain(src.chain, "Source claim of intent %s failed (attempt %d): %v",
			intent.ID, intent.Retry.ClaimAttempts, err)
	}
	if now.Unix() >= intent.SourceTimelock {
		e.logger.ErrorWithChain(src.chain, "Source timelock of intent %s has passed, the maker can refund the source lock", intent.ID)
	}
	return true
}

// save writes next back to the registry and records the transition
func (e *Engine) save(prev, next *models.Intent) error {
	next.UpdatedAt = e.now()

	var err error
	if next.Status.IsTerminal() {
		err = e.registry.Complete(next)
	} else {
		err = e.registry.Update(next)
	}
	if err != nil {
		return err
	}

	if prev.Status != next.Status {
		direction := next.Direction.String()
		metrics.IntentTransitions.WithLabelValues(direction, string(next.Status)).Inc()
		e.logger.Info("Intent %s: %s -> %s", next.ID, prev.Status, next.Status)
		if next.Status.IsTerminal() {
			metrics.IntentsFinished.WithLabelValues(direction, string(next.Status)).Inc()
			e.dropSecret(next.ID)
		}
	}
	return nil
}

func (e *Engine) maxFillRetries() int {
	if e.cfg.Retry.MaxFillRetries < 1 {
		return 1
	}
	return e.cfg.Retry.MaxFillRetries
}

func markFilled(intent *models.Intent, receipt *chains.LockReceipt) {
	intent.DestRef = receipt.Ref
	intent.Txs.DestFill = receipt.TxID
	intent.Status = models.StatusDestFilled
	intent.Retry.LastError = ""
}

func fail(intent *models.Intent, kind models.FailureKind, reason string) {
	intent.Status = models.StatusFailed
	intent.Failure = &models.Failure{Kind: kind, Reason: reason}
}

// noteError records err on the intent, reporting whether it changed
func noteError(intent *models.Intent, err error) bool {
	if intent.Retry.LastError == err.Error() {
		return false
	}
	intent.Retry.LastError = err.Error()
	return true
}

// skipped reports whether a call never reached the chain, either because the
// breaker is open or because the engine is shutting down
func skipped(ctx context.Context, err error) bool {
	return errors.Is(err, errCircuitOpen) || ctx.Err() != nil
}
