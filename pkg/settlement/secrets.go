package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/metrics"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// RevealSecret accepts a secret pushed by the maker or a watcher. The secret is
// handed to the worker owning the intent, so the intent is never written here.
// Pushing the secret of an intent that already knows it is a no-op.
func (e *Engine) RevealSecret(ctx context.Context, id string, secretHex string) error {
	secret, err := models.ParseHash(secretHex)
	if err != nil {
		return invalidf("secret: %v", err)
	}

	intent, err := e.registry.Get(id)
	if err != nil {
		return ErrIntentNotFound
	}
	if !models.SecretMatches(intent.Hashlock, secret) {
		metrics.SecretMismatches.WithLabelValues(intent.Direction.String(), models.SecretFromAPI).Inc()
		return ErrSecretMismatch
	}
	if intent.Status.IsTerminal() || intent.Secret != nil {
		return nil
	}

	e.mu.Lock()
	e.secrets[id] = secret
	e.mu.Unlock()

	e.logger.Debug("Secret for intent %s received, scheduling", id)
	e.Trigger(id)
	return nil
}

// absorbSecret moves a pushed secret onto the intent, reporting whether it changed
func (e *Engine) absorbSecret(intent *models.Intent) bool {
	e.mu.Lock()
	secret, ok := e.secrets[intent.ID]
	delete(e.secrets, intent.ID)
	e.mu.Unlock()

	if !ok || intent.Secret != nil {
		return false
	}
	e.acceptSecret(intent, secret, models.SecretFromAPI)
	return true
}

func (e *Engine) acceptSecret(intent *models.Intent, secret common.Hash, source string) {
	intent.Secret = &secret
	intent.SecretSource = source
	metrics.SecretsAccepted.WithLabelValues(intent.Direction.String(), source).Inc()
	e.logger.Info("Secret for intent %s learned from %s", intent.ID, source)
}

func (e *Engine) dropSecret(id string) {
	e.mu.Lock()
	delete(e.secrets, id)
	e.mu.Unlock()
}
