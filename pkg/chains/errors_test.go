package chains

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestClassOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"plain error", errors.New("connection reset"), ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"transient", Transient(models.ChainBCH, "lock", errors.New("timeout")), ClassTransient},
		{"fatal", Fatal(models.ChainSolana, "lock", ErrInvalidRef), ClassFatal},
		{"insufficient", InsufficientBalance(models.ChainMovement, "lock", big.NewInt(1), big.NewInt(2)), ClassInsufficientBalance},
		{"wrapped fatal", fmt.Errorf("fill: %w", Fatal(models.ChainBCH, "lock", ErrUnsupportedToken)), ClassFatal},
		{"bare sentinel", errors.Wrap(ErrInsufficientBalance, "vault"), ClassInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassOf(tt.err))
		})
	}
}

func TestErrorMessageAndUnwrap(t *testing.T) {
	err := Fatal(models.ChainSolana, "claim", ErrLockNotFound)
	assert.Equal(t, "SOL claim: lock not found", err.Error())
	assert.True(t, errors.Is(err, ErrLockNotFound))

	insufficient := InsufficientBalance(models.ChainBCH, "lock", big.NewInt(5), big.NewInt(10))
	assert.Contains(t, insufficient.Error(), "have 5, need 10")
	assert.Equal(t, "insufficient_balance", ClassOf(insufficient).String())
}
