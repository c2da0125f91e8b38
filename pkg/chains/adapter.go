// Package chains defines the contract every chain adapter implements and the
// error classification the settlement engine relies on.
package chains

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// LockRequest describes a destination leg the relayer funds
type LockRequest struct {
	Recipient string
	Hashlock  common.Hash
	Amount    *big.Int
	// Timelock is an absolute unix timestamp in seconds
	Timelock int64
	// Token is empty for the chain's native asset
	Token string
}

// LockReceipt is returned once a lock has been created on chain
type LockReceipt struct {
	Ref  models.LockedRef
	TxID string
}

// RevealedSecret is a preimage observed in a claim of a lock
type RevealedSecret struct {
	Secret common.Hash
	TxID   string
}

// Adapter is implemented once per chain. Every method may block on network I/O.
type Adapter interface {
	Chain() models.Chain

	// Address is the relayer's own address on this chain
	Address() string

	// ValidateAddress checks the format of an address on this chain without I/O
	ValidateAddress(address string) error

	// SupportsToken reports whether Lock accepts the token identifier, "" is the native asset
	SupportsToken(token string) bool

	Lock(ctx context.Context, req LockRequest) (*LockReceipt, error)
	Claim(ctx context.Context, ref models.LockedRef, secret common.Hash) (string, error)
	Refund(ctx context.Context, ref models.LockedRef) (string, error)

	// BalanceOf returns the value held by a lock. For a lock created by a maker it
	// returns zero unless the lock pays the relayer under the ref's hashlock and
	// does not expire before the ref's timelock.
	BalanceOf(ctx context.Context, ref models.LockedRef) (*big.Int, error)

	// FindRevealedSecret returns nil when the lock has not been claimed yet
	FindRevealedSecret(ctx context.Context, ref models.LockedRef) (*RevealedSecret, error)

	// RelayerBalance is the relayer's spendable native balance
	RelayerBalance(ctx context.Context) (*big.Int, error)

	Ping(ctx context.Context) error
}

// LockProber is implemented by adapters that can find a lock from its parameters.
// The engine uses it to adopt a fill that landed even though Lock returned an error.
type LockProber interface {
	FindLock(ctx context.Context, req LockRequest) (*LockReceipt, error)
}

// ChainClock is implemented by adapters that can report the chain's notion of time,
// which is what refund transactions are validated against.
type ChainClock interface {
	ChainTime(ctx context.Context) (time.Time, error)
}
