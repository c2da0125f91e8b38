package chains

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

var (
	// ErrInsufficientBalance means the relayer cannot fund the requested lock
	ErrInsufficientBalance = errors.New("insufficient relayer balance")

	// ErrLockNotFound means the referenced lock does not exist or was already spent
	ErrLockNotFound = errors.New("lock not found")

	// ErrUnsupportedToken means the adapter cannot lock the requested asset
	ErrUnsupportedToken = errors.New("unsupported token")

	// ErrInvalidRef means the locked reference does not describe a valid lock on this chain
	ErrInvalidRef = errors.New("invalid locked reference")
)

// ErrorClass tells the engine whether retrying can help
type ErrorClass int

const (
	// ClassTransient covers network and RPC failures, retrying may succeed
	ClassTransient ErrorClass = iota
	// ClassFatal means the chain rejected the action and retrying cannot help
	ClassFatal
	// ClassInsufficientBalance means the relayer must be refilled first
	ClassInsufficientBalance
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	case ClassInsufficientBalance:
		return "insufficient_balance"
	}
	return "unknown"
}

// Error is the classified error returned by adapters
type Error struct {
	Chain models.Chain
	Op    string
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Chain, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure
func Transient(chain models.Chain, op string, err error) error {
	return &Error{Chain: chain, Op: op, Class: ClassTransient, Err: err}
}

// Fatal wraps err as a permanent failure
func Fatal(chain models.Chain, op string, err error) error {
	return &Error{Chain: chain, Op: op, Class: ClassFatal, Err: err}
}

// InsufficientBalance reports that the relayer cannot cover need with have
func InsufficientBalance(chain models.Chain, op string, have, need fmt.Stringer) error {
	return &Error{
		Chain: chain,
		Op:    op,
		Class: ClassInsufficientBalance,
		Err:   errors.Wrapf(ErrInsufficientBalance, "have %s, need %s", have, need),
	}
}

// ClassOf returns the class of err. Unclassified errors are treated as transient.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrInsufficientBalance) {
		return ClassInsufficientBalance
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return chainErr.Class
	}
	return ClassTransient
}
