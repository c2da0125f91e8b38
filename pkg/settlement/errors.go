package settlement

import "github.com/pkg/errors"

var (
	// ErrInvalidRequest wraps every validation failure of a swap request
	ErrInvalidRequest = errors.New("invalid swap request")

	// ErrSecretMismatch means a pushed secret does not hash to the intent's hashlock
	ErrSecretMismatch = errors.New("secret does not match hashlock")

	// ErrIntentNotFound means no active or retained intent has the id
	ErrIntentNotFound = errors.New("intent not found")

	// ErrNotCancellable means the intent already left PENDING
	ErrNotCancellable = errors.New("intent can no longer be cancelled")

	// ErrIntentBusy means a worker is processing the intent right now
	ErrIntentBusy = errors.New("intent is being processed")

	errCircuitOpen = errors.New("circuit breaker open")
)

func invalidf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidRequest, format, args...)
}
