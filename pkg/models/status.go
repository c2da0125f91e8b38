package models

import (
	"fmt"
	"strings"
)

// Status is the settlement state of an intent
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusSourceLocked Status = "SOURCE_LOCKED"
	StatusDestFilled   Status = "DEST_FILLED"
	StatusDestClaimed  Status = "DEST_CLAIMED"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusRefunded     Status = "REFUNDED"
)

// transitions lists the allowed forward moves out of each non-terminal state
var transitions = map[Status][]Status{
	StatusPending:      {StatusSourceLocked, StatusFailed},
	StatusSourceLocked: {StatusDestFilled, StatusFailed},
	StatusDestFilled:   {StatusDestClaimed, StatusRefunded, StatusFailed},
	StatusDestClaimed:  {StatusCompleted},
}

// AllStatuses returns every status in state machine order
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusSourceLocked, StatusDestFilled, StatusDestClaimed,
		StatusCompleted, StatusFailed, StatusRefunded,
	}
}

// ParseStatus accepts a status in any case, e.g. dest_filled
func ParseStatus(s string) (Status, error) {
	want := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, status := range AllStatuses() {
		if status == want {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsTerminal reports whether no further transition is possible
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next keeps the state machine monotonic
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FailureKind classifies why an intent ended in FAILED
type FailureKind string

const (
	// FailureInsufficientBalance means the relayer could not fund the destination leg
	FailureInsufficientBalance FailureKind = "INSUFFICIENT_RELAYER_BALANCE"
	// FailureTransientChainError means the fill retry cap was exhausted
	FailureTransientChainError FailureKind = "TRANSIENT_CHAIN_ERROR"
	// FailureChainRejected means an adapter declared the action permanently invalid
	FailureChainRejected FailureKind = "CHAIN_REJECTED"
	// FailureExpired means a timelock elapsed before the relayer committed funds
	FailureExpired FailureKind = "EXPIRED"
	// FailureCancelled means the intent was dropped while PENDING
	FailureCancelled FailureKind = "CANCELLED"
)

// Failure records the terminal failure of an intent
type Failure struct {
	Kind   FailureKind `json:"kind"`
	Reason string      `json:"reason"`
}
