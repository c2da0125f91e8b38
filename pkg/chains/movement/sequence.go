package movement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// txStatus represents the status of a submitted transaction
type txStatus int

const (
	txPending txStatus = iota
	txConfirmed
	txFailed
)

// txRecord tracks a transaction submitted with a given sequence number
type txRecord struct {
	Hash      string
	Sequence  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    txStatus
}

// sequenceTracker allocates account sequence numbers so that concurrent
// submissions from the relayer account do not collide
type sequenceTracker struct {
	mu sync.Mutex

	next     uint64
	pending  map[uint64]*txRecord
	lastSync time.Time

	// syncInterval forces a resync with the chain after this long
	syncInterval time.Duration
	logger       logger.Logger
}

func newSequenceTracker(log logger.Logger) *sequenceTracker {
	return &sequenceTracker{
		pending:      make(map[uint64]*txRecord),
		syncInterval: 5 * time.Minute,
		logger:       log,
	}
}

// Next reserves and returns the next sequence number. fetch returns the
// account's on-chain sequence number and is only called when a sync is due.
func (s *sequenceTracker) Next(ctx context.Context, fetch func(ctx context.Context) (uint64, error)) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastSync.IsZero() || time.Since(s.lastSync) > s.syncInterval {
		onChain, err := fetch(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to get sequence number: %w", err)
		}
		// with nothing in flight the chain is authoritative, even if it is behind us
		if onChain > s.next || len(s.pending) == 0 {
			if onChain != s.next {
				s.logger.DebugWithChain(models.ChainMovement, "Updating sequence number: %d -> %d", s.next, onChain)
			}
			s.next = onChain
		}
		s.lastSync = time.Now()
	}

	seq := s.next
	s.next++
	now := time.Now()
	s.pending[seq] = &txRecord{
		Sequence:  seq,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    txPending,
	}
	return seq, nil
}

// Track records the hash of the transaction submitted with seq
func (s *sequenceTracker) Track(seq uint64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.pending[seq]; ok {
		tx.Hash = hash
		tx.UpdatedAt = time.Now()
	}
}

// Confirm removes a transaction that was committed, successful or not
func (s *sequenceTracker) Confirm(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.pending[seq]
	if !ok {
		return false
	}
	tx.Status = txConfirmed
	tx.UpdatedAt = time.Now()
	delete(s.pending, seq)
	return true
}

// Release gives back a sequence number whose transaction never reached the
// chain. It is reused when no later number was handed out, otherwise the
// tracker resyncs on the next allocation.
func (s *sequenceTracker) Release(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx, ok := s.pending[seq]; ok {
		tx.Status = txFailed
		tx.UpdatedAt = time.Now()
		delete(s.pending, seq)
	}
	if seq+1 == s.next {
		s.logger.DebugWithChain(models.ChainMovement, "Reusing sequence number %d", seq)
		s.next = seq
		return
	}
	s.lastSync = time.Time{}
}

// Invalidate forces the next allocation to resync with the chain
func (s *sequenceTracker) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSync = time.Time{}
	s.pending = make(map[uint64]*txRecord)
}

// PendingCount returns the number of allocated sequence numbers not yet committed or released
func (s *sequenceTracker) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
