// Package registry keeps the in-memory set of active and recently finished intents
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/speedrun-hq/htlc-relayer/pkg/models"
)

// DefaultRetention is the number of finished intents kept when none is configured
const DefaultRetention = 1000

// ErrNotFound is returned when no intent has the requested id
var ErrNotFound = errors.New("intent not found")

// ErrSourceLockInUse is returned by Add when another intent already settles the same source lock
var ErrSourceLockInUse = errors.New("source lock already backs another intent")

// Registry stores intents. Callers always get copies, so an intent is only
// changed through Update and Complete.
type Registry struct {
	mu sync.RWMutex

	active map[string]*models.Intent

	// completed is a ring of finished intents, index maps id to ring slot
	completed []*models.Intent
	index     map[string]int
	next      int
	size      int

	// sourceLocks maps a source lock key to the intent that claimed it
	sourceLocks map[string]string
}

// New creates a registry keeping at most retention finished intents
func New(retention int) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Registry{
		active:    make(map[string]*models.Intent),
		completed: make([]*models.Intent, retention),
		index:     make(map[string]int),

		sourceLocks: make(map[string]string),
	}
}

// lockKey identifies a source lock across chains
func lockKey(ref models.LockedRef) string {
	return string(ref.Chain()) + ":" + ref.String()
}

// releasesSourceLock reports whether a finished intent leaves its source lock
// free for another intent. That is only the case when the relayer never locked
// funds on the destination or took them back.
func releasesSourceLock(intent *models.Intent) bool {
	switch intent.Status {
	case models.StatusRefunded:
		return true
	case models.StatusFailed:
		return intent.DestRef == nil
	}
	return false
}

func (r *Registry) releaseSourceLock(intent *models.Intent) {
	if intent.SourceRef == nil {
		return
	}
	key := lockKey(intent.SourceRef)
	if r.sourceLocks[key] == intent.ID {
		delete(r.sourceLocks, key)
	}
}


// Add inserts a new active intent. The intent's source lock is reserved until
// the intent fails without a destination lock or is refunded.
func (r *Registry) Add(intent *models.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[intent.ID]; ok {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}
	if _, ok := r.index[intent.ID]; ok {
		return fmt.Errorf("intent %s already exists", intent.ID)
	}
	if intent.SourceRef != nil {
		key := lockKey(intent.SourceRef)
		if owner, ok := r.sourceLocks[key]; ok {
			return fmt.Errorf("%w: %s is held by intent %s", ErrSourceLockInUse, intent.SourceRef, owner)
		}
		r.sourceLocks[key] = intent.ID
	}
	r.active[intent.ID] = intent.Clone()
	return nil
}

// Get returns a copy of the intent, looking at active intents first
func (r *Registry) Get(id string) (*models.Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if intent, ok := r.active[id]; ok {
		return intent.Clone(), nil
	}
	if slot, ok := r.index[id]; ok {
		return r.completed[slot].Clone(), nil
	}
	return nil, ErrNotFound
}

// Update replaces an active intent. Status may only move forward.
func (r *Registry) Update(intent *models.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.active[intent.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(current, intent); err != nil {
		return err
	}
	r.active[intent.ID] = intent.Clone()
	return nil
}

// Complete moves a terminal intent from the active set into the completed ring
func (r *Registry) Complete(intent *models.Intent) error {
	if !intent.Status.IsTerminal() {
		return fmt.Errorf("intent %s is %s, not terminal", intent.ID, intent.Status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.active[intent.ID]
	if !ok {
		return ErrNotFound
	}
	if err := checkTransition(current, intent); err != nil {
		return err
	}
	delete(r.active, intent.ID)
	if releasesSourceLock(intent) {
		r.releaseSourceLock(intent)
	}

	if evicted := r.completed[r.next]; evicted != nil {
		delete(r.index, evicted.ID)
		r.releaseSourceLock(evicted)
	}
	r.completed[r.next] = intent.Clone()
	r.index[intent.ID] = r.next
	r.next = (r.next + 1) % len(r.completed)
	if r.size < len(r.completed) {
		r.size++
	}
	return nil
}

// Active returns copies of all active intents, oldest first
func (r *Registry) Active() []*models.Intent {
	r.mu.RLock()
	intents := make([]*models.Intent, 0, len(r.active))
	for _, intent := range r.active {
		intents = append(intents, intent.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(intents, func(i, j int) bool {
		if intents[i].CreatedAt.Equal(intents[j].CreatedAt) {
			return intents[i].ID < intents[j].ID
		}
		return intents[i].CreatedAt.Before(intents[j].CreatedAt)
	})
	return intents
}

// Completed returns up to limit of the most recently finished intents in the
// order they finished. A limit of zero or less returns all retained intents.
func (r *Registry) Completed(limit int) []*models.Intent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}
	intents := make([]*models.Intent, 0, n)
	capacity := len(r.completed)
	for i := n; i > 0; i-- {
		slot := (r.next - i + capacity) % capacity
		intents = append(intents, r.completed[slot].Clone())
	}
	return intents
}

// Counts returns the number of intents per status, finished ones included
func (r *Registry) Counts() map[models.Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[models.Status]int)
	for _, intent := range r.active {
		counts[intent.Status]++
	}
	for _, slot := range r.index {
		counts[r.completed[slot].Status]++
	}
	return counts
}

// Len returns the number of active intents
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func checkTransition(current, next *models.Intent) error {
	if current.Status == next.Status || current.Status.CanTransition(next.Status) {
		return nil
	}
	return fmt.Errorf("intent %s cannot move from %s to %s", next.ID, current.Status, next.Status)
}
