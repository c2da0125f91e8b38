package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/speedrun-hq/htlc-relayer/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntent(id string, created time.Time) *models.Intent {
	return &models.Intent{
		ID:        id,
		Direction: models.Direction{Source: models.ChainBCH, Destination: models.ChainSolana},
		Status:    models.StatusPending,
		CreatedAt: created,
	}
}

func TestAddGetUpdate(t *testing.T) {
	r := New(10)
	base := time.Unix(1000, 0)

	require.NoError(t, r.Add(newIntent("a", base)))
	assert.Error(t, r.Add(newIntent("a", base)), "duplicate id")

	got, err := r.Get("a")
	require.NoError(t, err)
	got.Status = models.StatusSourceLocked

	stored, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status, "callers get copies")

	require.NoError(t, r.Update(got))
	stored, err = r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusSourceLocked, stored.Status)

	backwards := stored.Clone()
	backwards.Status = models.StatusPending
	assert.Error(t, r.Update(backwards))

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComplete(t *testing.T) {
	r := New(10)
	intent := newIntent("a", time.Unix(1000, 0))
	require.NoError(t, r.Add(intent))

	assert.Error(t, r.Complete(intent), "pending is not terminal")

	intent.Status = models.StatusCompleted
	assert.Error(t, r.Complete(intent), "pending cannot jump to completed")

	intent.Status = models.StatusFailed
	intent.Failure = &models.Failure{Kind: models.FailureCancelled, Reason: "cancelled"}
	require.NoError(t, r.Complete(intent))

	assert.Equal(t, 0, r.Len())
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.ErrorIs(t, r.Update(got), ErrNotFound, "finished intents are immutable")
	assert.Error(t, r.Add(newIntent("a", time.Unix(2000, 0))))
}

func TestSourceLockReservation(t *testing.T) {
	lock := models.ProgramEscrowRef{Escrow: "escrow-1", Maker: "maker"}
	withLock := func(id string, ref models.LockedRef) *models.Intent {
		intent := newIntent(id, time.Unix(1000, 0))
		intent.SourceRef = ref
		return intent
	}
	filled := func(r *Registry, intent *models.Intent) {
		intent.Status = models.StatusSourceLocked
		require.NoError(t, r.Update(intent))
		intent.Status = models.StatusDestFilled
		intent.DestRef = models.MoveEscrowRef{EscrowID: 7}
		require.NoError(t, r.Update(intent))
	}

	tests := []struct {
		name     string
		finish   func(r *Registry, intent *models.Intent)
		releases bool
	}{
		{
			name: "cancelled before any fill",
			finish: func(r *Registry, intent *models.Intent) {
				intent.Status = models.StatusFailed
				require.NoError(t, r.Complete(intent))
			},
			releases: true,
		},
		{
			name: "refunded",
			finish: func(r *Registry, intent *models.Intent) {
				filled(r, intent)
				intent.Status = models.StatusRefunded
				require.NoError(t, r.Complete(intent))
			},
			releases: true,
		},
		{
			name: "failed with a destination lock",
			finish: func(r *Registry, intent *models.Intent) {
				filled(r, intent)
				intent.Status = models.StatusFailed
				require.NoError(t, r.Complete(intent))
			},
			releases: false,
		},
		{
			name: "completed",
			finish: func(r *Registry, intent *models.Intent) {
				filled(r, intent)
				intent.Status = models.StatusDestClaimed
				require.NoError(t, r.Update(intent))
				intent.Status = models.StatusCompleted
				require.NoError(t, r.Complete(intent))
			},
			releases: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(10)
			first := withLock("a", lock)
			require.NoError(t, r.Add(first))

			err := r.Add(withLock("b", lock))
			assert.ErrorIs(t, err, ErrSourceLockInUse)
			assert.Contains(t, err.Error(), "intent a")
			require.NoError(t, r.Add(withLock("c", models.ProgramEscrowRef{Escrow: "escrow-2"})))
			require.NoError(t, r.Add(withLock("d", models.MoveEscrowRef{EscrowID: 1})), "other chain")

			tt.finish(r, first)
			err = r.Add(withLock("e", lock))
			if tt.releases {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrSourceLockInUse)
			}
		})
	}
}

func TestSourceLockFreedOnEviction(t *testing.T) {
	r := New(1)
	lock := models.MoveEscrowRef{EscrowID: 42}

	intent := newIntent("a", time.Unix(1000, 0))
	intent.SourceRef = lock
	intent.DestRef = models.ProgramEscrowRef{Escrow: "fill"}
	require.NoError(t, r.Add(intent))
	intent.Status = models.StatusSourceLocked
	require.NoError(t, r.Update(intent))
	intent.Status = models.StatusDestFilled
	require.NoError(t, r.Update(intent))
	intent.Status = models.StatusFailed
	require.NoError(t, r.Complete(intent))

	retry := newIntent("b", time.Unix(2000, 0))
	retry.SourceRef = lock
	assert.ErrorIs(t, r.Add(retry), ErrSourceLockInUse)

	other := newIntent("c", time.Unix(2000, 0))
	require.NoError(t, r.Add(other))
	other.Status = models.StatusFailed
	require.NoError(t, r.Complete(other))

	assert.NoError(t, r.Add(retry), "reservation dropped with the evicted intent")
}

func TestActiveOrdering(t *testing.T) {
	r := New(10)
	base := time.Unix(1000, 0)
	require.NoError(t, r.Add(newIntent("c", base.Add(2*time.Second))))
	require.NoError(t, r.Add(newIntent("a", base)))
	require.NoError(t, r.Add(newIntent("b", base.Add(time.Second))))

	var ids []string
	for _, intent := range r.Active() {
		ids = append(ids, intent.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestCompletedRetention(t *testing.T) {
	r := New(3)
	base := time.Unix(1000, 0)

	for i := 0; i < 5; i++ {
		intent := newIntent(fmt.Sprintf("i%d", i), base)
		require.NoError(t, r.Add(intent))
		intent.Status = models.StatusFailed
		require.NoError(t, r.Complete(intent))
	}

	var ids []string
	for _, intent := range r.Completed(0) {
		ids = append(ids, intent.ID)
	}
	assert.Equal(t, []string{"i2", "i3", "i4"}, ids)

	ids = nil
	for _, intent := range r.Completed(2) {
		ids = append(ids, intent.ID)
	}
	assert.Equal(t, []string{"i3", "i4"}, ids)

	_, err := r.Get("i0")
	assert.ErrorIs(t, err, ErrNotFound, "evicted")
	assert.Equal(t, 3, r.Counts()[models.StatusFailed])
}

func TestConcurrentAccess(t *testing.T) {
	r := New(100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			intent := newIntent(fmt.Sprintf("i%d", i), time.Unix(int64(i), 0))
			_ = r.Add(intent)
			intent.Status = models.StatusSourceLocked
			_ = r.Update(intent)
			_ = r.Active()
			_ = r.Counts()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Counts()[models.StatusSourceLocked])
}
