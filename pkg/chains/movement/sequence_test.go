package movement

import (
	"context"
	"errors"
	"testing"

	"github.com/speedrun-hq/htlc-relayer/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceTracker(t *testing.T) {
	ctx := context.Background()
	onChain := uint64(10)
	fetches := 0
	fetch := func(context.Context) (uint64, error) {
		fetches++
		return onChain, nil
	}

	s := newSequenceTracker(&logger.EmptyLogger{})

	seq, err := s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), seq)
	s.Track(seq, "0x1")

	seq, err = s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
	assert.Equal(t, 1, fetches)
	s.Track(seq, "0x2")
	assert.Equal(t, 2, s.PendingCount())

	// the newest number is reused when its transaction never landed
	s.Release(11)
	seq, err = s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)

	assert.True(t, s.Confirm(10))
	assert.False(t, s.Confirm(10))

	// releasing an older number forces a resync, which keeps our count while
	// transactions are in flight
	s.Track(11, "0x3")
	seq, err = s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)
	s.Release(11)
	seq, err = s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
	assert.Equal(t, uint64(13), seq)

	// with nothing in flight the chain wins, even when it is behind
	s.Invalidate()
	onChain = 11
	seq, err = s.Next(ctx, fetch)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
	assert.Equal(t, 3, fetches)

	t.Run("fetch error", func(t *testing.T) {
		s := newSequenceTracker(&logger.EmptyLogger{})
		_, err := s.Next(ctx, func(context.Context) (uint64, error) {
			return 0, errors.New("node down")
		})
		assert.ErrorContains(t, err, "node down")
	})
}
