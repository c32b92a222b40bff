package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
)

type countingSweeper struct {
	calls   atomic.Int32
	deleted int64
	err     error
}

func (c *countingSweeper) SweepExpired(ctx context.Context) (int64, error) {
	c.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep without deadline")
	}
	return c.deleted, c.err
}

func TestSweeper_SweepsImmediatelyAndOnTick(t *testing.T) {
	target := &countingSweeper{deleted: 3}
	s := NewSweeper(target, 10*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestSweeper_SweepReturnsDeletedCount(t *testing.T) {
	s := NewSweeper(&countingSweeper{deleted: 7}, time.Minute, logger.Discard())
	assert.Equal(t, int64(7), s.sweep(context.Background()))
}

func TestSweeper_ErrorDoesNotStopLoop(t *testing.T) {
	target := &countingSweeper{err: errors.New("store down")}
	s := NewSweeper(target, 10*time.Millisecond, logger.Discard())

	assert.Zero(t, s.sweep(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	assert.Eventually(t, func() bool { return target.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
}

func TestSweeper_ContextCancelStopsRun(t *testing.T) {
	s := NewSweeper(&countingSweeper{}, time.Hour, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(finished)
	}()

	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSweeper_StopIsIdempotent(t *testing.T) {
	s := NewSweeper(&countingSweeper{}, time.Hour, logger.Discard())
	go s.Run(context.Background())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
}

func TestSweeper_StopTimesOutWhenNotRunning(t *testing.T) {
	s := NewSweeper(&countingSweeper{}, time.Hour, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
}
