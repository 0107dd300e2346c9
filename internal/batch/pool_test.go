package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPoolValidation(t *testing.T) {
	_, err := NewPool("p", 0, 1)
	assert.Error(t, err)
	_, err = NewPool("p", 1, 0)
	assert.Error(t, err)
}

func TestPoolRunsJobs(t *testing.T) {
	pool, err := NewPool("p", 3, 16)
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	assert.Error(t, pool.Start())

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) { ran.Add(1) }))
	}
	pool.Stop(time.Second)
	assert.Equal(t, int64(10), ran.Load())
}

func TestPoolRejectsWhenFull(t *testing.T) {
	pool, err := NewPool("p", 1, 1)
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, pool.Submit(func(ctx context.Context) {}))

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrQueueFull)

	close(release)
	pool.Stop(time.Second)
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrPoolStopped)
}

func TestPoolSurvivesPanics(t *testing.T) {
	pool, err := NewPool("p", 1, 4)
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	var ran atomic.Bool
	require.NoError(t, pool.Submit(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) { ran.Store(true) }))
	pool.Stop(time.Second)
	assert.True(t, ran.Load())
}

func TestPoolStopCancelsSlowJobs(t *testing.T) {
	pool, err := NewPool("p", 1, 1)
	require.NoError(t, err)
	require.NoError(t, pool.Start())

	require.NoError(t, pool.Submit(func(ctx context.Context) { <-ctx.Done() }))
	start := time.Now()
	pool.Stop(50 * time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}
