package tasks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsEnqueuedTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(2, 0)
	pool.Start(ctx)

	var ran atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		pool.Enqueue("count", func(ctx context.Context) error {
			if ran.Add(1) == 5 {
				close(done)
			}
			return nil
		})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not finish")
	}
	assert.Equal(t, int32(5), ran.Load())
}

func TestPoolRetriesFailedTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 2)
	pool.Start(ctx)

	var attempts atomic.Int32
	done := make(chan struct{})
	pool.Enqueue("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 2 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task was not retried")
	}
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPoolEnqueueAfterDelays(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := NewPool(1, 0)
	pool.Start(ctx)

	started := time.Now()
	done := make(chan time.Duration, 1)
	pool.EnqueueAfter("later", 50*time.Millisecond, func(ctx context.Context) error {
		done <- time.Since(started)
		return nil
	})

	select {
	case elapsed := <-done:
		require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task never ran")
	}
}

func TestPoolWaitReturnsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 0)
	pool.Start(ctx)

	cancel()
	finished := make(chan struct{})
	go func() {
		pool.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not shut down")
	}
}
