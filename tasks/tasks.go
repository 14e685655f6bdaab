// Package tasks provides the in-process work queue the engine schedules
// on: discrete retryable units pulled by a fixed worker pool. Execution is
// at-least-once from the caller's point of view; units must be idempotent.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Task is one unit of work. A returned error marks the attempt failed and
// the unit is retried with backoff up to the pool's retry budget.
type Task func(ctx context.Context) error

// Queue is what the engine schedules on.
type Queue interface {
	Enqueue(name string, task Task)
	// EnqueueAfter schedules the task once the delay elapses.
	EnqueueAfter(name string, delay time.Duration, task Task)
}

type unit struct {
	name string
	task Task
}

// Pool is a fixed-size worker pool draining a shared queue.
type Pool struct {
	workers int
	retries uint64
	queue   chan unit
	wg      sync.WaitGroup
	timers  sync.WaitGroup
}

func NewPool(workers, retries int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if retries < 0 {
		retries = 0
	}
	return &Pool{
		workers: workers,
		retries: uint64(retries),
		queue:   make(chan unit, 256),
	}
}

func (p *Pool) Enqueue(name string, task Task) {
	p.queue <- unit{name: name, task: task}
}

func (p *Pool) EnqueueAfter(name string, delay time.Duration, task Task) {
	p.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer p.timers.Done()
		p.Enqueue(name, task)
	})
}

// Start runs the workers until the context is cancelled.
func (p *Pool) Start(ctx context.Context) {
	slog.Info("Task pool starting", "workers", p.workers, "retries", p.retries)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker shutting down", "worker", id)
			return
		case u := <-p.queue:
			p.run(ctx, u)
		}
	}
}

func (p *Pool) run(ctx context.Context, u unit) {
	started := time.Now()
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.retries), ctx)
	err := backoff.Retry(func() error {
		return u.task(ctx)
	}, policy)
	if err != nil {
		slog.Error("Task failed after retries",
			"task", u.name,
			"duration", time.Since(started),
			"error", err)
		return
	}
	slog.Debug("Task completed",
		"task", u.name,
		"duration", time.Since(started))
}
