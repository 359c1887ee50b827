// Package dispatcher runs work partitioned by key on a shared goroutine pool.
// Tasks with the same key execute one at a time in submission order; tasks with
// different keys run in parallel.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

var (
	// ErrStopped is returned for tasks submitted after Stop.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrQueueFull is returned when the backlog of one key reaches the configured queue size.
	ErrQueueFull = fmt.Errorf("dispatcher queue full: %w", apperrors.ErrRateLimited)
)

const releaseTimeout = 10 * time.Second

type partition struct {
	tasks []func()
}

// Dispatcher serializes tasks per key over an ants pool.
type Dispatcher struct {
	pool     *ants.Pool
	log      *zap.Logger
	maxQueue int

	mu         sync.Mutex
	partitions map[string]*partition
	queued     int
	stopped    bool
	inflight   sync.WaitGroup
}

// New creates a Dispatcher from the dispatcher pool settings.
func New(cfg config.DispatcherPoolConfig, log *zap.Logger) (*Dispatcher, error) {
	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	opts := []ants.Option{
		ants.WithLogger(antsLogger{log: log.Named("ants_pool")}),
		ants.WithPanicHandler(func(p interface{}) {
			log.Error("Dispatcher task panic", zap.Any("panic", p), zap.Stack("stack"))
		}),
	}
	if cfg.ExpiryTime > 0 {
		opts = append(opts, ants.WithExpiryDuration(cfg.ExpiryTime))
	}
	pool, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher pool: %w", err)
	}
	return &Dispatcher{
		pool:       pool,
		log:        log,
		maxQueue:   cfg.QueueSize,
		partitions: make(map[string]*partition),
	}, nil
}

// Submit enqueues task on the queue of key and returns without waiting.
func (d *Dispatcher) Submit(key string, task func()) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrStopped
	}
	p, running := d.partitions[key]
	if running && d.maxQueue > 0 && len(p.tasks) >= d.maxQueue {
		d.mu.Unlock()
		return ErrQueueFull
	}
	if !running {
		p = &partition{}
		d.partitions[key] = p
	}
	d.queued++
	d.inflight.Add(1)
	p.tasks = append(p.tasks, task)
	active := len(d.partitions)
	d.mu.Unlock()

	observer.AddDispatcherQueued(1)
	observer.SetDispatcherActivePartitions(active)

	if running {
		return nil
	}
	if err := d.pool.Submit(func() { d.drain(key) }); err != nil {
		d.abandon(key)
		return fmt.Errorf("failed to schedule partition %s: %w", key, err)
	}
	return nil
}

// Do runs fn on the queue of key and waits for it. If ctx ends first, Do returns
// ctx.Err() while fn still runs to completion in its turn. A panic in fn is returned
// as an error. Do must not be called from a task of the same key.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := d.Submit(key, func() {
		if ctx.Err() != nil {
			done <- ctx.Err()
			return
		}
		done <- utils.WrapWithContextRecovery(fn)(ctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain runs the tasks of key until its queue is empty.
func (d *Dispatcher) drain(key string) {
	for {
		d.mu.Lock()
		p := d.partitions[key]
		if len(p.tasks) == 0 {
			delete(d.partitions, key)
			active := len(d.partitions)
			d.mu.Unlock()
			observer.SetDispatcherActivePartitions(active)
			return
		}
		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		d.queued--
		d.mu.Unlock()

		observer.AddDispatcherQueued(-1)
		d.run(key, task)
	}
}

func (d *Dispatcher) run(key string, task func()) {
	defer d.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Recovered panic in partition task", zap.String("key", key), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// abandon drops the queue of key after the pool refused to run it.
func (d *Dispatcher) abandon(key string) {
	d.mu.Lock()
	p := d.partitions[key]
	delete(d.partitions, key)
	n := 0
	if p != nil {
		n = len(p.tasks)
	}
	d.queued -= n
	d.mu.Unlock()

	observer.AddDispatcherQueued(-n)
	for i := 0; i < n; i++ {
		d.inflight.Done()
	}
}

// Pending returns the number of queued tasks that have not started.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queued
}

// Stop rejects new tasks, waits for queued ones to finish and releases the pool.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.mu.Unlock()

	d.inflight.Wait()
	if err := d.pool.ReleaseTimeout(releaseTimeout); err != nil {
		d.log.Warn("Dispatcher pool did not release in time", zap.Error(err))
	}
	d.log.Info("Dispatcher stopped")
}

type antsLogger struct {
	log *zap.Logger
}

func (a antsLogger) Printf(format string, args ...interface{}) {
	a.log.Info(fmt.Sprintf(format, args...))
}
