// Package bridge runs blocking backend calls on a fixed pool of worker
// goroutines so that callers can wait on them without blocking anything
// else. A job is invoked exactly once; its value and error are handed back
// unchanged through a Future.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rustyeddy/tradebridge/metrics"
)

var log = logrus.WithField("component", "bridge")

var (
	ErrClosed = errors.New("bridge: pool closed")
	ErrPanic  = errors.New("bridge: job panicked")
)

const DefaultWorkers = 4

type job struct {
	ctx   context.Context
	run   func()
	abort func(error)
}

// Pool is a fixed set of workers reading from one job queue.
type Pool struct {
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func New(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	p := &Pool{jobs: make(chan job)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		// Caller gave up while the job was queued.
		if err := j.ctx.Err(); err != nil {
			j.abort(err)
			continue
		}
		metrics.BridgeInFlight.Inc()
		j.run()
		metrics.BridgeInFlight.Dec()
	}
}

func (p *Pool) submit(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for running jobs to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Future is the pending result of a submitted job.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the job finishes or ctx ends. Abandoning a future
// does not stop the job.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit hands one invocation of fn to the pool, blocking until a worker
// accepts it. If the pool is closed, or ctx ends before a worker picks the
// job up, fn is never called and the future resolves with that error.
func Submit[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	j := job{
		ctx: ctx,
		run: func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithField("panic", r).Errorf("job panicked\n%s", debug.Stack())
					var zero T
					f.val = zero
					f.err = fmt.Errorf("%w: %v", ErrPanic, r)
				}
				close(f.done)
			}()
			f.val, f.err = fn(ctx)
		},
		abort: func(err error) {
			f.err = err
			close(f.done)
		},
	}
	if err := p.submit(ctx, j); err != nil {
		j.abort(err)
	}
	return f
}

// Call submits fn and waits for its result.
func Call[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) (T, error) {
	return Submit(ctx, p, fn).Await(ctx)
}

// Do is Call for jobs that only return an error.
func Do(ctx context.Context, p *Pool, fn func(context.Context) error) error {
	_, err := Call(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
