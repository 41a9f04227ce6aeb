package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned when submitting to a pool that was shut down
var ErrPoolClosed = errors.New("worker pool shut down")

// SafeGo executes fn in a goroutine with its own timeout and panic
// recovery. Errors are logged, never propagated.
//
//	SafeGo(r.Context(), 5*time.Second, "consent audit", func(ctx context.Context) error {
//	    return writer.Write(ctx, entry)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		// Detach from request cancellation but keep values for logging
		ctx, cancel := context.WithTimeout(context.WithoutCancel(parentCtx), timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("task", taskName).Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()

		if err := fn(ctx); err != nil {
			logrus.WithField("task", taskName).WithError(err).Warn("background task failed")
		}
	}()
}

// PoolOptions configures a WorkerPool
type PoolOptions struct {
	Name      string
	Workers   int
	QueueSize int
	// Timeout bounds each task
	Timeout time.Duration
	Logger  logrus.FieldLogger
	// OnError receives task errors and recovered panics
	OnError func(error)
}

// WorkerPool runs submitted tasks on a fixed set of workers reading from
// a bounded queue.
type WorkerPool struct {
	opts   PoolOptions
	workCh chan func(context.Context) error
	doneCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates and starts a worker pool.
//
//	pool := NewWorkerPool(ctx, PoolOptions{Name: "audit", Workers: 4, QueueSize: 1024, Timeout: 5 * time.Second})
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, opts PoolOptions) *WorkerPool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Workers * 2
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	pool := &WorkerPool{
		opts:   opts,
		workCh: make(chan func(context.Context) error, opts.QueueSize),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < opts.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit enqueues a task, blocking while the queue is full
func (p *WorkerPool) Submit(ctx context.Context, fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workCh <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit enqueues a task without blocking. It returns false when the
// queue is full or the pool is shut down.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.workCh <- fn:
		return true
	default:
		return false
	}
}

// QueueDepth returns the number of tasks waiting for a worker
func (p *WorkerPool) QueueDepth() int {
	return len(p.workCh)
}

// Shutdown stops accepting work and waits up to timeout for the queue to drain
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.doneCh
		return nil
	}
	p.closed = true
	close(p.workCh)
	p.mu.Unlock()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.opts.Name, timeout)
	}
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.WithFields(logrus.Fields{
				"pool":   p.opts.Name,
				"worker": id,
			}).Errorf("panic: %v\n%s", r, debug.Stack())
			p.reportError(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.reportError(err)
	}
}

func (p *WorkerPool) reportError(err error) {
	if p.opts.OnError != nil {
		p.opts.OnError(err)
		return
	}
	p.opts.Logger.WithField("pool", p.opts.Name).WithError(err).Warn("task failed")
}
