// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// Background work must never add latency or failure to the request path.
// SafeGo runs a detached task with its own timeout and panic recovery;
// WorkerPool drains a bounded queue with a fixed number of workers.
//
// SafeGo: fire-and-forget task
//
//	async.SafeGo(r.Context(), 5*time.Second, "notify requester", func(ctx context.Context) error {
//		return notifier.Send(ctx, msg)
//	})
//
// WorkerPool: bounded queue, non-blocking enqueue
//
//	pool := async.NewWorkerPool(ctx, async.PoolOptions{Name: "audit", Workers: 4, QueueSize: 1024})
//	if !pool.TrySubmit(task) {
//		// queue full, drop and count
//	}
//	defer pool.Shutdown(5 * time.Second)
package async
