// Package worker provides a generic, thread-safe worker pool for concurrent
// task processing.
//
// # Overview
//
// The worker package implements a bounded worker pool with:
//   - Generic type support for type-safe work processing
//   - Bounded queues with backpressure (non-blocking submit)
//   - Context-aware cancellation and graceful shutdown
//   - Always-on atomic statistics plus optional Prometheus metrics
//
// In this coordinator the pool sits between the coordination goroutine and
// slow sinks. The events publisher submits work-cell events to a pool whose
// workers perform the NATS publish, so a broker stall can never block a
// register handshake mid-iteration. A full queue drops the event and counts
// the drop instead of applying backpressure to the robot.
//
// # Non-Blocking Submit
//
// Submit() uses a non-blocking send rather than blocking on a full queue:
//   - Predictable latency: callers never wait for queue space
//   - Clear semantics: ErrQueueFull indicates the sink cannot keep up
//
// # Context-Based Cancellation
//
// Workers receive context from Start() and check it on each iteration. The
// processor signature func(context.Context, T) error lets processors respect
// cancellation themselves.
//
// # Graceful Shutdown
//
// Stop(timeout) closes the work channel, lets workers drain the remaining
// queue, and waits up to the timeout before returning ErrStopTimeout.
//
// # Usage
//
//	pool := worker.NewPool[Event](
//	    2,   // workers
//	    256, // queue size
//	    func(ctx context.Context, ev Event) error {
//	        return conn.Publish(ev.Subject, ev.Data)
//	    },
//	    worker.WithMetricsRegistry[Event](registry, "tubesort_events"),
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(ev); errors.Is(err, worker.ErrQueueFull) {
//	    // event dropped, counted in stats
//	}
package worker
