// Package worker provides a generic bounded worker pool.
//
// A Pool owns a fixed set of goroutines reading from a buffered queue.
// Submit never blocks and reports ErrQueueFull when the queue is at
// capacity; SubmitWait applies backpressure instead and waits for room.
// Stop closes the queue and lets workers drain what is already queued.
//
//	pool, err := worker.NewPool(1, 256, publish)
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// Counters are always kept and exposed through Stats. With
// WithMetricsRegistry the same counters are exported to Prometheus.
package worker
