// Package resource bounds the concurrency and IO throughput of bucket scans.
//
// The store performs no network IO; the only contended resources are open
// file handles and disk bandwidth during candidate loading, which the
// Controller caps so a wide search cannot starve co-located writers.
package resource

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxConcurrentLoads is the maximum number of point files read in
	// parallel during candidate collection. If 0, defaults to 8.
	MaxConcurrentLoads int64

	// IOLimitBytesPerSec caps read throughput during scans. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages scan resources.
type Controller struct {
	loadSem   *semaphore.Weighted
	ioLimiter *rate.Limiter
	maxLoads  int64
}

// NewController creates a Controller from cfg.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentLoads <= 0 {
		cfg.MaxConcurrentLoads = 8
	}

	c := &Controller{
		loadSem:  semaphore.NewWeighted(cfg.MaxConcurrentLoads),
		maxLoads: cfg.MaxConcurrentLoads,
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}
	return c
}

// MaxConcurrentLoads returns the configured parallel load cap.
func (c *Controller) MaxConcurrentLoads() int {
	if c == nil {
		return 8
	}
	return int(c.maxLoads)
}

// AcquireLoad reserves a candidate-load slot, blocking until one is free or
// ctx is canceled.
func (c *Controller) AcquireLoad(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.loadSem.Acquire(ctx, 1)
}

// ReleaseLoad returns a candidate-load slot.
func (c *Controller) ReleaseLoad() {
	if c == nil {
		return
	}
	c.loadSem.Release(1)
}

// AcquireIO accounts n bytes of read IO against the throughput limit,
// blocking until the tokens are available or ctx is canceled.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil || n <= 0 {
		return nil
	}
	// WaitN cannot exceed the limiter burst; split very large reads.
	burst := c.ioLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := c.ioLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
