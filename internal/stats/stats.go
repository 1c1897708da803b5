// Package stats maintains the durable, monotonic counters at stat:<name>.
// These are the system of record for processed/failed totals; the
// in-process internal/metrics collector is a best-effort local mirror, not a
// substitute.
package stats

import (
	"context"
	"fmt"

	"github.com/corvidqueue/corvid/internal/redisgw"
)

const (
	Processed = "processed"
	Failed    = "failed"
)

// Counters increments named counters, global and per-worker.
type Counters struct {
	gw *redisgw.Gateway
}

// New wraps a Gateway for counter operations.
func New(gw *redisgw.Gateway) *Counters {
	return &Counters{gw: gw}
}

// Incr increments stat:<name> and returns the new value.
func (c *Counters) Incr(ctx context.Context, name string) (int64, error) {
	return c.gw.Incr(ctx, "stat:"+name)
}

// IncrForWorker increments both the global stat:<name> and the
// per-worker stat:<name>:<workerID> counter.
func (c *Counters) IncrForWorker(ctx context.Context, name, workerID string) error {
	if _, err := c.gw.Incr(ctx, "stat:"+name); err != nil {
		return fmt.Errorf("incr stat:%s: %w", name, err)
	}
	if _, err := c.gw.Incr(ctx, "stat:"+name+":"+workerID); err != nil {
		return fmt.Errorf("incr stat:%s:%s: %w", name, workerID, err)
	}
	return nil
}

// Get returns the current value of a counter (0 if never incremented).
func (c *Counters) Get(ctx context.Context, name string) (int64, error) {
	val, err := c.gw.Get(ctx, "stat:"+name)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(string(val), "%d", &n); err != nil {
		return 0, fmt.Errorf("parse stat:%s: %w", name, err)
	}
	return n, nil
}
