// Package ratelimit provides per-stage token buckets built on
// golang.org/x/time/rate. Each stage owns a primary bucket (steady refill up
// to capacity) and, optionally, a burst bucket consulted only when the
// primary is empty. Waiters on the primary bucket are served in arrival
// order, so callers of the same stage cannot starve each other.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/graphsmith/graphsmith/pkg/config"
	"github.com/graphsmith/graphsmith/pkg/faults"
)

// Limiter is one stage's token bucket pair.
type Limiter struct {
	name    string
	primary *rate.Limiter
	burst   *rate.Limiter

	capacity int
	perSec   float64
}

// New creates a limiter refilling at perSecond tokens up to capacity, with
// no burst bucket.
func New(name string, perSecond float64, capacity int) *Limiter {
	return &Limiter{
		name:     name,
		primary:  rate.NewLimiter(rate.Limit(perSecond), capacity),
		capacity: capacity,
		perSec:   perSecond,
	}
}

// NewWithBurst creates a limiter with a secondary burst bucket permitting
// burstCapacity extra tokens per burstWindow. burstCapacity <= 0 disables
// the burst bucket.
func NewWithBurst(name string, perSecond float64, capacity, burstCapacity int, burstWindow time.Duration) *Limiter {
	l := New(name, perSecond, capacity)
	if burstCapacity > 0 && burstWindow > 0 {
		refill := float64(burstCapacity) / burstWindow.Seconds()
		l.burst = rate.NewLimiter(rate.Limit(refill), burstCapacity)
	}
	return l
}

// ForStage builds the limiter described by a stage descriptor.
func ForStage(sc *config.StageConfig) *Limiter {
	return NewWithBurst(sc.Name, sc.RatePerSecond, sc.RateCapacity, sc.BurstCapacity, sc.BurstWindow)
}

// Name returns the stage this limiter belongs to.
func (l *Limiter) Name() string { return l.name }

// TryAcquire attempts to take n tokens without blocking. When denied it
// returns the time until the primary bucket can satisfy the request; a
// negative duration means n exceeds the bucket capacity and can never be
// satisfied.
func (l *Limiter) TryAcquire(n int) (bool, time.Duration) {
	now := time.Now()
	if l.primary.AllowN(now, n) {
		return true, 0
	}
	if l.burst != nil && l.burst.AllowN(now, n) {
		return true, 0
	}
	r := l.primary.ReserveN(now, n)
	if !r.OK() {
		return false, -1
	}
	retryAfter := r.DelayFrom(now)
	r.CancelAt(now)
	return false, retryAfter
}

// Acquire takes n tokens, suspending until they are available or ctx
// expires. A deadline miss returns faults.ErrRateLimited; cancellation maps
// to faults.ErrShutdown. Waiters are admitted in arrival order.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	now := time.Now()
	if l.primary.AllowN(now, n) {
		return nil
	}
	if l.burst != nil && l.burst.AllowN(now, n) {
		return nil
	}
	if err := l.primary.WaitN(ctx, n); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			mapped := faults.FromContext(ctxErr)
			if faults.IsRetryable(mapped) {
				return fmt.Errorf("%w: stage %s: %v", faults.ErrRateLimited, l.name, ctxErr)
			}
			return fmt.Errorf("stage %s: %w", l.name, mapped)
		}
		// WaitN fails synchronously when n exceeds capacity or the
		// deadline cannot possibly be met.
		return fmt.Errorf("%w: stage %s: %v", faults.ErrRateLimited, l.name, err)
	}
	return nil
}

// Tokens reports the primary bucket's current balance. It can be negative
// while reservations from waiting acquirers are outstanding.
func (l *Limiter) Tokens() float64 {
	return l.primary.Tokens()
}

// Capacity returns the primary bucket size.
func (l *Limiter) Capacity() int { return l.capacity }

// Rate returns the steady refill rate in tokens per second.
func (l *Limiter) Rate() float64 { return l.perSec }
