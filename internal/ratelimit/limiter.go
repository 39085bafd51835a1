package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PermitBytes is the granularity of the byte budget. Capacity is acquired in
// whole permits, so a 1-byte write still costs one permit.
const PermitBytes = 1024

// Limiter caps relay throughput at a target bytes-per-second ceiling using a
// continuously refilled token bucket. Burst is one second's budget. A nil
// Limiter applies no limit, so callers never branch on configuration.
type Limiter struct {
	bytesPerSecond int
	bucket         *rate.Limiter
}

// New returns a limiter for the given ceiling, or nil when bytesPerSecond is
// zero or negative (unlimited).
func New(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := bytesPerSecond / PermitBytes
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		bucket:         rate.NewLimiter(rate.Limit(float64(bytesPerSecond)/PermitBytes), burst),
	}
}

func permitsFor(n int) int {
	if n <= 0 {
		return 0
	}
	return (n + PermitBytes - 1) / PermitBytes
}

// WaitForCapacity blocks until the budget covers n bytes or ctx is done.
// Permits are acquired one at a time so requests larger than the burst still
// complete at the steady rate instead of failing.
func (l *Limiter) WaitForCapacity(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	for i := 0; i < permitsFor(n); i++ {
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// TryConsume reports whether the budget currently covers n bytes, consuming
// it when it does. It never blocks; a request beyond the burst capacity is
// always refused.
func (l *Limiter) TryConsume(n int) bool {
	if l == nil {
		return true
	}
	return l.bucket.AllowN(time.Now(), permitsFor(n))
}

// Rate returns the configured ceiling in bytes per second, 0 if unlimited.
func (l *Limiter) Rate() int {
	if l == nil {
		return 0
	}
	return l.bytesPerSecond
}
