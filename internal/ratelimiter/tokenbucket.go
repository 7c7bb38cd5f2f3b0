// Package ratelimiter implements token-bucket rate limiting for per-device
// bandwidth and operations/second throttling, with a pollable timer fd an
// external event loop can wait on.
package ratelimiter

import (
	"log/slog"
	"time"
)

const nanosecInOneMillisec uint64 = 1_000_000

// gcd is Euclid's algorithm, used by TokenBucket's constructor to find the
// smallest integers that preserve the refill-rate fraction exactly.
func gcd(x, y uint64) uint64 {
	for y != 0 {
		x, y = y, x%y
	}
	return x
}

// TokenBucket holds a capacity, an optional one-time burst, a refill time,
// the current budget and a last-update timestamp, plus preprocessed refill
// constants that let Reduce compute refill amounts with a single
// multiply-then-divide instead of overflowing intermediate fractions.
type TokenBucket struct {
	size         uint64
	oneTimeBurst uint64
	hasBurst     bool
	refillTimeMs uint64

	budget     uint64
	lastUpdate uint64 // nanoseconds, monotonic

	processedCapacity   uint64
	processedRefillTime uint64
}

// NewTokenBucket builds a bucket of size total capacity that takes
// refillTimeMs milliseconds to go from empty to full. oneTimeBurst (if
// hasBurst) is initial extra credit on top of size that does not
// replenish. The bucket starts full.
//
// Preprocessing: reduce by gcd(size, refillTimeMs), then reduce the result
// against 1_000_000 (nanoseconds per millisecond), so that
// processedCapacity / processedRefillTime == size / (refillTimeMs *
// 1_000_000) exactly, without risking overflow in the hot Reduce path.
//
// A zero size or zero refill time yields no bucket at all (nil): that
// dimension is then unthrottled and Reduce/Consume against it always
// succeeds. This also keeps the gcd preprocessing from dividing by zero.
func NewTokenBucket(size uint64, oneTimeBurst uint64, hasBurst bool, refillTimeMs uint64) *TokenBucket {
	if size == 0 || refillTimeMs == 0 {
		return nil
	}

	factor := gcd(size, refillTimeMs)
	processedCapacity := size / factor
	processedRefillTime := refillTimeMs / factor

	factor = gcd(processedCapacity, nanosecInOneMillisec)
	processedCapacity /= factor
	processedRefillTime *= nanosecInOneMillisec / factor

	return &TokenBucket{
		size:                size,
		oneTimeBurst:        oneTimeBurst,
		hasBurst:            hasBurst,
		refillTimeMs:        refillTimeMs,
		budget:              size,
		lastUpdate:          uint64(time.Now().UnixNano()),
		processedCapacity:   processedCapacity,
		processedRefillTime: processedRefillTime,
	}
}

// Reduce attempts to consume tokens from the bucket and reports whether it
// succeeded. Any remaining one-time burst is drawn first, then the main
// budget is refilled for elapsed time before testing whether it covers the
// request.
//
// Known issue: a request larger than the bucket's total size is satisfied
// opportunistically, once, when the budget happens to be completely full,
// rather than rejected outright or partially fulfilled.
func (b *TokenBucket) Reduce(tokens uint64) bool {
	if b.hasBurst && b.oneTimeBurst > 0 {
		if b.oneTimeBurst >= tokens {
			b.oneTimeBurst -= tokens
			b.lastUpdate = uint64(time.Now().UnixNano())
			return true
		}
		tokens -= b.oneTimeBurst
		b.oneTimeBurst = 0
	}

	now := uint64(time.Now().UnixNano())
	delta := now - b.lastUpdate
	b.lastUpdate = now

	b.budget += (delta * b.processedCapacity) / b.processedRefillTime
	if b.budget >= b.size {
		b.budget = b.size
	}

	if tokens > b.budget {
		if tokens > b.size && b.budget == b.size {
			// TODO: partial fulfillment for requests bigger than the
			// bucket can ever hold; for now let them through once the
			// budget is completely full so they are not refused forever.
			slog.Warn("consumed tokens exceed bucket capacity",
				"tokens", tokens, "capacity", b.size)
			b.budget = 0
			return true
		}
		return false
	}

	b.budget -= tokens
	return true
}

// Replenish manually credits tokens to the bucket. If burst credit remains
// it is topped up instead of the main budget, even when the immediately
// preceding Reduce actually drew from the main budget rather than the
// burst. The small resulting inaccuracy is tolerated.
func (b *TokenBucket) Replenish(tokens uint64) {
	if b.hasBurst && b.oneTimeBurst > 0 {
		b.oneTimeBurst += tokens
		return
	}
	b.budget += tokens
	if b.budget > b.size {
		b.budget = b.size
	}
}

// Capacity returns the bucket's total size.
func (b *TokenBucket) Capacity() uint64 { return b.size }

// OneTimeBurst returns the remaining one-time burst credit, 0 if none was
// configured or it has been exhausted.
func (b *TokenBucket) OneTimeBurst() uint64 {
	if !b.hasBurst {
		return 0
	}
	return b.oneTimeBurst
}

// RefillTimeMs returns the configured complete-refill time.
func (b *TokenBucket) RefillTimeMs() uint64 { return b.refillTimeMs }

// Budget returns the current main budget (burst credit notwithstanding).
func (b *TokenBucket) Budget() uint64 { return b.budget }
