//go:build linux

package ratelimiter

import (
	"errors"
	"time"
)

// TokenKind selects which of a RateLimiter's two independent buckets an
// operation draws from.
type TokenKind int

const (
	Bytes TokenKind = iota
	Ops
)

// refillTimerInterval is the delay of the one-shot timer a RateLimiter arms
// after a refusal; the timer does not repeat.
const refillTimerInterval = 100 * time.Millisecond

// errNoTimer is returned by OnEvent when called without a pending timer
// event.
var errNoTimer = errors.New("Rate limiter event handler called without a present timer")

// RateLimiter pairs an optional bandwidth (bytes) bucket with an optional
// ops (operations/second) bucket behind a single pollable fd. Either
// bucket may be nil, meaning that dimension is unlimited.
type RateLimiter struct {
	bandwidth *TokenBucket
	ops       *TokenBucket

	timer       *timer
	timerActive bool
}

// New builds a RateLimiter from the given buckets. Either may be nil.
func New(bandwidth, ops *TokenBucket) (*RateLimiter, error) {
	t, err := newTimer()
	if err != nil {
		return nil, err
	}
	return &RateLimiter{bandwidth: bandwidth, ops: ops, timer: t}, nil
}

func (r *RateLimiter) bucket(kind TokenKind) *TokenBucket {
	if kind == Ops {
		return r.ops
	}
	return r.bandwidth
}

// Consume attempts to draw tokens from the bucket for kind and reports
// whether the request is allowed. A nil bucket (that dimension unlimited)
// always allows. On refusal, a 100ms poll timer is armed (if not already)
// so a caller waiting on AsRawFd() wakes up to retry.
func (r *RateLimiter) Consume(tokens uint64, kind TokenKind) bool {
	b := r.bucket(kind)
	if b == nil {
		return true
	}

	ok := b.Reduce(tokens)
	if !ok && !r.timerActive {
		// One-shot: the next refused Consume re-arms if still blocked.
		if err := r.timer.arm(refillTimerInterval, 0); err == nil {
			r.timerActive = true
		}
	}
	return ok
}

// ManualReplenish credits tokens directly to the bucket for kind, bypassing
// the normal time-based refill.
func (r *RateLimiter) ManualReplenish(tokens uint64, kind TokenKind) {
	if b := r.bucket(kind); b != nil {
		b.Replenish(tokens)
	}
}

// IsBlocked reports whether a previous Consume call is still waiting on the
// refill timer to fire.
func (r *RateLimiter) IsBlocked() bool {
	return r.timerActive
}

// OnEvent must be called when AsRawFd() becomes readable. It drains the
// timer's expiration counter and clears the blocked state. Calling it
// without a timer actually pending is a programming error in the caller's
// event loop and is reported rather than silently ignored.
func (r *RateLimiter) OnEvent() error {
	if !r.timerActive {
		return errNoTimer
	}
	expired, err := r.timer.drain()
	if err != nil {
		return err
	}
	if !expired {
		return errNoTimer
	}
	r.timerActive = false
	return nil
}

// BucketUpdate is a replacement token-bucket configuration for
// UpdateBuckets. Passing nil for a dimension means "leave this bucket
// unchanged"; a non-nil BucketUpdate always replaces it, and a zero Size
// or RefillTimeMs replaces it with a disabled (nil) bucket, which is how a
// caller turns a dimension's limiting off.
type BucketUpdate struct {
	Size         uint64
	OneTimeBurst uint64
	HasBurst     bool
	RefillTimeMs uint64
}

// UpdateBuckets replaces whichever of bandwidth/ops is non-nil; a nil
// *BucketUpdate never touches the corresponding bucket. Known issue: a
// supplied update always rebuilds its bucket full, losing whatever budget
// the old one had accumulated.
func (r *RateLimiter) UpdateBuckets(bandwidth, ops *BucketUpdate) {
	if bandwidth != nil {
		r.bandwidth = NewTokenBucket(bandwidth.Size, bandwidth.OneTimeBurst, bandwidth.HasBurst, bandwidth.RefillTimeMs)
	}
	if ops != nil {
		r.ops = NewTokenBucket(ops.Size, ops.OneTimeBurst, ops.HasBurst, ops.RefillTimeMs)
	}
}

// BandwidthBucket returns the bandwidth bucket, or nil if unlimited.
func (r *RateLimiter) BandwidthBucket() *TokenBucket { return r.bandwidth }

// OpsBucket returns the ops bucket, or nil if unlimited.
func (r *RateLimiter) OpsBucket() *TokenBucket { return r.ops }

// AsRawFd returns the timerfd a caller's event loop should poll for
// readability; it becomes readable when a previously refused request may
// now succeed.
func (r *RateLimiter) AsRawFd() int {
	return r.timer.fd
}

// Close releases the underlying timerfd.
func (r *RateLimiter) Close() error {
	return r.timer.close()
}
