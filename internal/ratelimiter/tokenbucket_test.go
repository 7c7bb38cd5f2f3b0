package ratelimiter

import "testing"

func TestTokenBucketCreate(t *testing.T) {
	b := NewTokenBucket(1000, 0, false, 1000)
	if b.Capacity() != 1000 {
		t.Fatalf("capacity = %d, want 1000", b.Capacity())
	}
	if b.Budget() != 1000 {
		t.Fatalf("budget = %d, want full capacity 1000", b.Budget())
	}
	if b.RefillTimeMs() != 1000 {
		t.Fatalf("refill time = %d, want 1000", b.RefillTimeMs())
	}
	if b.OneTimeBurst() != 0 {
		t.Fatalf("one time burst = %d, want 0", b.OneTimeBurst())
	}
}

func TestTokenBucketPreprocess(t *testing.T) {
	// processedCapacity / processedRefillTime must reduce to the same
	// fraction as size / (refillTimeMs * nanosecInOneMillisec), regardless
	// of which factors of the gcd got folded into which term.
	b := NewTokenBucket(1000, 0, false, 1000)
	want := float64(1000) / float64(1000*nanosecInOneMillisec)
	got := float64(b.processedCapacity) / float64(b.processedRefillTime)
	if diff := got - want; diff > 1e-12 || diff < -1e-12 {
		t.Fatalf("preprocessed ratio = %v, want %v", got, want)
	}
}

func TestTokenBucketReduce(t *testing.T) {
	b := NewTokenBucket(1000, 0, false, 1000)
	if !b.Reduce(500) {
		t.Fatalf("expected reduce of half the budget to succeed")
	}
	if b.Budget() != 500 {
		t.Fatalf("budget after partial reduce = %d, want 500", b.Budget())
	}
	if !b.Reduce(500) {
		t.Fatalf("expected reduce of the remaining budget to succeed")
	}
	if b.Budget() != 0 {
		t.Fatalf("budget after full reduce = %d, want 0", b.Budget())
	}
	if b.Reduce(1) {
		t.Fatalf("expected reduce against an empty bucket to fail")
	}
}

func TestTokenBucketBurst(t *testing.T) {
	b := NewTokenBucket(100, 50, true, 1000)
	if b.OneTimeBurst() != 50 {
		t.Fatalf("burst = %d, want 50", b.OneTimeBurst())
	}
	// First 50 tokens draw from burst, leaving the main budget untouched.
	if !b.Reduce(50) {
		t.Fatalf("expected reduce within burst to succeed")
	}
	if b.OneTimeBurst() != 0 {
		t.Fatalf("burst after exhausting = %d, want 0", b.OneTimeBurst())
	}
	if b.Budget() != 100 {
		t.Fatalf("main budget should be untouched by burst draw, got %d", b.Budget())
	}
}

func TestTokenBucketOversizedRequest(t *testing.T) {
	b := NewTokenBucket(100, 0, false, 1000)
	// A request larger than total capacity is let through once, since the
	// budget starts completely full.
	if !b.Reduce(1000) {
		t.Fatalf("expected oversized request against a full bucket to be let through")
	}
	if b.Budget() != 0 {
		t.Fatalf("budget after oversized pass-through = %d, want 0", b.Budget())
	}
}

func TestTokenBucketReplenish(t *testing.T) {
	b := NewTokenBucket(100, 0, false, 1000)
	b.Reduce(100)
	if b.Budget() != 0 {
		t.Fatalf("budget after full reduce = %d, want 0", b.Budget())
	}
	b.Replenish(40)
	if b.Budget() != 40 {
		t.Fatalf("budget after replenish = %d, want 40", b.Budget())
	}
	b.Replenish(1000)
	if b.Budget() != b.Capacity() {
		t.Fatalf("replenish should not exceed capacity, got %d", b.Budget())
	}
}

func TestTokenBucketZeroSizeOrRefillIsAbsent(t *testing.T) {
	if b := NewTokenBucket(0, 0, false, 1000); b != nil {
		t.Fatalf("expected a zero-size bucket to be absent (nil), got %+v", b)
	}
	if b := NewTokenBucket(1000, 0, false, 0); b != nil {
		t.Fatalf("expected a zero-refill bucket to be absent (nil), got %+v", b)
	}
}

func TestTokenBucketReplenishCreditsBurstWhenPresent(t *testing.T) {
	b := NewTokenBucket(100, 10, true, 1000)
	b.Reduce(5) // drawn from burst, leaving 5 burst / 100 budget
	// Manual replenish credits whatever burst remains even when the
	// preceding draw came from the main budget instead.
	b.Replenish(5)
	if b.OneTimeBurst() != 10 {
		t.Fatalf("burst after replenish = %d, want 10", b.OneTimeBurst())
	}
	if b.Budget() != 100 {
		t.Fatalf("main budget should be untouched, got %d", b.Budget())
	}
}
