package httpmiddleware

import (
	"testing"
	"time"
)

func TestAllowConsumesAndRefills(t *testing.T) {
	l := NewRateLimiter(60) // one token per second
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 60; i++ {
		if !l.Allow("ui") {
			t.Fatalf("request %d denied within capacity", i)
		}
	}
	if l.Allow("ui") {
		t.Fatal("request beyond capacity allowed")
	}
	if !l.Allow("other-client") {
		t.Fatal("independent client throttled")
	}

	now = now.Add(2 * time.Second)
	if !l.Allow("ui") {
		t.Fatal("refill after idle time not applied")
	}
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := NewRateLimiter(60)
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	if len(l.buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(l.buckets))
	}

	now = now.Add(5 * time.Minute)
	l.Allow("a")
	if _, ok := l.buckets["b"]; ok {
		t.Fatal("idle bucket not swept")
	}
}
