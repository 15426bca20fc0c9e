package ratelimit

import (
	"fmt"
	"testing"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, Burst: 3, MaxKeys: 10})

	for i := 0; i < 3; i++ {
		if !l.Allow("ip1") {
			t.Fatalf("request %d within burst denied", i)
		}
	}
	if l.Allow("ip1") {
		t.Error("request beyond burst allowed")
	}
	// Independent key unaffected.
	if !l.Allow("ip2") {
		t.Error("fresh key denied")
	}
}

func TestLimiter_BoundedGrowth(t *testing.T) {
	const cap = 100
	l := NewLimiter(Config{RequestsPerMinute: 60, MaxKeys: cap})

	for i := 0; i < cap*10; i++ {
		l.Allow(fmt.Sprintf("sender-%d", i))
	}
	if got := l.Len(); got > cap {
		t.Errorf("tracked keys = %d, exceeds capacity %d", got, cap)
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, Burst: 1, MaxKeys: 10})
	if !l.Allow("k") {
		t.Fatal("first request denied")
	}
	if l.Allow("k") {
		t.Fatal("second request should be denied")
	}
	l.Reset("k")
	if !l.Allow("k") {
		t.Error("request after reset denied")
	}
}
