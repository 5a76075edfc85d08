package ratelimit

import "testing"

func TestAllowBurstThenThrottles(t *testing.T) {
	l := New(1, 2) // 1 req/s sustained, burst of 2
	ip := "10.0.0.1"

	if !l.Allow(ip) {
		t.Fatal("expected first request within burst to be allowed")
	}
	if !l.Allow(ip) {
		t.Fatal("expected second request within burst to be allowed")
	}
	if l.Allow(ip) {
		t.Fatal("expected third immediate request to exceed the burst")
	}
}

func TestAllowIsPerIP(t *testing.T) {
	l := New(1, 1)
	if !l.Allow("10.0.0.1") {
		t.Fatal("expected first IP's first request to be allowed")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("a different IP must have its own independent bucket")
	}
}

func TestZeroRateDisablesLimiting(t *testing.T) {
	l := New(0, 0)
	for i := 0; i < 1000; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("rate 0 must disable limiting entirely, rejected at request %d", i)
		}
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var l *Limiter
	if !l.Allow("10.0.0.1") {
		t.Fatal("a nil Limiter must behave as unlimited")
	}
}
