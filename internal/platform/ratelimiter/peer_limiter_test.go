package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowEnforcesBurstThenRefills(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()

	if !l.Allow("peer", now) || !l.Allow("peer", now) {
		t.Fatal("burst tokens were not available")
	}
	if l.Allow("peer", now) {
		t.Fatal("third request within the burst window was allowed")
	}
	// One second at 1 rps refills one token.
	if !l.Allow("peer", now.Add(time.Second)) {
		t.Fatal("token did not refill")
	}
}

func TestAllowKeepsPeersIndependent(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()

	if !l.Allow("noisy", now) {
		t.Fatal("first request denied")
	}
	if l.Allow("noisy", now) {
		t.Fatal("noisy peer exceeded its bucket")
	}
	if !l.Allow("quiet", now) {
		t.Fatal("quiet peer was punished for the noisy one")
	}
}

func TestNilLimiterAndEmptyKeyAlwaysAllow(t *testing.T) {
	var l *PeerLimiter
	if !l.Allow("peer", time.Now()) {
		t.Fatal("nil limiter denied a request")
	}
	l.Forget("peer")
	if l.Tracked() != 0 {
		t.Fatal("nil limiter tracked a peer")
	}

	real := New(1, 1, time.Minute)
	if !real.Allow("", time.Now()) {
		t.Fatal("empty key was denied")
	}
}

func TestInvalidArgumentsDisableLimiting(t *testing.T) {
	if New(0, 10, time.Minute) != nil {
		t.Fatal("zero rate should produce a nil limiter")
	}
	if New(10, 0, time.Minute) != nil {
		t.Fatal("zero burst should produce a nil limiter")
	}
}

func TestForgetDropsBucket(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Now()
	l.Allow("peer", now)
	if l.Tracked() != 1 {
		t.Fatalf("Tracked = %d, want 1", l.Tracked())
	}

	l.Forget("peer")
	if l.Tracked() != 0 {
		t.Fatalf("Tracked after Forget = %d, want 0", l.Tracked())
	}
	// A forgotten peer starts with a fresh bucket.
	if !l.Allow("peer", now) {
		t.Fatal("forgotten peer did not get a fresh bucket")
	}
}

func TestIdleBucketsAreEvicted(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Now()
	l.Allow("idle", start)

	// Push past the eviction stride with a different peer well after the
	// idle peer's TTL expired.
	later := start.Add(time.Minute)
	for i := 0; i < evictEvery; i++ {
		l.Allow("busy", later)
	}
	if l.Tracked() != 1 {
		t.Fatalf("Tracked = %d, want only the busy peer", l.Tracked())
	}
}
